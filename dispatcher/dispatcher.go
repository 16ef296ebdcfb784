// Package dispatcher is the uniform RPC client the planner uses to call
// every pipeline stage (REWRITE, INTENT, SQL-GEN, SQL-EXEC, RANK, EVAL,
// FORMAT, CLARIFY). It wraps each call in a per-stage rate limiter, retry
// with exponential backoff, and a circuit breaker, then classifies any
// failure into one of the closed error kinds the planner reacts to.
//
// Grounded on the teacher's resilience.Retry/resilience.CircuitBreaker
// (backoff+jitter, ErrorClassifier splitting infrastructure failures from
// user errors) and the HTTP/JSON request shape of the teacher's
// ai.OpenAIClient (marshal request body, unmarshal response, pull a token
// usage block out of it into core.TokenUsage-shaped fields).
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/resilience"
)

// ErrorKind is the closed taxonomy every stage failure gets reduced to
// before it reaches the planner.
type ErrorKind string

const (
	ErrorKindTransientUpstream ErrorKind = "transient_upstream"
	ErrorKindStageMalformed    ErrorKind = "stage_malformed"
	ErrorKindStageRefused      ErrorKind = "stage_refused"
	ErrorKindConversationBusy  ErrorKind = "conversation_busy"
	ErrorKindDeadlineExceeded  ErrorKind = "deadline_exceeded"
	ErrorKindStoreUnavailable  ErrorKind = "store_unavailable"
)

// StageError carries the classified kind alongside the underlying cause.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Envelope is one stage invocation request.
type Envelope struct {
	Stage          string
	Endpoint       string
	Payload        interface{}
	TimeoutMS      int
	MaxRetries     int
	RetryBackoffMS int
}

// UsageBlock is the token usage a stage response may carry, in the same
// shape as the teacher's core.TokenUsage.
type UsageBlock struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// stageResponseEnvelope is the wire shape every stage is expected to
// return: the stage-specific result nested under "result", with an
// optional usage block alongside it.
type stageResponseEnvelope struct {
	Result json.RawMessage `json:"result"`
	Usage  *UsageBlock     `json:"usage,omitempty"`
}

// StageResult is what Call returns on success.
type StageResult struct {
	Stage   string
	Result  json.RawMessage
	Usage   UsageBlock
	Elapsed time.Duration
}

// Dispatcher owns the per-stage rate limiters and circuit breakers and
// performs the HTTP round trip.
type Dispatcher struct {
	httpClient *http.Client
	logger     core.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*resilience.CircuitBreaker
}

// New creates a Dispatcher. httpClient may be nil to use a sensible default.
func New(httpClient *http.Client, logger core.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Dispatcher{
		httpClient: httpClient,
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
}

func (d *Dispatcher) limiterFor(stage string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[stage]
	if !ok {
		// 10 req/s steady state, burst 5, per stage — generous enough not to
		// throttle a single conversation's turn, tight enough to protect a
		// stage pod from a thundering herd of concurrent conversations.
		l = rate.NewLimiter(rate.Limit(10), 5)
		d.limiters[stage] = l
	}
	return l
}

func (d *Dispatcher) breakerFor(stage string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[stage]
	if !ok {
		cfg := resilience.DefaultConfig()
		cfg.Name = stage
		cfg.Logger = d.logger
		cfg.ErrorClassifier = errorCountsAsBreakerFailure
		cb = resilience.NewCircuitBreakerWithConfig(cfg)
		d.breakers[stage] = cb
	}
	return cb
}

// errorCountsAsBreakerFailure is the stage RPC domain's circuit breaker
// ErrorClassifier: it reduces err through the same classify taxonomy the
// planner sees, so a stage rejecting a malformed call (ErrorKindStageRefused/
// ErrorKindStageMalformed) never trips the breaker, while genuine
// infrastructure failures (timeouts, transient upstream errors) do. This
// keeps one taxonomy (ErrorKind) driving both the planner's error handling
// and the breaker's trip decision, instead of the breaker classifying
// against its own copy of the stage-refusal sentinels.
func errorCountsAsBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch classify(err, 0, context.Background()) {
	case ErrorKindStageRefused, ErrorKindStageMalformed:
		return false
	default:
		return true
	}
}

// Call performs one stage invocation: rate-limit, circuit-break, retry on
// transient failure, classify whatever comes back. The returned error, if
// non-nil, is always a *StageError.
func (d *Dispatcher) Call(ctx context.Context, env Envelope) (StageResult, error) {
	limiter := d.limiterFor(env.Stage)
	if err := limiter.Wait(ctx); err != nil {
		return StageResult{}, &StageError{Stage: env.Stage, Kind: ErrorKindDeadlineExceeded, Err: err}
	}

	timeout := time.Duration(env.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := d.breakerFor(env.Stage)
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   maxInt(env.MaxRetries, 1) + 1,
		InitialDelay:  durationOrDefault(env.RetryBackoffMS, 200*time.Millisecond),
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}

	var result StageResult
	var statusCode int

	err := resilience.RetryWithCircuitBreaker(callCtx, retryCfg, cb, func() error {
		res, code, err := d.doRequest(callCtx, env)
		statusCode = code
		if err != nil {
			// 4xx (other than 429) and unparsable bodies are caller/contract
			// errors, not infrastructure blips — fail fast instead of
			// burning the retry budget on something a retry can't fix.
			if errors.Is(err, core.ErrStageRefused) || errors.Is(err, core.ErrStageMalformed) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	})

	if err == nil {
		return result, nil
	}

	kind := classify(err, statusCode, callCtx)
	d.logger.WarnWithContext(ctx, "stage call failed", map[string]interface{}{
		"stage":       env.Stage,
		"endpoint":    env.Endpoint,
		"error_kind":  string(kind),
		"status_code": statusCode,
		"error":       err.Error(),
	})
	return StageResult{}, &StageError{Stage: env.Stage, Kind: kind, Err: err}
}

func (d *Dispatcher) doRequest(ctx context.Context, env Envelope) (StageResult, int, error) {
	start := time.Now()

	body, err := json.Marshal(env.Payload)
	if err != nil {
		return StageResult{}, 0, fmt.Errorf("marshaling payload for stage %s: %w", env.Stage, core.ErrStageMalformed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.Endpoint, bytes.NewReader(body))
	if err != nil {
		return StageResult{}, 0, fmt.Errorf("building request for stage %s: %w", env.Stage, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return StageResult{}, 0, fmt.Errorf("calling stage %s: %w", env.Stage, core.ErrStageTimeout)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StageResult{}, resp.StatusCode, fmt.Errorf("reading response from stage %s: %w", env.Stage, core.ErrStageMalformed)
	}

	if resp.StatusCode >= 500 {
		return StageResult{}, resp.StatusCode, fmt.Errorf("stage %s returned %d: %w", env.Stage, resp.StatusCode, core.ErrStageTimeout)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return StageResult{}, resp.StatusCode, fmt.Errorf("stage %s rate limited: %w", env.Stage, core.ErrStageTimeout)
	}
	if resp.StatusCode >= 400 {
		return StageResult{}, resp.StatusCode, fmt.Errorf("stage %s rejected request (%d): %w", env.Stage, resp.StatusCode, core.ErrStageRefused)
	}

	var envelope stageResponseEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return StageResult{}, resp.StatusCode, fmt.Errorf("decoding response from stage %s: %w", env.Stage, core.ErrStageMalformed)
	}

	usage := UsageBlock{}
	if envelope.Usage != nil {
		usage = *envelope.Usage
	}

	return StageResult{
		Stage:   env.Stage,
		Result:  envelope.Result,
		Usage:   usage,
		Elapsed: time.Since(start),
	}, resp.StatusCode, nil
}

// classify reduces an error plus HTTP status into the closed ErrorKind
// taxonomy the planner reacts to.
func classify(err error, statusCode int, ctx context.Context) ErrorKind {
	switch {
	case ctx.Err() != nil:
		return ErrorKindDeadlineExceeded
	case errors.Is(err, core.ErrConversationBusy):
		return ErrorKindConversationBusy
	case errors.Is(err, core.ErrStoreUnavailable):
		return ErrorKindStoreUnavailable
	case errors.Is(err, core.ErrStageRefused):
		return ErrorKindStageRefused
	case errors.Is(err, core.ErrStageMalformed):
		return ErrorKindStageMalformed
	case errors.Is(err, core.ErrCircuitOpen):
		return ErrorKindTransientUpstream
	case statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests:
		return ErrorKindStageRefused
	default:
		return ErrorKindTransientUpstream
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
