package dispatcher

import (
	"context"
	"time"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/resilience"
)

// ResultArtifact is opaque to the planner core beyond these fields: an
// identifier, title, short summary, and optional long-form content.
// Produced by SQL-EXEC, rank-ordered by RANK, rendered by FORMAT.
type ResultArtifact struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Content string `json:"content,omitempty"`
}

// QuerySpec is what SQL-GEN hands to SQL-EXEC: either a template reference
// or an ad-hoc SQL string, plus bound parameters and the declared row
// limit.
type QuerySpec struct {
	SQL        string
	TemplateID string
	Parameters map[string]interface{}
	Limit      int
}

// CorpusStore is SQL-EXEC's interface. It is the one stage not reached by
// HTTP/JSON RPC — a direct query against the corpus database — specified
// here at its interface only, per the grounding note in
// original_source/.../server/src/services/python/query_optimizer.py: no
// SQL driver ships with this interface, StubCorpusStore fulfills it for
// tests.
type CorpusStore interface {
	Query(ctx context.Context, spec QuerySpec) ([]ResultArtifact, int, error)
}

// StubCorpusStore is a CorpusStore that always returns an empty result set.
// Used where no corpus database is configured, and in tests.
type StubCorpusStore struct{}

func (StubCorpusStore) Query(ctx context.Context, spec QuerySpec) ([]ResultArtifact, int, error) {
	return nil, 0, nil
}

// Query drives a CorpusStore call through the Dispatcher's retry/circuit-
// breaker/timeout plumbing, keeping SQL-EXEC inside the same error taxonomy
// as the HTTP stages rather than a bespoke code path.
func (d *Dispatcher) Query(ctx context.Context, store CorpusStore, spec QuerySpec, timeoutMS, maxRetries, retryBackoffMS int) ([]ResultArtifact, int, error) {
	limiter := d.limiterFor(core.StageSQLExec)
	if err := limiter.Wait(ctx); err != nil {
		return nil, 0, &StageError{Stage: core.StageSQLExec, Kind: ErrorKindDeadlineExceeded, Err: err}
	}

	timeout := durationOrDefault(timeoutMS, 10*time.Second)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := d.breakerFor(core.StageSQLExec)
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   maxInt(maxRetries, 1) + 1,
		InitialDelay:  durationOrDefault(retryBackoffMS, 200*time.Millisecond),
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}

	var artifacts []ResultArtifact
	var total int

	err := resilience.RetryWithCircuitBreaker(callCtx, retryCfg, cb, func() error {
		rows, count, err := store.Query(callCtx, spec)
		if err != nil {
			return err
		}
		artifacts = rows
		total = count
		return nil
	})
	if err != nil {
		return nil, 0, &StageError{Stage: core.StageSQLExec, Kind: classify(err, 0, callCtx), Err: err}
	}
	return artifacts, total, nil
}
