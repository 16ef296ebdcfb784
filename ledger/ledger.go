// Package ledger accumulates per-request model usage (tokens, cost, elapsed
// time) across every stage call in a turn so the final response can report
// total_tokens/total_cost_usd, the way the teacher's core.AIResponse.Usage
// shape is carried through a single tool call, generalized here to a whole
// pipeline of calls.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// Outcome classifies how a stage call completed.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeStageError  Outcome = "stage-error"
	OutcomeMalformed   Outcome = "malformed"
)

// StageCallRecord is one entry in the ledger, in call order.
type StageCallRecord struct {
	Stage             string    `json:"stage"`
	Model             string    `json:"model,omitempty"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	ElapsedMS         int64     `json:"elapsed_ms"`
	Outcome           Outcome   `json:"outcome"`
	CostUSD           float64   `json:"cost_usd"`
	RecordedAt        time.Time `json:"recorded_at"`
	requestID         string
}

// Snapshot is the ledger's final report, produced once a route completes or aborts.
type Snapshot struct {
	TotalPromptTokens     int               `json:"total_prompt_tokens"`
	TotalCompletionTokens int               `json:"total_completion_tokens"`
	TotalTokens           int               `json:"total_tokens"`
	TotalCostUSD          float64           `json:"total_cost_usd"`
	PerStage              []StageCallRecord `json:"per_stage"`
}

// Ledger accumulates StageCallRecords for a single request. It is not safe
// for use across concurrent requests — callers create one Ledger per turn.
type Ledger struct {
	mu        sync.Mutex
	requestID string
	records   []StageCallRecord
	seen      map[string]bool // (stage) -> recorded, for idempotency within this request
	prices    map[string]core.ModelPrice
	logger    core.Logger
}

// New creates a Ledger scoped to one request, with the price table used to
// derive cost on record().
func New(requestID string, prices map[string]core.ModelPrice, logger core.Logger) *Ledger {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Ledger{
		requestID: requestID,
		records:   make([]StageCallRecord, 0, 8),
		seen:      make(map[string]bool),
		prices:    prices,
		logger:    logger,
	}
}

// Record adds one stage call to the ledger. Idempotent on (requestID, stage):
// a second call for the same stage within this request is dropped silently,
// since ledger failures must never fail the request.
func (l *Ledger) Record(stage, model string, promptTokens, completionTokens int, elapsed time.Duration, outcome Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen[stage] {
		return
	}
	l.seen[stage] = true

	cost, modelUnknown := l.costFor(model, promptTokens, completionTokens)

	rec := StageCallRecord{
		Stage:            stage,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		ElapsedMS:        elapsed.Milliseconds(),
		Outcome:          outcome,
		CostUSD:          cost,
		RecordedAt:       time.Now(),
		requestID:        l.requestID,
	}
	l.records = append(l.records, rec)

	fields := map[string]interface{}{
		"event":             "stage_token_usage",
		"stage":             stage,
		"model":             model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
		"elapsed_ms":        rec.ElapsedMS,
		"outcome":           string(outcome),
	}
	if modelUnknown && model != "" {
		fields["warning"] = "model_unknown"
		l.logger.Warn("stage token usage with unpriced model", fields)
	} else {
		l.logger.Info("stage token usage", fields)
	}
}

func (l *Ledger) costFor(model string, prompt, completion int) (cost float64, unknown bool) {
	if model == "" {
		return 0, false
	}
	price, ok := l.prices[model]
	if !ok {
		return 0, true
	}
	cost = float64(prompt)/1000.0*price.PromptRateUSDPer1K + float64(completion)/1000.0*price.CompletionRateUSDPer1K
	return cost, false
}

// Snapshot produces the final ledger report. Safe to call multiple times;
// each call reflects the records accumulated so far.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		PerStage: make([]StageCallRecord, len(l.records)),
	}
	copy(snap.PerStage, l.records)

	for _, r := range l.records {
		snap.TotalPromptTokens += r.PromptTokens
		snap.TotalCompletionTokens += r.CompletionTokens
		snap.TotalCostUSD += r.CostUSD
	}
	snap.TotalTokens = snap.TotalPromptTokens + snap.TotalCompletionTokens
	return snap
}

// String implements fmt.Stringer for debug logging.
func (s Snapshot) String() string {
	return fmt.Sprintf("tokens=%d cost_usd=%.4f stages=%d", s.TotalTokens, s.TotalCostUSD, len(s.PerStage))
}
