// Package planner is the pipeline planner: the core of the core. It walks
// one conversation turn through LOAD -> REWRITE -> INTENT -> (RESOLVE-REF?)
// -> ROUTE-DECIDE -> {CLARIFY-STREAM | CACHE-PROBE -> DATA -> (RANK?) ->
// (EVAL?) -> FORMAT-STREAM} -> PERSIST -> DONE, streaming progress and a
// single final answer via an emit callback.
//
// Grounded on the teacher's orchestration.Orchestrator.ProcessRequestStreaming
// (context-key correlation, sequential stage execution feeding later
// stages' inputs) and orchestration.Executor's sequential-step pattern. The
// state machine here is an explicit Go enum driving a switch, not the
// teacher's generic workflow.Engine/WorkflowDAG — that engine's
// arbitrary-branching HITL-gated DAGs are overkill for this strictly
// linear route.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/cache"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/convstore"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/dispatcher"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/ledger"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/reference"
)

// ServiceName identifies this orchestrator in the final event's metadata.
const ServiceName = "ceci-bot-chain-orchestrator"

// PipelineVersion is folded into the cache key so a stage-contract change
// invalidates previously cached answers instead of serving stale shapes.
const PipelineVersion = "v1"

const defaultDeclaredLimit = 20

// state is one node of the per-turn state machine.
type state int

const (
	stateLoad state = iota
	stateRewrite
	stateIntent
	stateResolveRef
	stateRouteDecide
	stateClarifyStream
	stateCacheProbe
	stateData
	stateRank
	stateEval
	stateFormatStream
	statePersist
	stateDone
	stateAborted
)

// Planner wires the conversation store, response cache, dispatcher, and
// corpus store into the per-turn algorithm.
type Planner struct {
	cfg         *core.Config
	store       convstore.Store
	respCache   cache.Cache
	bypass      *cache.BypassTracker
	dispatch    *dispatcher.Dispatcher
	corpusStore dispatcher.CorpusStore
	logger      core.Logger
	locks       *ConvLocks
}

// New creates a Planner. logger may be nil (defaults to a no-op logger).
func New(cfg *core.Config, store convstore.Store, respCache cache.Cache, bypass *cache.BypassTracker, disp *dispatcher.Dispatcher, corpusStore dispatcher.CorpusStore, logger core.Logger) *Planner {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Planner{
		cfg:         cfg,
		store:       store,
		respCache:   respCache,
		bypass:      bypass,
		dispatch:    disp,
		corpusStore: corpusStore,
		logger:      logger,
		locks:       NewConvLocks(),
	}
}

// turnState carries everything accumulated as one turn walks the state
// machine. One instance per Run call; never shared across turns.
type turnState struct {
	ctx       context.Context
	req       TurnRequest
	emit      EmitFunc
	requestID string
	startTime time.Time
	ledger    *ledger.Ledger

	conv          *convstore.Conversation
	storeDegraded bool

	rawText   string
	cleanText string

	intent         intentResponse
	refScan        reference.Matches
	resolution     reference.Resolution
	effectiveFrame map[string]interface{}
	scopeBreak     bool

	// entityDelta/entityMode are computed at ROUTE-DECIDE but not applied to
	// the store until a successful PERSIST, so a required-stage failure
	// downstream leaves the stored entity frame untouched.
	entityDelta map[string]interface{}
	entityMode  convstore.EntityMergeMode

	needsClarify   bool
	clarifyReason  string
	clarifyMissing []reference.FrameKey

	cacheable bool
	cacheKey  string
	cacheHit  bool
	cacheTTL  time.Duration

	declaredLimit int
	artifacts     []dispatcher.ResultArtifact
	totalCount    int
	evalResult    *evalResponse

	response       string
	errKind        dispatcher.ErrorKind
	aborted        bool
	abortedMessage string
}

// Run executes the full per-turn algorithm, streaming events via emit.
// The returned error is non-nil only for conditions the caller (the HTTP
// layer) must itself react to (a request canceled or timed out while
// waiting for the conversation lock); a busy conversation and every
// stage-level failure are absorbed into a graceful apology event
// instead of propagating, per §7's "planner never raises an unclassified
// exception to the HTTP layer".
func (p *Planner) Run(ctx context.Context, req TurnRequest, emit EmitFunc) error {
	requestID := uuid.NewString()
	ctx = WithRequestID(ctx, requestID)
	ctx = WithTraceID(ctx, req.TraceID)

	deadline := p.cfg.TotalRequestDeadline
	workCtx, cancel := context.WithTimeout(ctx, deadline)
	defer func() { cancel() }()

	release, err := p.locks.Acquire(workCtx, req.ConvID, p.cfg.ConvBusyWait)
	if err != nil {
		if errors.Is(err, core.ErrConversationBusy) {
			emit(Event{Kind: EventKindFinal, Final: true, Response: apologyFor(dispatcher.ErrorKindConversationBusy)})
			return nil
		}
		return err
	}
	defer release()

	ts := &turnState{
		ctx:           workCtx,
		req:           req,
		emit:          emit,
		requestID:     requestID,
		startTime:     time.Now(),
		ledger:        ledger.New(requestID, p.cfg.ModelPrices, p.logger),
		rawText:       req.RawText,
		declaredLimit: defaultDeclaredLimit,
	}

	cur := stateLoad
	for {
		var next state
		switch cur {
		case stateLoad:
			next = p.stepLoad(ts)
		case stateRewrite:
			next = p.stepRewrite(ts)
		case stateIntent:
			next = p.stepIntent(ts)
		case stateResolveRef:
			next = p.stepResolveRef(ts)
		case stateRouteDecide:
			next = p.stepRouteDecide(ts)
		case stateClarifyStream:
			next = p.stepClarifyStream(ts)
		case stateCacheProbe:
			next = p.stepCacheProbe(ts)
		case stateData:
			next = p.stepData(ts)
		case stateRank:
			next = p.stepRank(ts)
		case stateEval:
			next = p.stepEval(ts)
		case stateFormatStream:
			next = p.stepFormatStream(ts)
		case statePersist:
			next = p.stepPersist(ts)
		case stateDone:
			return nil
		case stateAborted:
			p.emitAbort(ts)
			return nil
		default:
			return fmt.Errorf("planner: unreachable state %d", cur)
		}
		cur = next

		if deadline == p.cfg.TotalRequestDeadline && needsEvalDeadline(ts.intent.Intent) && cur > stateIntent {
			cancel()
			deadline = p.cfg.TotalRequestDeadlineEval
			workCtx, cancel = context.WithTimeout(ctx, deadline)
			ts.ctx = workCtx
		}
	}
}

func needsEvalDeadline(intent string) bool {
	return intent == core.IntentAnalysis || intent == core.IntentEval
}

func (p *Planner) emitAbort(ts *turnState) {
	msg := ts.abortedMessage
	if msg == "" {
		msg = apologyFor(ts.errKind)
	}
	ts.emit(Event{
		Kind:     EventKindFinal,
		Final:    true,
		Response: msg,
		Metadata: p.metadataFor(ts, "", 0),
	})
}

func (p *Planner) metadataFor(ts *turnState, intent string, confidence float64) *ResponseMetadata {
	return &ResponseMetadata{
		Intent:           intent,
		Confidence:       confidence,
		ProcessingTimeMS: time.Since(ts.startTime).Milliseconds(),
		Service:          ServiceName,
		TokenUsage:       ts.ledger.Snapshot(),
		StoreDegraded:    ts.storeDegraded,
	}
}

// --- stage helpers ---

// call invokes one HTTP stage through the dispatcher, decodes its result
// into out (if non-nil), and records the call on the ledger regardless of
// outcome.
func (p *Planner) call(ctx context.Context, l *ledger.Ledger, stage string, payload interface{}, out interface{}) error {
	sc := p.cfg.Stages[stage]
	env := dispatcher.Envelope{
		Stage:          stage,
		Endpoint:       sc.Endpoint,
		Payload:        payload,
		TimeoutMS:      sc.TimeoutMS,
		MaxRetries:     sc.MaxRetries,
		RetryBackoffMS: int(sc.BaseDelay.Milliseconds()),
	}

	res, err := p.dispatch.Call(ctx, env)
	if err != nil {
		var se *dispatcher.StageError
		outcome := ledger.OutcomeStageError
		if errors.As(err, &se) {
			switch se.Kind {
			case dispatcher.ErrorKindDeadlineExceeded:
				outcome = ledger.OutcomeTimeout
			case dispatcher.ErrorKindStageMalformed:
				outcome = ledger.OutcomeMalformed
			}
		}
		l.Record(stage, "", 0, 0, 0, outcome)
		return err
	}

	if out != nil && len(res.Result) > 0 {
		if uerr := json.Unmarshal(res.Result, out); uerr != nil {
			l.Record(stage, res.Usage.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Elapsed, ledger.OutcomeMalformed)
			return fmt.Errorf("decoding %s response: %w", stage, core.ErrStageMalformed)
		}
	}

	l.Record(stage, res.Usage.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Elapsed, ledger.OutcomeOK)
	return nil
}

func classifyErr(err error) dispatcher.ErrorKind {
	var se *dispatcher.StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return dispatcher.ErrorKindTransientUpstream
}
