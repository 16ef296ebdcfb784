package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/cache"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/convstore"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/dispatcher"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/ledger"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/reference"
)

// stepLoad is state LOAD: fetch the conversation, or create a fresh one.
// A store failure degrades to an ephemeral in-memory conversation for this
// request rather than aborting the turn (§7's store_unavailable kind).
func (p *Planner) stepLoad(ts *turnState) state {
	conv, err := p.store.Load(ts.req.ConvID)
	if err != nil {
		p.logger.WarnWithContext(ts.ctx, "conversation store unavailable, degrading for this request", map[string]interface{}{
			"conv_id": ts.req.ConvID,
			"error":   err.Error(),
		})
		ts.storeDegraded = true
		conv = nil
	}
	if conv == nil {
		now := time.Now()
		conv = &convstore.Conversation{
			ConvID:      ts.req.ConvID,
			EntityFrame: map[string]interface{}{},
			Created:     now,
			LastTouch:   now,
		}
	}
	ts.conv = conv
	return stateRewrite
}

// stepRewrite is state REWRITE (§4.5 step 2). On failure the raw text is
// used downstream instead (soft-degrade) — REWRITE is not required.
func (p *Planner) stepRewrite(ts *turnState) state {
	ts.emit(Event{Kind: EventKindProgress, Stage: core.StageRewrite, Message: "מנתח את השאלה..."})

	var resp rewriteResponse
	err := p.call(ts.ctx, ts.ledger, core.StageRewrite, map[string]interface{}{
		"text":    ts.rawText,
		"conv_id": ts.req.ConvID,
	}, &resp)
	if err != nil || resp.CleanText == "" {
		ts.cleanText = ts.rawText
		return stateIntent
	}
	ts.cleanText = resp.CleanText
	return stateIntent
}

// stepIntent is state INTENT (§4.5 step 3). INTENT is required; its
// failure aborts the turn.
func (p *Planner) stepIntent(ts *turnState) state {
	ts.emit(Event{Kind: EventKindProgress, Stage: core.StageIntent, Message: "מזהה את הכוונה..."})

	var resp intentResponse
	err := p.call(ts.ctx, ts.ledger, core.StageIntent, map[string]interface{}{
		"clean_text":     ts.cleanText,
		"conv_id":        ts.req.ConvID,
		"context_digest": contextDigest(ts.conv),
	}, &resp)
	if err != nil {
		ts.errKind = classifyErr(err)
		ts.aborted = true
		return stateAborted
	}
	ts.intent = resp

	if resp.Intent == core.IntentUnclear && resp.Confidence < 0.5 {
		ts.needsClarify = true
		ts.clarifyReason = "unclear_intent"
		return stateRouteDecide
	}
	return stateResolveRef
}

// contextDigest builds the compact conversation summary INTENT may use to
// disambiguate a follow-up turn.
func contextDigest(conv *convstore.Conversation) string {
	if conv == nil || len(conv.Turns) == 0 {
		return ""
	}
	var b strings.Builder
	start := 0
	if len(conv.Turns) > 3 {
		start = len(conv.Turns) - 3
	}
	for _, t := range conv.Turns[start:] {
		fmt.Fprintf(&b, "%s -> %s\n", t.CleanText, t.Response)
	}
	return b.String()
}

// stepResolveRef is state RESOLVE-REF (§4.5 step 4): scan for closed-
// vocabulary reference tokens and bind them against the Last Result Set.
func (p *Planner) stepResolveRef(ts *turnState) state {
	ts.refScan = reference.Scan(ts.cleanText)

	if ts.intent.Intent == core.IntentResultRef || ts.refScan.HasReferenceTokens() {
		lr := reference.LastResult{}
		if ts.conv.LastResult != nil {
			lr.IDs = ts.conv.LastResult.IDs
		}
		ts.resolution = reference.Resolve(ts.refScan, lr)
		if ts.resolution.Ambiguous {
			ts.needsClarify = true
			ts.clarifyReason = "ambiguous_reference"
			return stateRouteDecide
		}
	}
	return stateRouteDecide
}

// stepRouteDecide is state ROUTE-DECIDE (§4.5 step 5 entity-frame update,
// plus the required-slot check that feeds step 7's clarification branch).
func (p *Planner) stepRouteDecide(ts *turnState) state {
	delta := map[string]interface{}{}
	for k, v := range ts.intent.Entities {
		delta[k] = v
	}
	if ts.resolution.DecisionNumber != "" {
		delta[string(reference.FrameKeyDecisionNumber)] = ts.resolution.DecisionNumber
	}

	oldFrame := ts.conv.EntityFrame
	if oldFrame == nil {
		oldFrame = map[string]interface{}{}
	}

	ts.scopeBreak = detectScopeBreak(ts.intent.Intent, ts.refScan.HasReferenceTokens(), oldFrame, delta)
	ts.effectiveFrame = mergeFrame(oldFrame, delta)

	// The entity frame update itself is deferred to PERSIST: DATA, RANK,
	// EVAL, and FORMAT can still abort this turn, and spec §4.5 step 12
	// requires a failed required stage to leave entities, Last Result Set,
	// and cache untouched. Only the computed delta/mode are stashed here.
	mode := convstore.MergeMode
	if ts.scopeBreak {
		mode = convstore.ReplaceScopeMode
	}
	ts.entityDelta = delta
	ts.entityMode = mode

	if !ts.needsClarify {
		if ts.intent.RouteFlags.NeedsClarification || ts.intent.Intent == core.IntentClarificationNeeded {
			ts.needsClarify = true
			ts.clarifyReason = "stage_requested_clarification"
		} else if reference.RequiresMultipleSubjects(ts.intent.Intent) {
			if !hasMultipleSubjects(ts.effectiveFrame) {
				ts.needsClarify = true
				ts.clarifyReason = "missing_comparison_subjects"
			}
		} else {
			missing := missingRequiredSlots(ts.intent.Intent, ts.effectiveFrame)
			if len(missing) > 0 {
				ts.needsClarify = true
				ts.clarifyReason = "missing_required_slot"
				ts.clarifyMissing = missing
			}
		}
	}

	if ts.needsClarify {
		return stateClarifyStream
	}
	return stateCacheProbe
}

// hasMultipleSubjects is a conservative check for COMPARISON's "≥2
// distinguishable subjects" requirement: it looks only at a "subjects"
// slice in the frame and needs two or more entries there. Other frame keys,
// such as several decision numbers, are not counted.
func hasMultipleSubjects(frame map[string]interface{}) bool {
	if subs, ok := frame["subjects"].([]interface{}); ok {
		return len(subs) >= 2
	}
	if subs, ok := frame["subjects"].([]string); ok {
		return len(subs) >= 2
	}
	return false
}

// stepClarifyStream is state CLARIFY-STREAM (§4.5 step 7): invoke CLARIFY,
// stream its question as the final answer, and persist turns without
// touching the cache or Last Result Set.
func (p *Planner) stepClarifyStream(ts *turnState) state {
	ts.emit(Event{Kind: EventKindProgress, Stage: core.StageClarify, Message: "בודק אילו פרטים חסרים..."})
	p.logger.Debug("clarification branch taken", map[string]interface{}{
		"conv_id": ts.req.ConvID, "reason": ts.clarifyReason,
	})

	missingLabels := make([]string, 0, len(ts.clarifyMissing))
	for _, k := range ts.clarifyMissing {
		if label, ok := reference.HebrewSlotLabel[k]; ok {
			missingLabels = append(missingLabels, label)
		}
	}

	var resp clarifyResponse
	err := p.call(ts.ctx, ts.ledger, core.StageClarify, map[string]interface{}{
		"known_entities": ts.effectiveFrame,
		"missing_slots":  missingLabels,
		"conv_id":        ts.req.ConvID,
	}, &resp)
	if err != nil {
		ts.errKind = classifyErr(err)
		ts.aborted = true
		return stateAborted
	}

	ts.response = resp.Question
	ts.emit(Event{
		Kind:     EventKindFinal,
		Final:    true,
		Response: ts.response,
		Metadata: p.metadataFor(ts, ts.intent.Intent, ts.intent.Confidence),
	})
	return statePersist
}

// stepCacheProbe is state CACHE-PROBE (§4.5 step 6). On a hit, the cached
// answer is streamed immediately and the turn proceeds straight to
// PERSIST — DATA/RANK/EVAL/FORMAT are skipped entirely.
func (p *Planner) stepCacheProbe(ts *turnState) state {
	hasDecisionNumber := false
	if _, ok := ts.effectiveFrame[string(reference.FrameKeyDecisionNumber)]; ok {
		hasDecisionNumber = true
	}
	ts.cacheable = cache.Cacheable(ts.intent.Intent, ts.refScan.HasReferenceTokens(), hasDecisionNumber, hasTimeRelativeOperator(ts.cleanText))
	ts.cacheTTL = cache.TTLForIntent(ts.intent.Intent, p.cfg.CacheTTLByIntent)
	ts.cacheKey = cache.Key(PipelineVersion, ts.cleanText, ts.effectiveFrame)

	bypass := p.bypass.ConsumeAndClear(ts.req.ConvID)
	if ts.cacheable && !bypass && p.respCache != nil {
		if entry, ok := p.respCache.Get(ts.cacheKey); ok {
			ts.response = entry.FormattedAnswer
			ts.cacheHit = true
			ts.emit(Event{
				Kind:     EventKindFinal,
				Final:    true,
				Response: ts.response,
				Metadata: p.metadataFor(ts, ts.intent.Intent, ts.intent.Confidence),
			})
			return statePersist
		}
	}
	return stateData
}

var timeRelativeWords = []string{"עדכני", "עדכנית", "לאחרונה", "החדש ביותר", "החדשה ביותר", "הכי עדכני"}

// hasTimeRelativeOperator reports whether text names a clock-dependent
// freshness operator, independent of the reference-scanner's ordinal
// "last" token (which already gates cacheability via HasReferenceTokens).
func hasTimeRelativeOperator(text string) bool {
	for _, w := range timeRelativeWords {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// stepData is state DATA (§4.5 step 8): SQL-GEN chooses a query, SQL-EXEC
// runs it through the Dispatcher's CorpusStore integration.
func (p *Planner) stepData(ts *turnState) state {
	ts.emit(Event{Kind: EventKindProgress, Stage: core.StageSQLGen, Message: "מחפש החלטות רלוונטיות..."})

	if limit, ok := numericFrameValue(ts.effectiveFrame[string(reference.FrameKeyResultLimit)]); ok && limit > 0 {
		ts.declaredLimit = limit
	}
	if ts.declaredLimit > core.ResultSetHardCap {
		ts.declaredLimit = core.ResultSetHardCap
	}

	var sg sqlGenResponse
	err := p.call(ts.ctx, ts.ledger, core.StageSQLGen, map[string]interface{}{
		"intent":   ts.intent.Intent,
		"entities": ts.effectiveFrame,
		"conv_id":  ts.req.ConvID,
	}, &sg)
	if err != nil {
		ts.errKind = classifyErr(err)
		ts.aborted = true
		return stateAborted
	}

	start := time.Now()
	sc := p.cfg.Stages[core.StageSQLExec]
	rows, total, err := p.dispatch.Query(ts.ctx, p.corpusStore, dispatcher.QuerySpec{
		SQL:        sg.SQL,
		TemplateID: sg.TemplateID,
		Parameters: sg.Parameters,
		Limit:      ts.declaredLimit,
	}, sc.TimeoutMS, sc.MaxRetries, int(sc.BaseDelay.Milliseconds()))
	if err != nil {
		var se *dispatcher.StageError
		outcome := ledger.OutcomeStageError
		if errors.As(err, &se) {
			ts.errKind = se.Kind
			if se.Kind == dispatcher.ErrorKindDeadlineExceeded {
				outcome = ledger.OutcomeTimeout
			} else if se.Kind == dispatcher.ErrorKindStageMalformed {
				outcome = ledger.OutcomeMalformed
			}
		} else {
			ts.errKind = dispatcher.ErrorKindTransientUpstream
		}
		ts.ledger.Record(core.StageSQLExec, "", 0, 0, time.Since(start), outcome)
		ts.aborted = true
		return stateAborted
	}
	ts.ledger.Record(core.StageSQLExec, "", 0, 0, time.Since(start), ledger.OutcomeOK)

	ts.artifacts = rows
	ts.totalCount = total
	return stateRank
}

func numericFrameValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// stepRank is state RANK (§4.5 step 9), conditional on an oversized result
// set for a listing-style intent.
func (p *Planner) stepRank(ts *turnState) state {
	listingIntent := ts.intent.Intent == core.IntentDataQuery || ts.intent.Intent == core.IntentStatistical
	if ts.totalCount > ts.declaredLimit && listingIntent && len(ts.artifacts) > 0 {
		ts.emit(Event{Kind: EventKindProgress, Stage: core.StageRank, Message: "ממיין את התוצאות..."})

		var rr rankResponse
		err := p.call(ts.ctx, ts.ledger, core.StageRank, map[string]interface{}{
			"artifacts":      ts.artifacts,
			"original_query": ts.cleanText,
			"limit":          ts.declaredLimit,
		}, &rr)
		if err == nil && len(rr.Ranked) > 0 {
			ts.artifacts = rr.Ranked
		}
		// RANK failing is non-fatal: the unranked artifacts still format.
	}
	return stateEval
}

// stepEval is state EVAL (§4.5 step 10), conditional on an analysis-style
// intent needing a single chosen artifact scored and narrated.
func (p *Planner) stepEval(ts *turnState) state {
	if (ts.intent.Intent == core.IntentAnalysis || ts.intent.Intent == core.IntentEval) && len(ts.artifacts) > 0 {
		ts.emit(Event{Kind: EventKindProgress, Stage: core.StageEval, Message: "מנתח את ההחלטה..."})

		var er evalResponse
		err := p.call(ts.ctx, ts.ledger, core.StageEval, map[string]interface{}{
			"artifact_id":    ts.artifacts[0].ID,
			"original_query": ts.cleanText,
		}, &er)
		if err != nil {
			ts.errKind = classifyErr(err)
			ts.aborted = true
			return stateAborted
		}
		ts.evalResult = &er
	}
	return stateFormatStream
}

// stepFormatStream is state FORMAT-STREAM (§4.5 step 11).
func (p *Planner) stepFormatStream(ts *turnState) state {
	ts.emit(Event{Kind: EventKindProgress, Stage: core.StageFormat, Message: "מעצב את התשובה..."})

	dt, content, style := formatInputFor(ts)

	var fr formatResponse
	err := p.call(ts.ctx, ts.ledger, core.StageFormat, map[string]interface{}{
		"data_type":          dt,
		"content":            content,
		"original_query":     ts.cleanText,
		"presentation_style": style,
		"conv_id":            ts.req.ConvID,
	}, &fr)
	if err != nil {
		ts.errKind = classifyErr(err)
		ts.aborted = true
		return stateAborted
	}

	ts.response = fr.FormattedResponse
	ts.emit(Event{
		Kind:     EventKindFinal,
		Final:    true,
		Response: ts.response,
		Metadata: p.metadataFor(ts, ts.intent.Intent, ts.intent.Confidence),
	})
	return statePersist
}

func formatInputFor(ts *turnState) (dataType, interface{}, string) {
	switch {
	case ts.evalResult != nil:
		return dataTypeAnalysis, ts.evalResult, "detailed"
	case len(ts.artifacts) == 0:
		return dataTypeEmpty, nil, "brief"
	case ts.intent.Intent == core.IntentStatistical:
		return dataTypeCount, ts.totalCount, "brief"
	default:
		return dataTypeRankedRows, ts.artifacts, "card"
	}
}

// stepPersist is state PERSIST (§4.5 step 12): one logical commit of the
// turn, the Last Result Set, and (if cacheable) the response cache.
func (p *Planner) stepPersist(ts *turnState) state {
	turn := convstore.Turn{
		Timestamp: time.Now(),
		RawText:   ts.rawText,
		CleanText: ts.cleanText,
		Intent:    ts.intent.Intent,
		Response:  ts.response,
		Metadata: map[string]interface{}{
			"request_id": ts.requestID,
		},
	}

	if !ts.storeDegraded {
		if err := p.store.AppendTurn(ts.req.ConvID, turn); err != nil {
			p.logger.WarnWithContext(ts.ctx, "appending turn failed", map[string]interface{}{
				"conv_id": ts.req.ConvID, "error": err.Error(),
			})
		}

		if len(ts.entityDelta) > 0 {
			if err := p.store.UpdateEntities(ts.req.ConvID, ts.entityDelta, ts.entityMode); err != nil {
				p.logger.WarnWithContext(ts.ctx, "updating entity frame failed", map[string]interface{}{
					"conv_id": ts.req.ConvID, "error": err.Error(),
				})
			}
			if ts.scopeBreak {
				p.bypass.Set(ts.req.ConvID)
			}
		}

		// Edge case: an empty result set never replaces the stored Last
		// Result Set, whether or not the turn was a scope break or a
		// narrowing; only a non-empty result is written.
		if len(ts.artifacts) > 0 || ts.scopeBreak {
			ids := make([]string, len(ts.artifacts))
			for i, a := range ts.artifacts {
				ids[i] = a.ID
			}
			if len(ts.artifacts) > 0 {
				if err := p.store.SetLastResult(ts.req.ConvID, convstore.ResultSet{IDs: ids, Query: ts.cleanText}); err != nil {
					p.logger.WarnWithContext(ts.ctx, "setting last result failed", map[string]interface{}{
						"conv_id": ts.req.ConvID, "error": err.Error(),
					})
				}
			}
		}
	}

	if ts.cacheable && !ts.cacheHit && ts.response != "" && p.respCache != nil {
		p.respCache.Set(ts.cacheKey, cache.Entry{
			FormattedAnswer: ts.response,
			OriginMetadata: map[string]interface{}{
				"intent":     ts.intent.Intent,
				"request_id": ts.requestID,
			},
		}, ts.cacheTTL)
	}

	return stateDone
}
