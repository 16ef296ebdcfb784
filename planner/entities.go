package planner

import (
	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/reference"
)

// mergeFrame folds delta into old, delta's keys winning on conflict. Never
// mutates either input.
func mergeFrame(old, delta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(old)+len(delta))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// scopeBreakKinds are the frame keys a scope break replaces rather than
// merges — the subject-identifying slots, not accumulated preferences
// like result-limit or polarity.
var scopeBreakKinds = []reference.FrameKey{
	reference.FrameKeyDecisionNumber,
	reference.FrameKeyGovernmentNumber,
	reference.FrameKeyTopic,
	reference.FrameKeyMinistrySet,
	reference.FrameKeyDateRange,
}

// detectScopeBreak applies §4.5 step 5's scope-break test: a new specific
// decision-number replacing an old one, or (for an intent that isn't
// RESULT_REF and carries no reference tokens) a delta that independently
// names its own subject-identifying slots rather than relying on the
// carried-over frame.
func detectScopeBreak(intent string, hasReferenceTokens bool, oldFrame, delta map[string]interface{}) bool {
	dnKey := string(reference.FrameKeyDecisionNumber)
	if newDN, ok := delta[dnKey]; ok {
		if oldDN, had := oldFrame[dnKey]; had && oldDN != newDN {
			return true
		}
	}

	if intent == core.IntentResultRef || hasReferenceTokens {
		return false
	}

	independentSubjectKeys := 0
	for _, k := range scopeBreakKinds {
		if _, ok := delta[string(k)]; ok {
			independentSubjectKeys++
		}
	}
	// A delta naming its own topic/ministry/decision/government/date slots,
	// without leaning on any reference token, reads as a fresh subject —
	// not a refinement of the one already in the frame.
	return independentSubjectKeys > 0 && len(oldFrame) > 0
}

// missingRequiredSlots reports which of intent's required slots (per the
// REQUIRED_SLOTS_BY_INTENT table) are absent from frame. COMPARISON's
// multi-subject requirement is not checked here (see hasMultipleSubjects).
func missingRequiredSlots(intent string, frame map[string]interface{}) []reference.FrameKey {
	var missing []reference.FrameKey
	for _, key := range reference.RequiredSlots[intent] {
		if _, ok := frame[string(key)]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
