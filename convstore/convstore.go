// Package convstore is the durable per-conversation state layer: a bounded
// FIFO of turns, the accumulated entity frame, and the last result set,
// behind one interface with a Redis-backed and an in-memory implementation.
//
// Grounded on the teacher's core.RedisClient (DB isolation, namespacing) and
// its now-retired core.MemoryStore's TTL-map fallback, generalized here to
// the conversation-blob shape this domain needs.
package convstore

import (
	"time"
)

// EntityMergeMode controls how update_entities folds a frame delta into the
// stored entity frame.
type EntityMergeMode string

const (
	// MergeMode adds new keys and overwrites existing ones from the delta,
	// leaving everything else untouched.
	MergeMode EntityMergeMode = "merge"
	// ReplaceScopeMode clears the subject-identifying slots (decision
	// number, government number, topic, ministry set, date range) from the
	// stored frame before folding in the delta. Used when the planner
	// detects a scope break (a new subject that invalidates carried-over
	// entities). Keys outside that set — e.g. a result-limit or polarity
	// preference set on an earlier turn — are untouched by a scope break,
	// since they describe how to query, not what the query is about.
	ReplaceScopeMode EntityMergeMode = "replace-scope"
)

// scopeBreakFrameKeys are the subject-identifying entity-frame keys a scope
// break clears. Mirrors planner/entities.go's scopeBreakKinds (duplicated
// here as plain strings rather than imported, since convstore must not
// depend on the planner or reference packages).
var scopeBreakFrameKeys = []string{
	"decision_number",
	"government_number",
	"topic",
	"ministry_set",
	"date_range",
}

// applyScopeBreak returns a copy of frame with every scopeBreakFrameKeys
// entry removed, leaving unrelated keys (result_limit, polarity, ...)
// intact.
func applyScopeBreak(frame map[string]interface{}) map[string]interface{} {
	out := cloneFrame(frame)
	for _, k := range scopeBreakFrameKeys {
		delete(out, k)
	}
	return out
}

// Turn is one request/response exchange persisted to a conversation's
// history. Timestamps are monotonically non-decreasing within a
// conversation.
type Turn struct {
	Timestamp time.Time              `json:"timestamp"`
	RawText   string                 `json:"raw_text"`
	CleanText string                 `json:"clean_text,omitempty"`
	Intent    string                 `json:"intent,omitempty"`
	Response  string                 `json:"response,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ResultSet is the last set of decision ids a query produced, retained so a
// follow-up turn can resolve "the third one" / "that decision" against it.
type ResultSet struct {
	IDs   []string `json:"ids"`
	Query string   `json:"query"`
}

// Conversation is the full persisted state for one conversation id.
type Conversation struct {
	ConvID      string                 `json:"conv_id"`
	Turns       []Turn                 `json:"turns"`
	EntityFrame map[string]interface{} `json:"entity_frame"`
	LastResult  *ResultSet             `json:"last_result,omitempty"`
	Created     time.Time              `json:"created"`
	LastTouch   time.Time              `json:"last_touch"`
}

// Metrics is a point-in-time snapshot of store activity, exposed for
// operational visibility.
type Metrics struct {
	Reads       int64 `json:"reads"`
	Writes      int64 `json:"writes"`
	CacheMisses int64 `json:"cache_misses"`
	Errors      int64 `json:"errors"`
}

// Store is the conversation state contract. Both RedisStore and MemoryStore
// implement it identically, including TTL semantics, so the planner is
// agnostic to which backend is wired.
type Store interface {
	// Load returns the conversation, or (nil, nil) if it doesn't exist or
	// has expired.
	Load(convID string) (*Conversation, error)
	// AppendTurn pushes a turn onto the conversation's history, trims the
	// history to the configured max length (FIFO, oldest dropped first),
	// and refreshes the TTL. Creates the conversation if absent.
	AppendTurn(convID string, turn Turn) error
	// UpdateEntities folds frameDelta into the stored entity frame per mode.
	UpdateEntities(convID string, frameDelta map[string]interface{}, mode EntityMergeMode) error
	// SetLastResult records the most recent result set for reference
	// resolution in a follow-up turn.
	SetLastResult(convID string, result ResultSet) error
	// Clear deletes all state for a conversation.
	Clear(convID string) error
	// Metrics returns a snapshot of store activity counters.
	Metrics() Metrics
}
