// Package cache memoizes whole-pipeline answers for utterances that are
// safe to cache: DATA_QUERY/STATISTICAL intents with no reference tokens,
// no specific decision number, and no clock-dependent "latest" wording.
//
// Grounded on the teacher's orchestration.RoutingCache / SimpleCache /
// LRUCache (orchestration/cache.go): same sha256-then-truncate key hashing,
// the same CacheStats shape, and the same background cleanupRoutine ticker
// eviction pattern — generalized here from "routing plan by prompt" to
// "formatted answer by pipeline-version + normalized text + entity frame".
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// Entry is a cached whole-pipeline answer plus the metadata needed to
// report cache origin to the client.
type Entry struct {
	FormattedAnswer string                 `json:"formatted_answer"`
	OriginMetadata  map[string]interface{} `json:"origin_metadata"`
}

// Stats mirrors the teacher's CacheStats shape.
type Stats struct {
	Size        int     `json:"size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	HitRate     float64 `json:"hit_rate"`
	MemoryUsage int64   `json:"memory_bytes"`
}

// Cache is the response cache contract. Both MemoryCache and RedisCache
// implement it so the planner can swap backends by deployment shape
// (single-instance vs multi-instance) without changing call sites.
type Cache interface {
	Get(key string) (Entry, bool)
	Set(key string, entry Entry, ttl time.Duration)
	Clear()
	Stats() Stats
}

// referenceKinds are the entity-frame keys that must be excluded from the
// cache key: they describe a position in conversation history, not a
// reusable fact, so two different conversations asking "the third one"
// must never collide on cache key.
var referenceKinds = map[string]bool{
	"reference_ordinal":      true,
	"reference_demonstrative": true,
	"reference_backref":      true,
}

// Key computes the content-addressed cache key: hash(pipeline_version ||
// normalized_text || sorted(entity_frame \ reference_kinds)).
func Key(pipelineVersion, normalizedText string, entityFrame map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(pipelineVersion)
	b.WriteByte('\x00')
	b.WriteString(normalizedText)
	b.WriteByte('\x00')

	keys := make([]string, 0, len(entityFrame))
	for k := range entityFrame {
		if referenceKinds[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\x00", k, entityFrame[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// Cacheable applies the cacheability predicate: every condition must hold.
func Cacheable(intent string, hasReferenceTokens, hasSpecificDecisionNumber, hasTimeRelativeOperator bool) bool {
	switch intent {
	case core.IntentDataQuery, core.IntentStatistical:
	default:
		return false
	}
	if hasReferenceTokens || hasSpecificDecisionNumber || hasTimeRelativeOperator {
		return false
	}
	return true
}

// TTLForIntent looks up the configured TTL for an intent, defaulting to one
// hour if the intent isn't in the table (defensive; Cacheable already
// restricts callers to DATA_QUERY/STATISTICAL).
func TTLForIntent(intent string, byIntent map[string]time.Duration) time.Duration {
	if ttl, ok := byIntent[intent]; ok {
		return ttl
	}
	return time.Hour
}

// BypassTracker implements the entity-change cache-bypass flag: once a
// conversation's entity frame changes in a way that could make a
// previously cached key resolve to a different artifact, the planner sets
// a one-turn bypass that auto-clears on the next read.
type BypassTracker struct {
	mu      sync.Mutex
	flagged map[string]bool
}

// NewBypassTracker creates an empty tracker.
func NewBypassTracker() *BypassTracker {
	return &BypassTracker{flagged: make(map[string]bool)}
}

// Set marks convID to bypass cache reads for its next turn.
func (b *BypassTracker) Set(convID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flagged[convID] = true
}

// ConsumeAndClear reports whether convID is flagged, then clears the flag
// (it is a one-turn bypass, not a sticky conversation property).
func (b *BypassTracker) ConsumeAndClear(convID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.flagged[convID] {
		return false
	}
	delete(b.flagged, convID)
	return true
}
