package convstore

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is the in-process fallback conversation store, used when Redis
// is unavailable or for single-instance/test deployments. It implements the
// same push-and-trim, TTL-refresh, atomic-write contract as RedisStore.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*memoryEntry
	maxTurns int
	ttl      time.Duration

	reads       int64
	writes      int64
	cacheMisses int64
	errs        int64

	stopCleanup chan struct{}
}

type memoryEntry struct {
	conv      Conversation
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore with the given turn cap and TTL, and
// starts a background sweep to evict expired conversations, mirroring the
// teacher's cache cleanupRoutine ticker pattern.
func NewMemoryStore(maxTurns int, ttl time.Duration) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	s := &MemoryStore{
		data:        make(map[string]*memoryEntry),
		maxTurns:    maxTurns,
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}
	go s.cleanupRoutine()
	return s
}

func (s *MemoryStore) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.data {
		if now.After(e.expiresAt) {
			delete(s.data, id)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call once.
func (s *MemoryStore) Close() {
	close(s.stopCleanup)
}

func (s *MemoryStore) Load(convID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	atomic.AddInt64(&s.reads, 1)

	e, ok := s.data[convID]
	if !ok || time.Now().After(e.expiresAt) {
		atomic.AddInt64(&s.cacheMisses, 1)
		return nil, nil
	}
	out := e.conv
	out.Turns = append([]Turn(nil), e.conv.Turns...)
	out.EntityFrame = cloneFrame(e.conv.EntityFrame)
	return &out, nil
}

func (s *MemoryStore) AppendTurn(convID string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt64(&s.writes, 1)

	now := time.Now()
	e, ok := s.data[convID]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{conv: Conversation{
			ConvID:      convID,
			EntityFrame: make(map[string]interface{}),
			Created:     now,
		}}
		s.data[convID] = e
	}

	e.conv.Turns = append(e.conv.Turns, turn)
	if len(e.conv.Turns) > s.maxTurns {
		e.conv.Turns = e.conv.Turns[len(e.conv.Turns)-s.maxTurns:]
	}
	e.conv.LastTouch = now
	e.expiresAt = now.Add(s.ttl)
	return nil
}

func (s *MemoryStore) UpdateEntities(convID string, frameDelta map[string]interface{}, mode EntityMergeMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt64(&s.writes, 1)

	now := time.Now()
	e, ok := s.data[convID]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{conv: Conversation{
			ConvID:      convID,
			EntityFrame: make(map[string]interface{}),
			Created:     now,
		}}
		s.data[convID] = e
	}

	switch mode {
	case ReplaceScopeMode:
		frame := applyScopeBreak(e.conv.EntityFrame)
		for k, v := range frameDelta {
			frame[k] = v
		}
		e.conv.EntityFrame = frame
	default:
		if e.conv.EntityFrame == nil {
			e.conv.EntityFrame = make(map[string]interface{})
		}
		for k, v := range frameDelta {
			e.conv.EntityFrame[k] = v
		}
	}
	e.conv.LastTouch = now
	e.expiresAt = now.Add(s.ttl)
	return nil
}

func (s *MemoryStore) SetLastResult(convID string, result ResultSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt64(&s.writes, 1)

	now := time.Now()
	e, ok := s.data[convID]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{conv: Conversation{
			ConvID:      convID,
			EntityFrame: make(map[string]interface{}),
			Created:     now,
		}}
		s.data[convID] = e
	}
	r := result
	e.conv.LastResult = &r
	e.conv.LastTouch = now
	e.expiresAt = now.Add(s.ttl)
	return nil
}

func (s *MemoryStore) Clear(convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt64(&s.writes, 1)
	delete(s.data, convID)
	return nil
}

func (s *MemoryStore) Metrics() Metrics {
	return Metrics{
		Reads:       atomic.LoadInt64(&s.reads),
		Writes:      atomic.LoadInt64(&s.writes),
		CacheMisses: atomic.LoadInt64(&s.cacheMisses),
		Errors:      atomic.LoadInt64(&s.errs),
	}
}

func cloneFrame(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
