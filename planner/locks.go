package planner

import (
	"context"
	"sync"
	"time"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// ConvLocks serializes writers on the same conversation id: a per-key
// mutex, not a global lock, so unrelated conversations never contend.
// Adapted from the teacher's RedisSessionManager, which guards its own
// per-session hash writes with an internal sync.Mutex — generalized here
// to a map keyed by conversation id instead of one mutex per manager
// instance. Each Planner owns one ConvLocks, so the locks serialize turns
// within one process only.
type ConvLocks struct {
	locks sync.Map // convID -> *sync.Mutex
}

// NewConvLocks creates an empty lock table.
func NewConvLocks() *ConvLocks {
	return &ConvLocks{}
}

func (c *ConvLocks) mutexFor(convID string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(convID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Acquire blocks until the conversation's lock is held or wait elapses. On
// timeout it returns core.ErrConversationBusy. The returned release func
// must be called exactly once to unlock.
func (c *ConvLocks) Acquire(ctx context.Context, convID string, wait time.Duration) (release func(), err error) {
	mu := c.mutexFor(convID)

	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-acquired:
		return mu.Unlock, nil
	case <-ctx.Done():
		go func() { <-acquired; mu.Unlock() }()
		return nil, ctx.Err()
	case <-timer.C:
		go func() { <-acquired; mu.Unlock() }()
		return nil, core.ErrConversationBusy
	}
}
