package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// unlockIfOwner is the compare-and-delete script: only the holder of the
// lock (matched by token) can release it, so a lock that outlived its owner
// (e.g. the owner crashed) is never stolen out from under a live holder.
const unlockIfOwner = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisStore is the durable conversation store. Each conversation is one
// JSON blob under "{prefix}:{conv_id}:history", written with a per-
// conversation advisory lock so concurrent turns on the same conversation
// serialize rather than race (the teacher's one-writer-per-key discipline,
// adapted from core.RedisClient.SetNX/Eval).
type RedisStore struct {
	client   *core.RedisClient
	prefix   string
	maxTurns int
	ttl      time.Duration
	lockWait time.Duration
	logger   core.Logger

	slowOpThreshold time.Duration

	reads       int64
	writes      int64
	cacheMisses int64
	errs        int64
}

// NewRedisStore wires a RedisStore. prefix is the session-id key prefix
// (config SessionIDKeyPrefix, default "chat"); lockWait bounds how long a
// writer waits for the advisory lock before returning ErrConversationBusy.
func NewRedisStore(client *core.RedisClient, prefix string, maxTurns int, ttl, lockWait time.Duration, slowOpThresholdMS int, logger core.Logger) *RedisStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if prefix == "" {
		prefix = "chat"
	}
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &RedisStore{
		client:          client,
		prefix:          prefix,
		maxTurns:        maxTurns,
		ttl:             ttl,
		lockWait:        lockWait,
		logger:          logger,
		slowOpThreshold: time.Duration(slowOpThresholdMS) * time.Millisecond,
	}
}

func (s *RedisStore) historyKey(convID string) string {
	return fmt.Sprintf("%s:%s:history", s.prefix, convID)
}

func (s *RedisStore) lockKey(convID string) string {
	return fmt.Sprintf("%s:%s:lock", s.prefix, convID)
}

// withLock acquires the per-conversation advisory lock, runs fn, then
// releases it (only if still held by this caller). Returns
// core.ErrConversationBusy if the lock isn't acquired within s.lockWait.
func (s *RedisStore) withLock(ctx context.Context, convID string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	key := s.lockKey(convID)

	deadline := time.Now().Add(s.lockWait)
	backoff := 10 * time.Millisecond
	for {
		ok, err := s.client.SetNX(ctx, key, token, 5*time.Second)
		if err != nil {
			atomic.AddInt64(&s.errs, 1)
			return fmt.Errorf("acquiring conversation lock: %w", core.ErrStoreUnavailable)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return core.ErrConversationBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}

	defer func() {
		res := s.client.Eval(ctx, unlockIfOwner, []string{key}, token)
		if res.Err() != nil {
			s.logger.Warn("failed to release conversation lock", map[string]interface{}{
				"conv_id": convID,
				"error":   res.Err().Error(),
			})
		}
	}()

	return fn(ctx)
}

func (s *RedisStore) loadLocked(ctx context.Context, convID string) (*Conversation, error) {
	raw, err := s.client.Get(ctx, s.historyKey(convID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", convID, core.ErrStoreUnavailable)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", convID, core.ErrStageMalformed)
	}
	return &conv, nil
}

func (s *RedisStore) saveLocked(ctx context.Context, conv *Conversation) error {
	blob, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding conversation %s: %w", conv.ConvID, err)
	}
	if err := s.client.Set(ctx, s.historyKey(conv.ConvID), blob, s.ttl); err != nil {
		return fmt.Errorf("saving conversation %s: %w", conv.ConvID, core.ErrStoreUnavailable)
	}
	return nil
}

func (s *RedisStore) timeOp(op string, convID string, start time.Time) {
	elapsed := time.Since(start)
	if s.slowOpThreshold > 0 && elapsed > s.slowOpThreshold {
		s.logger.Warn("slow conversation store operation", map[string]interface{}{
			"op":         op,
			"conv_id":    convID,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
}

func (s *RedisStore) Load(convID string) (*Conversation, error) {
	start := time.Now()
	defer s.timeOp("load", convID, start)
	atomic.AddInt64(&s.reads, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conv, err := s.loadLocked(ctx, convID)
	if err != nil {
		atomic.AddInt64(&s.errs, 1)
		return nil, err
	}
	if conv == nil {
		atomic.AddInt64(&s.cacheMisses, 1)
	}
	return conv, nil
}

func (s *RedisStore) AppendTurn(convID string, turn Turn) error {
	start := time.Now()
	defer s.timeOp("append_turn", convID, start)
	atomic.AddInt64(&s.writes, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.withLock(ctx, convID, func(ctx context.Context) error {
		conv, err := s.loadLocked(ctx, convID)
		if err != nil {
			return err
		}
		now := time.Now()
		if conv == nil {
			conv = &Conversation{ConvID: convID, EntityFrame: make(map[string]interface{}), Created: now}
		}
		conv.Turns = append(conv.Turns, turn)
		if len(conv.Turns) > s.maxTurns {
			conv.Turns = conv.Turns[len(conv.Turns)-s.maxTurns:]
		}
		conv.LastTouch = now
		return s.saveLocked(ctx, conv)
	})
	if err != nil {
		atomic.AddInt64(&s.errs, 1)
	}
	return err
}

func (s *RedisStore) UpdateEntities(convID string, frameDelta map[string]interface{}, mode EntityMergeMode) error {
	start := time.Now()
	defer s.timeOp("update_entities", convID, start)
	atomic.AddInt64(&s.writes, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.withLock(ctx, convID, func(ctx context.Context) error {
		conv, err := s.loadLocked(ctx, convID)
		if err != nil {
			return err
		}
		now := time.Now()
		if conv == nil {
			conv = &Conversation{ConvID: convID, EntityFrame: make(map[string]interface{}), Created: now}
		}
		switch mode {
		case ReplaceScopeMode:
			frame := applyScopeBreak(conv.EntityFrame)
			for k, v := range frameDelta {
				frame[k] = v
			}
			conv.EntityFrame = frame
		default:
			if conv.EntityFrame == nil {
				conv.EntityFrame = make(map[string]interface{})
			}
			for k, v := range frameDelta {
				conv.EntityFrame[k] = v
			}
		}
		conv.LastTouch = now
		return s.saveLocked(ctx, conv)
	})
	if err != nil {
		atomic.AddInt64(&s.errs, 1)
	}
	return err
}

func (s *RedisStore) SetLastResult(convID string, result ResultSet) error {
	start := time.Now()
	defer s.timeOp("set_last_result", convID, start)
	atomic.AddInt64(&s.writes, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.withLock(ctx, convID, func(ctx context.Context) error {
		conv, err := s.loadLocked(ctx, convID)
		if err != nil {
			return err
		}
		now := time.Now()
		if conv == nil {
			conv = &Conversation{ConvID: convID, EntityFrame: make(map[string]interface{}), Created: now}
		}
		r := result
		conv.LastResult = &r
		conv.LastTouch = now
		return s.saveLocked(ctx, conv)
	})
	if err != nil {
		atomic.AddInt64(&s.errs, 1)
	}
	return err
}

func (s *RedisStore) Clear(convID string) error {
	start := time.Now()
	defer s.timeOp("clear", convID, start)
	atomic.AddInt64(&s.writes, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Del(ctx, s.historyKey(convID)); err != nil {
		atomic.AddInt64(&s.errs, 1)
		return fmt.Errorf("clearing conversation %s: %w", convID, core.ErrStoreUnavailable)
	}
	return nil
}

func (s *RedisStore) Metrics() Metrics {
	return Metrics{
		Reads:       atomic.LoadInt64(&s.reads),
		Writes:      atomic.LoadInt64(&s.writes),
		CacheMisses: atomic.LoadInt64(&s.cacheMisses),
		Errors:      atomic.LoadInt64(&s.errs),
	}
}
