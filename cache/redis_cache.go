package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// RedisCache is the response cache backend for multi-instance deployment,
// sharing entries across processes on core.RedisDBCache. Grounded on
// core.RedisClient the same way convstore.RedisStore is, but one entry per
// cache key rather than one blob per conversation.
type RedisCache struct {
	client *core.RedisClient
	prefix string

	hits      int64
	misses    int64
	evictions int64
}

// NewRedisCache wires a RedisCache. prefix namespaces cache keys
// independently of the client's own namespace (e.g. "respcache").
func NewRedisCache(client *core.RedisClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "respcache"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RedisCache) Get(key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(key))
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&c.misses, 1)
		return Entry{}, false
	}
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		atomic.AddInt64(&c.misses, 1)
		return Entry{}, false
	}
	atomic.AddInt64(&c.hits, 1)
	return entry, true
}

func (c *RedisCache) Set(key string, entry Entry, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	blob, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(key), blob, ttl)
}

// Clear is a no-op for RedisCache: a shared, TTL-expiring keyspace is not
// flushed wholesale from one process, since other instances may still be
// serving reads from it. Per-key eviction happens via Redis TTL expiry.
func (c *RedisCache) Clear() {}

func (c *RedisCache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	stats := Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&c.evictions),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
