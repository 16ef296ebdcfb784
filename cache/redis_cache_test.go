package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

func newTestRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s/1", mr.Addr()),
		DB:        core.RedisDBCache,
		Namespace: "test",
		Logger:    core.NoOpLogger{},
	})
	require.NoError(t, err)

	return mr, NewRedisCache(client, "respcache")
}

func TestRedisCache_MissThenSetThenHit(t *testing.T) {
	mr, c := newTestRedisCache(t)
	defer mr.Close()

	_, ok := c.Get("key-1")
	require.False(t, ok)

	c.Set("key-1", Entry{FormattedAnswer: "42 decisions found", OriginMetadata: map[string]interface{}{"cached": true}}, time.Hour)

	entry, ok := c.Get("key-1")
	require.True(t, ok)
	require.Equal(t, "42 decisions found", entry.FormattedAnswer)

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestRedisCache_ExpiresViaTTL(t *testing.T) {
	mr, c := newTestRedisCache(t)
	defer mr.Close()

	c.Set("key-2", Entry{FormattedAnswer: "answer"}, 50*time.Millisecond)
	mr.FastForward(100 * time.Millisecond)

	_, ok := c.Get("key-2")
	require.False(t, ok)
}
