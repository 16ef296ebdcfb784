package convstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

func newTestRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s/0", mr.Addr()),
		DB:        core.RedisDBConversation,
		Namespace: "test",
		Logger:    core.NoOpLogger{},
	})
	require.NoError(t, err)

	store := NewRedisStore(client, "chat", 3, time.Hour, time.Second, 0, core.NoOpLogger{})
	return mr, store
}

func TestRedisStore_LoadMissingConversationReturnsNil(t *testing.T) {
	mr, store := newTestRedisStore(t)
	defer mr.Close()

	conv, err := store.Load("conv-missing")
	require.NoError(t, err)
	require.Nil(t, conv)
}

func TestRedisStore_AppendTurnCreatesAndTrims(t *testing.T) {
	mr, store := newTestRedisStore(t)
	defer mr.Close()

	for i := 0; i < 5; i++ {
		err := store.AppendTurn("conv-1", Turn{RawText: fmt.Sprintf("turn-%d", i), Timestamp: time.Now()})
		require.NoError(t, err)
	}

	conv, err := store.Load("conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	require.Len(t, conv.Turns, 3)
	require.Equal(t, "turn-2", conv.Turns[0].RawText)
	require.Equal(t, "turn-4", conv.Turns[2].RawText)
}

func TestRedisStore_UpdateEntitiesMergeAndReplaceScope(t *testing.T) {
	mr, store := newTestRedisStore(t)
	defer mr.Close()

	require.NoError(t, store.UpdateEntities("conv-2", map[string]interface{}{"topic": "health", "ministry_set": "moh"}, MergeMode))
	require.NoError(t, store.UpdateEntities("conv-2", map[string]interface{}{"topic": "education"}, MergeMode))

	conv, err := store.Load("conv-2")
	require.NoError(t, err)
	require.Equal(t, "education", conv.EntityFrame["topic"])
	require.Equal(t, "moh", conv.EntityFrame["ministry_set"])

	require.NoError(t, store.UpdateEntities("conv-2", map[string]interface{}{"topic": "transport"}, ReplaceScopeMode))
	conv, err = store.Load("conv-2")
	require.NoError(t, err)
	require.Equal(t, "transport", conv.EntityFrame["topic"])
	_, hasMinistry := conv.EntityFrame["ministry_set"]
	require.False(t, hasMinistry)
}

// TestRedisStore_ReplaceScopePreservesUnrelatedKeys guards against a scope
// break wiping the whole entity frame in the Redis-backed store: a
// result-limit or polarity preference set on an earlier turn describes how
// to query, not what the query is about, and must survive a subject change.
func TestRedisStore_ReplaceScopePreservesUnrelatedKeys(t *testing.T) {
	mr, store := newTestRedisStore(t)
	defer mr.Close()

	require.NoError(t, store.UpdateEntities("conv-3", map[string]interface{}{
		"topic":        "health",
		"result_limit": float64(5),
		"polarity":     "operational",
	}, MergeMode))

	require.NoError(t, store.UpdateEntities("conv-3", map[string]interface{}{"topic": "transport"}, ReplaceScopeMode))

	conv, err := store.Load("conv-3")
	require.NoError(t, err)
	require.Equal(t, "transport", conv.EntityFrame["topic"])
	require.Equal(t, float64(5), conv.EntityFrame["result_limit"])
	require.Equal(t, "operational", conv.EntityFrame["polarity"])
}

func TestRedisStore_SetLastResultAndClear(t *testing.T) {
	mr, store := newTestRedisStore(t)
	defer mr.Close()

	require.NoError(t, store.SetLastResult("conv-3", ResultSet{IDs: []string{"2345", "2346"}, Query: "decisions about health"}))
	conv, err := store.Load("conv-3")
	require.NoError(t, err)
	require.NotNil(t, conv.LastResult)
	require.Equal(t, []string{"2345", "2346"}, conv.LastResult.IDs)

	require.NoError(t, store.Clear("conv-3"))
	conv, err = store.Load("conv-3")
	require.NoError(t, err)
	require.Nil(t, conv)
}

func TestRedisStore_MetricsCountReadsAndWrites(t *testing.T) {
	mr, store := newTestRedisStore(t)
	defer mr.Close()

	_, _ = store.Load("conv-4")
	_ = store.AppendTurn("conv-4", Turn{RawText: "hi"})

	m := store.Metrics()
	require.GreaterOrEqual(t, m.Reads, int64(1))
	require.GreaterOrEqual(t, m.Writes, int64(1))
}
