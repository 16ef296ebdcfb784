package convstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LoadMissingReturnsNil(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	defer s.Close()

	conv, err := s.Load("nope")
	require.NoError(t, err)
	require.Nil(t, conv)
}

func TestMemoryStore_AppendTurnTrimsToMax(t *testing.T) {
	s := NewMemoryStore(2, time.Hour)
	defer s.Close()

	require.NoError(t, s.AppendTurn("c1", Turn{RawText: "a"}))
	require.NoError(t, s.AppendTurn("c1", Turn{RawText: "b"}))
	require.NoError(t, s.AppendTurn("c1", Turn{RawText: "c"}))

	conv, err := s.Load("c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	require.Equal(t, "b", conv.Turns[0].RawText)
	require.Equal(t, "c", conv.Turns[1].RawText)
}

func TestMemoryStore_EntityMergeAndReplaceScope(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	defer s.Close()

	require.NoError(t, s.UpdateEntities("c2", map[string]interface{}{"topic": "health"}, MergeMode))
	require.NoError(t, s.UpdateEntities("c2", map[string]interface{}{"ministry_set": "moh"}, MergeMode))

	conv, _ := s.Load("c2")
	require.Equal(t, "health", conv.EntityFrame["topic"])
	require.Equal(t, "moh", conv.EntityFrame["ministry_set"])

	require.NoError(t, s.UpdateEntities("c2", map[string]interface{}{"topic": "transport"}, ReplaceScopeMode))
	conv, _ = s.Load("c2")
	require.Equal(t, "transport", conv.EntityFrame["topic"])
	_, hasMinistry := conv.EntityFrame["ministry_set"]
	require.False(t, hasMinistry)
}

// TestMemoryStore_ReplaceScopePreservesUnrelatedKeys guards against a scope
// break wiping the whole entity frame: a result-limit or polarity
// preference set on an earlier turn describes how to query, not what the
// query is about, and must survive a subject change.
func TestMemoryStore_ReplaceScopePreservesUnrelatedKeys(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	defer s.Close()

	require.NoError(t, s.UpdateEntities("c6", map[string]interface{}{
		"topic":        "health",
		"result_limit": float64(5),
		"polarity":     "operational",
	}, MergeMode))

	require.NoError(t, s.UpdateEntities("c6", map[string]interface{}{"topic": "transport"}, ReplaceScopeMode))

	conv, _ := s.Load("c6")
	require.Equal(t, "transport", conv.EntityFrame["topic"])
	require.Equal(t, float64(5), conv.EntityFrame["result_limit"])
	require.Equal(t, "operational", conv.EntityFrame["polarity"])
}

func TestMemoryStore_ExpiresAfterTTL(t *testing.T) {
	s := NewMemoryStore(20, 20*time.Millisecond)
	defer s.Close()

	require.NoError(t, s.AppendTurn("c3", Turn{RawText: "hi"}))
	time.Sleep(40 * time.Millisecond)

	conv, err := s.Load("c3")
	require.NoError(t, err)
	require.Nil(t, conv)
}

func TestMemoryStore_ClearRemovesConversation(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	defer s.Close()

	require.NoError(t, s.SetLastResult("c4", ResultSet{IDs: []string{"1"}, Query: "q"}))
	require.NoError(t, s.Clear("c4"))

	conv, err := s.Load("c4")
	require.NoError(t, err)
	require.Nil(t, conv)
}

func TestMemoryStore_MetricsTrackActivity(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	defer s.Close()

	_, _ = s.Load("missing")
	_ = s.AppendTurn("c5", Turn{RawText: "hi"})

	m := s.Metrics()
	require.GreaterOrEqual(t, m.Reads, int64(1))
	require.GreaterOrEqual(t, m.Writes, int64(1))
	require.GreaterOrEqual(t, m.CacheMisses, int64(1))
}
