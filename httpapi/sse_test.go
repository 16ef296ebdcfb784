package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/cache"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/convstore"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/dispatcher"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/planner"
)

type stubCorpus struct{}

func (stubCorpus) Query(ctx context.Context, spec dispatcher.QuerySpec) ([]dispatcher.ResultArtifact, int, error) {
	return nil, 0, nil
}

func stageHandler(result interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]json.RawMessage{"result": raw})
	}
}

// newTestPlanner wires a Planner whose stages are all backed by a single
// httptest.Server that serves only REWRITE and INTENT. INTENT answers
// UNCLEAR with low confidence, so the turn routes to CLARIFY; CLARIFY has no
// handler and is refused, so a /chat round trip ends in exactly one final
// apology event without touching SQL-GEN.
func newTestPlanner(t *testing.T) *planner.Planner {
	stageMux := http.NewServeMux()
	stageMux.Handle("/rewrite", stageHandler(map[string]interface{}{"clean_text": "שלום"}))
	stageMux.Handle("/intent", stageHandler(map[string]interface{}{"intent": "UNCLEAR", "confidence": 0.1}))
	stageServer := httptest.NewServer(stageMux)
	t.Cleanup(stageServer.Close)

	store := convstore.NewMemoryStore(20, time.Hour)
	t.Cleanup(store.Close)
	respCache := cache.NewMemoryCache(1000, time.Minute)
	t.Cleanup(respCache.Stop)
	bypass := cache.NewBypassTracker()

	mk := func(path string) core.StageConfig {
		return core.StageConfig{Endpoint: stageServer.URL + path, TimeoutMS: 2000, MaxRetries: 1, BaseDelay: 10 * time.Millisecond}
	}
	cfg, err := core.NewConfig(
		core.WithRedisURL("redis://localhost:6379"),
		core.WithStage("REWRITE", mk("/rewrite")),
		core.WithStage("INTENT", mk("/intent")),
		core.WithStage("SQL-GEN", mk("/sqlgen")),
		core.WithStage("SQL-EXEC", mk("/sqlexec")),
		core.WithStage("RANK", mk("/rank")),
		core.WithStage("EVAL", mk("/eval")),
		core.WithStage("FORMAT", mk("/format")),
		core.WithStage("CLARIFY", mk("/clarify")),
		core.WithConversationTTL(time.Hour),
	)
	require.NoError(t, err)
	cfg.ConvBusyWait = 200 * time.Millisecond

	return planner.New(cfg, store, respCache, bypass, dispatcher.New(nil, core.NoOpLogger{}), stubCorpus{}, core.NoOpLogger{})
}

func TestSSEHandler_StreamsExactlyOneFinalEvent(t *testing.T) {
	p := newTestPlanner(t)
	h := NewSSEHandler(p, core.NoOpLogger{})

	body := bytes.NewBufferString(`{"message":"שלום","sessionId":"s1"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	resp := rec.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	finals := 0
	for _, e := range events {
		if e.Final {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
}

func TestSSEHandler_EchoesRequestIDHeaderOrGeneratesOne(t *testing.T) {
	p := newTestPlanner(t)
	h := NewSSEHandler(p, core.NoOpLogger{})

	body := bytes.NewBufferString(`{"message":"שלום","sessionId":"s2"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set(core.DefaultRequestIDHeader, "client-trace-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "client-trace-1", rec.Result().Header.Get(core.DefaultRequestIDHeader))

	body2 := bytes.NewBufferString(`{"message":"שלום","sessionId":"s3"}`)
	req2 := httptest.NewRequest(http.MethodPost, "/chat", body2)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	assert.NotEmpty(t, rec2.Result().Header.Get(core.DefaultRequestIDHeader), "a missing client trace id must still get one generated")
}

func TestSSEHandler_RejectsEmptyMessage(t *testing.T) {
	p := newTestPlanner(t)
	h := NewSSEHandler(p, core.NoOpLogger{})

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(`{"message":""}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEHandler_RejectsGetMethod(t *testing.T) {
	p := newTestPlanner(t)
	h := NewSSEHandler(p, core.NoOpLogger{})

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthHandler_ReportsOKAndVersion(t *testing.T) {
	h := NewHealthHandler("v1.2.3")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "v1.2.3", resp.Version)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}

func parseSSE(t *testing.T, raw string) []planner.Event {
	var events []planner.Event
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev planner.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}
