package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *TelemetryLogger {
	l := createTelemetryLogger("orchestrator-test")
	l.SetFormat("json")
	l.SetLevel("DEBUG")
	return l
}

func TestTelemetryLogger_LevelFiltering(t *testing.T) {
	l := newTestLogger()
	l.SetLevel("WARN")

	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.Debug("should be dropped", nil)
	l.Info("should be dropped too", nil)
	assert.Empty(t, buf.String())

	l.Warn("kept", nil)
	assert.Contains(t, buf.String(), "kept")
}

func TestTelemetryLogger_JSONFields(t *testing.T) {
	l := newTestLogger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.Info("turn processed", map[string]interface{}{"stage": "REWRITE"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "turn processed", entry["message"])
	assert.Equal(t, "REWRITE", entry["stage"])
	assert.Equal(t, "orchestrator-test", entry["service"])
}

func TestTelemetryLogger_WithComponent(t *testing.T) {
	l := newTestLogger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	scoped := l.WithComponent("convstore")
	scoped.Info("hello", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "convstore", entry["component"])
}

func TestTelemetryLogger_ContextCorrelation(t *testing.T) {
	l := newTestLogger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ctx := WithConvID(context.Background(), "conv-123")
	ctx = WithTraceID(ctx, "trace-abc")

	l.InfoWithContext(ctx, "dispatching stage", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "conv-123", entry["conv_id"])
	assert.Equal(t, "trace-abc", entry["trace_id"])
}

func TestTelemetryLogger_ErrorRateLimited(t *testing.T) {
	l := newTestLogger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.Error("first", nil)
	l.Error("second immediately after", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1, "second error within the rate-limit interval should be dropped")
}
