package planner

import "context"

// plannerContextKey namespaces this package's context keys, mirroring the
// teacher's orchestrationContextKey pattern in orchestrator.go.
type plannerContextKey string

const (
	requestIDContextKey plannerContextKey = "planner_request_id"
	traceIDContextKey   plannerContextKey = "planner_trace_id"
)

// WithRequestID attaches the per-turn request id to ctx so stage calls and
// log lines downstream can correlate back to it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// GetRequestID retrieves the request id set by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithTraceID attaches an optional client-supplied trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDContextKey, traceID)
}

// GetTraceID retrieves the trace id set by WithTraceID, or "".
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(traceIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
