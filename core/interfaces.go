package core

import "context"

// Logger is the minimal structured logging interface used across the
// orchestrator's packages. Implementations: telemetry.TelemetryLogger (the
// production logger) and NoOpLogger (the zero-value fallback).
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package stamp its own name onto every log line
// it emits, without every call site repeating "component": "convstore".
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Used as the zero-value Logger so callers
// never need a nil check.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}

func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}

func (n NoOpLogger) WithComponent(string) Logger { return n }

// CORSConfig controls the CORS middleware in cors.go.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}
