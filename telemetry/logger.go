// Package telemetry provides the orchestrator's structured logger: JSON
// output in container environments, human-readable text locally, with
// rate-limited error logging so a stage outage doesn't flood stdout.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// TelemetryLogger is the production core.ComponentAwareLogger implementation.
//
// Configuration priority:
//  1. Explicit parameters (highest)
//  2. Environment variables (ORCH_LOG_LEVEL, ORCH_LOG_FORMAT, ORCH_DEBUG)
//  3. Auto-detection (Kubernetes environment -> JSON)
//  4. Defaults (lowest)
type TelemetryLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          *sync.RWMutex

	errorLimiter *RateLimiter
}

var (
	telemetryLogger     *TelemetryLogger
	telemetryLoggerOnce sync.Once
)

// NewTelemetryLogger returns the process-wide logger singleton, creating it
// on first call.
func NewTelemetryLogger(serviceName string) *TelemetryLogger {
	telemetryLoggerOnce.Do(func() {
		telemetryLogger = createTelemetryLogger(serviceName)
	})
	return telemetryLogger
}

func createTelemetryLogger(serviceName string) *TelemetryLogger {
	level := os.Getenv("ORCH_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("ORCH_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("ORCH_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &TelemetryLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		mu:           &sync.RWMutex{},
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

// WithComponent returns a logger that stamps "component": component on every
// line. It shares the parent's lock and rate limiter and starts with a copy of
// the parent's output, level and format; later SetLevel/SetFormat/SetOutput
// calls on either logger do not affect the other.
func (l *TelemetryLogger) WithComponent(component string) core.Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *TelemetryLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *TelemetryLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *TelemetryLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *TelemetryLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow(l.component) {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *TelemetryLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withContextFields(ctx, fields))
}

func (l *TelemetryLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withContextFields(ctx, fields))
}

func (l *TelemetryLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withContextFields(ctx, fields))
}

func (l *TelemetryLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withContextFields(ctx, fields))
}

// withContextFields stamps conv_id and trace_id from ctx (if set there with
// WithConvID/WithTraceID) onto fields, for the *WithContext methods.
func withContextFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	if ctx == nil {
		return out
	}
	if convID, ok := ctx.Value(ctxKeyConvID).(string); ok && convID != "" {
		out["conv_id"] = convID
	}
	if traceID, ok := ctx.Value(ctxKeyTraceID).(string); ok && traceID != "" {
		out["trace_id"] = traceID
	}
	return out
}

type ctxKey int

const (
	ctxKeyConvID ctxKey = iota
	ctxKeyTraceID
)

// WithConvID attaches a conversation id to ctx for log correlation.
func WithConvID(ctx context.Context, convID string) context.Context {
	return context.WithValue(ctx, ctxKeyConvID, convID)
}

// WithTraceID attaches a trace id to ctx for log correlation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

func (l *TelemetryLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *TelemetryLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	if l.component != "" {
		logEntry["component"] = l.component
	}

	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *TelemetryLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for _, key := range []string{"conv_id", "trace_id", "stage", "error"} {
			if v, ok := fields[key]; ok {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", key, v))
				delete(fields, key)
			}
		}
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	component := l.component
	if component == "" {
		component = l.serviceName
	}

	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, component, msg, fieldStr.String())
}

func (l *TelemetryLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level.
func (l *TelemetryLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetFormat dynamically updates the log format.
func (l *TelemetryLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// SetOutput redirects logger output, used by tests.
func (l *TelemetryLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
