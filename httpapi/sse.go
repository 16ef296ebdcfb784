// Package httpapi is the client-facing HTTP front: a streaming POST /chat
// endpoint and a GET /health probe.
//
// Grounded on the teacher's ui/transports/sse/sse.go CreateHandler
// (flusher check, text/event-stream + Cache-Control: no-cache +
// X-Accel-Buffering: no headers, sendEvent/sendError helpers) — reused
// near-verbatim here, generalized from the teacher's form-value request
// parsing to a JSON request body and from the teacher's ui.ChatAgent
// streaming contract to planner.Planner.Run's emit callback.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/planner"
)

// chatRequest is POST /chat's JSON body.
type chatRequest struct {
	Message         string `json:"message"`
	SessionID       string `json:"sessionId"`
	IncludeMetadata bool   `json:"includeMetadata"`
}

// SSEHandler streams one chat turn's planner events to the client as
// Server-Sent Events. One event per line pair: "event: <kind>\ndata:
// <json>\n\n", exactly as the teacher's sendEvent helper writes it.
type SSEHandler struct {
	plan   *planner.Planner
	logger core.Logger
}

// NewSSEHandler creates the POST /chat handler.
func NewSSEHandler(p *planner.Planner, logger core.Logger) *SSEHandler {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &SSEHandler{plan: p, logger: logger}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	traceID := r.Header.Get(core.DefaultRequestIDHeader)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(core.DefaultRequestIDHeader, traceID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	turnReq := planner.TurnRequest{
		ConvID:          req.SessionID,
		RawText:         req.Message,
		TraceID:         traceID,
		IncludeMetadata: req.IncludeMetadata,
	}

	disconnected := false
	err := h.plan.Run(r.Context(), turnReq, func(ev planner.Event) {
		if disconnected {
			return
		}
		if sendErr := h.sendEvent(w, flusher, ev); sendErr != nil {
			disconnected = true
			h.logger.WarnWithContext(r.Context(), "client disconnected mid-stream", map[string]interface{}{
				"session_id": req.SessionID,
				"error":      sendErr.Error(),
			})
		}
	})
	if err != nil && !disconnected {
		h.sendEvent(w, flusher, planner.Event{
			Kind:     planner.EventKindFinal,
			Final:    true,
			Response: "מצטערים, אירעה שגיאה בלתי צפויה. נסו שוב.",
		})
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, ev planner.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// HealthResponse is GET /health's body.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
}

// HealthHandler reports liveness and uptime, following the teacher's
// core.HTTPConfig.HealthCheckPath convention and version.go's reporting
// pattern.
type HealthHandler struct {
	startedAt time.Time
	version   string
}

// NewHealthHandler creates the GET /health handler. version is reported
// verbatim in the response body.
func NewHealthHandler(version string) *HealthHandler {
	if version == "" {
		version = "development"
	}
	return &HealthHandler{startedAt: time.Now(), version: version}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Version:       h.version,
	})
}
