package httpapi

import (
	"net/http"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/planner"
)

// NewRouter assembles the full external HTTP surface: POST /chat (SSE),
// GET /health, wrapped in core.CORSMiddleware per cfg.CORS.
func NewRouter(cfg *core.Config, plan *planner.Planner, logger core.Logger, version string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/chat", NewSSEHandler(plan, logger))
	mux.Handle("/health", NewHealthHandler(version))

	return core.CORSMiddleware(cfg.CORS)(mux)
}
