package core

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSMiddleware_AllowedOriginGetsVaryAndHeaders(t *testing.T) {
	cfg := &CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"https://app.example.com"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowCredentials: true,
	}
	handler := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"), "non-wildcard allow list must vary by Origin")
}

func TestCORSMiddleware_WildcardOriginSkipsVary(t *testing.T) {
	cfg := DevelopmentCORSConfig()
	handler := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.Header.Set("Origin", "https://anything.example.net")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://anything.example.net", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Vary"), "wildcard allow list serves everyone the same response")
}

func TestCORSMiddleware_PreflightRequestShortCircuits(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.Enabled = true
	cfg.AllowedOrigins = []string{"https://app.example.com"}

	called := false
	handler := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, called, "preflight must not reach the wrapped handler")
}

func TestDefaultCORSConfig_ExposesRequestIDHeader(t *testing.T) {
	cfg := DefaultCORSConfig()
	assert.Contains(t, cfg.AllowedHeaders, DefaultRequestIDHeader)
	assert.Contains(t, cfg.ExposedHeaders, DefaultRequestIDHeader)
}
