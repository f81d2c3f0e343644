// Package control implements the admin HTTP API over active transcription
// sessions: health, aggregate stats, and per-session introspection.
// Adapted from the teacher's control.Handler mux/auth/writeJSON skeleton,
// trimmed to the endpoints the session registry can actually serve —
// there is no persisted session history, flagged-content, voice-session,
// or TTS surface in this domain.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"elida-transcribe/internal/session"
)

// Handler serves the control/admin HTTP API.
type Handler struct {
	registry *session.Registry
	mux      *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New creates a control API handler with authentication disabled.
func New(registry *session.Registry) *Handler {
	return NewWithAuth(registry, false, "")
}

// NewWithAuth creates a control API handler requiring a bearer/X-API-Key
// token on every /control/* request when authEnabled is true.
func NewWithAuth(registry *session.Registry, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		registry:    registry,
		mux:         http.NewServeMux(),
		authEnabled: authEnabled,
		apiKey:      apiKey,
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/sessions", h.handleSessions)
	h.mux.HandleFunc("/control/sessions/", h.handleSession)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="transcription control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "valid API key required: Authorization: Bearer <api_key>",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		if strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey {
			return true
		}
	} else if authHeader == h.apiKey && authHeader != "" {
		return true
	}
	return r.Header.Get("X-API-Key") == h.apiKey && h.apiKey != ""
}

// handleHealth handles GET /control/health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

// handleStats handles GET /control/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{ActiveSessions: h.registry.Count()})
}

// handleSessions handles GET /control/sessions.
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := h.registry.List()
	writeJSON(w, http.StatusOK, SessionsResponse{Total: len(sessions), Sessions: sessions})
}

// handleSession handles GET /control/sessions/{id}.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/control/sessions/")
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	sess, ok := h.registry.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response_encode_failed", "error", err)
	}
}

// HealthResponse is the /control/health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsResponse is the /control/stats payload.
type StatsResponse struct {
	ActiveSessions int `json:"active_sessions"`
}

// SessionsResponse is the /control/sessions payload.
type SessionsResponse struct {
	Total    int            `json:"total"`
	Sessions []session.Info `json:"sessions"`
}
