package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"elida-transcribe/internal/session"
)

func TestHandleHealth(t *testing.T) {
	h := New(session.NewRegistry())
	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
}

func TestHandleStatsReflectsRegistryCount(t *testing.T) {
	registry := session.NewRegistry()
	h := New(registry)
	req := httptest.NewRequest(http.MethodGet, "/control/stats", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ActiveSessions != 0 {
		t.Errorf("expected 0 active sessions, got %d", resp.ActiveSessions)
	}
}

func TestHandleSessionNotFound(t *testing.T) {
	h := New(session.NewRegistry())
	req := httptest.NewRequest(http.MethodGet, "/control/sessions/missing", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServeHTTPRejectsUnauthenticatedWhenAuthEnabled(t *testing.T) {
	h := NewWithAuth(session.NewRegistry(), true, "secret")
	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestServeHTTPAcceptsBearerToken(t *testing.T) {
	h := NewWithAuth(session.NewRegistry(), true, "secret")
	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid bearer token, got %d", rec.Code)
	}
}

func TestServeHTTPRejectsNonGETOnHealth(t *testing.T) {
	h := New(session.NewRegistry())
	req := httptest.NewRequest(http.MethodPost, "/control/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
