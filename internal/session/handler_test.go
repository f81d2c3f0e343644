package session

import (
	"net/http/httptest"
	"testing"

	"elida-transcribe/internal/audio"
)

func testHandler() *Handler {
	return NewHandler(testConfig(), nil, nil, NewRegistry(), nil, nil, nil, nil, nil, nil)
}

func TestParseParamsDefaults(t *testing.T) {
	h := testHandler()
	r := httptest.NewRequest("GET", "/listen", nil)

	params, err := h.parseParams(r, "uid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Language != "en" {
		t.Errorf("expected default language 'en', got %q", params.Language)
	}
	if params.SampleRate != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", params.SampleRate)
	}
	if params.Codec != audio.CodecPCM16 {
		t.Errorf("expected default codec pcm16, got %q", params.Codec)
	}
	if params.Channels != 1 {
		t.Errorf("expected default channel count 1, got %d", params.Channels)
	}
}

func TestParseParamsRejectsBadSampleRate(t *testing.T) {
	h := testHandler()
	r := httptest.NewRequest("GET", "/listen?sample_rate=44100", nil)

	if _, err := h.parseParams(r, "uid-1"); err == nil {
		t.Fatal("expected error for unsupported sample rate")
	}
}

func TestParseParamsRejectsUnsupportedCodec(t *testing.T) {
	h := testHandler()
	r := httptest.NewRequest("GET", "/listen?codec=mp3", nil)

	if _, err := h.parseParams(r, "uid-1"); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
}

func TestParseParamsAcceptsOpusCodec(t *testing.T) {
	h := testHandler()
	r := httptest.NewRequest("GET", "/listen?codec=opus", nil)

	params, err := h.parseParams(r, "uid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Codec != audio.CodecOpus {
		t.Errorf("expected opus codec, got %q", params.Codec)
	}
}

func TestParseParamsClampsConversationTimeout(t *testing.T) {
	h := testHandler()
	r := httptest.NewRequest("GET", "/listen?conversation_timeout=5", nil)

	params, err := h.parseParams(r, "uid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.ConversationTimeout != h.cfg.Session.ConversationTimeoutMin {
		t.Errorf("expected timeout clamped to min %v, got %v", h.cfg.Session.ConversationTimeoutMin, params.ConversationTimeout)
	}
}

func TestParseParamsLowercasesLanguage(t *testing.T) {
	h := testHandler()
	r := httptest.NewRequest("GET", "/listen?language=EN-us", nil)

	params, err := h.parseParams(r, "uid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Language != "en-us" {
		t.Errorf("expected lowercased language 'en-us', got %q", params.Language)
	}
}

func TestHandlerDefaultAuthenticateRequiresUID(t *testing.T) {
	h := testHandler()
	r := httptest.NewRequest("GET", "/listen", nil)

	if _, ok := h.Authenticate(r); ok {
		t.Fatal("expected authentication to fail without a uid query param")
	}

	r = httptest.NewRequest("GET", "/listen?uid=uid-1", nil)
	uid, ok := h.Authenticate(r)
	if !ok || uid != "uid-1" {
		t.Errorf("expected uid 'uid-1', got %q (ok=%v)", uid, ok)
	}
}
