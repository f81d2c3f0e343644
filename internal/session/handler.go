package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"elida-transcribe/internal/audio"
	"elida-transcribe/internal/audio/provider"
	"elida-transcribe/internal/config"
	"elida-transcribe/internal/convmanager"
	"elida-transcribe/internal/external"
	"elida-transcribe/internal/telemetry"
)

// Handler is the "listen" WebSocket endpoint of §4.5/§6: it authenticates,
// parses handshake parameters, accepts the transport, and runs one Session
// to completion. Grounded on the teacher's Handler.ServeHTTP accept/dial
// skeleton, minus the backend-proxy dial (there is no downstream websocket
// hop here; the STT dial happens inside the Audio Processor).
type Handler struct {
	cfg       config.Config
	table     *provider.Table
	manager   *convmanager.Manager
	registry  *Registry
	users     external.UserStore
	notifier  external.Notifier
	usage     external.UsageSink
	vision    external.VisionDescriber
	profiles  external.ProfileStorage
	telemetry *telemetry.Provider

	// Authenticate resolves a request into a uid. The default reads the
	// uid query parameter and accepts any non-empty value. It is the one
	// seam the spec leaves external (§6); tests may substitute a stub.
	Authenticate func(r *http.Request) (uid string, ok bool)
}

// NewHandler constructs the listen handler. tel may be nil, in which case
// sessions run with a no-op telemetry provider.
func NewHandler(cfg config.Config, table *provider.Table, manager *convmanager.Manager, registry *Registry, users external.UserStore, notifier external.Notifier, usage external.UsageSink, vision external.VisionDescriber, profiles external.ProfileStorage, tel *telemetry.Provider) *Handler {
	if tel == nil {
		tel = telemetry.NoopProvider()
	}
	return &Handler{
		cfg:       cfg,
		table:     table,
		manager:   manager,
		registry:  registry,
		users:     users,
		notifier:  notifier,
		usage:     usage,
		vision:    vision,
		profiles:  profiles,
		telemetry: tel,
		Authenticate: func(r *http.Request) (string, bool) {
			uid := r.URL.Query().Get("uid")
			return uid, uid != ""
		},
	}
}

// ServeHTTP implements the "listen" endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.Authenticate(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	params, err := h.parseParams(r, uid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("websocket_accept_failed", "uid", uid, "error", err)
		return
	}
	if h.cfg.Session.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.Session.MaxMessageSize)
	}
	defer conn.CloseNow()

	sess := New(uuid.NewString(), params, conn, h.cfg, h.manager, h.users, h.notifier, h.usage, h.vision, h.profiles, h.telemetry)
	h.registry.Register(sess)
	defer h.registry.Unregister(sess.ID())

	slog.Info("session_started", "session_id", sess.ID(), "uid", uid, "language", params.Language)

	if err := sess.Run(r.Context(), h.table); err != nil {
		slog.Error("session_ended", "session_id", sess.ID(), "uid", uid, "error", err)
		return
	}
	slog.Info("session_ended", "session_id", sess.ID(), "uid", uid)
}

// parseParams validates the handshake query parameters of §4.5: language
// (default "en"), sample_rate (8000 or 16000), codec, channels,
// include_speech_profile, and conversation_timeout clamped to
// [ConversationTimeoutMin, ConversationTimeoutMax].
func (h *Handler) parseParams(r *http.Request, uid string) (Params, error) {
	q := r.URL.Query()

	language := strings.ToLower(strings.TrimSpace(q.Get("language")))
	if language == "" {
		language = "en"
	}

	sampleRate := 16000
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Params{}, errors.New("invalid sample_rate")
		}
		sampleRate = n
	}
	if sampleRate != 8000 && sampleRate != 16000 {
		return Params{}, errors.New("sample_rate must be 8000 or 16000")
	}

	codec := audio.Codec(q.Get("codec"))
	switch codec {
	case "", audio.CodecPCM16:
		codec = audio.CodecPCM16
	case audio.CodecPCM8, audio.CodecOpus, audio.CodecOpusFS320:
	default:
		return Params{}, errors.New("unsupported codec")
	}

	channels := 1
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Params{}, errors.New("invalid channels")
		}
		channels = n
	}

	includeProfile := q.Get("include_speech_profile") == "true"

	timeout := 120 * time.Second
	if v := q.Get("conversation_timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Params{}, errors.New("invalid conversation_timeout")
		}
		timeout = time.Duration(secs) * time.Second
	}
	timeout = h.cfg.ClampConversationTimeout(timeout)

	return Params{
		UID:                  uid,
		Language:             language,
		SampleRate:           sampleRate,
		Codec:                codec,
		Channels:             channels,
		IncludeSpeechProfile: includeProfile,
		ConversationTimeout:  timeout,
	}, nil
}
