package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`    // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`    // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("elida-transcribe"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "elida-transcribe"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("elida"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("elida-transcribe"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Transcription session span attributes.
const (
	AttrSessionID      = "transcribe.session.id"
	AttrUID            = "transcribe.uid"
	AttrConversationID = "transcribe.conversation.id"
	AttrLanguage       = "transcribe.language"
	AttrProvider       = "transcribe.stt.provider"
	AttrDurationMs     = "transcribe.duration.ms"
	AttrSegmentCount   = "transcribe.segment.count"
)

// StartSessionSpan starts a span covering one Transcription Session's
// lifetime.
func (p *Provider) StartSessionSpan(ctx context.Context, sessionID, uid, language string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "transcription.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrUID, uid),
			attribute.String(AttrLanguage, language),
		),
	)
	return ctx, span
}

// EndSessionSpan ends a session span with its final conversation and
// provider.
func (p *Provider) EndSessionSpan(span trace.Span, conversationID, provider string, durationMs int64, err error) {
	span.SetAttributes(
		attribute.String(AttrConversationID, conversationID),
		attribute.String(AttrProvider, provider),
		attribute.Int64(AttrDurationMs, durationMs),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordConversationFinalized records a conversation finalize event.
func (p *Provider) RecordConversationFinalized(ctx context.Context, conversationID string, segmentCount int, discarded bool) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("conversation.finalized",
		trace.WithAttributes(
			attribute.String(AttrConversationID, conversationID),
			attribute.Int(AttrSegmentCount, segmentCount),
			attribute.Bool("transcribe.conversation.discarded", discarded),
		),
	)

	slog.Info("conversation_finalized",
		"conversation_id", conversationID,
		"segments", segmentCount,
		"discarded", discarded,
	)
}

// RecordSTTReconnect records a provider connection failure/retry event.
func (p *Provider) RecordSTTReconnect(ctx context.Context, provider, reason string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("stt.reconnect",
		trace.WithAttributes(
			attribute.String(AttrProvider, provider),
			attribute.String("transcribe.stt.reason", reason),
		),
	)
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "elida-transcribe",
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("TRANSCRIBE_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("TRANSCRIBE_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("TRANSCRIBE_TELEMETRY_EXPORTER")
	}
	if os.Getenv("TRANSCRIBE_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("TRANSCRIBE_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("elida-transcribe-noop"),
	}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
