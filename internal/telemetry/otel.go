// Package telemetry provides the OTEL tracer provider used to trace
// individual request decisions, plus (in buffer.go) the bounded in-memory
// queues the log-phase recorder and background agent use to batch access
// and blocked-event logs for upstream delivery.
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

// Config holds tracer configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the gateway.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a tracer provider from cfg. Exporter "none" or a
// disabled config yields a Provider whose spans are created but never
// exported — callers don't need a separate no-op code path.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("mediagate")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "mediagate"
	}

	slog.Info("creating telemetry exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("mediagate")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("mediagate"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the trace provider, if one was created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled reports whether spans are actually being exported.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Request span attributes.
const (
	AttrClientIP      = "mediagate.client.ip"
	AttrUserID        = "mediagate.user.id"
	AttrDeviceID      = "mediagate.device.id"
	AttrOutcome       = "mediagate.outcome"
	AttrDenyReason    = "mediagate.deny_reason"
	AttrBytesSent     = "mediagate.bytes.sent"
	AttrDurationMs    = "mediagate.duration.ms"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
)

// StartRequestSpan starts a span covering the access-pipeline evaluation and
// upstream round trip for one request.
func (p *Provider) StartRequestSpan(ctx context.Context, clientIP, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrClientIP, clientIP),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndRequestSpan closes a request span with the resolved identity, decision
// outcome, and byte count.
func (p *Provider) EndRequestSpan(span trace.Span, statusCode int, userID, deviceID, outcome, denyReason string, bytesSent int64) {
	span.SetAttributes(
		attribute.Int(AttrResponseCode, statusCode),
		attribute.String(AttrUserID, userID),
		attribute.String(AttrDeviceID, deviceID),
		attribute.String(AttrOutcome, outcome),
		attribute.String(AttrDenyReason, denyReason),
		attribute.Int64(AttrBytesSent, bytesSent),
	)
	span.End()
}

// DefaultConfig returns tracing disabled.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "mediagate"}
}

// ConfigFromEnv layers standard OTEL_* env vars and a GATE_TELEMETRY_*
// override set on top of DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("GATE_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("GATE_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("GATE_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// NoopProvider returns a provider with tracing disabled, for tests and for
// deployments that don't configure an exporter.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("mediagate-noop")}
}

// SpanFromContext extracts the current span from ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout is a small helper for bounding shutdown calls.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
