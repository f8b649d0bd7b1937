package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/identitycore/authgate/internal/config"
)

// Init initializes OpenTelemetry tracing based on configuration.
// If the OTLP endpoint is not configured, returns a noop shutdown function.
//
// Returns:
//   - shutdown: Function to gracefully shutdown telemetry (flushes pending data)
//   - error: Initialization error (only if endpoint is configured)
func Init(ctx context.Context, cfg config.ObservabilityConfig, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	if cfg.OTLPEndpoint == "" {
		logger.Debug("telemetry disabled", "reason", "observability.otlp_endpoint not set")
		return func(context.Context) error { return nil }, nil
	}

	logger.Info("initializing OpenTelemetry",
		"endpoint", cfg.OTLPEndpoint,
		"protocol", cfg.OTLPProtocol,
		"service", cfg.ServiceName,
	)

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}

	tracerProvider, err := newTracerProvider(ctx, res, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	otel.SetTracerProvider(tracerProvider)

	// W3C Trace Context propagation for distributed tracing
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return func(ctx context.Context) error {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		logger.Info("OpenTelemetry shutdown complete")
		return nil
	}, nil
}

// newResource creates an OTEL resource with service identification attributes.
func newResource(cfg config.ObservabilityConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
}

// newTracerProvider creates a TracerProvider with OTLP HTTP exporter.
func newTracerProvider(ctx context.Context, res *resource.Resource, cfg config.ObservabilityConfig) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPProtocol != "" && cfg.OTLPProtocol != "http/protobuf" {
		return nil, fmt.Errorf("unsupported OTLP protocol %q, use http/protobuf", cfg.OTLPProtocol)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	// Batch processor aggregates spans before export
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
