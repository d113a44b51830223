// Package telemetry installs the process-wide otel TracerProvider that
// spans emitted by internal/pool and internal/tree attach to. Following
// the teacher's pattern of keeping ambient concerns (logging, metrics)
// process-level rather than per-Tree, tracing is configured once via
// Configure and every Tree shares the resulting global provider.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/infinitree/infinitree/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

var (
	configureOnce sync.Once
	configureErr  error
	provider      *sdktrace.TracerProvider
)

// Configure installs a TracerProvider built from cfg as the global otel
// provider. Safe to call from every Tree.Open; only the first enabled call
// in the process builds a provider, and every later enabled call returns
// that first call's error, ignoring its own exporter/endpoint. When cfg.Enabled is false, otel's
// own no-op global provider is left in place, so spans started elsewhere
// (pool.Writer.WriteChunk, etc) stay free.
func Configure(ctx context.Context, cfg config.TracingConfig) error {
	if !cfg.Enabled {
		return nil
	}
	configureOnce.Do(func() {
		configureErr = configure(ctx, cfg)
	})
	return configureErr
}

func configure(ctx context.Context, cfg config.TracingConfig) error {
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("telemetry: build exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("infinitree"),
	))
	if err != nil {
		return fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
}

// Shutdown flushes and stops the configured provider, if one was built.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
