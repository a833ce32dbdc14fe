// Package telemetry sets up OpenTelemetry tracing.
//
// Spans go to a stdout-style exporter writing to the given writer; with
// tracing disabled the global provider stays a no-op and instrumented code
// pays nothing.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName identifies spans from this process.
const ServiceName = "skylight-photos"

// Shutdown flushes and stops the tracer provider.
type Shutdown func(ctx context.Context) error

// InitTracerProvider installs a global tracer provider exporting to w.
func InitTracerProvider(w io.Writer, version string, logger *slog.Logger) (Shutdown, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("Tracing enabled", slog.String("exporter", "stdout"))

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}
