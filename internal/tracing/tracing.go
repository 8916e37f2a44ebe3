// Package tracing wires up the OpenTelemetry tracer provider, grounded
// on the Jaeger-exporter InitTracing helper used elsewhere in the
// retrieval pack (sambhavthakkar-QuantaraX/backend/internal/observability/tracing.go),
// adapted to export via OTLP-gRPC when configured and a stdout
// exporter otherwise so a bare `go run` still produces spans.
package tracing

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Init builds and installs the global TracerProvider, returning its
// Shutdown func. If OTEL_EXPORTER_OTLP_ENDPOINT is set, spans are sent
// there via gRPC; otherwise a stdout exporter is used.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	var exp sdktrace.SpanExporter
	var err error

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	} else {
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(512), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
