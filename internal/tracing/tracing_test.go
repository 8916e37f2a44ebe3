package tracing

import (
	"context"
	"testing"
)

func TestInitReturnsWorkingShutdown(t *testing.T) {
	shutdown, err := Init(context.Background(), "webhook-relay-test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a non-nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitUsesOTLPWhenEndpointConfigured(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "127.0.0.1:4317")
	shutdown, err := Init(context.Background(), "webhook-relay-test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())
}
