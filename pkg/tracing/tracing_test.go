package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestInitTracingWithoutEndpoint(t *testing.T) {
	t.Setenv("OTLP_ENDPOINT", "")

	shutdown, err := InitTracing(context.Background(), "test")
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestStartSpanNoop(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation")
	if span == nil {
		t.Fatal("expected a span")
	}
	// Helpers must be safe on a non-recording span
	RecordError(ctx, errors.New("boom"))
	AddEvent(ctx, "event")
	span.End()
}

func TestCacheAttributes(t *testing.T) {
	attrs := CacheAttributes(CacheTypeLayer, true, "all")
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
}

func TestErrorAttributes(t *testing.T) {
	if got := ErrorAttributes(nil); got != nil {
		t.Errorf("expected nil attributes for nil error, got %v", got)
	}
	if got := ErrorAttributes(errors.New("boom")); len(got) != 2 {
		t.Errorf("expected 2 attributes, got %d", len(got))
	}
}
