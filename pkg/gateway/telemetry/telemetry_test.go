package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracer_UsesGivenProvider(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := Tracer(tp).Start(context.Background(), "ingest.transcribe")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans=%d, want 1", len(ended))
	}
	if ended[0].Name() != "ingest.transcribe" {
		t.Fatalf("name=%q", ended[0].Name())
	}
	if got := ended[0].InstrumentationScope().Name; got != InstrumentationName {
		t.Fatalf("scope=%q, want %q", got, InstrumentationName)
	}
}

func TestTracer_NilFallsBackToGlobal(t *testing.T) {
	_, span := Tracer(nil).Start(context.Background(), "noop")
	span.End()
}
