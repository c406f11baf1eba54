package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracer(true, "genflow-test", slog.New(slog.NewTextHandler(io.Discard, nil)), WithWriter(&buf))
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "dispatch.attempt")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "dispatch.attempt") || !strings.Contains(out, "genflow-test") {
		t.Errorf("exported spans = %s", out)
	}
}

func TestInitTracer_Disabled(t *testing.T) {
	prev := otel.GetTracerProvider()

	shutdown, err := InitTracer(false, "genflow-test", slog.Default())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Error("disabled tracer replaced the global provider")
	}
}
