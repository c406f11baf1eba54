// Package telemetry installs the OpenTelemetry tracer provider used for
// dispatch spans and HTTP instrumentation.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Option configures InitTracer.
type Option func(*options)

type options struct {
	writer io.Writer
	pretty bool
}

// WithWriter sends spans to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithPrettyPrint indents exported spans.
func WithPrettyPrint() Option {
	return func(o *options) {
		o.pretty = true
	}
}

// InitTracer installs a global tracer provider that exports to stdout.
// With enabled false the global no-op provider stays in place.
func InitTracer(enabled bool, serviceName string, logger *slog.Logger, opts ...Option) (Shutdown, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	o := &options{writer: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(o.writer)}
	if o.pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))
	return tp.Shutdown, nil
}
