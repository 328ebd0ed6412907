// Package tracing wraps the OpenTelemetry SDK: one tracer provider per process,
// W3C trace context extracted from inbound requests and injected upstream.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the exporter and the sampling ratio.
type Config struct {
	Enabled     bool
	ServiceName string
	Stdout      bool      // export finished spans as JSON lines
	Writer      io.Writer // stdout exporter destination (default os.Stdout)
	SampleRate  float64   // 0..1, parent-based
}

// Tracer starts gateway spans and carries their context across HTTP hops.
type Tracer struct {
	tracer     trace.Tracer
	provider   *sdktrace.TracerProvider // nil when disabled
	propagator propagation.TextMapPropagator
}

// New builds a tracer. A disabled config yields a no-op tracer that still
// propagates inbound trace headers upstream.
func New(cfg Config) (*Tracer, error) {
	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName), propagator: prop}, nil
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamp(cfg.SampleRate)))),
		sdktrace.WithResource(resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName))),
	}
	if cfg.Stdout {
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	return NewWithProvider(sdktrace.NewTracerProvider(opts...), cfg.ServiceName), nil
}

// NewWithProvider wraps an existing SDK provider (tests use a span recorder).
func NewWithProvider(tp *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{
		tracer:     tp.Tracer(name),
		provider:   tp,
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}
}

// StartRequest continues the trace found in r's headers, or starts a new one.
func (t *Tracer) StartRequest(r *http.Request, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// Start opens a child span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Inject writes the trace context of ctx into outgoing headers.
func (t *Tracer) Inject(ctx context.Context, h http.Header) {
	t.propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// Fail records err on span and sets its status to error.
func Fail(span trace.Span, err error, msg string) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, msg)
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func clamp(rate float64) float64 {
	switch {
	case rate <= 0:
		return 0
	case rate > 1:
		return 1
	default:
		return rate
	}
}
