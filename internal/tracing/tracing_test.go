package tracing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestStartRequest_ContinuesInboundTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tr := NewWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), "test")

	req := httptest.NewRequest(http.MethodGet, "/api/samples/1", nil)
	req.Header.Set("traceparent", parent)

	ctx, span := tr.StartRequest(req, "GET /api/samples", attribute.String("gateway.service", "samples"))
	out := http.Header{}
	tr.Inject(ctx, out)
	Fail(span, errors.New("upstream timeout"), "upstream timeout")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", s.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", s.Parent().SpanID().String())
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Len(t, s.Events(), 1, "error recorded as span event")

	assert.Contains(t, out.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")
	assert.NotContains(t, out.Get("traceparent"), "00f067aa0ba902b7", "upstream sees the gateway span as parent")
}

func TestDisabledTracerStillPropagates(t *testing.T) {
	tr, err := New(Config{Enabled: false, ServiceName: "gateway"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", parent)
	ctx, span := tr.StartRequest(req, "GET /")
	defer span.End()

	out := http.Header{}
	tr.Inject(ctx, out)
	assert.Equal(t, parent, out.Get("traceparent"))
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	tr, err := New(Config{Enabled: true, ServiceName: "gateway", Stdout: true, Writer: &buf, SampleRate: 1})
	require.NoError(t, err)

	_, span := tr.Start(context.Background(), "probe")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"probe"`)
}
