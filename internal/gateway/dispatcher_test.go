package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/breaker"
	"github.com/poglesbyg/tracseq-gateway/internal/domain"
	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/metrics"
	"github.com/poglesbyg/tracseq-gateway/internal/ratelimit"
	"github.com/poglesbyg/tracseq-gateway/internal/retry"
	"github.com/poglesbyg/tracseq-gateway/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixture struct {
	d        *Dispatcher
	metrics  *metrics.Registry
	breakers *breaker.Registry
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T, endpoints []*domain.ServiceEndpoint, mutate func(*Options)) *fixture {
	t.Helper()

	resolver, err := domain.NewResolver(endpoints, "")
	require.NoError(t, err)

	spans := tracetest.NewSpanRecorder()
	opts := Options{
		Resolver: resolver,
		Limiter:  ratelimit.New(ratelimit.Config{}, ratelimit.NewMemoryStore(time.Minute)),
		Breakers: breaker.NewRegistry(breaker.Config{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			IsFailure:        CountsAsFailure,
		}),
		Retry:   retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, ExponentialBase: 2},
		Metrics: metrics.New(),
		Tracer:  tracing.NewWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)), "test"),
		Logger:  logger.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &fixture{
		d:        New(opts),
		metrics:  opts.Metrics,
		breakers: opts.Breakers,
		spans:    spans,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.d.ServeHTTP(rec, req)
	return rec
}

func endpoint(t *testing.T, name, base, prefix string) *domain.ServiceEndpoint {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	return &domain.ServiceEndpoint{
		Name:       name,
		BaseURL:    u,
		PathPrefix: prefix,
		Timeout:    time.Second,
		HealthPath: domain.DefaultHealthPath,
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okResponse(r *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(strings.NewReader(`{"ok":true}`)),
		ContentLength: 11,
		Request:       r,
	}
}

var errRefused = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

// sample reads one counter or gauge value from the registry.
func sample(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func durationBucket(t *testing.T, g prometheus.Gatherer, service string, le float64) uint64 {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "gateway_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "service" && lp.GetValue() == service {
					for _, b := range m.GetHistogram().GetBucket() {
						if b.GetUpperBound() == le {
							return b.GetCumulativeCount()
						}
					}
				}
			}
		}
	}
	t.Fatalf("no duration histogram for service %s", service)
	return 0
}

func TestEndToEnd_ProxiesAndRecordsDuration(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/samples/123", r.URL.Path)
		assert.Equal(t, "a=1", r.URL.RawQuery)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "203.0.113.7", r.Header.Get("X-Forwarded-For"))
		assert.NotEmpty(t, r.Header.Get("Traceparent"))
		assert.Equal(t, "samples", r.Header.Get("X-Service"))
		assert.Empty(t, r.Header.Get("Connection"))

		time.Sleep(30 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"123"}`)
	}))
	defer backend.Close()

	ep := endpoint(t, "samples", backend.URL, "/api/samples")
	ep.RateLimit = 60
	ep.Headers = map[string]string{"X-Service": "samples"}
	f := newFixture(t, []*domain.ServiceEndpoint{ep}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/samples/123?a=1", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("Connection", "keep-alive")
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"123"}`, rec.Body.String())
	assert.Equal(t, "samples", rec.Header().Get("X-Gateway-Service"))
	assert.True(t, strings.HasSuffix(rec.Header().Get("X-Gateway-Response-Time"), "ms"))
	assert.Equal(t, "59", rec.Header().Get("X-RateLimit-Remaining"))
	_, err := time.Parse(time.RFC3339, rec.Header().Get("X-RateLimit-Reset"))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	g := f.metrics.Gatherer()
	assert.Equal(t, uint64(0), durationBucket(t, g, "samples", 0.025))
	assert.Equal(t, uint64(1), durationBucket(t, g, "samples", 0.05))
	assert.Equal(t, 1.0, sample(t, g, "gateway_requests_total", map[string]string{
		"service": "samples", "endpoint": "/api/samples/:id", "status": "200", "method": "GET",
	}))
	assert.Equal(t, 0.0, sample(t, g, "gateway_active_requests", map[string]string{"service": "samples"}))

	spans := f.spans.Ended()
	require.Len(t, spans, 1)
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestEndToEnd_OpenCircuitFailsFastWithoutUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	ep := endpoint(t, "samples", backend.URL, "/api/samples")
	ep.RateLimit = 60
	ep.Timeout = 20 * time.Millisecond
	f := newFixture(t, []*domain.ServiceEndpoint{ep}, nil)

	for i := 0; i < 5; i++ {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/samples/123", nil))
		require.Equal(t, http.StatusGatewayTimeout, rec.Code, "request %d", i+1)
		assert.Equal(t, KindUpstreamTimeout, decodeError(t, rec).Error)
	}
	require.Equal(t, int32(5), calls.Load())
	require.Equal(t, breaker.StateOpen, f.breakers.Get("samples").State())

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/samples/123", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	body := decodeError(t, rec)
	assert.Equal(t, KindCircuitOpen, body.Error)
	assert.Equal(t, 60, body.RetryAfter)
	assert.Equal(t, "samples", body.Service)
	assert.Equal(t, int32(5), calls.Load(), "open circuit must not contact the backend")

	assert.Equal(t, 1.0, sample(t, f.metrics.Gatherer(), "gateway_requests_total", map[string]string{"status": "503"}))
}

func TestHalfOpenTrialInFlightRejectsWithRetryAfter(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	var calls atomic.Int32
	entered := make(chan struct{})
	hold := make(chan struct{})
	f := newFixture(t, []*domain.ServiceEndpoint{endpoint(t, "samples", "http://backend:9000", "/api/samples")}, func(o *Options) {
		o.Breakers = breaker.NewRegistry(breaker.Config{
			FailureThreshold: 1,
			Timeout:          60 * time.Second,
			IsFailure:        CountsAsFailure,
			Now:              clock,
		})
		o.Client = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if calls.Add(1) == 1 {
				return nil, errRefused
			}
			close(entered)
			<-hold
			return okResponse(r), nil
		})}
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/samples/1", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, breaker.StateOpen, f.breakers.Get("samples").State())

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()

	trial := make(chan int, 1)
	go func() {
		trial <- f.do(httptest.NewRequest(http.MethodGet, "/api/samples/1", nil)).Code
	}()
	<-entered

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/samples/1", nil))
	close(hold)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	body := decodeError(t, rec)
	assert.Equal(t, KindCircuitOpen, body.Error)
	assert.Equal(t, 1, body.RetryAfter)

	assert.Equal(t, http.StatusOK, <-trial)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, breaker.StateClosed, f.breakers.Get("samples").State())
}

func TestForwardsEncodedPathUnchanged(t *testing.T) {
	var gotURI string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
	}))
	defer backend.Close()

	f := newFixture(t, []*domain.ServiceEndpoint{endpoint(t, "samples", backend.URL, "/api/samples")}, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/samples/a%2Fb?q=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/samples/a%2Fb?q=1", gotURI)
}

func TestRouteNotFound(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, []*domain.ServiceEndpoint{endpoint(t, "samples", "http://backend:9000", "/api/samples")}, func(o *Options) {
		o.Client = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return okResponse(r), nil
		})}
	})

	for _, path := range []string{"/", "/api/templates", "/api/samplesets/1"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, KindRouteNotFound, decodeError(t, rec).Error)
	}
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 3.0, sample(t, f.metrics.Gatherer(), "gateway_requests_total", map[string]string{"service": unmatched}))
}

func TestAuthPresence(t *testing.T) {
	ep := endpoint(t, "samples", "http://backend:9000", "/api/samples")
	ep.RequireAuth = true
	f := newFixture(t, []*domain.ServiceEndpoint{ep}, func(o *Options) {
		o.AuthExempt = []string{"/api/samples/public"}
		o.Client = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return okResponse(r), nil
		})}
	})

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
		kind   Kind
	}{
		{"missing", "/api/samples/1", "", http.StatusUnauthorized, KindAuthRequired},
		{"wrong scheme", "/api/samples/1", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, KindAuthInvalid},
		{"empty token", "/api/samples/1", "Bearer ", http.StatusUnauthorized, KindAuthInvalid},
		{"bearer", "/api/samples/1", "Bearer abc.def.ghi", http.StatusOK, ""},
		{"lowercase scheme", "/api/samples/1", "bearer abc", http.StatusOK, ""},
		{"exempt path", "/api/samples/public/info", "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := f.do(req)
			require.Equal(t, tt.status, rec.Code)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, decodeError(t, rec).Error)
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}

	g := f.metrics.Gatherer()
	assert.Equal(t, 1.0, sample(t, g, "gateway_auth_failures_total", map[string]string{"reason": "auth_required"}))
	assert.Equal(t, 2.0, sample(t, g, "gateway_auth_failures_total", map[string]string{"reason": "auth_invalid"}))
}

func TestRateLimited(t *testing.T) {
	ep := endpoint(t, "samples", "http://backend:9000", "/api/samples")
	ep.RateLimit = 60
	ep.Burst = 1
	var calls atomic.Int32
	f := newFixture(t, []*domain.ServiceEndpoint{ep}, func(o *Options) {
		o.Client = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return okResponse(r), nil
		})}
	})

	first := f.do(httptest.NewRequest(http.MethodGet, "/api/samples", nil))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/samples", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	reset, err := time.Parse(time.RFC3339, rec.Header().Get("X-RateLimit-Reset"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Second), reset, 2*time.Second)
	assert.Equal(t, KindRateLimited, decodeError(t, rec).Error)
	assert.Equal(t, int32(1), calls.Load())

	g := f.metrics.Gatherer()
	assert.Equal(t, 1.0, sample(t, g, "gateway_rate_limit_exceeded_total", map[string]string{"service": "samples", "user_type": "anonymous"}))

	req := httptest.NewRequest(http.MethodGet, "/api/samples", nil)
	req.Header.Set("X-User-ID", "alice")
	assert.Equal(t, http.StatusOK, f.do(req).Code, "authenticated users have their own bucket")
}

func TestUpstreamErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   Kind
	}{
		{"connection refused", errRefused, http.StatusServiceUnavailable, KindUpstreamUnreachable},
		{"dns", &net.DNSError{Err: "no such host", Name: "backend"}, http.StatusServiceUnavailable, KindUpstreamUnreachable},
		{"transport timeout", &timeoutErr{}, http.StatusGatewayTimeout, KindUpstreamTimeout},
		{"other", errors.New("malformed HTTP response"), http.StatusBadGateway, KindUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []*domain.ServiceEndpoint{endpoint(t, "samples", "http://backend:9000", "/api/samples")}, func(o *Options) {
				o.Client = &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
					return nil, tt.err
				})}
			})

			rec := f.do(httptest.NewRequest(http.MethodGet, "/api/samples/1", nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Error)
			assert.Equal(t, "samples", rec.Header().Get("X-Gateway-Service"))

			spans := f.spans.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, codes.Error, spans[0].Status().Code)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetriesIdempotentRequestsInsideOneBreakerCall(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, []*domain.ServiceEndpoint{endpoint(t, "samples", "http://backend:9000", "/api/samples")}, func(o *Options) {
		o.Retry = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, ExponentialBase: 2, MaxDelay: 5 * time.Millisecond}
		o.Breakers = breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Timeout: time.Minute, IsFailure: CountsAsFailure})
		o.Client = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if calls.Add(1) < 3 {
				return nil, errRefused
			}
			return okResponse(r), nil
		})}
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/samples/1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, breaker.StateClosed, f.breakers.Get("samples").State(), "transient failures absorbed by retries")
	assert.Equal(t, 2.0, sample(t, f.metrics.Gatherer(), "gateway_retries_total", map[string]string{"service": "samples"}))
}

func TestRequestsWithBodyAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, []*domain.ServiceEndpoint{endpoint(t, "samples", "http://backend:9000", "/api/samples")}, func(o *Options) {
		o.Retry = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, ExponentialBase: 2}
		o.Client = &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errRefused
		})}
	})

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/samples", strings.NewReader(`{"name":"s1"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestForwardsBodyAndStripsPrefix(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer backend.Close()

	ep := endpoint(t, "storage", backend.URL, "/api/storage")
	ep.StripPrefix = true
	ep.AddVersion = true
	f := newFixture(t, []*domain.ServiceEndpoint{ep}, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/storage/locations", strings.NewReader(`{"rack":"A1"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"rack":"A1"}`, rec.Body.String())
	assert.Equal(t, "/v1/locations", rec.Header().Get("X-Upstream-Path"))
	assert.Empty(t, rec.Header().Get("Connection"))
}

func TestStreamingResponseOutlivesEndpointTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "data: %d\n\n", i)
			w.(http.Flusher).Flush()
			time.Sleep(40 * time.Millisecond)
		}
	}))
	defer backend.Close()

	ep := endpoint(t, "reports", backend.URL, "/api/reports")
	ep.Timeout = 50 * time.Millisecond
	f := newFixture(t, []*domain.ServiceEndpoint{ep}, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/reports/stream", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: 0\n\ndata: 1\n\ndata: 2\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestClientCancellationIsNotABackendFailure(t *testing.T) {
	f := newFixture(t, []*domain.ServiceEndpoint{endpoint(t, "samples", "http://backend:9000", "/api/samples")}, func(o *Options) {
		o.Client = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			<-r.Context().Done()
			return nil, r.Context().Err()
		})}
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/samples/1", nil).WithContext(ctx)
	time.AfterFunc(10*time.Millisecond, cancel)

	rec := f.do(req)
	assert.Equal(t, 0, rec.Body.Len(), "nothing is written to a gone client")
	assert.Equal(t, 0, f.breakers.Get("samples").Snapshot().FailureCount)
	assert.Equal(t, 1.0, sample(t, f.metrics.Gatherer(), "gateway_requests_total", map[string]string{"status": "499"}))
}

func TestActiveGaugeReturnsToZero(t *testing.T) {
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer fast.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	ok := endpoint(t, "samples", fast.URL, "/api/samples")
	timeout := endpoint(t, "storage", slow.URL, "/api/storage")
	timeout.Timeout = 20 * time.Millisecond
	down := endpoint(t, "reports", goneURL, "/api/reports")

	f := newFixture(t, []*domain.ServiceEndpoint{ok, timeout, down}, func(o *Options) {
		o.Breakers = breaker.NewRegistry(breaker.Config{FailureThreshold: 1000, Timeout: time.Minute, IsFailure: CountsAsFailure})
	})

	paths := []string{"/api/samples/1", "/api/storage/1", "/api/reports/1"}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.do(httptest.NewRequest(http.MethodGet, paths[i%len(paths)], nil))
		}(i)
	}
	wg.Wait()

	for _, svc := range []string{"samples", "storage", "reports"} {
		assert.Equal(t, int64(0), f.metrics.ActiveRequests(svc), svc)
		assert.Equal(t, 0.0, sample(t, f.metrics.Gatherer(), "gateway_active_requests", map[string]string{"service": svc}), svc)
	}
	assert.Equal(t, 10.0, sample(t, f.metrics.Gatherer(), "gateway_requests_total", map[string]string{"service": "storage", "status": "504"}))
	assert.Equal(t, 10.0, sample(t, f.metrics.Gatherer(), "gateway_requests_total", map[string]string{"service": "reports", "status": "503"}))
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/":                        "/",
		"":                         "/",
		"/api/samples":             "/api/samples",
		"/api/samples/":            "/api/samples",
		"/api/samples/123":         "/api/samples/:id",
		"/api/samples/123/files/9": "/api/samples/:id/files/:id",
		"/api/jobs/550e8400-e29b-41d4-a716-446655440000": "/api/jobs/:id",
		"/api/blobs/0123456789abcdef0123":                "/api/blobs/:id",
		"/api/samples/v2":                                "/api/samples/v2",
		"/a/b/c/d/e/f/g/h/i/j":                           "/a/b/c/d/e/f/g/h/...",
	}

	for in, want := range tests {
		assert.Equal(t, want, NormalizeEndpoint(in), in)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	tests := map[Kind]int{
		KindRouteNotFound:       404,
		KindAuthRequired:        401,
		KindAuthInvalid:         401,
		KindRateLimited:         429,
		KindCircuitOpen:         503,
		KindUpstreamTimeout:     504,
		KindUpstreamUnreachable: 503,
		KindUpstreamFailure:     502,
		KindClientClosed:        499,
	}
	for kind, status := range tests {
		assert.Equal(t, status, (&Error{Kind: kind}).StatusCode(), kind)
	}

	assert.True(t, CountsAsFailure(&Error{Kind: KindUpstreamTimeout}))
	assert.False(t, CountsAsFailure(fmt.Errorf("wrapped: %w", &Error{Kind: KindClientClosed})))
}
