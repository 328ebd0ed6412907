// Package gateway resolves inbound requests to a backend and forwards them
// through the admission pipeline: auth presence, rate limit, circuit breaker,
// retried upstream call, then metrics and trace recording.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/poglesbyg/tracseq-gateway/internal/breaker"
	"github.com/poglesbyg/tracseq-gateway/internal/domain"
	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/metrics"
	"github.com/poglesbyg/tracseq-gateway/internal/ratelimit"
	"github.com/poglesbyg/tracseq-gateway/internal/retry"
	"github.com/poglesbyg/tracseq-gateway/internal/tracing"
	"github.com/poglesbyg/tracseq-gateway/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// unmatched labels requests that resolved to no service
	unmatched = "unmatched"

	headerService      = "X-Gateway-Service"
	headerResponseTime = "X-Gateway-Response-Time"
	headerUserID       = "X-User-ID"
)

var errUpstreamTimeout = errors.New("upstream timeout")

// Options wires the dispatcher to the shared gateway components.
type Options struct {
	Resolver   *domain.Resolver
	Limiter    *ratelimit.Limiter
	Breakers   *breaker.Registry
	Retry      retry.Policy
	Metrics    *metrics.Registry
	Tracer     *tracing.Tracer
	Client     *http.Client // nil = NewClient()
	Logger     logger.Logger
	AuthExempt []string // path prefixes never requiring a credential
	TrustProxy bool     // resolve the client IP from forwarding headers
}

// Dispatcher is the catch-all proxy handler.
type Dispatcher struct {
	resolver   *domain.Resolver
	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry
	retry      retry.Policy
	metrics    *metrics.Registry
	tracer     *tracing.Tracer
	client     *http.Client
	logger     logger.Logger
	authExempt []string
	trustProxy bool
	now        func() time.Time
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	client := opts.Client
	if client == nil {
		client = NewClient()
	}
	return &Dispatcher{
		resolver:   opts.Resolver,
		limiter:    opts.Limiter,
		breakers:   opts.Breakers,
		retry:      opts.Retry,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		client:     client,
		logger:     opts.Logger,
		authExempt: opts.AuthExempt,
		trustProxy: opts.TrustProxy,
		now:        time.Now,
	}
}

// NewClient returns the upstream HTTP client. It never follows redirects and has
// no global timeout: each call is bounded by its endpoint timeout.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// requestContext carries what the dispatcher learned about one request.
type requestContext struct {
	start    time.Time
	method   string
	service  string
	endpoint string
	userID   string
	clientIP string
	span     trace.Span
}

// ServeHTTP runs the whole pipeline. Metrics and span are recorded before it returns.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := &requestContext{
		start:    d.now(),
		method:   r.Method,
		service:  unmatched,
		endpoint: unmatched,
		userID:   strings.TrimSpace(r.Header.Get(headerUserID)),
		clientIP: utils.ClientIP(r, d.trustProxy),
	}

	ep, ok := d.resolver.Resolve(r.URL.Path)
	if ok {
		rc.service = ep.Name
		rc.endpoint = NormalizeEndpoint(r.URL.Path)
	}

	ctx, span := d.tracer.StartRequest(r, r.Method+" "+rc.service,
		attribute.String("http.request.method", r.Method),
		attribute.String("http.route", rc.endpoint),
		attribute.String("gateway.service", rc.service),
		attribute.String("client.address", rc.clientIP),
	)
	rc.span = span
	defer span.End()

	var (
		status int
		err    error
	)
	if !ok {
		err = &Error{Kind: KindRouteNotFound}
	} else {
		status, err = d.dispatch(ctx, w, r.WithContext(ctx), ep, rc)
	}

	if err != nil {
		ge := asError(rc.service, err)
		if ok {
			d.setGatewayHeaders(w, rc)
		}
		writeError(w, ge)
		status = ge.StatusCode()
		tracing.Fail(span, ge, string(ge.Kind))
		d.logFailure(rc, ge)
	} else if status >= http.StatusInternalServerError {
		tracing.Fail(span, nil, http.StatusText(status))
	}

	span.SetAttributes(attribute.Int("http.response.status_code", status))
	d.metrics.RecordRequest(rc.method, rc.service, rc.endpoint, status, d.now().Sub(rc.start),
		err != nil || status >= http.StatusInternalServerError)
}

// dispatch returns the status written to the client, or an error when nothing
// was written yet.
func (d *Dispatcher) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *domain.ServiceEndpoint, rc *requestContext) (int, error) {
	if ep.RequireAuth && !d.exempt(r.URL.Path) {
		if kind, ok := bearerToken(r.Header.Get("Authorization")); !ok {
			d.metrics.AuthFailure(string(kind))
			return 0, &Error{Kind: kind, Service: ep.Name}
		}
	}

	decision, err := d.limiter.Check(ctx, ratelimit.Request{
		Service:  ep.Name,
		Endpoint: rc.endpoint,
		UserID:   rc.userID,
		IP:       rc.clientIP,
		Limit:    ep.RateLimit,
		Burst:    ep.Burst,
	})
	if err != nil {
		d.logger.Warn("rate limit store unavailable, admitting request",
			logger.String("service", ep.Name),
			logger.Error(err))
	}
	setRateLimitHeaders(w.Header(), decision)
	if !decision.Allowed {
		d.metrics.RateLimitExceeded(ep.Name, ratelimit.Request{UserID: rc.userID}.UserType())
		rc.span.SetAttributes(attribute.String("gateway.rate_limit.scope", string(decision.Scope)))
		return 0, &Error{
			Kind:       KindRateLimited,
			Service:    ep.Name,
			RetryAfter: time.Duration(decision.RetryAfterSeconds()) * time.Second,
			Err:        errors.New(decision.Reason),
		}
	}

	release := d.metrics.TrackActive(ep.Name)
	defer release()

	up, err := d.call(ctx, r, ep, rc)
	if err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			return 0, &Error{
				Kind:       KindCircuitOpen,
				Service:    ep.Name,
				RetryAfter: time.Duration(open.RetryAfterSeconds()) * time.Second,
				Err:        err,
			}
		}
		return 0, err
	}
	defer up.release()

	return d.relay(w, up, rc), nil
}

// call runs the retried upstream sequence inside one breaker call.
func (d *Dispatcher) call(ctx context.Context, r *http.Request, ep *domain.ServiceEndpoint, rc *requestContext) (*upstream, error) {
	target := ep.UpstreamURL(r.URL.EscapedPath(), r.URL.RawQuery)
	header := upstreamHeaders(r, rc.clientIP, requestID(r, middleware.GetReqID(r.Context())), ep.Headers)
	d.tracer.Inject(ctx, header)

	policy := d.retry
	policy.Retryable = retryable
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.metrics.Retry(ep.Name)
		d.logger.Debug("retrying upstream call",
			logger.String("service", ep.Name),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
	}

	var body io.Reader
	if hasBody(r) || !isIdempotent(r.Method) {
		// A body can be read only once.
		policy.MaxRetries = 0
		if hasBody(r) {
			body = r.Body
		}
	}

	var up *upstream
	err := d.breakers.Get(ep.Name).Execute(ctx, func(ctx context.Context) error {
		return policy.Do(ctx, func(ctx context.Context) error {
			u, err := d.roundTrip(ctx, r, ep, target, header, body)
			if err != nil {
				return err
			}
			up = u
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return up, nil
}

// upstream is an answered call whose body is still open.
type upstream struct {
	resp   *http.Response
	timer  *time.Timer
	cancel context.CancelCauseFunc
}

func (u *upstream) release() {
	u.timer.Stop()
	_ = u.resp.Body.Close()
	u.cancel(nil)
}

// roundTrip performs one attempt. The endpoint timeout covers the whole exchange,
// or only the wait for response headers when the response is streamed.
func (d *Dispatcher) roundTrip(ctx context.Context, r *http.Request, ep *domain.ServiceEndpoint, target *url.URL, header http.Header, body io.Reader) (*upstream, error) {
	callCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(ep.Timeout, func() { cancel(errUpstreamTimeout) })

	out, err := http.NewRequestWithContext(callCtx, r.Method, target.String(), body)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, &Error{Kind: KindUpstreamFailure, Service: ep.Name, Err: fmt.Errorf("failed to build upstream request: %w", err)}
	}
	out.Header = header.Clone()
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	resp, err := d.client.Do(out)
	if err != nil {
		timer.Stop()
		cause := context.Cause(callCtx)
		cancel(nil)
		return nil, classify(ctx, ep.Name, err, cause)
	}

	if isStreaming(resp) {
		timer.Stop()
	}
	return &upstream{resp: resp, timer: timer, cancel: cancel}, nil
}

// classify maps a transport error to the gateway taxonomy.
func classify(parent context.Context, service string, err, cause error) *Error {
	kind := KindUpstreamFailure
	var (
		netErr net.Error
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	switch {
	case errors.Is(cause, errUpstreamTimeout):
		kind = KindUpstreamTimeout
	case parent.Err() != nil:
		kind = KindClientClosed
	case errors.As(err, &dnsErr), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH),
		errors.As(err, &opErr) && opErr.Op == "dial":
		kind = KindUpstreamUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindUpstreamTimeout
	}
	return &Error{Kind: kind, Service: service, Err: err}
}

// relay copies the upstream answer to the client and returns its status.
func (d *Dispatcher) relay(w http.ResponseWriter, up *upstream, rc *requestContext) int {
	resp := up.resp
	h := w.Header()
	quota := make(http.Header, 3)
	for _, k := range rateLimitHeaders {
		if v := h.Get(k); v != "" {
			quota.Set(k, v)
		}
	}
	copyResponseHeaders(h, resp.Header)
	for k := range quota {
		h.Set(k, quota.Get(k))
	}
	d.setGatewayHeaders(w, rc)
	w.WriteHeader(resp.StatusCode)

	var err error
	if isStreaming(resp) {
		err = copyFlushing(w, resp.Body)
	} else {
		_, err = io.Copy(w, resp.Body)
	}
	if err != nil {
		tracing.Fail(rc.span, err, "response relay interrupted")
		d.logger.Warn("upstream response relay interrupted",
			logger.String("service", rc.service),
			logger.String("endpoint", rc.endpoint),
			logger.Error(err))
	}
	return resp.StatusCode
}

// copyFlushing relays a stream chunk by chunk, flushing after every read.
// The server write deadline is lifted for the lifetime of the stream.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (d *Dispatcher) setGatewayHeaders(w http.ResponseWriter, rc *requestContext) {
	elapsed := d.now().Sub(rc.start)
	w.Header().Set(headerService, rc.service)
	w.Header().Set(headerResponseTime, strconv.FormatFloat(float64(elapsed)/float64(time.Millisecond), 'f', 2, 64)+"ms")
}

var rateLimitHeaders = []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}

// setRateLimitHeaders publishes the quota of the most restrictive scope.
// Nothing is set when no scope applies to the request.
func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set(rateLimitHeaders[0], strconv.Itoa(d.Limit))
	h.Set(rateLimitHeaders[1], strconv.Itoa(d.Remaining))
	h.Set(rateLimitHeaders[2], d.ResetAt.UTC().Format(time.RFC3339))
}

func (d *Dispatcher) exempt(path string) bool {
	for _, p := range d.authExempt {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) logFailure(rc *requestContext, ge *Error) {
	fields := []logger.Field{
		logger.String("service", rc.service),
		logger.String("method", rc.method),
		logger.String("endpoint", rc.endpoint),
		logger.String("kind", string(ge.Kind)),
		logger.Int("status", ge.StatusCode()),
	}
	if ge.Err != nil {
		fields = append(fields, logger.Error(ge.Err))
	}

	switch ge.Kind {
	case KindUpstreamTimeout, KindUpstreamUnreachable, KindUpstreamFailure:
		d.logger.Warn("upstream call failed", fields...)
	default:
		d.logger.Debug("request rejected", fields...)
	}
}
