// Package metrics holds the gateway Prometheus collectors and the rolling
// per-service statistics served by /gateway/stats.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DurationBuckets are the request duration histogram buckets in seconds (5ms to 10s).
var DurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Registry owns the collectors on a private prometheus.Registry so that
// several gateways (ex: tests) never collide on the default one.
type Registry struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rateLimited   *prometheus.CounterVec
	authFailures  *prometheus.CounterVec
	retries       *prometheus.CounterVec
	active        *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	serviceHealth *prometheus.GaugeVec

	mu       sync.RWMutex
	services map[string]*ServiceStats
	now      func() time.Time
}

// New creates the registry and registers every collector, plus the Go runtime
// and process collectors.
func New() *Registry {
	r := &Registry{
		reg:      prometheus.NewRegistry(),
		services: make(map[string]*ServiceStats),
		now:      time.Now,

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests handled by the gateway",
			},
			[]string{"method", "service", "endpoint", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: DurationBuckets,
			},
			[]string{"method", "service", "endpoint"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_exceeded_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"service", "user_type"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Requests rejected for a missing or malformed credential",
			},
			[]string{"reason"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Upstream attempts retried after a failure",
			},
			[]string{"service"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_active_requests",
				Help: "Requests currently in flight per service",
			},
			[]string{"service"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		serviceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_service_health",
				Help: "Last health probe result per dependency (1=healthy, 0=not healthy)",
			},
			[]string{"service"},
		),
	}

	r.reg.MustRegister(
		r.requests,
		r.duration,
		r.rateLimited,
		r.authFailures,
		r.retries,
		r.active,
		r.breakerState,
		r.serviceHealth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry (tests, custom exporters).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RecordRequest records one completed request. failed marks transport errors
// and 5xx answers for the rolling error rate.
func (r *Registry) RecordRequest(method, service, endpoint string, status int, d time.Duration, failed bool) {
	r.requests.WithLabelValues(method, service, endpoint, strconv.Itoa(status)).Inc()
	r.duration.WithLabelValues(method, service, endpoint).Observe(d.Seconds())
	r.Service(service).record(d, failed, r.now())
}

// RateLimitExceeded counts one rejection by the rate limiter.
func (r *Registry) RateLimitExceeded(service, userType string) {
	r.rateLimited.WithLabelValues(service, userType).Inc()
}

// AuthFailure counts one rejected credential.
func (r *Registry) AuthFailure(reason string) {
	r.authFailures.WithLabelValues(reason).Inc()
}

// Retry counts one retried upstream attempt.
func (r *Registry) Retry(service string) {
	r.retries.WithLabelValues(service).Inc()
}

// TrackActive increments the in-flight gauge and returns the matching decrement.
// Callers defer the returned func so every exit path releases the slot.
func (r *Registry) TrackActive(service string) func() {
	g := r.active.WithLabelValues(service)
	s := r.Service(service)
	g.Inc()
	s.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.Dec()
			s.active.Add(-1)
		})
	}
}

// ActiveRequests returns the current in-flight count for service.
func (r *Registry) ActiveRequests(service string) int64 {
	return r.Service(service).active.Load()
}

// SetBreakerState publishes a breaker state code (0 closed, 1 open, 2 half-open).
func (r *Registry) SetBreakerState(service string, code int) {
	r.breakerState.WithLabelValues(service).Set(float64(code))
}

// SetServiceHealth publishes the last probe result of a dependency.
func (r *Registry) SetServiceHealth(service string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	r.serviceHealth.WithLabelValues(service).Set(v)
}

// Service returns the rolling stats of service, creating them on first use.
func (r *Registry) Service(service string) *ServiceStats {
	r.mu.RLock()
	s, ok := r.services[service]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.services[service]; ok {
		return s
	}
	s = newServiceStats()
	r.services[service] = s
	return s
}

// Snapshot returns the rolling stats of every service that served a request.
func (r *Registry) Snapshot() map[string]ServiceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServiceSnapshot, len(r.services))
	for name, s := range r.services {
		out[name] = s.Snapshot()
	}
	return out
}
