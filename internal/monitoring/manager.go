// Package monitoring builds the gateway components from the configuration and
// owns their lifecycle. The Manager is the single piece of shared state handed to
// the HTTP handlers.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/poglesbyg/tracseq-gateway/internal/breaker"
	"github.com/poglesbyg/tracseq-gateway/internal/config"
	"github.com/poglesbyg/tracseq-gateway/internal/domain"
	"github.com/poglesbyg/tracseq-gateway/internal/gateway"
	"github.com/poglesbyg/tracseq-gateway/internal/health"
	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/metrics"
	"github.com/poglesbyg/tracseq-gateway/internal/ratelimit"
	"github.com/poglesbyg/tracseq-gateway/internal/retry"
	"github.com/poglesbyg/tracseq-gateway/internal/scheduler"
	redisstore "github.com/poglesbyg/tracseq-gateway/internal/store/redis"
	"github.com/poglesbyg/tracseq-gateway/internal/sysmon"
	"github.com/poglesbyg/tracseq-gateway/internal/tracing"
)

// RedisCheckName is the health check registered when a Redis client is configured.
const RedisCheckName = "redis"

// Manager is the gateway state: every component built once at startup.
type Manager struct {
	cfg    *config.Config
	logger logger.Logger

	resolver   *domain.Resolver
	metrics    *metrics.Registry
	breakers   *breaker.Registry
	limiter    *ratelimit.Limiter
	health     *health.Checker
	sysmon     *sysmon.Monitor // nil when disabled
	tracer     *tracing.Tracer
	dispatcher *gateway.Dispatcher

	memStore   *ratelimit.MemoryStore // nil when buckets live in Redis
	redis      goredis.UniversalClient
	redisStore *redisstore.Store

	group     *scheduler.Group
	startedAt time.Time
	now       func() time.Time
}

type options struct {
	redis        goredis.UniversalClient
	sampler      sysmon.Sampler
	tracer       *tracing.Tracer
	upstream     *http.Client
	healthClient *http.Client
	now          func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithRedis enables the Redis bucket store, cluster stats and the Redis health check.
// The Manager closes the client on Stop.
func WithRedis(client goredis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithSampler replaces the host sampler (tests).
func WithSampler(s sysmon.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithTracer replaces the tracer built from the configuration.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithUpstreamClient replaces the proxy client.
func WithUpstreamClient(c *http.Client) Option {
	return func(o *options) { o.upstream = c }
}

// WithHealthClient replaces the client used by HTTP health probes.
func WithHealthClient(c *http.Client) Option {
	return func(o *options) { o.healthClient = c }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires every component. Background loops only run after Start.
func New(cfg *config.Config, resolver *domain.Resolver, log logger.Logger, opts ...Option) (*Manager, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:       cfg,
		logger:    log,
		resolver:  resolver,
		metrics:   metrics.New(),
		redis:     o.redis,
		startedAt: o.now(),
		now:       o.now,
	}

	m.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Timeout:          cfg.BreakerTimeout,
		Window:           cfg.BreakerWindow,
		IsFailure:        gateway.CountsAsFailure,
		OnStateChange:    m.onBreakerStateChange,
	})

	if cfg.SysmonEnabled {
		sampler := o.sampler
		if sampler == nil {
			sampler = sysmon.NewHostSampler(cfg.SysmonDiskPath)
		}
		m.sysmon = sysmon.NewMonitor(sampler, cfg.SysmonInterval, log.Named("sysmon"))
	}

	m.limiter = m.buildLimiter()

	if err := m.buildHealth(o.healthClient); err != nil {
		return nil, err
	}

	m.tracer = o.tracer
	if m.tracer == nil {
		t, err := tracing.New(tracing.Config{
			Enabled:     cfg.TracingEnabled,
			ServiceName: cfg.ServiceName,
			Stdout:      cfg.TracingStdout,
			SampleRate:  cfg.TracingSampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
		m.tracer = t
	}

	m.dispatcher = gateway.New(gateway.Options{
		Resolver: resolver,
		Limiter:  m.limiter,
		Breakers: m.breakers,
		Retry: retry.Policy{
			MaxRetries:      cfg.RetryMaxRetries,
			BaseDelay:       cfg.RetryBaseDelay,
			ExponentialBase: cfg.RetryExponentialBase,
			MaxDelay:        cfg.RetryMaxDelay,
		},
		Metrics:    m.metrics,
		Tracer:     m.tracer,
		Client:     o.upstream,
		Logger:     log.Named("gateway"),
		AuthExempt: cfg.AuthExemptPaths,
		TrustProxy: cfg.TrustProxy,
	})

	for _, ep := range resolver.Endpoints() {
		m.metrics.SetBreakerState(ep.Name, int(breaker.StateClosed))
	}

	return m, nil
}

func (m *Manager) buildLimiter() *ratelimit.Limiter {
	cfg := ratelimit.Config{
		Algorithm:    ratelimit.Algorithm(m.cfg.RateLimitAlgorithm),
		DefaultBurst: m.cfg.RateLimitBurst,
		GlobalRPM:    m.cfg.RateLimitGlobalRPM,
		EndpointRPM:  m.cfg.RateLimitEndpointRPM,
		Adaptive: ratelimit.AdaptiveConfig{
			CPUThreshold:    m.cfg.AdaptiveCPUThreshold,
			MemoryThreshold: m.cfg.AdaptiveMemoryThreshold,
			MinFactor:       m.cfg.AdaptiveMinFactor,
		},
	}

	opts := []ratelimit.Option{ratelimit.WithClock(m.now)}
	if m.sysmon != nil {
		opts = append(opts, ratelimit.WithLoadReporter(m.sysmon))
	}

	if m.redis != nil {
		m.redisStore = redisstore.NewStore(m.redis)
		opts = append(opts, ratelimit.WithRecorder(m.redisStore))
		if m.cfg.RateLimitDistributedKeys {
			m.logger.Info("rate limit buckets shared through redis")
			return ratelimit.New(cfg, m.redisStore, opts...)
		}
	}

	m.memStore = ratelimit.NewMemoryStore(m.cfg.RateLimitIdleBucketTTL)
	return ratelimit.New(cfg, m.memStore, opts...)
}

func (m *Manager) buildHealth(client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: m.cfg.HealthTimeout}
	}

	m.health = health.NewChecker(m.cfg.HealthInterval, m.cfg.HealthTimeout, m.logger.Named("health"),
		health.WithResultHook(func(name string, r health.Result) {
			m.metrics.SetServiceHealth(name, r.Healthy())
		}),
		health.WithClock(m.now),
	)

	for _, ep := range m.resolver.Endpoints() {
		if err := m.health.Register(health.Check{
			Name:     ep.Name,
			Critical: ep.Critical,
			Probe:    health.HTTPProbe(client, ep.HealthURL()),
		}); err != nil {
			return fmt.Errorf("failed to register health check: %w", err)
		}
	}

	if m.redisStore != nil {
		if err := m.health.Register(health.Check{
			Name:     RedisCheckName,
			Critical: m.cfg.RateLimitDistributedKeys,
			Probe:    health.PingProbe(m.redisStore),
		}); err != nil {
			return fmt.Errorf("failed to register health check: %w", err)
		}
	}
	return nil
}

func (m *Manager) onBreakerStateChange(service string, from, to breaker.State) {
	m.metrics.SetBreakerState(service, int(to))

	fields := []logger.Field{
		logger.String("service", service),
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	}
	if to == breaker.StateOpen {
		m.logger.Warn("circuit breaker opened", fields...)
		return
	}
	m.logger.Info("circuit breaker state changed", fields...)
}

// Start launches the background loops: health probes, host sampling and the
// idle bucket sweeper.
func (m *Manager) Start(ctx context.Context) {
	m.group = scheduler.NewGroup(ctx, m.logger.Named("scheduler"))

	m.health.Start(m.group)
	if m.sysmon != nil {
		m.sysmon.Start(m.group)
	}
	if m.memStore != nil {
		scheduler.NewBucketSweeper(m.memStore, m.logger.Named("sweeper"), m.cfg.RateLimitSweepInterval).Start(m.group)
	}

	m.logger.Info("background tasks started", logger.Strings("tasks", m.group.Tasks()))
}

// Stop cancels and joins the background loops, flushes spans and closes Redis.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error

	if m.group != nil {
		if err := m.group.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop background tasks: %w", err))
		}
	}
	if err := m.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			m.logger.Info("✅ Redis closed cleanly")
		}
	}
	return errors.Join(errs...)
}

// Handler is the catch-all proxy.
func (m *Manager) Handler() http.Handler { return m.dispatcher }

// MetricsHandler serves the Prometheus exposition.
func (m *Manager) MetricsHandler() http.Handler { return m.metrics.Handler() }

// Metrics returns the metrics registry.
func (m *Manager) Metrics() *metrics.Registry { return m.metrics }

// Breakers returns the circuit breaker registry.
func (m *Manager) Breakers() *breaker.Registry { return m.breakers }

// Health returns the health checker.
func (m *Manager) Health() *health.Checker { return m.health }

// Resolver returns the routing table.
func (m *Manager) Resolver() *domain.Resolver { return m.resolver }

// Limiter returns the rate limiter.
func (m *Manager) Limiter() *ratelimit.Limiter { return m.limiter }

// ResetBreaker forces a service circuit back to CLOSED. It reports false for
// services the gateway does not route to.
func (m *Manager) ResetBreaker(service string) bool {
	if _, ok := m.resolver.Lookup(service); !ok {
		return false
	}
	m.breakers.Get(service).Reset()
	m.logger.Info("circuit breaker reset by operator", logger.String("service", service))
	return true
}
