package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/breaker"
	"github.com/poglesbyg/tracseq-gateway/internal/health"
	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/metrics"
	"github.com/poglesbyg/tracseq-gateway/internal/ratelimit"
	redisstore "github.com/poglesbyg/tracseq-gateway/internal/store/redis"
	"github.com/poglesbyg/tracseq-gateway/internal/sysmon"
)

// Totals aggregates the per-service counters.
type Totals struct {
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	ActiveRequests int64   `json:"active_requests"`
	ErrorRate      float64 `json:"error_rate"`
}

// GatewayStats is the payload of /gateway/stats.
type GatewayStats struct {
	StartedAt      time.Time                          `json:"started_at"`
	UptimeSeconds  float64                            `json:"uptime_seconds"`
	Totals         Totals                             `json:"totals"`
	Services       map[string]metrics.ServiceSnapshot `json:"services"`
	CircuitBreaker []breaker.Snapshot                 `json:"circuit_breakers"`
	System         *sysmon.Snapshot                   `json:"system,omitempty"`
}

// Stats collects the current traffic, breaker and host view.
func (m *Manager) Stats() GatewayStats {
	services := m.metrics.Snapshot()

	var totals Totals
	for _, s := range services {
		totals.Requests += s.RequestCount
		totals.Errors += s.ErrorCount
		totals.ActiveRequests += s.ActiveRequests
	}
	if totals.Requests > 0 {
		totals.ErrorRate = float64(totals.Errors) / float64(totals.Requests)
	}

	stats := GatewayStats{
		StartedAt:      m.startedAt,
		UptimeSeconds:  m.now().Sub(m.startedAt).Seconds(),
		Totals:         totals,
		Services:       services,
		CircuitBreaker: m.breakers.Snapshot(),
	}
	if m.sysmon != nil {
		snap := m.sysmon.Snapshot()
		stats.System = &snap
	}
	return stats
}

// ServiceLimit is the configured allowance of one service.
type ServiceLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// RateLimitReport is the payload of /gateway/rate-limits.
type RateLimitReport struct {
	Algorithm   ratelimit.Algorithm           `json:"algorithm"`
	Factor      float64                       `json:"capacity_factor"`
	Distributed bool                          `json:"distributed"`
	GlobalRPM   int                           `json:"global_rpm"`
	EndpointRPM int                           `json:"endpoint_rpm"`
	Limits      map[string]ServiceLimit       `json:"limits"`
	Decisions   map[string]ratelimit.Counters `json:"decisions"`
	Cluster     *redisstore.ClusterStats      `json:"cluster,omitempty"`
	ClusterErr  string                        `json:"cluster_error,omitempty"`
}

// RateLimits reports configuration and decision counters. Cluster-wide totals
// are read from Redis when it is configured.
func (m *Manager) RateLimits(ctx context.Context) RateLimitReport {
	cfg := m.limiter.Config()
	report := RateLimitReport{
		Algorithm:   cfg.Algorithm,
		Factor:      m.limiter.Factor(),
		Distributed: m.memStore == nil,
		GlobalRPM:   cfg.GlobalRPM,
		EndpointRPM: cfg.EndpointRPM,
		Limits:      make(map[string]ServiceLimit),
		Decisions:   m.limiter.Stats().Snapshot(),
	}
	for _, ep := range m.resolver.Endpoints() {
		report.Limits[ep.Name] = ServiceLimit{RequestsPerMinute: ep.RateLimit, Burst: ep.Burst}
	}

	if m.redisStore != nil {
		cluster, err := m.redisStore.Stats(ctx)
		if err != nil {
			m.logger.Warn("failed to read cluster rate limit stats", logger.Error(err))
			report.ClusterErr = err.Error()
		} else {
			report.Cluster = cluster
		}
	}
	return report
}

// ServiceView is one row of /services.
type ServiceView struct {
	Name         string        `json:"name"`
	BaseURL      string        `json:"base_url"`
	PathPrefix   string        `json:"path_prefix"`
	HealthURL    string        `json:"health_url"`
	RateLimit    int           `json:"rate_limit"`
	Burst        int           `json:"burst"`
	Timeout      float64       `json:"timeout_seconds"`
	RequireAuth  bool          `json:"require_auth"`
	StripPrefix  bool          `json:"strip_prefix"`
	Critical     bool          `json:"critical"`
	Health       health.Status `json:"health"`
	CircuitState breaker.State `json:"circuit_state"`
}

// Services lists the routing table with the live health and breaker state,
// sorted by name.
func (m *Manager) Services() []ServiceView {
	endpoints := m.resolver.Endpoints()
	out := make([]ServiceView, 0, len(endpoints))
	for _, ep := range endpoints {
		view := ServiceView{
			Name:         ep.Name,
			BaseURL:      ep.BaseURL.String(),
			PathPrefix:   ep.PathPrefix,
			HealthURL:    ep.HealthURL(),
			RateLimit:    ep.RateLimit,
			Burst:        ep.Burst,
			Timeout:      ep.Timeout.Seconds(),
			RequireAuth:  ep.RequireAuth,
			StripPrefix:  ep.StripPrefix,
			Critical:     ep.Critical,
			Health:       health.StatusUnknown,
			CircuitState: breaker.StateClosed,
		}
		if r, ok := m.health.Result(ep.Name); ok {
			view.Health = r.Status
		}
		if b, ok := m.breakers.Lookup(ep.Name); ok {
			view.CircuitState = b.State()
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CircuitBreakers returns the breaker of every routed service, sorted by name.
// Services that never received traffic report a fresh CLOSED breaker.
func (m *Manager) CircuitBreakers() []breaker.Snapshot {
	for _, ep := range m.resolver.Endpoints() {
		m.breakers.Get(ep.Name)
	}
	return m.breakers.Snapshot()
}
