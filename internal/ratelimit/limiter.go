package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config holds the limiter-wide settings. Per-service limits arrive with each Request.
type Config struct {
	Algorithm    Algorithm
	DefaultBurst int // used when a request does not carry a burst
	GlobalRPM    int // 0 disables the global scope
	GlobalBurst  int
	EndpointRPM  int // 0 disables the endpoint scope
	Adaptive     AdaptiveConfig
}

// StatsRecorder receives every decision, ex: cluster-wide counters in Redis.
type StatsRecorder interface {
	Record(ctx context.Context, service string, allowed bool) error
}

// Limiter checks requests against every applicable scope.
type Limiter struct {
	cfg      Config
	store    Store
	load     LoadReporter
	stats    *Stats
	recorder StatsRecorder
	now      func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLoadReporter feeds host load to the adaptive algorithm.
func WithLoadReporter(r LoadReporter) Option { return func(l *Limiter) { l.load = r } }

// WithRecorder mirrors decisions to an external recorder.
func WithRecorder(r StatsRecorder) Option { return func(l *Limiter) { l.recorder = r } }

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// New creates a limiter on top of store.
func New(cfg Config, store Store, opts ...Option) *Limiter {
	if cfg.Algorithm == "" {
		cfg.Algorithm = TokenBucket
	}
	l := &Limiter{
		cfg:   cfg,
		store: store,
		stats: NewStats(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type scoped struct {
	scope  Scope
	key    string
	bucket Bucket
}

// Check charges every applicable bucket only when all of them admit the request,
// so a caller rejected in one scope does not drain the others. The most
// restrictive outcome is returned. When the store fails the request is admitted
// and the error (wrapping ErrStoreUnavailable) is returned alongside the decision.
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	now := l.now()
	factor := l.Factor()
	scopes := l.scopes(req, factor)

	if len(scopes) == 0 {
		return Decision{Allowed: true, Remaining: -1, ResetAt: now}, nil
	}

	claims := make([]Claim, len(scopes))
	for i, sc := range scopes {
		claims[i] = Claim{Key: sc.key, Bucket: sc.bucket}
	}

	var storeErr error
	best := Decision{Allowed: true, Remaining: -1, ResetAt: now}
	results, err := l.store.TakeAll(ctx, claims, now)
	switch {
	case err != nil:
		storeErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case len(results) != len(scopes):
		storeErr = fmt.Errorf("%w: %d results for %d buckets", ErrStoreUnavailable, len(results), len(scopes))
	default:
		for i, sc := range scopes {
			d := decide(sc.scope, sc.bucket, results[i], now)
			if i == 0 || moreRestrictive(d, best) {
				best = d
			}
		}
	}

	l.stats.record(req.Service, best)
	if l.recorder != nil {
		if err := l.recorder.Record(ctx, req.Service, best.Allowed); err != nil && storeErr == nil {
			storeErr = fmt.Errorf("%w: stats: %v", ErrStoreUnavailable, err)
		}
	}
	return best, storeErr
}

// Factor returns the current capacity multiplier (1 unless adaptive under load).
func (l *Limiter) Factor() float64 {
	if l.cfg.Algorithm != Adaptive || l.load == nil {
		return 1
	}
	cpu, mem, ok := l.load.Load()
	if !ok {
		return 1
	}
	return l.cfg.Adaptive.Factor(cpu, mem)
}

// Stats returns the in-process decision counters.
func (l *Limiter) Stats() *Stats { return l.stats }

// Config returns the limiter configuration.
func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) scopes(req Request, factor float64) []scoped {
	out := make([]scoped, 0, 3)

	if l.cfg.GlobalRPM > 0 {
		out = append(out, scoped{
			scope:  ScopeGlobal,
			key:    "global",
			bucket: NewBucket(l.cfg.GlobalRPM, l.cfg.GlobalBurst, factor),
		})
	}
	if l.cfg.EndpointRPM > 0 && req.Endpoint != "" {
		out = append(out, scoped{
			scope:  ScopeEndpoint,
			key:    req.Service + ":endpoint:" + req.Endpoint,
			bucket: NewBucket(l.cfg.EndpointRPM, l.cfg.DefaultBurst, factor),
		})
	}
	if req.Limit > 0 {
		burst := req.Burst
		if burst <= 0 {
			burst = l.cfg.DefaultBurst
		}
		out = append(out, scoped{
			scope:  ScopeUser,
			key:    userKey(req),
			bucket: NewBucket(req.Limit, burst, factor),
		})
	}
	return out
}

func userKey(req Request) string {
	if req.UserID != "" {
		return req.Service + ":user:" + req.UserID
	}
	return req.Service + ":ip:" + req.IP
}

// moreRestrictive reports whether a should replace b as the reported decision:
// any rejection beats an admission, the longest wait wins among rejections and
// the smallest remaining quota wins among admissions.
func moreRestrictive(a, b Decision) bool {
	switch {
	case !a.Allowed && b.Allowed:
		return true
	case a.Allowed && !b.Allowed:
		return false
	case !a.Allowed:
		return a.RetryAfter > b.RetryAfter
	default:
		return a.Remaining < b.Remaining
	}
}
