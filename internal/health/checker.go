// Package health probes the gateway dependencies periodically and aggregates
// the results into one status.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/scheduler"
)

const (
	// DefaultInterval between two probes of the same dependency
	DefaultInterval = 30 * time.Second
	// DefaultTimeout bounds a single probe
	DefaultTimeout = 5 * time.Second
)

// Status of a dependency or of the whole gateway.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
	StatusError     Status = "error"
)

// ProbeResult is what a probe reports when it ran to completion.
type ProbeResult struct {
	Healthy bool
	Details map[string]any
}

// Probe checks one dependency. A returned error is recorded as StatusError.
type Probe func(ctx context.Context) (ProbeResult, error)

// Check registers a probe under a name.
type Check struct {
	Name     string
	Critical bool // critical checks decide the aggregate status
	Probe    Probe
	Interval time.Duration // 0 = checker default
}

// Result is the last outcome of a check.
type Result struct {
	Status    Status         `json:"status"`
	LastCheck *time.Time     `json:"last_check"`
	Duration  float64        `json:"duration_ms"`
	Critical  bool           `json:"critical"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Healthy reports whether the check passed.
func (r Result) Healthy() bool { return r.Status == StatusHealthy }

// Report is the aggregate served by /health.
type Report struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Result `json:"checks"`
}

type entry struct {
	check  Check
	result atomic.Pointer[Result]
}

// Checker owns the registered checks and their last results.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger
	now      func() time.Time
	onResult func(name string, r Result)

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// Option customizes a Checker.
type Option func(*Checker)

// WithResultHook is called after every probe (ex: service health gauge).
func WithResultHook(fn func(name string, r Result)) Option {
	return func(c *Checker) { c.onResult = fn }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker creates a checker probing every interval with a per-probe timeout.
func NewChecker(interval, timeout time.Duration, log logger.Logger, opts ...Option) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Checker{
		interval: interval,
		timeout:  timeout,
		logger:   log,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a check. Its result stays StatusUnknown until the first probe.
func (c *Checker) Register(check Check) error {
	if check.Name == "" {
		return errors.New("health check name is required")
	}
	if check.Probe == nil {
		return fmt.Errorf("health check %q has no probe", check.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.entries[check.Name]; dup {
		return fmt.Errorf("health check %q already registered", check.Name)
	}

	e := &entry{check: check}
	e.result.Store(&Result{Status: StatusUnknown, Critical: check.Critical})
	c.entries[check.Name] = e
	c.order = append(c.order, check.Name)
	return nil
}

// Start runs one supervised loop per check on g, first probe immediately.
func (c *Checker) Start(g *scheduler.Group) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range c.order {
		e := c.entries[name]
		interval := e.check.Interval
		if interval <= 0 {
			interval = c.interval
		}
		g.Every("health:"+name, interval, func(ctx context.Context) {
			c.probe(ctx, e)
		})
	}
}

// CheckAll probes every dependency once, concurrently, and waits for the results.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.order))
	for _, name := range c.order {
		entries = append(entries, c.entries[name])
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probe(ctx, e)
		}()
	}
	wg.Wait()
}

func (c *Checker) probe(ctx context.Context, e *entry) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	res, err := runProbe(ctx, e.check.Probe)
	elapsed := c.now().Sub(start)

	result := &Result{
		LastCheck: &start,
		Duration:  float64(elapsed) / float64(time.Millisecond),
		Critical:  e.check.Critical,
		Details:   res.Details,
	}
	switch {
	case err != nil:
		result.Status = StatusError
		result.Error = err.Error()
	case res.Healthy:
		result.Status = StatusHealthy
	default:
		result.Status = StatusUnhealthy
	}

	prev := e.result.Swap(result)
	if prev == nil || prev.Status != result.Status {
		fields := []logger.Field{
			logger.String("check", e.check.Name),
			logger.String("status", string(result.Status)),
			logger.Bool("critical", e.check.Critical),
		}
		if err != nil {
			fields = append(fields, logger.Error(err))
		}
		if result.Status == StatusHealthy {
			c.logger.Info("health check status changed", fields...)
		} else {
			c.logger.Warn("health check status changed", fields...)
		}
	}

	if c.onResult != nil {
		c.onResult(e.check.Name, *result)
	}
}

// runProbe turns a panicking probe into an error.
func runProbe(ctx context.Context, p Probe) (res ProbeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p(ctx)
}

// Result returns the last result of the named check.
func (c *Checker) Result(name string) (Result, bool) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	return *e.result.Load(), true
}

// Names returns the registered checks, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	sort.Strings(out)
	return out
}

// Report aggregates the last results. The gateway is healthy iff every
// critical check is healthy; non-critical failures are only reported.
func (c *Checker) Report() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rep := Report{
		Status:    StatusHealthy,
		Timestamp: c.now().UTC(),
		Checks:    make(map[string]Result, len(c.entries)),
	}
	for name, e := range c.entries {
		r := *e.result.Load()
		rep.Checks[name] = r
		if r.Critical && !r.Healthy() {
			rep.Status = StatusUnhealthy
		}
	}
	return rep
}
