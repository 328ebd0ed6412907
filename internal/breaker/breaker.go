// Package breaker implements the per-service circuit breaker that stops the
// gateway from calling a backend that keeps failing.
//
//	CLOSED ──(failures ≥ threshold)──► OPEN ──(timeout elapsed)──► HALF_OPEN
//	  ▲                                  ▲                            │
//	  └──────────(probe succeeds)────────┼────────────────────────────┤
//	                                     └──────(probe fails)─────────┘
//
// Only one probe is in flight while HALF_OPEN; other callers fail fast.
package breaker

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a single probe call is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state as its name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config holds the circuit breaker configuration.
type Config struct {
	FailureThreshold int           // failures before tripping to OPEN
	Timeout          time.Duration // time spent OPEN before a probe is allowed
	Window           time.Duration // a failure further than Window from the previous one restarts the count (0 = never)

	// IsFailure decides which errors count against the backend. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(service string, from, to State)
	// Now is the clock (defaults to time.Now).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards calls to one service.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
	generation  uint64 // bumped by Reset so in-flight results are discarded
}

// New creates a breaker for service name.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

type transition struct {
	from, to State
}

// Execute runs op unless the circuit is open, and records its outcome.
// When the call is rejected op is never invoked and an *OpenError is returned.
// The error returned by op is passed through unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) (err error) {
	t, err := b.acquire()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.release(t, errPanicked)
			panic(r)
		}
		b.release(t, err)
	}()

	return op(ctx)
}

// ticket identifies an admitted call.
type ticket struct {
	probe      bool
	generation uint64
}

func (b *Breaker) acquire() (ticket, error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	now := b.cfg.Now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) <= b.cfg.Timeout {
			return ticket{}, b.openErrorLocked(now)
		}
		tr = b.setStateLocked(StateHalfOpen)
		b.probing = true
		return ticket{probe: true, generation: b.generation}, nil
	case StateHalfOpen:
		if b.probing {
			return ticket{}, b.openErrorLocked(now)
		}
		b.probing = true
		return ticket{probe: true, generation: b.generation}, nil
	default:
		return ticket{generation: b.generation}, nil
	}
}

func (b *Breaker) release(t ticket, err error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	if t.generation != b.generation {
		return
	}
	if t.probe {
		b.probing = false
	}

	now := b.cfg.Now()
	failed := err != nil && b.isFailure(err)

	switch {
	case t.probe && failed:
		b.failures++
		b.lastFailure = now
		tr = b.setStateLocked(StateOpen)
	case t.probe && err == nil:
		b.failures = 0
		tr = b.setStateLocked(StateClosed)
	case t.probe:
		// The probe ended without telling us anything about the backend
		// (ex: client went away). Go back to OPEN so the next caller probes again.
		tr = b.setStateLocked(StateOpen)
	case b.state != StateClosed:
		// Result of a call admitted before the breaker tripped.
	case failed:
		if b.cfg.Window > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.Window {
			b.failures = 0
		}
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.FailureThreshold {
			tr = b.setStateLocked(StateOpen)
		}
	case err == nil:
		b.failures = 0
	}
}

// Reset forces the breaker to CLOSED with no recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.probing = false
	b.generation++
	tr := b.setStateLocked(StateClosed)
	b.mu.Unlock()
	b.notify(tr)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view used by the admin endpoints.
type Snapshot struct {
	Service          string     `json:"service"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failure_count"`
	LastFailureTime  *time.Time `json:"last_failure_time"`
	ProbeInFlight    bool       `json:"probe_in_flight"`
	FailureThreshold int        `json:"failure_threshold"`
	TimeoutSeconds   float64    `json:"timeout_seconds"`
	WindowSeconds    float64    `json:"window_seconds"`
	RetryAfter       int        `json:"retry_after_seconds,omitempty"`
}

// Snapshot returns the breaker state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Service:          b.name,
		State:            b.state,
		FailureCount:     b.failures,
		ProbeInFlight:    b.probing,
		FailureThreshold: b.cfg.FailureThreshold,
		TimeoutSeconds:   b.cfg.Timeout.Seconds(),
		WindowSeconds:    b.cfg.Window.Seconds(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	if b.state == StateOpen {
		s.RetryAfter = retryAfterSeconds(b.remainingLocked(b.cfg.Now()))
	}
	return s
}

func (b *Breaker) isFailure(err error) bool {
	if b.cfg.IsFailure == nil {
		return true
	}
	return b.cfg.IsFailure(err)
}

func (b *Breaker) setStateLocked(to State) *transition {
	if b.state == to {
		return nil
	}
	tr := &transition{from: b.state, to: to}
	b.state = to
	return tr
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil || b.cfg.OnStateChange == nil {
		return
	}
	b.cfg.OnStateChange(b.name, tr.from, tr.to)
}

func (b *Breaker) remainingLocked(now time.Time) time.Duration {
	remaining := b.cfg.Timeout - now.Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) openErrorLocked(now time.Time) *OpenError {
	return &OpenError{
		Service:    b.name,
		Failures:   b.failures,
		RetryAfter: b.remainingLocked(now),
	}
}
