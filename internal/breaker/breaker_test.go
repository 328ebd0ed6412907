package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("samples", Config{
		FailureThreshold: 3,
		Timeout:          10 * time.Second,
		Now:              clock.Now,
	})
}

func TestBreaker_TripsAfterThresholdAndFailsFast(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.True(t, errors.Is(err, ErrOpen))
	assert.False(t, called, "operation must not run while OPEN")
	assert.Equal(t, 3, openErr.Failures)
	assert.Equal(t, 10, openErr.RetryAfterSeconds())

	snap := b.Snapshot()
	require.NotNil(t, snap.LastFailureTime)
	assert.Equal(t, clock.Now(), *snap.LastFailureTime)
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(10*time.Second + time.Millisecond)

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 4, snap.FailureCount, "failed probe must not reset the count")
	assert.Equal(t, clock.Now(), *snap.LastFailureTime)

	// Cooldown restarts from the failed probe.
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var probes atomic.Int32
	done := make(chan error, 1)

	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			probes.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	const callers = 10
	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(context.Context) error {
				probes.Add(1)
				return nil
			})
			if errors.Is(err, ErrOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(callers), rejected.Load())
	assert.Equal(t, StateHalfOpen, b.State())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_WindowExpiresOldFailures(t *testing.T) {
	clock := newFakeClock()
	b := New("samples", Config{FailureThreshold: 3, Timeout: time.Minute, Window: 5 * time.Second, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clock.Advance(6 * time.Second)
	_ = b.Execute(ctx, fail)

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.FailureCount)
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	b := New("samples", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, context.Canceled) },
	})

	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ResetAndStateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	b := New("samples", Config{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		OnStateChange: func(service string, from, to State) {
			mu.Lock()
			transitions = append(transitions, service+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Nil(t, b.Snapshot().LastFailureTime)
	assert.Equal(t, []string{"samples:CLOSED->OPEN", "samples:OPEN->CLOSED"}, transitions)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b := New("samples", Config{FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = b.Execute(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistry_GetSnapshotReset(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Timeout: time.Hour})

	a := r.Get("storage")
	assert.Same(t, a, r.Get("storage"))
	_ = r.Get("samples").Execute(context.Background(), fail)

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "samples", snaps[0].Service)
	assert.Equal(t, StateOpen, snaps[0].State)
	assert.Equal(t, "storage", snaps[1].Service)

	assert.True(t, r.Reset("samples"))
	assert.False(t, r.Reset("unknown"))
	assert.Equal(t, StateClosed, r.Get("samples").State())
}
