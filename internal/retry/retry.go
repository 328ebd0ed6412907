// Package retry runs an operation again after exponentially growing, jittered delays.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes how many times and how fast an operation is retried.
//
// The delay before attempt i (i >= 1) is min(BaseDelay*ExponentialBase^i, MaxDelay)
// plus a jitter drawn uniformly from [0, 0.1*delay].
type Policy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	ExponentialBase float64
	MaxDelay        time.Duration

	// Retryable filters errors worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		ExponentialBase: 2.0,
		MaxDelay:        60 * time.Second,
	}
}

// Delay returns the backoff before attempt (jitter excluded).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.ExponentialBase
	if base < 1 {
		base = 1
	}
	d := float64(p.BaseDelay) * math.Pow(base, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs op up to 1+MaxRetries times. When every attempt fails the error of the
// last attempt is returned unchanged so callers keep their error taxonomy.
// Context cancellation stops the retries and also returns the last op error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := p.jitter
	if jitter == nil {
		jitter = uniformJitter
	}

	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			delay += jitter(delay / 10)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, err)
			}
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return err
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
