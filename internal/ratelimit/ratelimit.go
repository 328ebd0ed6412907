// Package ratelimit decides whether a request may reach a backend.
//
// Every request is checked against all applicable scopes (user, endpoint, global);
// the most restrictive rejection wins. Buckets live in a Store, either process-local
// (MemoryStore) or shared by all gateway instances (Redis).
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// Algorithm selects how bucket capacity is computed.
type Algorithm string

const (
	TokenBucket Algorithm = "token_bucket"
	Adaptive    Algorithm = "adaptive"
)

// Scope identifies which limit produced a decision.
type Scope string

const (
	ScopeUser     Scope = "user"
	ScopeEndpoint Scope = "endpoint"
	ScopeGlobal   Scope = "global"
)

// ErrStoreUnavailable wraps bucket store failures. Check fails open on it.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Bucket holds the parameters of one token bucket.
type Bucket struct {
	Capacity int     // requests per minute
	Depth    int     // max tokens held (burst)
	Rate     float64 // tokens per second
}

// NewBucket builds a bucket from a per-minute capacity and a burst.
// Burst caps the depth when it is smaller than the capacity. factor scales both (adaptive).
func NewBucket(perMinute, burst int, factor float64) Bucket {
	if factor <= 0 || factor > 1 {
		factor = 1
	}
	capacity := math.Max(1, math.Floor(float64(perMinute)*factor))
	depth := float64(perMinute)
	if burst > 0 && burst < perMinute {
		depth = float64(burst)
	}
	depth = math.Max(1, math.Floor(depth*factor))
	return Bucket{
		Capacity: int(capacity),
		Depth:    int(depth),
		Rate:     capacity / 60.0,
	}
}

// Claim names one bucket a request draws a token from.
type Claim struct {
	Key    string
	Bucket Bucket
}

// TakeResult is the state of one claimed bucket after TakeAll.
type TakeResult struct {
	Allowed bool    // the bucket held a token
	Tokens  float64 // tokens left, after consumption when every claim was admitted
}

// Store consumes tokens from keyed buckets.
//
// TakeAll is atomic across claims: one token is taken from every bucket when
// all of them hold one, and no bucket is charged otherwise. Results follow the
// order of claims. Keys within one call must be distinct.
type Store interface {
	TakeAll(ctx context.Context, claims []Claim, now time.Time) ([]TakeResult, error)
}

// Request is the input of Check.
type Request struct {
	Service  string
	Endpoint string // normalized path, used by the endpoint scope
	UserID   string // empty for anonymous callers
	IP       string
	Limit    int // service requests/minute for the user scope (0 = unlimited)
	Burst    int
}

// UserType is the label used for rejection metrics.
func (r Request) UserType() string {
	if r.UserID != "" {
		return "authenticated"
	}
	return "anonymous"
}

// Decision is the outcome of Check. Remaining, ResetAt and RetryAfter are
// always populated together so clients can back off deterministically.
type Decision struct {
	Allowed    bool
	Scope      Scope
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
	Reason     string
}

// RetryAfterSeconds rounds RetryAfter up for the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	sec := int(math.Ceil(d.RetryAfter.Seconds()))
	if !d.Allowed && sec < 1 {
		sec = 1
	}
	return sec
}

func decide(scope Scope, b Bucket, res TakeResult, now time.Time) Decision {
	d := Decision{
		Allowed:   res.Allowed,
		Scope:     scope,
		Limit:     b.Capacity,
		Remaining: int(math.Max(0, math.Floor(res.Tokens))),
		ResetAt:   now,
	}

	if res.Tokens < float64(b.Depth) {
		next := math.Floor(res.Tokens) + 1
		d.ResetAt = now.Add(secondsToDuration((next - res.Tokens) / b.Rate))
	}

	if !res.Allowed {
		d.RetryAfter = secondsToDuration((1 - res.Tokens) / b.Rate)
		d.ResetAt = now.Add(d.RetryAfter)
		d.Reason = "rate limit exceeded for " + string(scope) + " scope"
	}
	return d
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsInf(s, 0) || math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
