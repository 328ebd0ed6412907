package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/utils"
)

// WindowSize is the number of recent requests kept for percentiles and error rate.
const WindowSize = 100

// ServiceStats are the rolling request statistics of one service.
type ServiceStats struct {
	active atomic.Int64

	mu          sync.Mutex
	requests    int64
	errors      int64
	total       time.Duration
	durations   *utils.Ring[time.Duration]
	errorFlags  *utils.Ring[bool]
	lastError   time.Time
	lastSuccess time.Time
}

// ServiceSnapshot is the JSON view of ServiceStats.
type ServiceSnapshot struct {
	RequestCount   int64      `json:"request_count"`
	ErrorCount     int64      `json:"error_count"`
	SuccessCount   int64      `json:"success_count"`
	ActiveRequests int64      `json:"active_requests"`
	AvgMs          float64    `json:"avg_response_time_ms"`
	P50Ms          float64    `json:"p50_ms"`
	P95Ms          float64    `json:"p95_ms"`
	P99Ms          float64    `json:"p99_ms"`
	ErrorRate      float64    `json:"error_rate"`
	LastError      *time.Time `json:"last_error,omitempty"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
}

func newServiceStats() *ServiceStats {
	return &ServiceStats{
		durations:  utils.NewRing[time.Duration](WindowSize),
		errorFlags: utils.NewRing[bool](WindowSize),
	}
}

func (s *ServiceStats) record(d time.Duration, failed bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.total += d
	s.durations.Push(d)
	s.errorFlags.Push(failed)
	if failed {
		s.errors++
		s.lastError = now
	} else {
		s.lastSuccess = now
	}
}

// Snapshot computes averages, percentiles and the rolling error rate.
func (s *ServiceStats) Snapshot() ServiceSnapshot {
	s.mu.Lock()
	durations := s.durations.Values()
	flags := s.errorFlags.Values()
	snap := ServiceSnapshot{
		RequestCount: s.requests,
		ErrorCount:   s.errors,
		SuccessCount: s.requests - s.errors,
		LastError:    timePtr(s.lastError),
		LastSuccess:  timePtr(s.lastSuccess),
	}
	if s.requests > 0 {
		snap.AvgMs = ms(s.total) / float64(s.requests)
	}
	s.mu.Unlock()

	snap.ActiveRequests = s.active.Load()

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		snap.P50Ms = ms(percentile(durations, 50))
		snap.P95Ms = ms(percentile(durations, 95))
		snap.P99Ms = ms(percentile(durations, 99))
	}

	if len(flags) > 0 {
		failed := 0
		for _, f := range flags {
			if f {
				failed++
			}
		}
		snap.ErrorRate = float64(failed) / float64(len(flags))
	}
	return snap
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
