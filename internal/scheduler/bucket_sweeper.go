package scheduler

import (
	"context"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/logger"
)

const (
	// DefaultSweepInterval is how often idle rate limit buckets are collected
	DefaultSweepInterval = time.Minute
)

// Sweepable is a bucket store that can drop idle buckets (ratelimit.MemoryStore).
type Sweepable interface {
	Sweep(now time.Time) int
	Len() int
}

// BucketSweeper periodically removes idle process-local rate limit buckets
// so that one bucket per client IP does not grow memory without bound.
type BucketSweeper struct {
	store    Sweepable
	logger   logger.Logger
	interval time.Duration
	now      func() time.Time
}

// NewBucketSweeper creates a new bucket sweeper
func NewBucketSweeper(store Sweepable, log logger.Logger, interval time.Duration) *BucketSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &BucketSweeper{
		store:    store,
		logger:   log,
		interval: interval,
		now:      time.Now,
	}
}

// Start registers the sweep loop on the group
func (bs *BucketSweeper) Start(g *Group) {
	g.Every("ratelimit-sweeper", bs.interval, func(context.Context) {
		bs.Collect()
	})
}

// Collect removes buckets idle for longer than the store TTL
func (bs *BucketSweeper) Collect() int {
	removed := bs.store.Sweep(bs.now())

	if removed > 0 {
		bs.logger.Info("swept idle rate limit buckets",
			logger.Int("removed", removed),
			logger.Int("remaining", bs.store.Len()))
	} else {
		bs.logger.Debug("no idle rate limit buckets to sweep")
	}

	return removed
}
