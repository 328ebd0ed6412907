// Package redis holds the Redis-backed state shared by every gateway instance:
// token buckets for distributed rate limiting and cluster-wide decision counters.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStatsTTL is how long per-minute stats buckets are kept (24 hours)
	DefaultStatsTTL = 24 * time.Hour
)

// Store handles Redis operations for rate limiting
type Store struct {
	client   redis.UniversalClient
	prefix   string
	statsTTL time.Duration
}

// Option customizes a Store
type Option func(*Store)

// WithPrefix overrides the key namespace
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = normalizePrefix(prefix) }
}

// WithStatsTTL overrides the retention of per-minute stats buckets
func WithStatsTTL(d time.Duration) Option {
	return func(s *Store) { s.statsTTL = d }
}

// NewStore creates a new Redis store
func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		prefix:   DefaultPrefix,
		statsTTL: DefaultStatsTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks that Redis answers, used by the health checker
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
