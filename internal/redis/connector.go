// Package redis connects the Redis deployment that backs the distributed rate
// limit buckets and the cluster-wide decision counters.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/retry"
)

// ConnectOptions describes the deployment and how long New waits for it.
type ConnectOptions struct {
	Addrs        []string // one address for a single node, several for a cluster
	MasterName   string   // sentinel master name, empty otherwise
	User         string
	Password     string
	RedisDB      int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	ConnectTimeout time.Duration // total budget for the first successful PING
	RetryInterval  time.Duration // first backoff, doubled on every failure
	MaxWait        time.Duration // backoff cap
	PingTimeout    time.Duration
	WarnThreshold  int // failed attempts logged as warnings before switching to errors
}

func (o ConnectOptions) validate() error {
	var errs []error
	if len(o.Addrs) == 0 {
		errs = append(errs, errors.New("at least one redis address is required"))
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"ConnectTimeout", o.ConnectTimeout},
		{"RetryInterval", o.RetryInterval},
		{"MaxWait", o.MaxWait},
		{"PingTimeout", o.PingTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %v", p.name, p.d))
		}
	}
	if o.WarnThreshold < 0 {
		errs = append(errs, fmt.Errorf("WarnThreshold must be >= 0, got %d", o.WarnThreshold))
	}
	return errors.Join(errs...)
}

// New creates a Redis client (single node, cluster or sentinel depending on the
// options) and blocks until it answers a PING or ConnectTimeout expires.
func New(opts ConnectOptions, log logger.Logger) (redis.UniversalClient, error) {
	if err := opts.validate(); err != nil {
		log.Error("invalid redis options", logger.Error(err))
		return nil, err
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		MasterName:   opts.MasterName,
		Username:     opts.User,
		Password:     opts.Password,
		DB:           opts.RedisDB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	if err := waitReady(client, opts, log.With(logger.String("addr", strings.Join(opts.Addrs, ",")))); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// waitReady pings until success, backing off exponentially between attempts.
// The attempt count is bounded by ConnectTimeout, not by a retry budget.
func waitReady(client redis.UniversalClient, opts ConnectOptions, log logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	log.Info("connecting to rate limit store", logger.Duration("timeout", opts.ConnectTimeout))
	start := time.Now()
	attempts := 0

	policy := retry.Policy{
		MaxRetries:      int(opts.ConnectTimeout/opts.RetryInterval) + 1,
		BaseDelay:       opts.RetryInterval / 2,
		ExponentialBase: 2,
		MaxDelay:        opts.MaxWait,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			fields := []logger.Field{
				logger.Int("attempt", attempt),
				logger.Duration("next_retry_in", delay),
				logger.Error(err),
			}
			if attempt <= opts.WarnThreshold {
				log.Warn("redis connection failed, retrying", fields...)
				return
			}
			log.Error("redis still unavailable, retrying", fields...)
		},
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		pingCtx, pingCancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer pingCancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		log.Error("redis unavailable",
			logger.Int("attempts", attempts),
			logger.Duration("timeout", opts.ConnectTimeout),
			logger.Error(err))
		return fmt.Errorf("redis unavailable after %d attempts (timeout: %v): %w", attempts, opts.ConnectTimeout, err)
	}

	if attempts > 1 {
		log.Warn("connected to redis after retry",
			logger.Int("attempts", attempts),
			logger.Duration("elapsed", time.Since(start)))
	} else {
		log.Info("connected to rate limit store")
	}
	return nil
}
