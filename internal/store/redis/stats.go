package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Counts are cluster-wide decision totals
type Counts struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// ClusterStats is the view of rate limit decisions across all gateway instances
type ClusterStats struct {
	Total    Counts            `json:"total"`
	Services map[string]Counts `json:"services"`
}

// Record implements ratelimit.StatsRecorder. The total and per-service hashes are
// cumulative; the per-minute bucket expires after the stats TTL.
func (s *Store) Record(ctx context.Context, service string, allowed bool) error {
	return s.recordAt(ctx, service, allowed, time.Now())
}

func (s *Store) recordAt(ctx context.Context, service string, allowed bool, at time.Time) error {
	field := "denied"
	if allowed {
		field = "allowed"
	}

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, TotalStatsKey(s.prefix), field, 1)

	minuteKey := MinuteStatsKey(s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.statsTTL > 0 {
		pipe.Expire(ctx, minuteKey, s.statsTTL)
	}

	if service != "" {
		pipe.HIncrBy(ctx, ServiceStatsKey(s.prefix, service), field, 1)
		pipe.SAdd(ctx, ServicesKey(s.prefix), service)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rate limit stats: %w", err)
	}
	return nil
}

// Stats reads the cluster-wide totals
func (s *Store) Stats(ctx context.Context) (*ClusterStats, error) {
	services, err := s.client.SMembers(ctx, ServicesKey(s.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	sort.Strings(services)

	total, err := s.counts(ctx, TotalStatsKey(s.prefix))
	if err != nil {
		return nil, err
	}

	out := &ClusterStats{Total: total, Services: make(map[string]Counts, len(services))}
	for _, svc := range services {
		c, err := s.counts(ctx, ServiceStatsKey(s.prefix, svc))
		if err != nil {
			return nil, err
		}
		out.Services[svc] = c
	}
	return out, nil
}

// MinuteStats reads the decisions recorded during the UTC minute containing at
func (s *Store) MinuteStats(ctx context.Context, at time.Time) (Counts, error) {
	return s.counts(ctx, MinuteStatsKey(s.prefix, at.UTC().Format("200601021504")))
}

func (s *Store) counts(ctx context.Context, key string) (Counts, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("failed to read stats %s: %w", key, err)
	}

	var c Counts
	if v, ok := fields["allowed"]; ok {
		c.Allowed, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["denied"]; ok {
		c.Denied, _ = strconv.ParseInt(v, 10, 64)
	}
	return c, nil
}
