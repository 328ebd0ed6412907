package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps one x/time/rate limiter per bucket key in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	idleTTL time.Duration
}

type memoryEntry struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	lastSeen time.Time
	evicted  bool // set by Sweep under mu; the entry is no longer in the map
}

// NewMemoryStore creates a store whose idle buckets are dropped after idleTTL.
func NewMemoryStore(idleTTL time.Duration) *MemoryStore {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry, 1024),
		idleTTL: idleTTL,
	}
}

// TakeAll implements Store. Bucket parameters are re-applied on every call so that
// adaptive capacity changes take effect without recreating buckets.
func (s *MemoryStore) TakeAll(_ context.Context, claims []Claim, now time.Time) ([]TakeResult, error) {
	entries := s.lockAll(claims, now)
	defer func() {
		for _, e := range entries {
			e.mu.Unlock()
		}
	}()

	admit := true
	for i, c := range claims {
		e := entries[i]
		if limit := rate.Limit(c.Bucket.Rate); e.lim.Limit() != limit {
			e.lim.SetLimitAt(now, limit)
		}
		if e.lim.Burst() != c.Bucket.Depth {
			e.lim.SetBurstAt(now, c.Bucket.Depth)
		}
		e.lastSeen = now
		if e.lim.TokensAt(now) < 1 {
			admit = false
		}
	}

	results := make([]TakeResult, len(claims))
	for i, e := range entries {
		tokens := e.lim.TokensAt(now)
		results[i].Allowed = tokens >= 1
		if admit {
			e.lim.AllowN(now, 1)
			tokens = e.lim.TokensAt(now)
		}
		results[i].Tokens = tokens
	}
	return results, nil
}

// lockAll returns the entries of claims (same order) with their locks held.
// Locks are taken in key order so concurrent calls cannot deadlock. An entry
// evicted between lookup and lock is looked up again.
func (s *MemoryStore) lockAll(claims []Claim, now time.Time) []*memoryEntry {
	order := make([]int, len(claims))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return claims[order[a]].Key < claims[order[b]].Key })

	for {
		entries := s.lookup(claims, now)
		locked, stale := 0, false
		for _, i := range order {
			entries[i].mu.Lock()
			locked++
			if entries[i].evicted {
				stale = true
				break
			}
		}
		if !stale {
			return entries
		}
		for _, i := range order[:locked] {
			entries[i].mu.Unlock()
		}
	}
}

func (s *MemoryStore) lookup(claims []Claim, now time.Time) []*memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*memoryEntry, len(claims))
	for i, c := range claims {
		e, ok := s.entries[c.Key]
		if !ok {
			e = &memoryEntry{lim: rate.NewLimiter(rate.Limit(c.Bucket.Rate), c.Bucket.Depth), lastSeen: now}
			s.entries[c.Key] = e
		}
		entries[i] = e
	}
	return entries
}

// Sweep drops buckets idle for longer than the store TTL and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		if now.Sub(e.lastSeen) > s.idleTTL {
			e.evicted = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
