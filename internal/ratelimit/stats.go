package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counters are the decision totals of one service.
type Counters struct {
	Allowed int64           `json:"allowed"`
	Denied  int64           `json:"denied"`
	ByScope map[Scope]int64 `json:"denied_by_scope,omitempty"`
}

type serviceCounters struct {
	allowed  atomic.Int64
	denied   atomic.Int64
	user     atomic.Int64
	endpoint atomic.Int64
	global   atomic.Int64
}

// Stats keeps in-process decision counters per service.
type Stats struct {
	mu       sync.RWMutex
	services map[string]*serviceCounters
}

// NewStats creates empty counters.
func NewStats() *Stats {
	return &Stats{services: make(map[string]*serviceCounters)}
}

func (s *Stats) counters(service string) *serviceCounters {
	s.mu.RLock()
	c, ok := s.services[service]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.services[service]; ok {
		return c
	}
	c = &serviceCounters{}
	s.services[service] = c
	return c
}

func (s *Stats) record(service string, d Decision) {
	c := s.counters(service)
	if d.Allowed {
		c.allowed.Add(1)
		return
	}
	c.denied.Add(1)
	switch d.Scope {
	case ScopeUser:
		c.user.Add(1)
	case ScopeEndpoint:
		c.endpoint.Add(1)
	case ScopeGlobal:
		c.global.Add(1)
	}
}

// Snapshot returns a copy of the counters keyed by service.
func (s *Stats) Snapshot() map[string]Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Counters, len(s.services))
	for name, c := range s.services {
		out[name] = Counters{
			Allowed: c.allowed.Load(),
			Denied:  c.denied.Load(),
			ByScope: map[Scope]int64{
				ScopeUser:     c.user.Load(),
				ScopeEndpoint: c.endpoint.Load(),
				ScopeGlobal:   c.global.Load(),
			},
		}
	}
	return out
}

// Services returns the service names seen so far, sorted.
func (s *Stats) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
