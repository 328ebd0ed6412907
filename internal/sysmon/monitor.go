// Package sysmon samples host CPU, memory, disk and network usage into
// fixed-size rings, derives alerts from them and reports load to the adaptive
// rate limiter.
package sysmon

import (
	"context"
	"sync"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/scheduler"
	"github.com/poglesbyg/tracseq-gateway/internal/utils"
)

const (
	// HistorySize is the number of samples kept (one minute at the default interval)
	HistorySize = 60
	// DefaultInterval between two samples
	DefaultInterval = time.Second
)

// Monitor keeps the recent samples of a Sampler.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	logger   logger.Logger
	now      func() time.Time

	mu        sync.RWMutex
	cpu       *utils.Ring[float64]
	memory    *utils.Ring[float64]
	disk      *utils.Ring[float64]
	netSent   uint64
	netRecv   uint64
	lastAt    time.Time
	lastErr   error
	errLogged bool
}

// NewMonitor creates a monitor sampling every interval.
func NewMonitor(sampler Sampler, interval time.Duration, log logger.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		sampler:  sampler,
		interval: interval,
		logger:   log,
		now:      time.Now,
		cpu:      utils.NewRing[float64](HistorySize),
		memory:   utils.NewRing[float64](HistorySize),
		disk:     utils.NewRing[float64](HistorySize),
	}
}

// Start registers the sampling loop on g.
func (m *Monitor) Start(g *scheduler.Group) {
	g.Every("sysmon", m.interval, func(ctx context.Context) {
		_ = m.Collect(ctx)
	})
}

// Collect takes one sample and appends it to the rings.
func (m *Monitor) Collect(ctx context.Context) error {
	s, err := m.sampler.Sample(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.lastErr = err
		// Log the first failure of a streak only, sampling runs every second.
		if !m.errLogged {
			m.logger.Warn("system sampling failed", logger.Error(err))
			m.errLogged = true
		}
		return err
	}

	m.cpu.Push(s.CPUPercent)
	m.memory.Push(s.MemoryPercent)
	m.disk.Push(s.DiskPercent)
	m.netSent = s.NetBytesSent
	m.netRecv = s.NetBytesRecv
	m.lastAt = m.now()
	m.lastErr = nil
	m.errLogged = false
	return nil
}

// Load implements ratelimit.LoadReporter with the last CPU and memory readings.
func (m *Monitor) Load() (cpu, memory float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, okCPU := m.cpu.Last()
	mem, okMem := m.memory.Last()
	return c, mem, okCPU && okMem
}

// Gauge is the current value and rolling average of one resource.
type Gauge struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
}

// Snapshot is the JSON view served by /gateway/stats.
type Snapshot struct {
	CPU          Gauge      `json:"cpu_percent"`
	Memory       Gauge      `json:"memory_percent"`
	Disk         Gauge      `json:"disk_percent"`
	NetBytesSent uint64     `json:"net_bytes_sent"`
	NetBytesRecv uint64     `json:"net_bytes_recv"`
	Samples      int        `json:"samples"`
	LastSample   *time.Time `json:"last_sample,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Alerts       []Alert    `json:"alerts"`
}

// Snapshot returns the last values, averages and current alerts.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		CPU:          gauge(m.cpu),
		Memory:       gauge(m.memory),
		Disk:         gauge(m.disk),
		NetBytesSent: m.netSent,
		NetBytesRecv: m.netRecv,
		Samples:      m.cpu.Len(),
	}
	if !m.lastAt.IsZero() {
		at := m.lastAt
		snap.LastSample = &at
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	snap.Alerts = alerts(snap)
	return snap
}

// Alerts recomputes the alerts from the last samples.
func (m *Monitor) Alerts() []Alert {
	return m.Snapshot().Alerts
}

func gauge(r *utils.Ring[float64]) Gauge {
	var g Gauge
	if last, ok := r.Last(); ok {
		g.Current = last
	}
	values := r.Values()
	if len(values) == 0 {
		return g
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	g.Average = sum / float64(len(values))
	return g
}
