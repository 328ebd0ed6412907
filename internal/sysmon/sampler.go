package sysmon

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Sample is one reading of the host resources.
type Sample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	NetBytesSent  uint64  `json:"net_bytes_sent"`
	NetBytesRecv  uint64  `json:"net_bytes_recv"`
}

// Sampler reads the host resources.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler reads the local host through gopsutil.
type HostSampler struct {
	DiskPath string
}

// NewHostSampler samples disk usage of the filesystem mounted at diskPath.
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{DiskPath: diskPath}
}

// Sample implements Sampler. CPU is measured since the previous call (interval 0),
// so the first sample after start may read 0.
func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	var s Sample

	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("failed to read cpu: %w", err)
	}
	if len(cpus) > 0 {
		s.CPUPercent = cpus[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to read memory: %w", err)
	}
	s.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, h.DiskPath)
	if err != nil {
		return s, fmt.Errorf("failed to read disk usage of %s: %w", h.DiskPath, err)
	}
	s.DiskPercent = du.UsedPercent

	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return s, fmt.Errorf("failed to read network counters: %w", err)
	}
	if len(counters) > 0 {
		s.NetBytesSent = counters[0].BytesSent
		s.NetBytesRecv = counters[0].BytesRecv
	}

	return s, nil
}
