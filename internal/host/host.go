// Package host samples resource usage of the machine running the monitor.
package host

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is one host resource sample
type Stats struct {
	MemUsedPercent  float64 `json:"memory_used_percent"`
	MemUsedBytes    uint64  `json:"memory_used_bytes"`
	MemTotalBytes   uint64  `json:"memory_total_bytes"`
	CPUPercent      float64 `json:"cpu_percent"`
	DiskPath        string  `json:"disk_path,omitempty"`
	DiskUsedPercent float64 `json:"disk_used_percent,omitempty"`
	DiskFreeBytes   uint64  `json:"disk_free_bytes,omitempty"`
}

// Sampler reads host stats. DiskPath selects the filesystem to report;
// empty skips disk usage.
type Sampler struct {
	DiskPath string
}

// NewSampler creates a sampler reporting the filesystem holding diskPath
func NewSampler(diskPath string) *Sampler {
	return &Sampler{DiskPath: diskPath}
}

// Sample gathers memory, CPU and disk usage.
// CPU usage is measured since the previous call, so the first sample may read 0.
func (s *Sampler) Sample(ctx context.Context) (Stats, error) {
	var st Stats

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to get virtual memory stats: %w", err)
	}
	st.MemUsedPercent = vm.UsedPercent
	st.MemUsedBytes = vm.Used
	st.MemTotalBytes = vm.Total

	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return st, fmt.Errorf("failed to get CPU percentage: %w", err)
	}
	if len(percentages) > 0 {
		st.CPUPercent = percentages[0]
	}

	if s.DiskPath != "" {
		usage, err := disk.UsageWithContext(ctx, s.DiskPath)
		if err != nil {
			return st, fmt.Errorf("failed to get disk usage for %s: %w", s.DiskPath, err)
		}
		st.DiskPath = s.DiskPath
		st.DiskUsedPercent = usage.UsedPercent
		st.DiskFreeBytes = usage.Free
	}

	return st, nil
}
