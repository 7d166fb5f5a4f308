package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	serviceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pkgfeed",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage of a supervised service at the last status check.",
		}, []string{"service"},
	)
	serviceMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pkgfeed",
			Subsystem: "service",
			Name:      "memory_mb",
			Help:      "Resident memory of a supervised service at the last status check.",
		}, []string{"service"},
	)
)

// ProcessMetrics holds CPU and memory usage of a single process.
type ProcessMetrics struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
	NumFDs     int32   `json:"num_fds,omitempty"` // Unix only
}

// SampleProcess reads resource usage of pid and, when registered, updates the
// per-service gauges.
func SampleProcess(ctx context.Context, service string, pid int) (ProcessMetrics, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}

	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "service", service, "pid", pid, "error", err)
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	numThreads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get thread count", "service", service, "pid", pid, "error", err)
		numThreads = 0
	}

	m := ProcessMetrics{
		PID:        int32(pid),
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		NumThreads: numThreads,
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = numFDs
		}
	}

	if regOK.Load() {
		serviceCPUPercent.WithLabelValues(service).Set(m.CPUPercent)
		serviceMemoryMB.WithLabelValues(service).Set(m.MemoryMB)
	}
	return m, nil
}
