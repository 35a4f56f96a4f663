// Package monitor samples host-level metrics for the system_info tool.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one point-in-time view of the host.
type Snapshot struct {
	Hostname      string    `json:"hostname,omitempty"`
	Platform      string    `json:"platform"`
	OS            string    `json:"os,omitempty"`
	CPUCores      int       `json:"cpu_cores,omitempty"`
	CPUPercent    float64   `json:"cpu_percent"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
	MemoryTotal   uint64    `json:"memory_total_bytes,omitempty"`
	MemoryUsed    uint64    `json:"memory_used_bytes,omitempty"`
	MemoryPercent float64   `json:"memory_percent,omitempty"`
	UptimeSeconds uint64    `json:"uptime_seconds,omitempty"`
	TimestampMs   int64     `json:"timestamp_ms"`
}

// Collector gathers snapshots. Probes are independent: one failing metric
// must not take the others down.
type Collector struct {
	log *slog.Logger
}

func NewCollector(log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{log: log}
}

// Snapshot gathers best-effort host metrics. Individual probe failures are
// logged and leave their fields zero; the call itself never fails.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Platform: runtime.GOOS, TimestampMs: time.Now().UnixMilli()}

	if info, err := host.InfoWithContext(ctx); err != nil {
		c.log.Warn("host info probe failed", "error", err)
	} else if info != nil {
		snap.Hostname = info.Hostname
		snap.OS = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		snap.UptimeSeconds = info.Uptime
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err != nil {
		c.log.Warn("cpu count probe failed", "error", err)
	} else {
		snap.CPUCores = cores
	}

	if usage, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.log.Warn("cpu usage probe failed", "error", err)
	} else if len(usage) > 0 {
		snap.CPUPercent = usage[0]
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		c.log.Warn("load average probe failed", "error", err)
	} else if avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.log.Warn("memory probe failed", "error", err)
	} else if vm != nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryPercent = vm.UsedPercent
	}

	return snap
}
