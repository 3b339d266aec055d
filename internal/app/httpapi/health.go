package httpapi

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

func (h *handlers) systemDescriptors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"descriptors": h.d.Descriptors.All()})
}

// healthStatus mirrors the teacher's middleware.HealthStatus shape, extended
// with per-chain RPC pool results and process resource stats gopsutil can
// see that runtime.MemStats cannot (RSS, per-process CPU share).
type healthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Process   processStats      `json:"process"`
}

type processStats struct {
	Goroutines   int     `json:"goroutines"`
	RSSBytes     uint64  `json:"rss_bytes"`
	CPUPercent   float64 `json:"cpu_percent"`
	OpenFiles    int     `json:"open_files"`
	SysMemTotal  uint64  `json:"sys_mem_total_bytes"`
	SysMemUsed   float64 `json:"sys_mem_used_percent"`
	UptimeSecond int64   `json:"uptime_seconds"`
}

var processStartedAt = time.Now()

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]string)
	healthy := true

	if h.d.DB != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := h.d.DB.PingContext(pingCtx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
		cancel()
	}

	if h.d.Redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := h.d.Redis.Ping(pingCtx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
		cancel()
	}

	if h.d.Chains != nil {
		for chainID, err := range h.d.Chains.HealthAll(ctx) {
			key := "chain_rpc_" + strconv.FormatInt(chainID, 10)
			if err != nil {
				checks[key] = err.Error()
				healthy = false
			} else {
				checks[key] = "ok"
			}
		}
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	resp := healthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Process:   collectProcessStats(),
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// collectProcessStats reads gopsutil's per-process view (RSS, CPU share,
// open file descriptors) alongside the system-wide memory picture. Any
// gopsutil failure degrades that one field to zero rather than failing the
// whole health check.
func collectProcessStats() processStats {
	stats := processStats{
		Goroutines:   runtime.NumGoroutine(),
		UptimeSecond: int64(time.Since(processStartedAt).Seconds()),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
			stats.RSSBytes = rss.RSS
		}
		if pct, err := proc.CPUPercent(); err == nil {
			stats.CPUPercent = pct
		}
		if files, err := proc.OpenFiles(); err == nil {
			stats.OpenFiles = len(files)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.SysMemTotal = vm.Total
		stats.SysMemUsed = vm.UsedPercent
	}

	return stats
}
