package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a snapshot of the host the service runs on
type HostStats struct {
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	MemoryUsedPct float64 `json:"memory_used_pct"`
	MemoryAvail   uint64  `json:"memory_available_bytes"`
}

func collectHostStats() HostStats {
	var s HostStats
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
		s.Load5 = avg.Load5
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsedPct = vm.UsedPercent
		s.MemoryAvail = vm.Available
	}
	return s
}

// Health reports store reachability and host load
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]interface{}{
		"status":         "healthy",
		"store":          "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"host":           h.hostStats(),
	}
	if err := h.store.HealthCheck(ctx); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "unhealthy"
		resp["store"] = err.Error()
	}
	writeJSON(w, status, resp)
}
