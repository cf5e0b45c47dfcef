// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/vidforge/vidforge/internal/gpu"
	"github.com/vidforge/vidforge/internal/log"
)

// systemLoad is a replica-local runtime snapshot.
type systemLoad struct {
	Goroutines    int     `json:"goroutines"`
	GOMAXPROCS    int     `json:"gomaxprocs"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	HeapSysMB     float64 `json:"heap_sys_mb"`
	NumGC         uint32  `json:"num_gc"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// systemStatusResponse aggregates cross-replica queue state with this
// replica's executor and GPU view.
type systemStatusResponse struct {
	ActiveJobs        int        `json:"active_jobs"`
	QueueLength       int        `json:"queue_length"`
	AvailableGPUs     int        `json:"available_gpus"`
	TotalGPUs         int        `json:"total_gpus"`
	MaxConcurrentJobs int        `json:"max_concurrent_jobs"`
	ReplicaID         string     `json:"replica_id"`
	SystemLoad        systemLoad `json:"system_load"`
	GPUDetails        []gpu.Slot `json:"gpu_details"`
}

// handleSystemStatus reports the orchestrator's aggregate state. Queue
// length is shared truth; executor and GPU numbers are this replica's.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	queueLen, err := s.queue.Len(r.Context())
	if err != nil {
		logger := log.WithContext(r.Context(), s.logger)
		logger.Warn().Err(err).Msg("queue length unavailable")
		queueLen = -1
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, systemStatusResponse{
		ActiveJobs:        s.pool.Active(),
		QueueLength:       queueLen,
		AvailableGPUs:     s.gpus.Free(),
		TotalGPUs:         s.gpus.Total(),
		MaxConcurrentJobs: s.cfg.MaxConcurrentJobs,
		ReplicaID:         s.cfg.ReplicaID,
		SystemLoad: systemLoad{
			Goroutines:    runtime.NumGoroutine(),
			GOMAXPROCS:    runtime.GOMAXPROCS(0),
			HeapAllocMB:   float64(mem.HeapAlloc) / (1 << 20),
			HeapSysMB:     float64(mem.HeapSys) / (1 << 20),
			NumGC:         mem.NumGC,
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
		},
		GPUDetails: s.gpus.Snapshot(),
	})
}
