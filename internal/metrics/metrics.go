// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts accepted submissions.
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidforge_jobs_submitted_total",
		Help: "Total number of accepted job submissions",
	})

	// JobsFinished counts terminal transitions by outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidforge_jobs_finished_total",
		Help: "Total number of jobs reaching a terminal state by outcome",
	}, []string{"outcome"})

	// JobDuration tracks wall time from claim to terminal state.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidforge_job_duration_seconds",
		Help:    "Executor wall time per job from claim to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"outcome"})

	// QueueWait tracks time between submission and claim.
	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidforge_queue_wait_seconds",
		Help:    "Time a job spends pending before a dispatcher claims it",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	})

	// ActiveExecutors gauges currently running executors on this replica.
	ActiveExecutors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidforge_active_executors",
		Help: "Number of executors currently running on this replica",
	})

	// FreeGPUSlots gauges unallocated devices on this replica.
	FreeGPUSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidforge_free_gpu_slots",
		Help: "Number of unallocated GPU slots on this replica",
	})

	// ProgressWrites counts coalesced progress updates persisted to the store.
	ProgressWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidforge_progress_writes_total",
		Help: "Total number of progress updates written to the store",
	})

	// ReconcilerRecovered counts expired-lease jobs pushed back to pending.
	ReconcilerRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidforge_reconciler_recovered_total",
		Help: "Total number of orphaned jobs re-queued by the reconciler",
	})

	// ReconcilerLost counts jobs failed after exhausting the retry budget.
	ReconcilerLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidforge_reconciler_lost_total",
		Help: "Total number of jobs marked lost by the reconciler",
	})

	// ClaimRollbacks counts claims rolled back because no GPU slot was free.
	ClaimRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidforge_claim_rollbacks_total",
		Help: "Total number of claims rolled back after GPU allocation failed",
	})
)

// ObserveJobFinished records a terminal transition and its duration.
func ObserveJobFinished(outcome string, started time.Time) {
	JobsFinished.WithLabelValues(outcome).Inc()
	JobDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}
