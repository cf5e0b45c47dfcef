// SPDX-License-Identifier: MIT

// Package reconcile implements the background sweep that repairs the system
// after crashes: expired leases are re-queued or marked lost, queue
// membership is restored for pending jobs, stale GPU slots are reaped and
// old terminal records are retired.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vidforge/vidforge/internal/artifact"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/gpu"
	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/log"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/store"
	"github.com/vidforge/vidforge/internal/types"
)

// leaderKey is the cooperative leadership lock. Whichever replica holds it
// runs the cross-replica parts of the sweep; the replica-local parts run
// everywhere. Losing the lock mid-sweep is harmless because every mutation
// goes through the status-guarded CAS.
const leaderKey = "vidforge:reconcile:leader"

// Reconciler runs the periodic sweep.
type Reconciler struct {
	cfg       config.Config
	client    *redis.Client
	store     store.Store
	queue     queue.Queue
	gpus      *gpu.Registry
	artifacts *artifact.Store
	logger    zerolog.Logger
}

// New wires a reconciler from its collaborators.
func New(cfg config.Config, client *redis.Client, st store.Store, q queue.Queue,
	gpus *gpu.Registry, artifacts *artifact.Store) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		client:    client,
		store:     st,
		queue:     q,
		gpus:      gpus,
		artifacts: artifacts,
		logger:    log.WithComponent("reconcile"),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.cfg.ReconcileInterval).
		Msg("reconciler started")

	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. The replica-local slot reap always
// runs; the shared-state repairs run only on the current leader so replicas
// do not trample each other's sweeps.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.reapSlots(ctx)

	if !r.acquireLeadership(ctx) {
		return
	}
	r.recoverExpiredLeases(ctx)
	r.repairQueueMembership(ctx)
	r.retireOldRecords(ctx)
}

// acquireLeadership takes or refreshes the leader lock. The TTL spans two
// intervals so a single missed tick does not flap leadership.
func (r *Reconciler) acquireLeadership(ctx context.Context) bool {
	ttl := 2 * r.cfg.ReconcileInterval

	ok, err := r.client.SetNX(ctx, leaderKey, r.cfg.ReplicaID, ttl).Result()
	if err != nil {
		r.logger.Warn().Err(err).Msg("leader lock unavailable, skipping shared sweep")
		return false
	}
	if ok {
		return true
	}

	holder, err := r.client.Get(ctx, leaderKey).Result()
	if err != nil || holder != r.cfg.ReplicaID {
		return false
	}
	// Still the leader from a previous tick; refresh the ttl.
	if err := r.client.Expire(ctx, leaderKey, ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("leader lock refresh failed")
		return false
	}
	return true
}

// recoverExpiredLeases hands crashed replicas' jobs back to the queue, or
// marks them lost once the retry budget is spent.
func (r *Reconciler) recoverExpiredLeases(ctx context.Context) {
	recs, err := r.store.All(ctx, types.JobStatusProcessing)
	if err != nil {
		r.logger.Warn().Err(err).Msg("listing processing jobs failed")
		return
	}

	now := time.Now()
	for _, rec := range recs {
		if !rec.LeaseExpired(now) {
			continue
		}

		logger := r.logger.With().
			Str(log.FieldJobID, rec.ID).
			Str(log.FieldReplicaID, rec.ReplicaID).
			Int(log.FieldRetries, rec.RetryCount).
			Logger()

		if rec.RetryCount >= r.cfg.JobMaxRetries {
			r.markLost(ctx, rec, logger)
			continue
		}
		r.requeueExpired(ctx, rec, logger)
	}
}

func (r *Reconciler) requeueExpired(ctx context.Context, rec *job.Record, logger zerolog.Logger) {
	recovered := rec.Clone()
	recovered.MarkPending()
	recovered.RetryCount++

	err := r.store.Patch(ctx, rec.ID, types.JobStatusProcessing, recovered)
	if errors.Is(err, store.ErrConflict) {
		// The owner finished (or another leader recovered it) between our
		// read and the CAS; nothing to do.
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("lease recovery CAS failed")
		return
	}

	// Requeue preserves the original submission position.
	if err := r.queue.Requeue(ctx, rec.ID, recovered.Priority, recovered.SubmittedAt); err != nil {
		logger.Error().Err(err).Msg("requeue after lease recovery failed")
		// The pending record stays off-queue until the membership repair
		// pass picks it up.
	}

	metrics.ReconcilerRecovered.Inc()
	logger.Info().
		Str(log.FieldEvent, "job.recovered").
		Str(log.FieldOldState, types.JobStatusProcessing.String()).
		Str(log.FieldNewState, types.JobStatusPending.String()).
		Msg("recovered job with expired lease")
}

func (r *Reconciler) markLost(ctx context.Context, rec *job.Record, logger zerolog.Logger) {
	lost := rec.Clone()
	lost.MarkFailed(types.ErrorKindLost, "replica lease expired and retry budget exhausted")

	err := r.store.Patch(ctx, rec.ID, types.JobStatusProcessing, lost)
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("mark lost CAS failed")
		return
	}

	metrics.ReconcilerLost.Inc()
	metrics.JobsFinished.WithLabelValues("failed").Inc()
	logger.Warn().
		Str(log.FieldEvent, "job.lost").
		Str(log.FieldOldState, types.JobStatusProcessing.String()).
		Str(log.FieldNewState, types.JobStatusFailed.String()).
		Msg("job lost after repeated lease expiries")
}

// repairQueueMembership re-adds pending records missing from the queue, e.g.
// after a crash between the rollback CAS and its requeue. Enqueue is
// idempotent, so members already present keep their position.
func (r *Reconciler) repairQueueMembership(ctx context.Context) {
	recs, err := r.store.All(ctx, types.JobStatusPending)
	if err != nil {
		r.logger.Warn().Err(err).Msg("listing pending jobs failed")
		return
	}
	for _, rec := range recs {
		if err := r.queue.Enqueue(ctx, rec.ID, rec.Priority, rec.SubmittedAt); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldJobID, rec.ID).
				Msg("queue membership repair failed")
		}
	}
}

// reapSlots frees GPU slots pinned to jobs this replica no longer owns.
// Each held slot is judged against a fresh read of its record rather than a
// single listing: a dispatcher acquires its slot only after the claim CAS,
// so any slot whose record does not show processing-on-this-replica at read
// time is verifiably stale, and a slot claimed mid-sweep is never freed
// under its executor.
func (r *Reconciler) reapSlots(ctx context.Context) {
	reaped := 0
	for _, slot := range r.gpus.Snapshot() {
		if !slot.Allocated {
			continue
		}
		rec, err := r.store.Get(ctx, slot.JobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Record retired while the slot lingered.
		case err != nil:
			// Without the store we cannot tell live from stale; keep it.
			continue
		case rec.Status == types.JobStatusProcessing && rec.ReplicaID == r.cfg.ReplicaID:
			continue
		}
		r.gpus.Release(slot.JobID)
		reaped++
	}

	if reaped > 0 {
		r.logger.Warn().Int("reaped", reaped).Msg("released stale gpu slots")
		metrics.FreeGPUSlots.Set(float64(r.gpus.Free()))
	}
}

// retireOldRecords deletes terminal records past the retention period along
// with their artifacts.
func (r *Reconciler) retireOldRecords(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.RetentionPeriod)

	// Collect artifact ids before the records disappear.
	completed, err := r.store.All(ctx, types.JobStatusCompleted)
	if err != nil {
		r.logger.Warn().Err(err).Msg("listing completed jobs failed")
		return
	}
	var stale []string
	for _, rec := range completed {
		if rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			stale = append(stale, rec.ID)
		}
	}

	deleted, err := r.store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Warn().Err(err).Msg("retention sweep failed")
		return
	}
	if deleted == 0 {
		return
	}

	for _, id := range stale {
		if err := r.artifacts.Remove(id); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldJobID, id).
				Msg("artifact removal failed")
		}
	}
	r.logger.Info().Int("deleted", deleted).Msg("retired terminal records past retention")
}
