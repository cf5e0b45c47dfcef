// SPDX-License-Identifier: MIT

// Package worker runs the dispatcher loop and the per-job executors of a
// single replica. The dispatcher claims pending jobs from the shared queue
// under the replica's concurrency and GPU limits; each executor owns one
// GPU slot for the duration of its job.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vidforge/vidforge/internal/artifact"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/generator"
	"github.com/vidforge/vidforge/internal/gpu"
	"github.com/vidforge/vidforge/internal/log"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/store"
	"github.com/vidforge/vidforge/internal/types"
)

// defaultPollInterval paces the dispatcher when the queue is empty. A
// random jitter of the same magnitude is added so replicas do not poll in
// lockstep.
const defaultPollInterval = 500 * time.Millisecond

// Pool is the replica-local worker pool.
type Pool struct {
	cfg       config.Config
	store     store.Store
	queue     queue.Queue
	gpus      *gpu.Registry
	artifacts *artifact.Store
	gen       generator.Generator
	logger    zerolog.Logger

	// PollInterval overrides the empty-queue backoff; tests shrink it.
	PollInterval time.Duration

	sem    chan struct{}
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewPool wires a pool from its collaborators.
func NewPool(cfg config.Config, st store.Store, q queue.Queue, gpus *gpu.Registry,
	artifacts *artifact.Store, gen generator.Generator) *Pool {
	return &Pool{
		cfg:          cfg,
		store:        st,
		queue:        q,
		gpus:         gpus,
		artifacts:    artifacts,
		gen:          gen,
		logger:       log.WithComponent("worker"),
		PollInterval: defaultPollInterval,
		sem:          make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Active returns the number of executors currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Run drives the dispatcher loop until ctx is cancelled, then waits for
// in-flight executors to drain. Executors interrupted by shutdown leave
// their jobs in processing; the lease expiry hands them to the reconciler.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Int("max_concurrent", p.cfg.MaxConcurrentJobs).
		Int("gpus", p.gpus.Total()).
		Str("replica_id", p.cfg.ReplicaID).
		Msg("dispatcher started")

	for {
		// Admission: block until an executor slot frees up.
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info().Msg("dispatcher stopped")
			return ctx.Err()
		case p.sem <- struct{}{}:
		}

		if !p.dispatchOne(ctx) {
			<-p.sem
			if !p.sleep(ctx) {
				p.wg.Wait()
				p.logger.Info().Msg("dispatcher stopped")
				return ctx.Err()
			}
		}
	}
}

// sleep waits one jittered poll interval; false means ctx expired.
func (p *Pool) sleep(ctx context.Context) bool {
	jitter := time.Duration(rand.Int63n(int64(p.PollInterval) + 1)) // #nosec G404 -- scheduling jitter
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.PollInterval + jitter):
		return true
	}
}

// dispatchOne tries to move one job from the queue into an executor. It
// returns false when the caller should back off (empty queue, lost race,
// transient store failure). The semaphore slot is owned by the caller
// unless an executor was spawned.
func (p *Pool) dispatchOne(ctx context.Context) bool {
	id, err := p.queue.TryClaim(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false
	}
	if err != nil {
		p.logger.Warn().Err(err).Msg("queue claim failed")
		return false
	}

	logger := p.logger.With().Str(log.FieldJobID, id).Logger()

	rec, err := p.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("claimed id has no record, dropping")
		return false
	}
	if err != nil {
		// Cannot read the ordering key to requeue. Drop the claim; the
		// reconciler restores queue membership from the pending record.
		logger.Warn().Err(err).Msg("store read after claim failed")
		return false
	}
	if rec.Status != types.JobStatusPending {
		// Stale queue entry; the record already moved on.
		logger.Debug().Str("status", rec.Status.String()).Msg("dropping stale queue entry")
		return false
	}

	// A cancel that arrived while the job was queued takes effect now,
	// before any resources are committed.
	if rec.CancelRequested {
		cancelled := rec.Clone()
		cancelled.MarkCancelled("cancelled before start")
		if err := p.store.Patch(ctx, id, types.JobStatusPending, cancelled); err != nil {
			logger.Warn().Err(err).Msg("pre-start cancel failed")
		} else {
			logger.Info().
				Str(log.FieldEvent, "job.cancelled").
				Str(log.FieldOldState, types.JobStatusPending.String()).
				Str(log.FieldNewState, types.JobStatusCancelled.String()).
				Msg("cancelled queued job")
			metrics.JobsFinished.WithLabelValues("cancelled").Inc()
		}
		return false
	}

	claimed := rec.Clone()
	claimed.MarkProcessing(p.cfg.ReplicaID, p.cfg.LeaseDuration)
	if err := p.store.Patch(ctx, id, types.JobStatusPending, claimed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another replica won the record, or a cancel landed first.
			logger.Debug().Msg("lost claim race")
		} else {
			logger.Warn().Err(err).Msg("claim CAS failed")
		}
		return false
	}

	device, err := p.gpus.Acquire(id)
	if err != nil {
		// Roll the claim back: the record returns to pending and the id
		// regains its original queue position.
		rollback := claimed.Clone()
		rollback.MarkPending()
		if perr := p.store.Patch(ctx, id, types.JobStatusProcessing, rollback); perr != nil {
			logger.Error().Err(perr).Msg("claim rollback CAS failed")
		}
		if qerr := p.queue.Requeue(ctx, id, rec.Priority, rec.SubmittedAt); qerr != nil {
			logger.Error().Err(qerr).Msg("claim rollback requeue failed")
		}
		metrics.ClaimRollbacks.Inc()
		logger.Debug().Msg("no free gpu slot, claim rolled back")
		return false
	}

	metrics.QueueWait.Observe(time.Since(rec.SubmittedAt).Seconds())
	logger.Info().
		Str(log.FieldEvent, "job.claimed").
		Str(log.FieldOldState, types.JobStatusPending.String()).
		Str(log.FieldNewState, types.JobStatusProcessing.String()).
		Int(log.FieldDevice, device).
		Msg("job claimed")

	p.active.Add(1)
	metrics.ActiveExecutors.Set(float64(p.active.Load()))
	metrics.FreeGPUSlots.Set(float64(p.gpus.Free()))

	p.wg.Add(1)
	go func() {
		defer func() {
			p.gpus.Release(id)
			p.active.Add(-1)
			metrics.ActiveExecutors.Set(float64(p.active.Load()))
			metrics.FreeGPUSlots.Set(float64(p.gpus.Free()))
			<-p.sem
			p.wg.Done()
		}()
		p.execute(ctx, claimed, device)
	}()
	return true
}
