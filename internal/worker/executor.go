// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vidforge/vidforge/internal/generator"
	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/log"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/store"
	"github.com/vidforge/vidforge/internal/types"
)

// terminalWriteAttempts bounds retries of the terminal CAS under a store
// outage. If all attempts fail the job stays processing and the reconciler
// eventually marks it lost.
const terminalWriteAttempts = 3

// execute drives one claimed job to a terminal state. rec is the record as
// written by the claim CAS; the GPU slot release is handled by the caller.
func (p *Pool) execute(ctx context.Context, rec *job.Record, device int) {
	logger := p.logger.With().
		Str(log.FieldJobID, rec.ID).
		Int(log.FieldDevice, device).
		Logger()
	started := time.Now()

	runCtx, cancelRun := context.WithTimeout(ctx, p.cfg.JobMaxDuration)
	defer cancelRun()

	// The cancellation watchdog: once a cancel request is observed, the
	// generator gets CancelGracePeriod to stop at a checkpoint before the
	// run context is torn down underneath it.
	sink := newProgressSink(runCtx, p.store, rec.ID, p.cfg.ProgressWriteInterval, logger, func() {
		time.AfterFunc(p.cfg.CancelGracePeriod, cancelRun)
	})

	// Lease heartbeat. Losing the lease (reconciler reclaimed the job)
	// aborts the run: another replica may already own it.
	leaseCtx, stopLease := context.WithCancel(ctx)
	defer stopLease()
	go p.renewLease(leaseCtx, rec.ID, cancelRun, logger)

	scratch, err := p.artifacts.ScratchPath(rec.ID)
	if err != nil {
		p.finish(ctx, rec, started, func(r *job.Record) {
			r.MarkFailed(types.ErrorKindGenerator, err.Error())
		}, logger)
		return
	}

	req := generator.Request{
		JobID:         rec.ID,
		Params:        rec.Params,
		Device:        device,
		OutputPath:    scratch,
		ModelCacheDir: p.cfg.ModelCacheDir,
	}

	genErr := p.gen.Generate(runCtx, req, sink)
	if genErr != nil && generator.Classify(genErr) == types.ErrorKindOOM {
		// One in-place retry on memory exhaustion; transient allocator
		// pressure often clears between attempts.
		logger.Warn().Err(genErr).Msg("generator oom, retrying once")
		genErr = p.gen.Generate(runCtx, req, sink)
	}
	stopLease()

	switch {
	case genErr == nil:
		path, pubErr := p.artifacts.Publish(rec.ID, scratch)
		if pubErr != nil {
			p.finish(ctx, rec, started, func(r *job.Record) {
				r.MarkFailed(types.ErrorKindGenerator, fmt.Sprintf("publish artifact: %v", pubErr))
			}, logger)
			return
		}
		// A finalized artifact wins over a late cancellation request.
		p.finish(ctx, rec, started, func(r *job.Record) {
			r.MarkCompleted(path)
		}, logger)

	case errors.Is(genErr, generator.ErrCancelled):
		p.finish(ctx, rec, started, func(r *job.Record) {
			r.MarkCancelled("cancelled by user")
		}, logger)

	case errors.Is(genErr, context.DeadlineExceeded) && ctx.Err() == nil:
		// The run deadline fired, not a shutdown.
		p.finish(ctx, rec, started, func(r *job.Record) {
			r.MarkFailed(types.ErrorKindTimeout,
				fmt.Sprintf("exceeded maximum wall time %s", p.cfg.JobMaxDuration))
		}, logger)

	case errors.Is(genErr, context.Canceled) && sink.observedCancel() && ctx.Err() == nil:
		// The grace watchdog tore the run down after the generator
		// missed its cancellation window.
		p.finish(ctx, rec, started, func(r *job.Record) {
			r.MarkCancelled("cancelled by user (forced after grace period)")
		}, logger)

	case ctx.Err() != nil:
		// Replica shutdown. Leave the record processing; the lease will
		// lapse and the reconciler re-queues the job.
		logger.Info().
			Str(log.FieldEvent, "job.abandoned").
			Msg("shutdown interrupted job, leaving recovery to the reconciler")

	default:
		kind := generator.Classify(genErr)
		p.finish(ctx, rec, started, func(r *job.Record) {
			r.MarkFailed(kind, genErr.Error())
		}, logger)
	}
}

// renewLease heartbeats lease_expires_at at a third of the lease duration.
// A conflict means this replica no longer owns the job; the run is aborted.
func (p *Pool) renewLease(ctx context.Context, jobID string, abort context.CancelFunc, logger zerolog.Logger) {
	interval := p.cfg.LeaseDuration / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().Add(p.cfg.LeaseDuration)
			err := p.store.RenewLease(ctx, jobID, p.cfg.ReplicaID, until)
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				logger.Warn().
					Str(log.FieldEvent, "job.lease_lost").
					Msg("lease ownership lost, aborting run")
				abort()
				return
			}
			if err != nil {
				// Transient store trouble; keep trying until the lease
				// genuinely lapses.
				logger.Warn().Err(err).Msg("lease renewal failed")
			}
		}
	}
}

// finish applies a terminal mutation through the status-guarded CAS,
// retrying briefly under store outages. mutate receives the freshest
// record so concurrent field updates (progress, cancel flag) survive.
func (p *Pool) finish(ctx context.Context, rec *job.Record, started time.Time,
	mutate func(*job.Record), logger zerolog.Logger) {

	// Shutdown must not prevent the terminal write; detach from the
	// dispatcher context but stay bounded.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var outcome types.JobStatus
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		cur, err := p.store.Get(writeCtx, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("record vanished before terminal write")
			return
		}
		if err != nil {
			time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
			continue
		}
		if cur.Status != types.JobStatusProcessing || cur.ReplicaID != p.cfg.ReplicaID {
			// The reconciler reclaimed the job; its word stands.
			logger.Warn().
				Str("status", cur.Status.String()).
				Msg("lost ownership before terminal write")
			return
		}

		final := cur.Clone()
		mutate(final)
		outcome = final.Status

		err = p.store.Patch(writeCtx, rec.ID, types.JobStatusProcessing, final)
		if errors.Is(err, store.ErrConflict) {
			continue // re-read and re-apply
		}
		if err != nil {
			time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
			continue
		}

		logger.Info().
			Str(log.FieldEvent, "job.finished").
			Str(log.FieldOldState, types.JobStatusProcessing.String()).
			Str(log.FieldNewState, outcome.String()).
			Dur("duration", time.Since(started)).
			Msg("job reached terminal state")
		metrics.ObserveJobFinished(outcome.String(), started)
		return
	}

	logger.Error().
		Str(log.FieldEvent, "job.terminal_write_failed").
		Msg("giving up on terminal write, reconciler will mark the job lost")
}
