// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/store"
)

// progressSink implements generator.ProgressSink against the store. Reports
// are coalesced to one write per interval and kept strictly monotone;
// cancellation polls ride the same cadence so a busy generator costs at
// most two store round-trips per interval.
type progressSink struct {
	ctx    context.Context
	store  store.Store
	jobID  string
	logger zerolog.Logger

	writeLimiter *rate.Limiter
	pollLimiter  *rate.Limiter

	mu        sync.Mutex
	last      float64
	hasLast   bool
	cancelled bool

	// onCancel fires exactly once when a cancellation request is first
	// observed; the executor arms the grace-period watchdog with it.
	onCancel   func()
	cancelOnce sync.Once
}

func newProgressSink(ctx context.Context, st store.Store, jobID string, interval time.Duration, logger zerolog.Logger, onCancel func()) *progressSink {
	return &progressSink{
		ctx:          ctx,
		store:        st,
		jobID:        jobID,
		logger:       logger,
		writeLimiter: rate.NewLimiter(rate.Every(interval), 1),
		pollLimiter:  rate.NewLimiter(rate.Every(interval), 1),
		onCancel:     onCancel,
	}
}

// Report persists a progress fraction. Non-increasing values are rejected
// locally; increasing values are written at most once per interval.
func (s *progressSink) Report(fraction float64) {
	s.mu.Lock()
	if s.hasLast && fraction <= s.last {
		s.mu.Unlock()
		return
	}
	s.last = fraction
	s.hasLast = true
	s.mu.Unlock()

	if !s.writeLimiter.Allow() && fraction < 1.0 {
		// Coalesced; the final report always goes through.
		return
	}

	if err := s.store.SetProgress(s.ctx, s.jobID, fraction); err != nil {
		s.logger.Warn().Err(err).Float64("progress", fraction).Msg("progress write failed")
		return
	}
	metrics.ProgressWrites.Inc()
}

// Cancelled reports whether a cancellation request has been observed. The
// store is polled at most once per interval; once observed, the answer is
// sticky for the rest of the run.
func (s *progressSink) Cancelled() bool {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if !s.pollLimiter.Allow() {
		return false
	}

	rec, err := s.store.Get(s.ctx, s.jobID)
	if err != nil {
		return false
	}
	if !rec.CancelRequested {
		return false
	}

	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()

	if s.onCancel != nil {
		s.cancelOnce.Do(s.onCancel)
	}
	return true
}

// observedCancel reports whether this sink ever saw a cancellation request.
func (s *progressSink) observedCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
