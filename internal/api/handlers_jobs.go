// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/log"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/store"
	"github.com/vidforge/vidforge/internal/types"
)

// submitResponse is the 201 body of a successful submission.
type submitResponse struct {
	JobID                   string          `json:"job_id"`
	Status                  types.JobStatus `json:"status"`
	QueuePosition           int             `json:"queue_position"`
	EstimatedCompletionTime time.Time       `json:"estimated_completion_time"`
}

// handleSubmit validates the request, persists a pending record and makes
// it claimable. The record write is the durability point: a crash after it
// leaves a pending record that the reconciler re-queues.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)

	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req job.Request
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, fmt.Sprintf("malformed request body: %v", err))
		return
	}

	params, err := req.Resolve()
	if err != nil {
		var verr *job.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, verr.Violations)
		} else {
			writeBadRequest(w, err.Error())
		}
		return
	}

	rec := job.New(params)
	if err := s.store.Create(r.Context(), rec); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			writeServiceUnavailable(w, err)
			return
		}
		logger.Error().Err(err).Msg("job create failed")
		writeInternalError(w)
		return
	}

	if err := s.queue.Enqueue(r.Context(), rec.ID, rec.Priority, rec.SubmittedAt); err != nil {
		// The record is durable; the reconciler repairs queue membership
		// on its next sweep.
		logger.Warn().Err(err).Str(log.FieldJobID, rec.ID).
			Msg("enqueue failed after create, deferring to reconciler")
	}

	metrics.JobsSubmitted.Inc()
	logger.Info().
		Str(log.FieldEvent, "job.submitted").
		Str(log.FieldJobID, rec.ID).
		Int("priority", rec.Priority).
		Msg("job submitted")

	queueLen, err := s.queue.Len(r.Context())
	if err != nil {
		queueLen = 0
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		JobID:                   rec.ID,
		Status:                  rec.Status,
		QueuePosition:           queueLen,
		EstimatedCompletionTime: estimateCompletion(rec.Params, queueLen, s.cfg.MaxConcurrentJobs),
	})
}

// estimateCompletion derives a best-effort completion hint from the work
// size and the submissions ahead. It makes no scheduling promise.
func estimateCompletion(p job.Params, queueLen, slots int) time.Time {
	if slots < 1 {
		slots = 1
	}
	waves := 1 + queueLen/slots
	return time.Now().UTC().Add(time.Duration(waves*p.EstimateDuration()) * time.Second)
}

// handleStatus returns the full job record.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w, fmt.Sprintf("job %s not found", id))
		return
	}
	if errors.Is(err, store.ErrUnavailable) {
		writeServiceUnavailable(w, err)
		return
	}
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// listResponse is the paginated listing body.
type listResponse struct {
	Jobs       []*job.Record `json:"jobs"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
	Total      int           `json:"total"`
}

// handleList returns one page of jobs ordered submitted_at desc, id asc.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		writeBadRequest(w, "page must be a positive integer")
		return
	}
	pageSize, err := queryInt(r, "page_size", 10)
	if err != nil || pageSize < 1 || pageSize > 100 {
		writeBadRequest(w, "page_size must be in [1,100]")
		return
	}

	var filter store.ListFilter
	if raw := r.URL.Query().Get("status_filter"); raw != "" {
		status, err := types.ParseJobStatus(raw)
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("invalid status_filter %q", raw))
			return
		}
		filter.Status = status
	}

	recs, total, err := s.store.List(r.Context(), filter, page, pageSize)
	if errors.Is(err, store.ErrUnavailable) {
		writeServiceUnavailable(w, err)
		return
	}
	if err != nil {
		writeInternalError(w)
		return
	}

	if recs == nil {
		recs = []*job.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Jobs:       recs,
		Page:       page,
		TotalPages: (total + pageSize - 1) / pageSize,
		Total:      total,
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// handleCancel requests cancellation. Queued jobs are cancelled on the spot;
// running jobs get the sticky flag and stop at the generator's next
// checkpoint.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := log.WithContext(r.Context(), s.logger)

	status, err := s.store.RequestCancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w, fmt.Sprintf("job %s not found", id))
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeConflict(w, fmt.Sprintf("job %s is already terminal", id))
		return
	}
	if errors.Is(err, store.ErrUnavailable) {
		writeServiceUnavailable(w, err)
		return
	}
	if err != nil {
		writeInternalError(w)
		return
	}

	if status == types.JobStatusPending {
		// Not started yet; finish the cancellation right here. A dispatcher
		// winning the race instead is fine, it observes the flag and
		// cancels before starting.
		if rec, err := s.store.Get(r.Context(), id); err == nil && rec.Status == types.JobStatusPending {
			cancelled := rec.Clone()
			cancelled.MarkCancelled("cancelled by user")
			if err := s.store.Patch(r.Context(), id, types.JobStatusPending, cancelled); err == nil {
				status = types.JobStatusCancelled
				metrics.JobsFinished.WithLabelValues("cancelled").Inc()
			}
		}
		if err := s.queue.Remove(r.Context(), id); err != nil {
			logger.Warn().Err(err).Str(log.FieldJobID, id).Msg("queue removal failed")
		}
	}

	logger.Info().
		Str(log.FieldEvent, "job.cancel_requested").
		Str(log.FieldJobID, id).
		Str("status", status.String()).
		Msg("cancellation requested")
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// handleDownload streams the finished artifact.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w, fmt.Sprintf("job %s not found", id))
		return
	}
	if errors.Is(err, store.ErrUnavailable) {
		writeServiceUnavailable(w, err)
		return
	}
	if err != nil {
		writeInternalError(w)
		return
	}
	if rec.Status != types.JobStatusCompleted {
		writeConflict(w, fmt.Sprintf("job %s is %s, not completed", id, rec.Status))
		return
	}

	f, _, err := s.artifacts.Open(id)
	if err != nil {
		writeNotFound(w, fmt.Sprintf("artifact for job %s not found", id))
		return
	}
	defer func() { _ = f.Close() }()

	// ServeContent derives Content-Length itself, range replies included.
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.mp4"`, id))
	http.ServeContent(w, r, id+".mp4", modTime(rec), f)
}

// modTime derives the Last-Modified stamp from the completion time.
func modTime(rec *job.Record) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return time.Time{}
}
