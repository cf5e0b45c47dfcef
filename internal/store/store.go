// SPDX-License-Identifier: MIT

// Package store persists job records in a shared Redis instance. All writes
// against the same job id are linearizable: state transitions are
// compare-and-set operations guarded on the expected status, and field-level
// updates (progress, cancel flag) run as optimistic WATCH transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/types"
)

var (
	// ErrNotFound is returned when a job id has no record.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrConflict is returned when a guarded write observes a status other
	// than the expected one.
	ErrConflict = errors.New("job status conflict")

	// ErrUnavailable wraps transport failures talking to the store.
	ErrUnavailable = errors.New("store unavailable")
)

// ListFilter narrows List results.
type ListFilter struct {
	// Status filters by job status when set.
	Status types.JobStatus
}

// Store is the durable job-record contract used by the API, the worker pool
// and the reconciler.
type Store interface {
	// Create persists a new record; first write wins on id.
	Create(ctx context.Context, rec *job.Record) error

	// Get returns the current record for id.
	Get(ctx context.Context, id string) (*job.Record, error)

	// Patch replaces the record with rec iff the stored status equals
	// expected. This is the only way to author a state transition.
	Patch(ctx context.Context, id string, expected types.JobStatus, rec *job.Record) error

	// SetProgress raises the stored progress fraction of a processing job.
	// Values below the stored one are dropped server-side; progress is
	// monotone within a processing span.
	SetProgress(ctx context.Context, id string, fraction float64) error

	// RenewLease pushes lease_expires_at forward for the owning replica.
	RenewLease(ctx context.Context, id, replicaID string, until time.Time) error

	// RequestCancel sets cancel_requested on a non-terminal job and
	// returns its current status. Terminal jobs return ErrConflict.
	RequestCancel(ctx context.Context, id string) (types.JobStatus, error)

	// List returns one page ordered by submitted_at desc, id asc, plus the
	// filtered total. Page is 1-based.
	List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*job.Record, int, error)

	// All returns every record with the given status, unpaginated. Used by
	// the reconciler and the system-status aggregation.
	All(ctx context.Context, status types.JobStatus) ([]*job.Record, error)

	// DeleteTerminalOlderThan removes terminal records whose completion
	// predates cutoff. Returns the number of records removed.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Ping verifies store connectivity for health probes.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
