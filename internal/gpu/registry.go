// SPDX-License-Identifier: MIT

// Package gpu tracks the replica-local GPU slots. The registry is the
// admission gate for executors: one slot per job for the job's duration.
package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoFreeSlot is returned by Acquire when every device is allocated.
var ErrNoFreeSlot = errors.New("no free gpu slot")

// Slot describes one device for observability snapshots.
type Slot struct {
	DeviceID  int    `json:"gpu_id"`
	Allocated bool   `json:"allocated"`
	JobID     string `json:"allocated_to_job,omitempty"`
}

// Registry allocates GPU devices to jobs. It is replica-local and guarded
// by a single mutex; the store never sees device assignments.
type Registry struct {
	mu     sync.Mutex
	slots  []Slot
	byJob  map[string]int // job id -> device id
	logger zerolog.Logger
}

// NewRegistry creates a registry advertising count devices numbered 0..count-1.
func NewRegistry(count int, logger zerolog.Logger) *Registry {
	slots := make([]Slot, count)
	for i := range slots {
		slots[i] = Slot{DeviceID: i}
	}
	return &Registry{
		slots:  slots,
		byJob:  make(map[string]int),
		logger: logger,
	}
}

// Acquire allocates a free device to jobID and returns its id. A job that
// already holds a slot gets its existing device back, so a retried acquire
// can never double-allocate.
func (r *Registry) Acquire(jobID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.byJob[jobID]; ok {
		return dev, nil
	}

	for i := range r.slots {
		if r.slots[i].Allocated {
			continue
		}
		r.slots[i].Allocated = true
		r.slots[i].JobID = jobID
		r.byJob[jobID] = r.slots[i].DeviceID

		r.logger.Info().
			Str("job_id", jobID).
			Int("device", r.slots[i].DeviceID).
			Str("event", "gpu.allocated").
			Msg("allocated gpu slot")
		return r.slots[i].DeviceID, nil
	}
	return 0, fmt.Errorf("acquire for job %s: %w", jobID, ErrNoFreeSlot)
}

// Release frees the slot held by jobID. Releasing an unheld slot is a no-op.
func (r *Registry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(jobID)
}

func (r *Registry) releaseLocked(jobID string) {
	dev, ok := r.byJob[jobID]
	if !ok {
		return
	}
	delete(r.byJob, jobID)
	for i := range r.slots {
		if r.slots[i].DeviceID == dev {
			r.slots[i].Allocated = false
			r.slots[i].JobID = ""
			break
		}
	}
	r.logger.Info().
		Str("job_id", jobID).
		Int("device", dev).
		Str("event", "gpu.released").
		Msg("released gpu slot")
}

// Free returns the number of unallocated devices.
func (r *Registry) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := 0
	for i := range r.slots {
		if !r.slots[i].Allocated {
			free++
		}
	}
	return free
}

// Total returns the advertised device count.
func (r *Registry) Total() int {
	return len(r.slots)
}

// Snapshot returns a read-only projection of every slot.
func (r *Registry) Snapshot() []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Slot, len(r.slots))
	copy(out, r.slots)
	return out
}
