// SPDX-License-Identifier: MIT

// Package types provides type-safe enumerations shared across vidforge.
//
// This package centralizes typed constants and state types to prevent
// string-based bugs and enable exhaustive switch statements.
package types

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the current state of a generation job.
type JobStatus string

// Job status constants define all possible states of a generation job.
const (
	// JobStatusPending indicates the job is queued but not yet claimed.
	JobStatusPending JobStatus = "pending"

	// JobStatusProcessing indicates an executor owns the job and the
	// generator is running.
	JobStatusProcessing JobStatus = "processing"

	// JobStatusCompleted indicates the job finished and its artifact exists.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job terminated with an error.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates a cancellation request was honored.
	JobStatusCancelled JobStatus = "cancelled"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks whether the job status is one of the defined constants.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the job status represents a final state.
//
// Terminal states are absorbing: a job in a terminal state will not
// transition to another state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this status can transition to the target status.
//
// Valid transitions:
//   - Pending → Processing, Cancelled
//   - Processing → Completed, Failed, Cancelled, Pending (reconciler retry)
//   - Terminal states cannot transition
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case JobStatusPending:
		return target == JobStatusProcessing || target == JobStatusCancelled
	case JobStatusProcessing:
		return target == JobStatusCompleted || target == JobStatusFailed ||
			target == JobStatusCancelled || target == JobStatusPending
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for JobStatus.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for JobStatus.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status := JobStatus(str)
	if !status.IsValid() {
		return fmt.Errorf("invalid job status: %q", str)
	}

	*s = status
	return nil
}

// ParseJobStatus parses a string into a JobStatus, returning an error if invalid.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid job status: %q (valid: pending, processing, completed, failed, cancelled)", s)
	}
	return status, nil
}

// AllJobStatuses returns all defined job statuses.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPending,
		JobStatusProcessing,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
	}
}
