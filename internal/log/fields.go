// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldReplicaID = "replica_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldErrorKind = "error_kind"

	// Resource fields
	FieldDevice   = "device"
	FieldProgress = "progress"
	FieldPath     = "path"
	FieldQueueLen = "queue_len"
	FieldRetries  = "retries"
)
