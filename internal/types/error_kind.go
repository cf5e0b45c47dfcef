// SPDX-License-Identifier: MIT

package types

// ErrorKind classifies why a job reached a terminal failure state, or why
// an API request was rejected.
type ErrorKind string

const (
	// ErrorKindValidation marks a caller fault rejected at the API layer.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindGenerator marks a deterministic error raised by the model.
	ErrorKindGenerator ErrorKind = "generator"

	// ErrorKindOOM marks GPU memory exhaustion mid-run. Retried once.
	ErrorKindOOM ErrorKind = "oom"

	// ErrorKindTimeout marks a job that exceeded its maximum wall time.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindLost marks a job whose lease expired beyond the retry budget.
	ErrorKindLost ErrorKind = "lost"

	// ErrorKindCancelled marks a cooperative stop. Not a failure.
	ErrorKindCancelled ErrorKind = "cancelled"

	// ErrorKindStoreUnavailable marks a persistence outage, surfaced as 503.
	ErrorKindStoreUnavailable ErrorKind = "store_unavailable"
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	return string(k)
}

// Retryable reports whether an executor may retry a job that failed with
// this kind instead of writing the terminal record.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindOOM
}
