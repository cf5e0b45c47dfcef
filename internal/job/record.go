// SPDX-License-Identifier: MIT

package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vidforge/vidforge/internal/types"
)

// SchemaVersion is embedded in every persisted record so rolling upgrades
// can detect and migrate older layouts.
const SchemaVersion = 1

// Record is the durable job record. A Record is mutated only by the owning
// executor, the reconciler, or the API cancel path; every multi-field
// mutation goes through the store's status-guarded CAS.
type Record struct {
	ID     string          `json:"id"`
	Schema int             `json:"schema"`
	Status types.JobStatus `json:"status"`
	Params Params          `json:"params"`

	// Progress is a fraction in [0,1]; nil until the first checkpoint.
	// Monotonically non-decreasing within a single processing span.
	Progress *float64 `json:"progress,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ReplicaID identifies the executor holding the job while processing.
	ReplicaID string `json:"replica_id,omitempty"`

	// LeaseExpiresAt is the heartbeat deadline consulted by the reconciler.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// ArtifactPath is set only on completion.
	ArtifactPath string `json:"artifact_path,omitempty"`

	ErrorKind   types.ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`

	Priority        int  `json:"priority"`
	CancelRequested bool `json:"cancel_requested,omitempty"`
	RetryCount      int  `json:"retry_count,omitempty"`

	// extra holds fields written by newer schema versions; they are
	// preserved and round-tripped so rolling upgrades do not lose data.
	extra map[string]json.RawMessage
}

// New creates a pending record for the given validated parameters.
func New(params Params) *Record {
	return &Record{
		ID:          uuid.NewString(),
		Schema:      SchemaVersion,
		Status:      types.JobStatusPending,
		Params:      params,
		Priority:    params.Priority,
		SubmittedAt: time.Now().UTC(),
	}
}

// knownFields lists every key owned by this schema version. Anything else
// found on read belongs to a newer writer and is carried through untouched.
var knownFields = map[string]struct{}{
	"id": {}, "schema": {}, "status": {}, "params": {}, "progress": {},
	"submitted_at": {}, "started_at": {}, "completed_at": {},
	"replica_id": {}, "lease_expires_at": {}, "artifact_path": {},
	"error_kind": {}, "error_detail": {}, "priority": {},
	"cancel_requested": {}, "retry_count": {},
}

// recordAlias avoids marshalling recursion.
type recordAlias Record

// MarshalJSON emits the record's own fields merged with any preserved
// unknown fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	own, err := json.Marshal((*recordAlias)(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return own, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(own, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, owned := merged[k]; !owned {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the record and stashes unknown fields for
// round-tripping.
func (r *Record) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*recordAlias)(r)); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, ok := knownFields[k]; ok {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}

// Clone returns a deep-enough copy for safe mutation before a CAS write.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Progress != nil {
		p := *r.Progress
		cp.Progress = &p
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.LeaseExpiresAt != nil {
		t := *r.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if r.Params.Seed != nil {
		s := *r.Params.Seed
		cp.Params.Seed = &s
	}
	if len(r.extra) > 0 {
		cp.extra = make(map[string]json.RawMessage, len(r.extra))
		for k, v := range r.extra {
			cp.extra[k] = v
		}
	}
	return &cp
}

// MarkProcessing stamps the fields required by the pending→processing
// transition. The caller persists it through a status-guarded CAS.
func (r *Record) MarkProcessing(replicaID string, lease time.Duration) {
	now := time.Now().UTC()
	expires := now.Add(lease)
	r.Status = types.JobStatusProcessing
	r.ReplicaID = replicaID
	r.StartedAt = &now
	r.LeaseExpiresAt = &expires
	r.Progress = nil
}

// MarkPending rolls the record back to the queueable state, clearing every
// processing-only field. SubmittedAt is preserved so the queue position
// survives the round trip.
func (r *Record) MarkPending() {
	r.Status = types.JobStatusPending
	r.ReplicaID = ""
	r.StartedAt = nil
	r.LeaseExpiresAt = nil
	r.Progress = nil
}

// MarkCompleted stamps the terminal success state.
func (r *Record) MarkCompleted(artifactPath string) {
	now := time.Now().UTC()
	one := 1.0
	r.Status = types.JobStatusCompleted
	r.CompletedAt = &now
	r.ArtifactPath = artifactPath
	r.Progress = &one
	r.ReplicaID = ""
	r.LeaseExpiresAt = nil
	r.CancelRequested = false
}

// MarkFailed stamps the terminal failure state.
func (r *Record) MarkFailed(kind types.ErrorKind, detail string) {
	now := time.Now().UTC()
	r.Status = types.JobStatusFailed
	r.CompletedAt = &now
	r.ErrorKind = kind
	r.ErrorDetail = detail
	r.ReplicaID = ""
	r.LeaseExpiresAt = nil
	r.CancelRequested = false
}

// MarkCancelled stamps the terminal cancelled state.
func (r *Record) MarkCancelled(detail string) {
	now := time.Now().UTC()
	r.Status = types.JobStatusCancelled
	r.CompletedAt = &now
	r.ErrorKind = types.ErrorKindCancelled
	r.ErrorDetail = detail
	r.ReplicaID = ""
	r.LeaseExpiresAt = nil
	r.CancelRequested = false
}

// LeaseExpired reports whether the record's lease has lapsed at the given
// instant. Records without a lease never expire.
func (r *Record) LeaseExpired(now time.Time) bool {
	return r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now)
}
