// SPDX-License-Identifier: MIT

package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/vidforge/internal/types"
)

func validParams() Params {
	p := Params{Prompt: "a cat walks"}
	p.ApplyDefaults()
	return p
}

func TestNewRecord(t *testing.T) {
	p := validParams()
	p.Priority = 5
	rec := New(p)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, SchemaVersion, rec.Schema)
	assert.Equal(t, types.JobStatusPending, rec.Status)
	assert.Equal(t, 5, rec.Priority)
	assert.False(t, rec.SubmittedAt.IsZero())
	assert.Empty(t, rec.ReplicaID)
	assert.Nil(t, rec.StartedAt)
}

func TestRecordTransitionStamps(t *testing.T) {
	rec := New(validParams())

	rec.MarkProcessing("replica-a", time.Minute)
	assert.Equal(t, types.JobStatusProcessing, rec.Status)
	assert.Equal(t, "replica-a", rec.ReplicaID)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.LeaseExpiresAt)
	assert.True(t, rec.LeaseExpiresAt.After(*rec.StartedAt))

	rec.MarkCompleted("/outputs/x.mp4")
	assert.Equal(t, types.JobStatusCompleted, rec.Status)
	assert.Equal(t, "/outputs/x.mp4", rec.ArtifactPath)
	assert.Empty(t, rec.ReplicaID)
	assert.Nil(t, rec.LeaseExpiresAt)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.Progress)
	assert.Equal(t, 1.0, *rec.Progress)
}

func TestMarkPendingClearsProcessingFields(t *testing.T) {
	rec := New(validParams())
	submitted := rec.SubmittedAt

	rec.MarkProcessing("replica-a", time.Minute)
	rec.MarkPending()

	assert.Equal(t, types.JobStatusPending, rec.Status)
	assert.Empty(t, rec.ReplicaID)
	assert.Nil(t, rec.StartedAt)
	assert.Nil(t, rec.LeaseExpiresAt)
	assert.Nil(t, rec.Progress)
	assert.Equal(t, submitted, rec.SubmittedAt, "queue position must survive the rollback")
}

func TestMarkFailed(t *testing.T) {
	rec := New(validParams())
	rec.MarkProcessing("replica-a", time.Minute)
	rec.CancelRequested = true

	rec.MarkFailed(types.ErrorKindTimeout, "exceeded wall time")
	assert.Equal(t, types.JobStatusFailed, rec.Status)
	assert.Equal(t, types.ErrorKindTimeout, rec.ErrorKind)
	assert.False(t, rec.CancelRequested, "terminal transition clears the cancel flag")
	assert.Nil(t, rec.LeaseExpiresAt)
}

func TestLeaseExpired(t *testing.T) {
	rec := New(validParams())
	assert.False(t, rec.LeaseExpired(time.Now()), "pending records carry no lease")

	rec.MarkProcessing("replica-a", time.Minute)
	assert.False(t, rec.LeaseExpired(time.Now()))
	assert.True(t, rec.LeaseExpired(time.Now().Add(2*time.Minute)))
}

func TestRecordPreservesUnknownFields(t *testing.T) {
	// A record written by a newer schema version carries fields this
	// version does not know about; they must survive a read-modify-write.
	raw := []byte(`{
		"id": "abc",
		"schema": 2,
		"status": "pending",
		"params": {"prompt": "hi", "num_frames": 84, "num_inference_steps": 50,
			"guidance_scale": 7.5, "fps": 30, "width": 848, "height": 480, "priority": 0},
		"submitted_at": "2026-01-02T03:04:05Z",
		"priority": 0,
		"gpu_vendor_hint": "amd",
		"checkpoint_blob": {"step": 12}
	}`)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))

	out, err := json.Marshal(&rec)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Contains(t, m, "gpu_vendor_hint")
	assert.JSONEq(t, `{"step": 12}`, string(m["checkpoint_blob"]))
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := New(validParams())
	rec.MarkProcessing("replica-a", time.Minute)
	progress := 0.25
	rec.Progress = &progress

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.Status, back.Status)
	assert.Equal(t, rec.ReplicaID, back.ReplicaID)
	require.NotNil(t, back.Progress)
	assert.Equal(t, 0.25, *back.Progress)
}

func TestClone(t *testing.T) {
	rec := New(validParams())
	rec.MarkProcessing("replica-a", time.Minute)

	cp := rec.Clone()
	cp.MarkCompleted("/outputs/x.mp4")

	assert.Equal(t, types.JobStatusProcessing, rec.Status, "clone mutation must not leak")
	assert.NotNil(t, rec.LeaseExpiresAt)
}
