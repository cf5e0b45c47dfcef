// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vidforge/vidforge/internal/artifact"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/gpu"
	"github.com/vidforge/vidforge/internal/health"
	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/store"
	"github.com/vidforge/vidforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

// stubPool reports a fixed executor count.
type stubPool struct{ n int }

func (p stubPool) Active() int { return p.n }

type apiFixture struct {
	mr     *miniredis.Miniredis
	store  *store.RedisStore
	queue  *queue.RedisQueue
	arts   *artifact.Store
	router *chi.Mux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		ReplicaID:         "replica-test",
		MaxConcurrentJobs: 2,
		GPUCount:          2,
		OutputDir:         t.TempDir(),
	}

	st := store.NewRedisStore(client, zerolog.Nop())
	q := queue.NewRedisQueue(client)
	gpus := gpu.NewRegistry(cfg.GPUCount, zerolog.Nop())
	arts, err := artifact.NewStore(cfg.OutputDir)
	require.NoError(t, err)

	hm := health.NewManager("test")
	hm.RegisterChecker(health.StoreChecker{Store: st})

	srv := New(cfg, st, q, gpus, arts, stubPool{n: 1}, hm, "test")
	return &apiFixture{mr: mr, store: st, queue: q, arts: arts, router: srv.Routes()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func TestSubmitHappyPath(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, "POST", "/api/jobs/submit", map[string]any{
		"prompt": "a cat walks", "num_frames": 84, "seed": 42,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decode[submitResponse](t, rr)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, types.JobStatusPending, resp.Status)
	assert.False(t, resp.EstimatedCompletionTime.IsZero())

	rec, err := f.store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "a cat walks", rec.Params.Prompt)
	require.NotNil(t, rec.Params.Seed)
	assert.Equal(t, int64(42), *rec.Params.Seed)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmitPromptOnlyGetsDefaults(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, "POST", "/api/jobs/submit", map[string]any{"prompt": "a cat walks"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decode[submitResponse](t, rr)
	rec, err := f.store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.DefaultFrames, rec.Params.NumFrames)
	assert.Equal(t, job.DefaultWidth, rec.Params.Width)
	assert.Equal(t, job.DefaultHeight, rec.Params.Height)
	require.NotNil(t, rec.Params.Seed)
}

func TestSubmitRejectsExplicitZeroFrames(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, "POST", "/api/jobs/submit", map[string]any{
		"prompt": "x", "num_frames": 0,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

	resp := decode[errorBody](t, rr)
	assert.Equal(t, types.ErrorKindValidation, resp.ErrorKind)
	assert.Contains(t, fmt.Sprint(resp.Violations), "num_frames")
}

func TestSubmitValidationCitesEveryViolation(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, "POST", "/api/jobs/submit", map[string]any{
		"prompt": "", "width": 500,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	resp := decode[errorBody](t, rr)
	assert.Equal(t, types.ErrorKindValidation, resp.ErrorKind)
	assert.Contains(t, fmt.Sprint(resp.Violations), "prompt")
	assert.Contains(t, fmt.Sprint(resp.Violations), "width")

	// Nothing was created.
	_, total, err := f.store.List(context.Background(), store.ListFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, "POST", "/api/jobs/submit", map[string]any{
		"prompt": "x", "frames": 10,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitStoreUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.mr.Close()

	rr := f.do(t, "POST", "/api/jobs/submit", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decode[errorBody](t, rr)
	assert.Equal(t, types.ErrorKindStoreUnavailable, resp.ErrorKind)
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, "GET", "/api/jobs/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	created := decode[submitResponse](t, f.do(t, "POST", "/api/jobs/submit", map[string]any{"prompt": "x"}))

	rr = f.do(t, "GET", "/api/jobs/"+created.JobID+"/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rec := decode[job.Record](t, rr)
	assert.Equal(t, created.JobID, rec.ID)
	assert.Equal(t, types.JobStatusPending, rec.Status)
	assert.False(t, rec.SubmittedAt.IsZero())
}

func TestListPaginationAndFilter(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 5; i++ {
		rr := f.do(t, "POST", "/api/jobs/submit", map[string]any{"prompt": fmt.Sprintf("job %d", i)})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := f.do(t, "GET", "/api/jobs/list?page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[listResponse](t, rr)
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, 3, resp.TotalPages)

	rr = f.do(t, "GET", "/api/jobs/list?status_filter=completed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode[listResponse](t, rr)
	assert.Empty(t, resp.Jobs)
	assert.Zero(t, resp.Total)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/jobs/list?page_size=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/jobs/list?page_size=101", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/jobs/list?page=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/jobs/list?status_filter=bogus", nil).Code)
}

func TestCancelPendingJob(t *testing.T) {
	f := newAPIFixture(t)
	created := decode[submitResponse](t, f.do(t, "POST", "/api/jobs/submit", map[string]any{"prompt": "x"}))

	rr := f.do(t, "DELETE", "/api/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err := f.store.Get(context.Background(), created.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, rec.Status)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "cancelled job must leave the queue")

	// A second cancel hits a terminal job.
	rr = f.do(t, "DELETE", "/api/jobs/"+created.JobID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCancelUnknownJob(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/api/jobs/nope", nil).Code)
}

func TestDownload(t *testing.T) {
	f := newAPIFixture(t)
	created := decode[submitResponse](t, f.do(t, "POST", "/api/jobs/submit", map[string]any{"prompt": "x"}))

	// Not completed yet.
	assert.Equal(t, http.StatusConflict, f.do(t, "GET", "/api/jobs/"+created.JobID+"/download", nil).Code)

	// Complete the job with a published artifact.
	scratch := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(scratch, []byte("mp4-payload"), 0o600))
	path, err := f.arts.Publish(created.JobID, scratch)
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), created.JobID)
	require.NoError(t, err)
	processing := rec.Clone()
	processing.MarkProcessing("replica-test", time.Minute)
	require.NoError(t, f.store.Patch(context.Background(), rec.ID, types.JobStatusPending, processing))
	done := processing.Clone()
	done.MarkCompleted(path)
	require.NoError(t, f.store.Patch(context.Background(), rec.ID, types.JobStatusProcessing, done))

	rr := f.do(t, "GET", "/api/jobs/"+created.JobID+"/download", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), created.JobID+".mp4")
	assert.Equal(t, "mp4-payload", rr.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/jobs/nope/download", nil).Code)
}

func TestSystemStatus(t *testing.T) {
	f := newAPIFixture(t)
	_ = decode[submitResponse](t, f.do(t, "POST", "/api/jobs/submit", map[string]any{"prompt": "x"}))

	rr := f.do(t, "GET", "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[systemStatusResponse](t, rr)
	assert.Equal(t, 1, resp.ActiveJobs)
	assert.Equal(t, 1, resp.QueueLength)
	assert.Equal(t, 2, resp.AvailableGPUs)
	assert.Equal(t, 2, resp.TotalGPUs)
	assert.Len(t, resp.GPUDetails, 2)
	assert.Positive(t, resp.SystemLoad.Goroutines)
}

func TestRootDescriptor(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, "GET", "/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "vidforge", body["service"])
	assert.NotEmpty(t, body["endpoints"])
}

func TestHealthRoute(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health", nil).Code)

	f.mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, "GET", "/health", nil).Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "vidforge")
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(headerRequestID, "req-123")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get(headerRequestID))

	rr = f.do(t, "GET", "/", nil)
	assert.NotEmpty(t, rr.Header().Get(headerRequestID), "a missing id gets generated")
}
