// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/types"
)

const (
	jobKeyPrefix = "vidforge:job:"
	indexKey     = "vidforge:jobs"

	// casAttempts bounds the optimistic-transaction retry loop. Contention
	// on a single job id is rare (one owner plus the reconciler), so a
	// handful of retries is plenty.
	casAttempts = 5
)

// errSkipWrite aborts an update without touching the record. Used for
// no-op mutations like a non-increasing progress report.
var errSkipWrite = errors.New("skip write")

// createScript inserts the record and its index entry in one step, so a
// failure between the two writes can never leave a record invisible to the
// index-driven reads. The record body passes through as an opaque string.
var createScript = redis.NewScript(`
if redis.call("setnx", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("zadd", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// RedisStore is the Redis-backed implementation of Store.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore wraps an established Redis client.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

// NewRedisClient dials Redis from a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// unavailable wraps transport-level failures so callers can surface 503.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Create persists a new record; first write wins on id.
func (s *RedisStore) Create(ctx context.Context, rec *job.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.ID, err)
	}

	score := strconv.FormatInt(rec.SubmittedAt.UnixMilli(), 10)
	created, err := createScript.Run(ctx, s.client,
		[]string{jobKey(rec.ID), indexKey}, data, score, rec.ID).Int()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return fmt.Errorf("create job %s: %w", rec.ID, ErrAlreadyExists)
	}
	return nil
}

// Get returns the current record for id.
func (s *RedisStore) Get(ctx context.Context, id string) (*job.Record, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var rec job.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &rec, nil
}

// update runs fn against the current record inside a WATCH transaction and
// writes the mutated record back. The transaction aborts and retries when a
// concurrent writer touches the key first.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*job.Record) error) error {
	key := jobKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("update job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return unavailable(err)
		}

		var rec job.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}

		if err := fn(&rec); err != nil {
			return err
		}

		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < casAttempts; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: %w", id, ErrConflict)
}

// Patch replaces the record with rec iff the stored status equals expected.
func (s *RedisStore) Patch(ctx context.Context, id string, expected types.JobStatus, rec *job.Record) error {
	replacement := rec.Clone()
	return s.update(ctx, id, func(cur *job.Record) error {
		if cur.Status != expected {
			return fmt.Errorf("patch job %s: status is %s, expected %s: %w",
				id, cur.Status, expected, ErrConflict)
		}
		*cur = *replacement
		return nil
	})
}

// SetProgress raises the stored progress fraction of a processing job.
// Lower values are dropped, keeping progress monotone within a span.
func (s *RedisStore) SetProgress(ctx context.Context, id string, fraction float64) error {
	return s.update(ctx, id, func(cur *job.Record) error {
		if cur.Status != types.JobStatusProcessing {
			return fmt.Errorf("progress on job %s: status is %s: %w", id, cur.Status, ErrConflict)
		}
		if cur.Progress != nil && *cur.Progress >= fraction {
			return errSkipWrite
		}
		cur.Progress = &fraction
		return nil
	})
}

// RenewLease pushes lease_expires_at forward for the owning replica.
func (s *RedisStore) RenewLease(ctx context.Context, id, replicaID string, until time.Time) error {
	return s.update(ctx, id, func(cur *job.Record) error {
		if cur.Status != types.JobStatusProcessing || cur.ReplicaID != replicaID {
			return fmt.Errorf("renew lease on job %s: %w", id, ErrConflict)
		}
		u := until.UTC()
		cur.LeaseExpiresAt = &u
		return nil
	})
}

// RequestCancel sets cancel_requested on a non-terminal job and returns its
// status at the time of the write.
func (s *RedisStore) RequestCancel(ctx context.Context, id string) (types.JobStatus, error) {
	var observed types.JobStatus
	err := s.update(ctx, id, func(cur *job.Record) error {
		observed = cur.Status
		if cur.Status.IsTerminal() {
			return fmt.Errorf("cancel job %s: already %s: %w", id, cur.Status, ErrConflict)
		}
		if cur.CancelRequested {
			return errSkipWrite
		}
		cur.CancelRequested = true
		return nil
	})
	return observed, err
}

type indexEntry struct {
	id    string
	score float64
}

// sortedIndex returns the full job index ordered submitted_at desc, id asc.
func (s *RedisStore) sortedIndex(ctx context.Context) ([]indexEntry, error) {
	zs, err := s.client.ZRangeWithScores(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	entries := make([]indexEntry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, indexEntry{id: id, score: z.Score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].id < entries[j].id
	})
	return entries, nil
}

// fetch loads the records for the given ids, silently skipping ids whose
// record disappeared between the index read and the fetch.
func (s *RedisStore) fetch(ctx context.Context, ids []string) ([]*job.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	recs := make([]*job.Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // expired or deleted since the index read
		}
		var rec job.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Warn().Str("job_id", ids[i]).Err(err).Msg("skipping undecodable job record")
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// List returns one page ordered by submitted_at desc, id asc, plus the
// filtered total.
func (s *RedisStore) List(ctx context.Context, filter ListFilter, page, pageSize int) ([]*job.Record, int, error) {
	entries, err := s.sortedIndex(ctx)
	if err != nil {
		return nil, 0, err
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	recs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	if filter.Status != "" {
		filtered := recs[:0]
		for _, r := range recs {
			if r.Status == filter.Status {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}

	total := len(recs)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return recs[start:end], total, nil
}

// All returns every record with the given status.
func (s *RedisStore) All(ctx context.Context, status types.JobStatus) ([]*job.Record, error) {
	entries, err := s.sortedIndex(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	recs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, r := range recs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// DeleteTerminalOlderThan removes terminal records whose completion predates
// cutoff. The sweep is idempotent; concurrent reconciler runs are safe.
func (s *RedisStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := s.sortedIndex(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		rec, err := s.Get(ctx, e.id)
		if errors.Is(err, ErrNotFound) {
			// Orphaned index entry; drop it.
			_ = s.client.ZRem(ctx, indexKey, e.id).Err()
			continue
		}
		if err != nil {
			return removed, err
		}
		if !rec.Status.IsTerminal() || rec.CompletedAt == nil || !rec.CompletedAt.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(e.id))
		pipe.ZRem(ctx, indexKey, e.id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, unavailable(err)
		}
		removed++
	}
	return removed, nil
}

// Ping verifies store connectivity for health probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
