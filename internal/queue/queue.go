// SPDX-License-Identifier: MIT

// Package queue implements the cross-replica submission queue as a Redis
// sorted set. The ordering key is (priority desc, submitted_at asc); the
// atomic claim primitive is ZPOPMIN, so two replicas racing for the head
// can never both win.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingKey = "vidforge:queue:pending"

// priorityWeight spreads priority classes far enough apart in score space
// that no submission timestamp can cross between them. Timestamps are unix
// milliseconds (~1.7e12); priorities span [-10,10].
const priorityWeight = 1e13

// ErrEmpty is returned by TryClaim when no job is pending.
var ErrEmpty = errors.New("queue empty")

// Queue is the submission-queue contract shared by the API, dispatcher and
// reconciler.
type Queue interface {
	// Enqueue adds id under its ordering key. Re-enqueueing a present id
	// is a no-op and keeps the original position.
	Enqueue(ctx context.Context, id string, priority int, submittedAt time.Time) error

	// TryClaim atomically removes and returns the head id (highest
	// priority, earliest submission). Returns ErrEmpty when nothing is
	// pending.
	TryClaim(ctx context.Context) (string, error)

	// Requeue restores an element, preserving its original ordering key.
	Requeue(ctx context.Context, id string, priority int, submittedAt time.Time) error

	// Remove deletes id from the queue. Best-effort; missing ids are fine.
	Remove(ctx context.Context, id string) error

	// Len returns the number of pending ids.
	Len(ctx context.Context) (int, error)
}

// RedisQueue is the Redis sorted-set implementation of Queue.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue wraps an established Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// score folds (priority, submitted_at) into a single float64 that orders
// ascending by (-priority, submitted_at). float64 carries 53 mantissa bits,
// comfortably above the ~2^57 magnitude these scores reach.
func score(priority int, submittedAt time.Time) float64 {
	return float64(submittedAt.UnixMilli()) - float64(priority)*priorityWeight
}

// Enqueue adds id under its ordering key; idempotent via ZADD NX.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, priority int, submittedAt time.Time) error {
	err := q.client.ZAddNX(ctx, pendingKey, redis.Z{
		Score:  score(priority, submittedAt),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

// TryClaim atomically pops the head element.
func (q *RedisQueue) TryClaim(ctx context.Context) (string, error) {
	zs, err := q.client.ZPopMin(ctx, pendingKey, 1).Result()
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	if len(zs) == 0 {
		return "", ErrEmpty
	}
	id, ok := zs[0].Member.(string)
	if !ok {
		return "", fmt.Errorf("claim: unexpected member type %T", zs[0].Member)
	}
	return id, nil
}

// Requeue restores an element at its original position. Unlike Enqueue it
// overwrites an existing score, so a stale duplicate can never pin a wrong
// ordering key.
func (q *RedisQueue) Requeue(ctx context.Context, id string, priority int, submittedAt time.Time) error {
	err := q.client.ZAdd(ctx, pendingKey, redis.Z{
		Score:  score(priority, submittedAt),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}

// Remove deletes id from the queue.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	if err := q.client.ZRem(ctx, pendingKey, id).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Len returns the number of pending ids.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}
