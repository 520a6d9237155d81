package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "funtask:queue:"
	// popSlice keeps each blocking pop short so timeout, context and break
	// flags are observed between slices.
	popSlice = 100 * time.Millisecond
)

// Redis is a list-backed Queue provider. Elements are JSON; the list head is
// the queue front.
type Redis[T any] struct {
	client *redis.Client
	key    string
}

func NewRedis[T any](client *redis.Client, name string) *Redis[T] {
	return &Redis[T]{client: client, key: redisKeyPrefix + name}
}

// NewRedisFactory returns a Factory opening list queues on the given client.
func NewRedisFactory[T any](client *redis.Client) Factory[T] {
	return func(name string) Queue[T] {
		return NewRedis[T](client, name)
	}
}

func (q *Redis[T]) Put(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal element: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", q.key, err)
	}
	return nil
}

func (q *Redis[T]) Get(ctx context.Context, timeout time.Duration) (T, bool, error) {
	return q.WatchAndGet(ctx, NeverBreak{}, timeout)
}

func (q *Redis[T]) GetFront(ctx context.Context) (T, error) {
	var zero T
	data, err := q.client.LIndex(ctx, q.key, 0).Bytes()
	if err == redis.Nil {
		return zero, ErrEmpty
	}
	if err != nil {
		return zero, fmt.Errorf("failed to peek %s: %w", q.key, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("failed to unmarshal element: %w", err)
	}
	return v, nil
}

func (q *Redis[T]) WatchAndGet(ctx context.Context, br BreakRef, timeout time.Duration) (T, bool, error) {
	var zero T
	start := time.Now()
	for {
		slice := popSlice
		if timeout > 0 {
			remaining := timeout - time.Since(start)
			if remaining <= 0 {
				return zero, false, nil
			}
			if remaining < slice {
				slice = remaining
			}
		}
		res, err := q.client.BLPop(ctx, slice, q.key).Result()
		if err == nil && len(res) == 2 {
			var v T
			if err := json.Unmarshal([]byte(res[1]), &v); err != nil {
				return zero, false, fmt.Errorf("failed to unmarshal element: %w", err)
			}
			return v, true, nil
		}
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return zero, false, ctx.Err()
			}
			return zero, false, fmt.Errorf("failed to pop from %s: %w", q.key, err)
		}
		if br.BreakNow() {
			return zero, false, nil
		}
	}
}

func (q *Redis[T]) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", q.key, err)
	}
	return n, nil
}

func (q *Redis[T]) Empty(ctx context.Context) (bool, error) {
	n, err := q.Len(ctx)
	return n == 0, err
}
