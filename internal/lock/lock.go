// Package lock provides the distributed mutual exclusion primitive guarding
// per-worker queue-admission decisions across scheduler nodes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "funtask:lock:"
	retryInterval = 10 * time.Millisecond
)

// ErrTimeout is returned when a bounded Lock cannot acquire in time.
var ErrTimeout = errors.New("lock acquisition timed out")

// releaseScript deletes the lock only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a token-fenced SET NX lock. The TTL bounds how long a crashed
// holder can wedge a worker's admission path.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// TryLock attempts a single acquisition, reporting false on contention. The
// returned release func is safe to call on every exit path; releasing a lock
// that already expired is a no-op.
func (l *Redis) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	key := keyPrefix + name
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// Lock blocks until the lock is acquired or timeout elapses; timeout <= 0
// waits without bound.
func (l *Redis) Lock(ctx context.Context, name string, timeout time.Duration) (func(context.Context) error, error) {
	start := time.Now()
	for {
		release, ok, err := l.TryLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		if timeout > 0 && time.Since(start) >= timeout {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}
