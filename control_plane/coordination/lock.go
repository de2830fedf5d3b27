// Package coordination provides the distributed primitives shared by the
// runner and the agent monitor: TTL named locks and the liveness monitor.
package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetward/fleetward/control_plane/observability"
)

// Locker is the non-blocking lock-with-TTL primitive. Acquisition failure is
// not an error: it is the signal to skip this cycle's work and let the next
// tick retry. Locks expire after their TTL without explicit release, so a
// crashed holder self-heals.
type Locker interface {
	// TryAcquire attempts to take the named lock. Returns false when the lock
	// is held by another owner and not yet expired.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees the lock if held by owner; a no-op otherwise.
	Release(ctx context.Context, key, owner string) error
}

// Well-known lock keys.
const (
	LockTaskRunner   = "fleetward:lock:task-runner"
	LockAgentMonitor = "fleetward:lock:agent-monitor"
)

// RedisLocker implements Locker with SET NX EX and an owner-checked delete.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects and verifies the redis backend.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisLocker{client: client}, nil
}

// NewRedisLockerFromClient wraps an existing client (shared with the bus).
func NewRedisLockerFromClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	return l.client.SetNX(ctx, key, owner, ttl).Result()
}

// releaseScript deletes the key only while it still belongs to the caller, so
// an expired-and-reacquired lock is never released out from under its new
// owner.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	_, err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Result()
	return err
}
