package coordination

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker for tests and single-node dev mode.
// The clock is injectable so tests can expire locks without sleeping.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLease
	Now   func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryLocker returns an empty MemoryLocker on the wall clock.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryLease),
		Now:   time.Now,
	}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()
	if lease, held := l.locks[key]; held && lease.expiresAt.After(now) && lease.owner != owner {
		return false, nil
	}
	l.locks[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, held := l.locks[key]; held && lease.owner == owner {
		delete(l.locks, key)
	}
	return nil
}
