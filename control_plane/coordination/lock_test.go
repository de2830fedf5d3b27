package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "k", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, "k", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be reacquired by another owner")

	require.NoError(t, l.Release(ctx, "k", "owner-a"))
	ok, err = l.TryAcquire(ctx, "k", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockerTTLExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.Now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.TryAcquire(ctx, "k", "owner-a", 30*time.Second)
	require.True(t, ok)

	// Still inside the TTL.
	now = now.Add(20 * time.Second)
	ok, _ = l.TryAcquire(ctx, "k", "owner-b", 30*time.Second)
	assert.False(t, ok)

	// Past the TTL: expires without any release call.
	now = now.Add(15 * time.Second)
	ok, _ = l.TryAcquire(ctx, "k", "owner-b", 30*time.Second)
	assert.True(t, ok)
}

func TestMemoryLockerReleaseWrongOwnerIsNoop(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	ok, _ := l.TryAcquire(ctx, "k", "owner-a", time.Minute)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "k", "owner-b"))
	ok, _ = l.TryAcquire(ctx, "k", "owner-c", time.Minute)
	assert.False(t, ok, "lock must survive a release by a non-owner")
}
