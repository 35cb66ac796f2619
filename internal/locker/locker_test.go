package locker

import (
	"context"
	"testing"
	"time"

	"github.com/0xHoneyJar/freeside/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockIsExclusive(t *testing.T) {
	l := New(kv.NewMemoryStore())
	ctx := context.Background()

	token, acquired, err := l.TryLock(ctx, "lock:a", DefaultTTL)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token)

	_, acquired, err = l.TryLock(ctx, "lock:a", DefaultTTL)
	require.NoError(t, err)
	assert.False(t, acquired)

	_, acquired, err = l.TryLock(ctx, "lock:b", DefaultTTL)
	require.NoError(t, err)
	assert.True(t, acquired, "different keys are independent")

	require.NoError(t, l.Release(ctx, "lock:a", token))
	_, acquired, err = l.TryLock(ctx, "lock:a", DefaultTTL)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseWithStaleTokenIsNoOp(t *testing.T) {
	l := New(kv.NewMemoryStore())
	ctx := context.Background()

	_, acquired, err := l.TryLock(ctx, "lock:a", DefaultTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, l.Release(ctx, "lock:a", "not-the-token"))

	_, acquired, err = l.TryLock(ctx, "lock:a", DefaultTTL)
	require.NoError(t, err)
	assert.False(t, acquired, "stale release did not free the lock")
}

func TestLockExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := kv.NewMemoryStoreAt(func() time.Time { return now })
	l := New(store)
	ctx := context.Background()

	_, acquired, err := l.TryLock(ctx, "lock:a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	now = now.Add(31 * time.Second)
	_, acquired, err = l.TryLock(ctx, "lock:a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "expired holder no longer blocks")
}

func TestTryLockValidatesInput(t *testing.T) {
	l := New(kv.NewMemoryStore())
	ctx := context.Background()

	_, _, err := l.TryLock(ctx, "", DefaultTTL)
	require.Error(t, err)

	_, _, err = l.TryLock(ctx, "lock:a", 0)
	require.Error(t, err)
}
