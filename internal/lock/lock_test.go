package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/lock"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

func newTestManager(t *testing.T) (*lock.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return lock.NewManager(client, logger.NewNop()), mr
}

func TestAcquireRelease(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	l, err := mgr.Acquire(ctx, "import-job:123", 2*time.Second, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, l)

	locked, err := mgr.IsLocked(ctx, "import-job:123")
	require.NoError(t, err)
	assert.True(t, locked)

	ok, err := mgr.Release(ctx, l)
	require.NoError(t, err)
	assert.True(t, ok)

	locked, err = mgr.IsLocked(ctx, "import-job:123")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Acquire(ctx, "export-job:X", 5*time.Second, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := mgr.Acquire(ctx, "export-job:X", 5*time.Second, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, second)

	_, err = mgr.Release(ctx, first)
	require.NoError(t, err)

	third, err := mgr.Acquire(ctx, "export-job:X", 5*time.Second, 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	l, err := mgr.Acquire(ctx, "k", time.Second, 0, 0)
	require.NoError(t, err)

	forged := &lock.Lock{Key: "k", Token: "not-the-real-token"}
	ok, err := mgr.Release(ctx, forged)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = mgr.Release(ctx, l)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLockReleasesOnError(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	boom := assert.AnError
	err := mgr.WithLock(ctx, "stale-job-cleanup", time.Second, 0, 0, func(*lock.Lock) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	locked, err := mgr.IsLocked(ctx, "stale-job-cleanup")
	require.NoError(t, err)
	assert.False(t, locked)
}
