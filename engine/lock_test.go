package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployops/deployops-framework/pkg/logger"
)

func Test_Locker_Acquire(t *testing.T) {
	t.Parallel()

	locker := NewLocker(logger.Test(t), NewMemoryLockStore())

	lease, err := locker.Acquire(t.Context(), "deploy", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(t.Context()))

	// Released lease can be taken again.
	again, err := locker.Acquire(t.Context(), "deploy", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(t.Context()))
}

func Test_Locker_Acquire_ContestedTimesOut(t *testing.T) {
	t.Parallel()

	store := NewMemoryLockStore()
	locker := NewLocker(logger.Test(t), store)

	held, err := locker.Acquire(t.Context(), "deploy", time.Second, time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(t.Context()) }()

	start := time.Now()
	_, err = locker.Acquire(t.Context(), "deploy", 150*time.Millisecond, time.Minute)
	require.ErrorIs(t, err, ErrLockAcquisitionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func Test_Locker_Acquire_ExpiredLeaseIsStolen(t *testing.T) {
	t.Parallel()

	store := NewMemoryLockStore()
	locker := NewLocker(logger.Test(t), store)

	// A crashed holder never releases; the TTL lets the next run proceed.
	_, err := locker.Acquire(t.Context(), "deploy", time.Second, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	lease, err := locker.Acquire(t.Context(), "deploy", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(t.Context()))
}

func Test_Lease_Release_Idempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryLockStore()
	locker := NewLocker(logger.Test(t), store)

	lease, err := locker.Acquire(t.Context(), "deploy", time.Second, time.Minute)
	require.NoError(t, err)

	require.NoError(t, lease.Release(t.Context()))
	require.NoError(t, lease.Release(t.Context()))
}

func Test_MemoryLockStore_ReleaseWithStaleToken(t *testing.T) {
	t.Parallel()

	store := NewMemoryLockStore()

	first, ok, err := store.TryLock(t.Context(), "deploy", time.Nanosecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(time.Millisecond)

	second, ok, err := store.TryLock(t.Context(), "deploy", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is stolen")
	require.NotEqual(t, first, second)

	// The stale holder's release must not free the new holder's lease.
	require.NoError(t, store.Release(t.Context(), "deploy", first))

	_, ok, err = store.TryLock(t.Context(), "deploy", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(t.Context(), "deploy", second))
}
