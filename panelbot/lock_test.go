package panelbot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockMutualExclusion(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks(time.Minute, nil)
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, locks.IsLocked("user1"))
	assert.False(t, locks.IsLocked("user2"))

	acquired := make(chan struct{})
	go func() {
		second, acquireErr := locks.Acquire(ctx, "user1")
		assert.NoError(t, acquireErr)
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the lock is held")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should proceed after release")
	}
}

func TestLockDifferentUsersIndependent(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks(time.Minute, nil)
	ctx := context.Background()

	release1, err := locks.Acquire(ctx, "user1")
	require.NoError(t, err)
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, acquireErr := locks.Acquire(ctx, "user2")
		assert.NoError(t, acquireErr)
		release2()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated user's acquire should not block")
	}
}

func TestLockStaleForceClear(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks(50*time.Millisecond, nil)
	ctx := context.Background()

	// acquire and never release: the next acquirer should force-clear
	// the stale latch after the timeout and proceed
	_, err := locks.Acquire(ctx, "user1")
	require.NoError(t, err)

	start := time.Now()
	release, err := locks.Acquire(ctx, "user1")
	require.NoError(t, err)
	defer release()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, locks.IsLocked("user1"))
}

func TestLockReleaseIdempotent(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks(time.Minute, nil)

	release, err := locks.Acquire(context.Background(), "user1")
	require.NoError(t, err)
	release()
	assert.False(t, locks.IsLocked("user1"))

	// a second call must not clear a latch someone else installed since
	release2, err := locks.Acquire(context.Background(), "user1")
	require.NoError(t, err)
	defer release2()
	release()
	assert.True(t, locks.IsLocked("user1"))
}

func TestLockAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks(time.Minute, nil)

	release, err := locks.Acquire(context.Background(), "user1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "user1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockIsLockedSelfHeals(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks(10*time.Millisecond, nil)

	_, err := locks.Acquire(context.Background(), "user1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// a stale latch no longer counts as held
	assert.False(t, locks.IsLocked("user1"))
}

func TestLockClear(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks(time.Minute, nil)
	_, err := locks.Acquire(context.Background(), "user1")
	require.NoError(t, err)

	locks.Clear()
	assert.False(t, locks.IsLocked("user1"))
}
