package redislock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, 10*time.Second), mr
}

func TestTryRunRunsAndReleases(t *testing.T) {
	locker, mr := newLocker(t)

	ran := false
	acquired, err := locker.TryRun(context.Background(), "sweep", func(context.Context) error {
		ran = true
		assert.True(t, mr.Exists("ledger:lock:sweep"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)
	assert.False(t, mr.Exists("ledger:lock:sweep"))
}

func TestTryRunSkipsWhenHeld(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()

	_, err := locker.TryRun(ctx, "reconcile", func(ctx context.Context) error {
		acquired, err := locker.TryRun(ctx, "reconcile", func(context.Context) error {
			t.Fatal("nested run must not acquire a held lock")
			return nil
		})
		require.NoError(t, err)
		assert.False(t, acquired)
		return nil
	})
	require.NoError(t, err)
}

func TestTryRunPropagatesJobError(t *testing.T) {
	locker, mr := newLocker(t)
	boom := errors.New("boom")

	acquired, err := locker.TryRun(context.Background(), "job", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.True(t, acquired)
	assert.False(t, mr.Exists("ledger:lock:job"))
}

func TestNilLockerAlwaysRuns(t *testing.T) {
	var locker *Locker
	acquired, err := locker.TryRun(context.Background(), "any", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestTryRunExtendsLockWhileJobRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	expiry := 200 * time.Millisecond
	locker := New(client, expiry)
	key := "ledger:lock:long-job"

	acquired, err := locker.TryRun(context.Background(), "long-job", func(ctx context.Context) error {
		// Burn most of the lease without waiting for it in real time.
		mr.FastForward(180 * time.Millisecond)
		require.Less(t, mr.TTL(key), 50*time.Millisecond)

		require.Eventually(t, func() bool {
			return mr.TTL(key) > 100*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond, "lease is renewed while the job runs")

		mr.FastForward(150 * time.Millisecond)
		require.True(t, mr.Exists(key), "a renewed lease outlives the original expiry")

		again, err := locker.TryRun(ctx, "long-job", func(context.Context) error {
			t.Fatal("a second holder must not acquire a renewed lock")
			return nil
		})
		require.NoError(t, err)
		assert.False(t, again)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.False(t, mr.Exists(key))
}
