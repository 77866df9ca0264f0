package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestTryAcquireContested(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token1, err := l.TryAcquire(ctx, "job_assignment:job-1", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token1)

	_, err = l.TryAcquire(ctx, "job_assignment:job-1", 30*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, err := l.TryAcquire(ctx, "job_assignment:job-2", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, "job_assignment:job-2", "wrong-token"))

	_, err = l.TryAcquire(ctx, "job_assignment:job-2", 30*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, l.Release(ctx, "job_assignment:job-2", token))

	_, err = l.TryAcquire(ctx, "job_assignment:job-2", 30*time.Second)
	require.NoError(t, err)
}

func TestTryAcquireExpires(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, "job_assignment:job-3", 1*time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = l.TryAcquire(ctx, "job_assignment:job-3", 30*time.Second)
	require.NoError(t, err)
}
