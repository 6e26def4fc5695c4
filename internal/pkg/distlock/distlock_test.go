package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	f := NewFactory(client, "test")

	a := f.NewLock("retry:email:a@example.com", time.Minute)
	b := f.NewLock("retry:email:a@example.com", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// b releasing must not free a's lock
	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresWithTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 5*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	b := NewRedisLock(client, "k", 5*time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, a.Extend(ctx, time.Minute), "a no longer owns the lock")
	assert.NoError(t, b.Extend(ctx, time.Minute))
}

func TestLocalFactory(t *testing.T) {
	ctx := context.Background()
	f := NewLocalFactory()
	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }

	a := f.NewLock("job", time.Second)
	b := f.NewLock("job", time.Second)

	ok, _ := a.Acquire(ctx)
	assert.True(t, ok)
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = b.Acquire(ctx)
	assert.True(t, ok, "expired hold is reclaimable")

	require.NoError(t, a.Release(ctx))
	ok, _ = a.Acquire(ctx)
	assert.False(t, ok, "a's stale release must not drop b's hold")
}

func TestNewFactory_NilClientFallsBackToLocal(t *testing.T) {
	_, ok := NewFactory(nil, "x").(*LocalFactory)
	assert.True(t, ok)
}
