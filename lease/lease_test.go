package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachehouse/wbcache/lease"
)

func setupTestRedis(t testing.TB) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAnnounceWritesLease(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	m := lease.NewManager(client, lease.WithTTL(time.Second))

	require.NoError(t, m.Announce(ctx, "tags:1"))

	id, err := m.Get(ctx, "tags:1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestTryAcquireContention(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	m := lease.NewManager(client)

	id1, ok, err := m.TryAcquire(ctx, "tags:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, id1)

	_, ok, err = m.TryAcquire(ctx, "tags:1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire on a held lease must fail")
}

func TestTryReleaseOnlyWithMatchingIdentifier(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	m := lease.NewManager(client)

	id, ok, err := m.TryAcquire(ctx, "tags:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := m.TryRelease(ctx, "tags:1", "wrong-id")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = m.TryRelease(ctx, "tags:1", id)
	require.NoError(t, err)
	assert.True(t, released)

	remaining, err := m.Get(ctx, "tags:1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestGetReturnsEmptyWhenUnleased(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	m := lease.NewManager(client)

	id, err := m.Get(ctx, "tags:1")
	require.NoError(t, err)
	assert.Empty(t, id)
}
