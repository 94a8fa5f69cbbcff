package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cachehouse/wbcache/codec"
	"github.com/cachehouse/wbcache/collection"
	"github.com/cachehouse/wbcache/config"
	"github.com/cachehouse/wbcache/index"
	"github.com/cachehouse/wbcache/keyspace"
	"github.com/cachehouse/wbcache/lease"
	"github.com/cachehouse/wbcache/origin"
	"github.com/cachehouse/wbcache/schema"
	"github.com/cachehouse/wbcache/scheduler"
)

func setup(t testing.TB) (*redis.Client, *origin.FakeStore, *collection.Registry, *index.Index, *lease.Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := origin.NewFakeStore()
	idx := index.New(client)
	leases := lease.NewManager(client, lease.WithTTL(time.Second))

	deps := collection.Deps{Cache: client, Origin: store, Leases: leases, Index: idx}
	reg := collection.NewRegistry(deps)

	d, err := schema.NewBuilder("tags", "uid", codec.Numeric[int64]()).
		Scalar("nickname", codec.Raw()).
		Build()
	require.NoError(t, err)
	require.NoError(t, reg.Register(d))

	return client, store, reg, idx, leases
}

func TestFlushUnderContentionYieldsToLeaseHolder(t *testing.T) {
	client, store, reg, idx, leases := setup(t)
	store.Seed("tags", "1", bson.M{"uid": int64(1), "nickname": "old"})

	ctx := context.Background()
	h, err := reg.Bind("tags", int64(1))
	require.NoError(t, err)
	require.NoError(t, h.SetScalar(ctx, "nickname", "new"))

	key := keyspace.DocumentKey("tags", "1")
	dirty, err := idx.IsDirty(ctx, key)
	require.NoError(t, err)
	require.True(t, dirty)

	holderID, ok, err := leases.TryAcquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer leases.TryRelease(ctx, key, holderID)

	cfg := config.New(config.WithLeaseTTL(time.Second))
	s := scheduler.New(cfg, client, reg, leases, idx)

	ok, err = s.FlushKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "flush must back off while another holder owns the lease")

	stillDirty, err := idx.IsDirty(ctx, key)
	require.NoError(t, err)
	assert.True(t, stillDirty, "a contended flush must not clear the dirty mark")
}

func TestFlushWritesBackAndEvictsWhenUncontended(t *testing.T) {
	client, store, reg, idx, leases := setup(t)
	store.Seed("tags", "2", bson.M{"uid": int64(2), "nickname": "old"})

	ctx := context.Background()
	h, err := reg.Bind("tags", int64(2))
	require.NoError(t, err)
	require.NoError(t, h.SetScalar(ctx, "nickname", "new"))

	key := keyspace.DocumentKey("tags", "2")
	cfg := config.New(config.WithLeaseTTL(time.Second))
	s := scheduler.New(cfg, client, reg, leases, idx)

	ok, err := s.FlushKey(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	doc, found := store.Get("tags", "2")
	require.True(t, found)
	assert.Equal(t, "new", doc["nickname"])

	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists)

	dirty, err := idx.IsDirty(ctx, key)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCalendarPassFlushesCleanCachedKeysTooViaLRUQueue(t *testing.T) {
	client, store, reg, idx, leases := setup(t)
	store.Seed("tags", "3", bson.M{"uid": int64(3), "nickname": "stays-clean"})

	ctx := context.Background()
	h, err := reg.Bind("tags", int64(3))
	require.NoError(t, err)

	// A plain read never marks the key dirty, only resident and
	// LRU-tracked — the calendar pass must still flush and evict it,
	// since it flushes a whole collection, not just its dirty keys.
	_, err = h.GetScalar(ctx, "nickname")
	require.NoError(t, err)

	key := keyspace.DocumentKey("tags", "3")
	dirty, err := idx.IsDirty(ctx, key)
	require.NoError(t, err)
	require.False(t, dirty)

	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, exists)

	// The read's loader announced a lease on the key; drop it as if its
	// TTL had run out, or the flush would back off from it.
	require.NoError(t, client.Del(ctx, keyspace.LeaseKey(key)).Err())

	cfg := config.New(config.WithLeaseTTL(time.Second), config.WithSchedule(map[string][]string{"00:00": nil}))
	s := scheduler.New(cfg, client, reg, leases, idx)

	require.NoError(t, s.RunCalendarPass(ctx, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))

	exists, err = client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists, "calendar pass must evict clean keys from a scheduled collection")

	card, err := idx.Card(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, card)
}
