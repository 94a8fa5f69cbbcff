package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachehouse/wbcache/index"
)

func setupTestRedis(t testing.TB) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTouchMarksDirtyAndBumpsLRU(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	idx := index.New(client)

	require.NoError(t, idx.Touch(ctx, "tags:1", time.Now()))

	dirty, err := idx.IsDirty(ctx, "tags:1")
	require.NoError(t, err)
	assert.True(t, dirty)

	card, err := idx.Card(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
}

func TestBumpOnlyDoesNotMarkDirty(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	idx := index.New(client)

	require.NoError(t, idx.BumpOnly(ctx, "tags:1", time.Now()))

	dirty, err := idx.IsDirty(ctx, "tags:1")
	require.NoError(t, err)
	assert.False(t, dirty)

	card, err := idx.Card(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
}

func TestUnmarkAndRemoveLRU(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	idx := index.New(client)

	require.NoError(t, idx.Touch(ctx, "tags:1", time.Now()))
	require.NoError(t, idx.Unmark(ctx, "tags:1"))
	require.NoError(t, idx.RemoveLRU(ctx, "tags:1"))

	dirty, err := idx.IsDirty(ctx, "tags:1")
	require.NoError(t, err)
	assert.False(t, dirty)

	card, err := idx.Card(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, card)
}

func TestRangeByRankOrdersByAscendingScore(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	idx := index.New(client)

	base := time.Now()
	require.NoError(t, idx.BumpLRU(ctx, "tags:1", base))
	require.NoError(t, idx.BumpLRU(ctx, "tags:2", base.Add(time.Second)))
	require.NoError(t, idx.BumpLRU(ctx, "tags:3", base.Add(2*time.Second)))

	keys, err := idx.RangeByRank(ctx, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"tags:1", "tags:2", "tags:3"}, keys)
}
