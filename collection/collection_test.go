package collection_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cachehouse/wbcache/codec"
	"github.com/cachehouse/wbcache/collection"
	"github.com/cachehouse/wbcache/index"
	"github.com/cachehouse/wbcache/lease"
	"github.com/cachehouse/wbcache/origin"
	"github.com/cachehouse/wbcache/schema"
)

func setup(t testing.TB) (*redis.Client, *origin.FakeStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, origin.NewFakeStore()
}

func tagsDescriptor(t testing.TB) *schema.Descriptor {
	d, err := schema.NewBuilder("tags", "uid", codec.Numeric[int64]()).
		Set("file_ids", codec.Numeric[int64]()).
		List("history", codec.Raw()).
		Zset("scores", "item", codec.Numeric[int64](), "score", codec.Numeric[int64]()).
		Build()
	require.NoError(t, err)
	return d
}

func newRegistry(t testing.TB, client *redis.Client, store *origin.FakeStore) *collection.Registry {
	deps := collection.Deps{
		Cache:  client,
		Origin: store,
		Leases: lease.NewManager(client),
		Index:  index.New(client),
	}
	r := collection.NewRegistry(deps)
	require.NoError(t, r.Register(tagsDescriptor(t)))
	return r
}

func TestSetFieldRoundTripOnMiss(t *testing.T) {
	client, store := setup(t)
	store.Seed("tags", "1", bson.M{"uid": int64(1), "file_ids": []interface{}{int64(10), int64(20)}})

	r := newRegistry(t, client, store)
	h, err := r.Bind("tags", int64(1))
	require.NoError(t, err)

	ctx := context.Background()
	ids, err := h.Range(ctx, "history", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ok, err := h.IsMember(ctx, "file_ids", int64(10))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStructuredFieldReplaceMarksDirty(t *testing.T) {
	client, store := setup(t)
	r := newRegistry(t, client, store)
	h, err := r.Bind("tags", int64(2))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.SetAll(ctx, "file_ids", []interface{}{int64(1), int64(2), int64(3)}))

	card, err := h.Card(ctx, "file_ids")
	require.NoError(t, err)
	assert.EqualValues(t, 3, card)

	idx := index.New(client)
	dirty, err := idx.IsDirty(ctx, "tags:2.file_ids")
	require.NoError(t, err)
	assert.True(t, dirty)

	lruCard, err := idx.Card(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, lruCard)
}

func TestListOperationsAndNegativeRange(t *testing.T) {
	client, store := setup(t)
	r := newRegistry(t, client, store)
	h, err := r.Bind("tags", int64(3))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.PushRight(ctx, "history", "a", "b", "c", "d"))

	last, ok, err := h.PopLeft(ctx, "history")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", last)

	tail, err := h.Range(ctx, "history", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"c", "d"}, tail)

	require.NoError(t, h.Trim(ctx, "history", 0, 0))
	n, err := h.Len(ctx, "history")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestZsetOrderingByAscendingScore(t *testing.T) {
	client, store := setup(t)
	r := newRegistry(t, client, store)
	h, err := r.Bind("tags", int64(4))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.AddZ(ctx, "scores", int64(100), int64(3)))
	require.NoError(t, h.AddZ(ctx, "scores", int64(200), int64(1)))
	require.NoError(t, h.AddZ(ctx, "scores", int64(300), int64(2)))

	records, err := h.RangeZ(ctx, "scores", 0, -1)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.EqualValues(t, int64(200), records[0].Member)
	assert.EqualValues(t, int64(300), records[1].Member)
	assert.EqualValues(t, int64(100), records[2].Member)

	// The declared score codec (Numeric[int64]) must run on every read, not
	// just the member codec — a raw redis.Z.Score comes back as float64.
	assert.IsType(t, int64(0), records[0].Score)
	assert.Equal(t, int64(1), records[0].Score)

	score, ok, err := h.ScoreZ(ctx, "scores", int64(300))
	require.NoError(t, err)
	require.True(t, ok)
	assert.IsType(t, int64(0), score)
	assert.Equal(t, int64(2), score)
}

func TestZsetFieldLoadedFromOriginDecodesScoreThroughCodec(t *testing.T) {
	client, store := setup(t)
	store.Seed("tags", "7", bson.M{
		"uid": int64(7),
		"scores": []interface{}{
			bson.M{"item": int64(42), "score": int64(9)},
		},
	})
	r := newRegistry(t, client, store)
	h, err := r.Bind("tags", int64(7))
	require.NoError(t, err)

	ctx := context.Background()
	records, err := h.RangeZ(ctx, "scores", 0, -1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, int64(42), records[0].Member)
	assert.IsType(t, int64(0), records[0].Score)
	assert.Equal(t, int64(9), records[0].Score)
}

func TestNullScalarWriteThroughLeavesKeyOutOfModifiedSet(t *testing.T) {
	client, store := setup(t)
	store.Seed("tags", "5", bson.M{"uid": int64(5), "nickname": "old"})

	r := newRegistry(t, client, store)
	h, err := r.Bind("tags", int64(5))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.SetScalar(ctx, "nickname", nil))

	idx := index.New(client)
	dirty, err := idx.IsDirty(ctx, "tags:5")
	require.NoError(t, err)
	assert.False(t, dirty)

	doc, ok := store.Get("tags", "5")
	require.True(t, ok)
	assert.Nil(t, doc["nickname"])
}

func TestWriteBackFlushesStructuredFieldToOrigin(t *testing.T) {
	client, store := setup(t)
	r := newRegistry(t, client, store)
	h, err := r.Bind("tags", int64(6))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.SetAll(ctx, "file_ids", []interface{}{int64(7), int64(8)}))
	require.NoError(t, h.WriteBack(ctx, "file_ids"))

	doc, ok := store.Get("tags", "6")
	require.True(t, ok)
	ids, ok := doc["file_ids"].([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{int64(7), int64(8)}, ids)
}
