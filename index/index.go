// Package index maintains the two cache-resident, cache-wide structures
// that the flush scheduler consumes: the "modified" set of dirty keys and
// the "lru" sorted set scoring every live key by its most recent access
// time. Every mutation path in package collection calls through here in
// the same order: mutate the cache key first, then mark it dirty, then
// bump its LRU score. Setting a scalar field to null is the exception: it
// writes straight through to the origin and touches neither structure.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cachehouse/wbcache/keyspace"
)

// Index wraps the modified-set and lru-queue cache structures.
type Index struct {
	client redis.UniversalClient
}

// New returns an Index backed by client.
func New(client redis.UniversalClient) *Index {
	return &Index{client: client}
}

// MarkDirty adds key to the modified set.
func (x *Index) MarkDirty(ctx context.Context, key string) error {
	if err := x.client.SAdd(ctx, keyspace.ModifiedSetName, key).Err(); err != nil {
		return fmt.Errorf("index: mark dirty %s failed: %w", key, err)
	}
	return nil
}

// Unmark removes key from the modified set.
func (x *Index) Unmark(ctx context.Context, key string) error {
	if err := x.client.SRem(ctx, keyspace.ModifiedSetName, key).Err(); err != nil {
		return fmt.Errorf("index: unmark %s failed: %w", key, err)
	}
	return nil
}

// IsDirty reports whether key is currently in the modified set.
func (x *Index) IsDirty(ctx context.Context, key string) (bool, error) {
	ok, err := x.client.SIsMember(ctx, keyspace.ModifiedSetName, key).Result()
	if err != nil {
		return false, fmt.Errorf("index: is_dirty %s failed: %w", key, err)
	}
	return ok, nil
}

// BumpLRU upserts key's score in the LRU queue to now.
func (x *Index) BumpLRU(ctx context.Context, key string, now time.Time) error {
	err := x.client.ZAdd(ctx, keyspace.LRUQueueName, redis.Z{
		Score:  unixSeconds(now),
		Member: key,
	}).Err()
	if err != nil {
		return fmt.Errorf("index: bump lru %s failed: %w", key, err)
	}
	return nil
}

// RemoveLRU removes key from the LRU queue.
func (x *Index) RemoveLRU(ctx context.Context, key string) error {
	if err := x.client.ZRem(ctx, keyspace.LRUQueueName, key).Err(); err != nil {
		return fmt.Errorf("index: remove lru %s failed: %w", key, err)
	}
	return nil
}

// Touch marks key dirty and bumps its LRU score in a single pipelined
// round trip, preserving the mark-then-bump order within one connection.
func (x *Index) Touch(ctx context.Context, key string, now time.Time) error {
	pipe := x.client.TxPipeline()
	pipe.SAdd(ctx, keyspace.ModifiedSetName, key)
	pipe.ZAdd(ctx, keyspace.LRUQueueName, redis.Z{Score: unixSeconds(now), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index: touch %s failed: %w", key, err)
	}
	return nil
}

// BumpOnly bumps LRU without marking dirty, used by the loader, which
// must register presence in the LRU queue without implying a pending
// write-back.
func (x *Index) BumpOnly(ctx context.Context, key string, now time.Time) error {
	return x.BumpLRU(ctx, key, now)
}

// unixSeconds scores the LRU queue with whole seconds plus a sub-second
// fraction — float64 cannot represent full nanosecond-resolution Unix
// timestamps exactly (they exceed 2^53), but seconds-with-fraction stays
// well within float64's precision and still orders ties correctly for
// any two touches more than a few hundred nanoseconds apart.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Card returns the LRU queue's cardinality.
func (x *Index) Card(ctx context.Context) (int64, error) {
	n, err := x.client.ZCard(ctx, keyspace.LRUQueueName).Result()
	if err != nil {
		return 0, fmt.Errorf("index: card failed: %w", err)
	}
	return n, nil
}

// RangeByRank returns the LRU queue's members between ranks start and
// stop inclusive, ordered by ascending score (least-recently-used
// first), the same semantics as ZRANGE.
func (x *Index) RangeByRank(ctx context.Context, start, stop int64) ([]string, error) {
	keys, err := x.client.ZRange(ctx, keyspace.LRUQueueName, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("index: range_by_rank failed: %w", err)
	}
	return keys, nil
}
