package collection

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cachehouse/wbcache/codec"
	"github.com/cachehouse/wbcache/schema"
)

// Record is one decoded (member, score) pair of a zset-shaped field,
// returned from reads and accepted by full-replace writes.
type Record struct {
	Member interface{}
	Score  interface{}
}

// readStructuredField returns a field's whole current value from the
// cache, by its shape: a Set decodes to []interface{} in arbitrary
// order, a List decodes to []interface{} in list order, and a Zset
// decodes to []Record ordered by ascending score.
func (h *Handle) readStructuredField(ctx context.Context, field string) (interface{}, error) {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return nil, fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	key := h.fieldKey(field)

	switch s := shape.(type) {
	case schema.SetShape:
		wires, err := h.cache.SMembers(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("collection: read set %s failed: %w", key, err)
		}
		return decodeAll(s.Element, field, wires)

	case schema.ListShape:
		wires, err := h.cache.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("collection: read list %s failed: %w", key, err)
		}
		return decodeAll(s.Element, field, wires)

	case schema.ZsetShape:
		zs, err := h.cache.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("collection: read zset %s failed: %w", key, err)
		}
		out := make([]Record, 0, len(zs))
		for _, z := range zs {
			member, ok := z.Member.(string)
			if !ok {
				return nil, fmt.Errorf("collection: zset %s returned a non-string member", key)
			}
			decodedMember, err := s.Member.Decode(member)
			if err != nil {
				return nil, codec.WithField(s.MemberName, err)
			}
			decodedScore, err := decodeScore(s.Score, z.Score)
			if err != nil {
				return nil, codec.WithField(s.ScoreName, err)
			}
			out = append(out, Record{Member: decodedMember, Score: decodedScore})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("collection: field %q has an unrecognised shape %T", field, shape)
	}
}

// readStructuredFieldLive reads a field exactly as readStructuredField
// does, straight from the cache with no lazy load; WriteBack uses it and
// so only ever flushes what is already resident.
func (h *Handle) readStructuredFieldLive(ctx context.Context, field string) (interface{}, error) {
	return h.readStructuredField(ctx, field)
}

func decodeAll(c codec.Codec, field string, wires []string) ([]interface{}, error) {
	out := make([]interface{}, 0, len(wires))
	for _, wire := range wires {
		v, err := c.Decode(wire)
		if err != nil {
			return nil, codec.WithField(field, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// setStructuredField replaces a structured field's entire value — used
// by Update's partial-document path, where a structured field in the
// partial document means "replace it wholesale", never "merge".
func (h *Handle) setStructuredField(ctx context.Context, field string, value interface{}) error {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	switch s := shape.(type) {
	case schema.SetShape:
		elems, err := toSlice(value)
		if err != nil {
			return codec.WithField(field, err)
		}
		return h.SetAll(ctx, field, elems)
	case schema.ListShape:
		elems, err := toSlice(value)
		if err != nil {
			return codec.WithField(field, err)
		}
		return h.SetAll(ctx, field, elems)
	case schema.ZsetShape:
		records, err := toRecords(value)
		if err != nil {
			return codec.WithField(field, err)
		}
		return h.SetAllZset(ctx, field, records)
	default:
		return fmt.Errorf("collection: field %q has an unrecognised shape %T", field, shape)
	}
}

func toSlice(value interface{}) ([]interface{}, error) {
	elems, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a slice, got %T", value)
	}
	return elems, nil
}

func toRecords(value interface{}) ([]Record, error) {
	switch v := value.(type) {
	case []Record:
		return v, nil
	case []interface{}:
		out := make([]Record, 0, len(v))
		for _, e := range v {
			r, ok := e.(Record)
			if !ok {
				return nil, fmt.Errorf("expected a Record, got %T", e)
			}
			out = append(out, r)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected []Record, got %T", value)
	}
}

// SetAll atomically replaces a Set or List field's whole value: the
// field key is deleted and rebuilt inside one transaction, then marked
// dirty, so a concurrent reader never observes a partially-rebuilt
// field.
func (h *Handle) SetAll(ctx context.Context, field string, elements []interface{}) error {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	key := h.fieldKey(field)

	var elemCodec codec.Codec
	isList := false
	switch s := shape.(type) {
	case schema.SetShape:
		elemCodec = s.Element
	case schema.ListShape:
		elemCodec = s.Element
		isList = true
	default:
		return fmt.Errorf("collection: field %q is not a set or list field", field)
	}

	wires := make([]interface{}, 0, len(elements))
	for _, e := range elements {
		wire, err := elemCodec.Encode(e)
		if err != nil {
			return codec.WithField(field, err)
		}
		wires = append(wires, wire)
	}

	pipe := h.cache.TxPipeline()
	pipe.Del(ctx, key)
	if len(wires) > 0 {
		if isList {
			pipe.RPush(ctx, key, wires...)
		} else {
			pipe.SAdd(ctx, key, wires...)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("collection: set_all %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// SetAllZset atomically replaces a Zset field's whole value.
func (h *Handle) SetAllZset(ctx context.Context, field string, records []Record) error {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	s, ok := shape.(schema.ZsetShape)
	if !ok {
		return fmt.Errorf("collection: field %q is not a zset field", field)
	}
	key := h.fieldKey(field)

	members := make([]redis.Z, 0, len(records))
	for _, r := range records {
		wire, err := s.Member.Encode(r.Member)
		if err != nil {
			return codec.WithField(s.MemberName, err)
		}
		score, err := encodeScore(s.Score, r.Score)
		if err != nil {
			return codec.WithField(s.ScoreName, err)
		}
		members = append(members, redis.Z{Score: score, Member: wire})
	}

	pipe := h.cache.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("collection: set_all_zset %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// ensureField lazy-loads a single structured field from the origin if
// it is not already resident in the cache.
func (h *Handle) ensureField(ctx context.Context, field string) error {
	return h.ensurePresent(ctx, []string{field}, false)
}

// Add inserts elements into a Set field, marking it dirty.
func (h *Handle) Add(ctx context.Context, field string, elements ...interface{}) error {
	s, err := h.setShape(field)
	if err != nil {
		return err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return err
	}
	key := h.fieldKey(field)
	wires, err := encodeAll(s.Element, field, elements)
	if err != nil {
		return err
	}
	if err := h.cache.SAdd(ctx, key, wires...).Err(); err != nil {
		return fmt.Errorf("collection: add %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// Remove removes elements from a Set field, marking it dirty.
func (h *Handle) Remove(ctx context.Context, field string, elements ...interface{}) error {
	s, err := h.setShape(field)
	if err != nil {
		return err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return err
	}
	key := h.fieldKey(field)
	wires, err := encodeAll(s.Element, field, elements)
	if err != nil {
		return err
	}
	if err := h.cache.SRem(ctx, key, wires...).Err(); err != nil {
		return fmt.Errorf("collection: remove %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// IsMember reports whether element is present in a Set field.
func (h *Handle) IsMember(ctx context.Context, field string, element interface{}) (bool, error) {
	s, err := h.setShape(field)
	if err != nil {
		return false, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return false, err
	}
	wire, err := s.Element.Encode(element)
	if err != nil {
		return false, codec.WithField(field, err)
	}
	ok, err := h.cache.SIsMember(ctx, h.fieldKey(field), wire).Result()
	if err != nil {
		return false, fmt.Errorf("collection: is_member %s failed: %w", h.fieldKey(field), err)
	}
	return ok, nil
}

// Card returns the cardinality of a Set field.
func (h *Handle) Card(ctx context.Context, field string) (int64, error) {
	if _, err := h.setShape(field); err != nil {
		return 0, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return 0, err
	}
	n, err := h.cache.SCard(ctx, h.fieldKey(field)).Result()
	if err != nil {
		return 0, fmt.Errorf("collection: card %s failed: %w", h.fieldKey(field), err)
	}
	return n, nil
}

func (h *Handle) setShape(field string) (schema.SetShape, error) {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return schema.SetShape{}, fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	s, ok := shape.(schema.SetShape)
	if !ok {
		return schema.SetShape{}, fmt.Errorf("collection: field %q is not a set field", field)
	}
	return s, nil
}

func (h *Handle) listShape(field string) (schema.ListShape, error) {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return schema.ListShape{}, fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	l, ok := shape.(schema.ListShape)
	if !ok {
		return schema.ListShape{}, fmt.Errorf("collection: field %q is not a list field", field)
	}
	return l, nil
}

func (h *Handle) zsetShape(field string) (schema.ZsetShape, error) {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return schema.ZsetShape{}, fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	z, ok := shape.(schema.ZsetShape)
	if !ok {
		return schema.ZsetShape{}, fmt.Errorf("collection: field %q is not a zset field", field)
	}
	return z, nil
}

// PushRight appends elements to the tail of a List field.
func (h *Handle) PushRight(ctx context.Context, field string, elements ...interface{}) error {
	l, err := h.listShape(field)
	if err != nil {
		return err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return err
	}
	key := h.fieldKey(field)
	wires, err := encodeAll(l.Element, field, elements)
	if err != nil {
		return err
	}
	if err := h.cache.RPush(ctx, key, wires...).Err(); err != nil {
		return fmt.Errorf("collection: push_right %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// PopLeft removes and returns the head of a List field, or (nil, false)
// if it is empty.
func (h *Handle) PopLeft(ctx context.Context, field string) (interface{}, bool, error) {
	l, err := h.listShape(field)
	if err != nil {
		return nil, false, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return nil, false, err
	}
	key := h.fieldKey(field)
	wire, err := h.cache.LPop(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("collection: pop_left %s failed: %w", key, err)
	}
	if err := h.markDirty(ctx, key); err != nil {
		return nil, false, err
	}
	v, err := l.Element.Decode(wire)
	if err != nil {
		return nil, false, codec.WithField(field, err)
	}
	return v, true, nil
}

// Len returns the length of a List field.
func (h *Handle) Len(ctx context.Context, field string) (int64, error) {
	if _, err := h.listShape(field); err != nil {
		return 0, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return 0, err
	}
	n, err := h.cache.LLen(ctx, h.fieldKey(field)).Result()
	if err != nil {
		return 0, fmt.Errorf("collection: len %s failed: %w", h.fieldKey(field), err)
	}
	return n, nil
}

// Index returns the element of a List field at position index, using
// Redis's negative-index-from-the-tail convention.
func (h *Handle) Index(ctx context.Context, field string, index int64) (interface{}, error) {
	l, err := h.listShape(field)
	if err != nil {
		return nil, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return nil, err
	}
	wire, err := h.cache.LIndex(ctx, h.fieldKey(field), index).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("collection: index %s failed: %w", h.fieldKey(field), err)
	}
	v, err := l.Element.Decode(wire)
	if err != nil {
		return nil, codec.WithField(field, err)
	}
	return v, nil
}

// Range returns elements of a List field between start and stop
// inclusive, accepting negative indices per the Redis LRANGE
// convention.
func (h *Handle) Range(ctx context.Context, field string, start, stop int64) ([]interface{}, error) {
	l, err := h.listShape(field)
	if err != nil {
		return nil, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return nil, err
	}
	wires, err := h.cache.LRange(ctx, h.fieldKey(field), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("collection: range %s failed: %w", h.fieldKey(field), err)
	}
	return decodeAll(l.Element, field, wires)
}

// Trim shortens a List field to the elements between start and stop
// inclusive.
func (h *Handle) Trim(ctx context.Context, field string, start, stop int64) error {
	if _, err := h.listShape(field); err != nil {
		return err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return err
	}
	key := h.fieldKey(field)
	if err := h.cache.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("collection: trim %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// AddZ upserts a (member, score) pair into a Zset field.
func (h *Handle) AddZ(ctx context.Context, field string, member, score interface{}) error {
	z, err := h.zsetShape(field)
	if err != nil {
		return err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return err
	}
	key := h.fieldKey(field)
	wire, err := z.Member.Encode(member)
	if err != nil {
		return codec.WithField(z.MemberName, err)
	}
	f, err := encodeScore(z.Score, score)
	if err != nil {
		return codec.WithField(z.ScoreName, err)
	}
	if err := h.cache.ZAdd(ctx, key, redis.Z{Score: f, Member: wire}).Err(); err != nil {
		return fmt.Errorf("collection: add_z %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// RemoveZ removes a member from a Zset field.
func (h *Handle) RemoveZ(ctx context.Context, field string, member interface{}) error {
	z, err := h.zsetShape(field)
	if err != nil {
		return err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return err
	}
	key := h.fieldKey(field)
	wire, err := z.Member.Encode(member)
	if err != nil {
		return codec.WithField(z.MemberName, err)
	}
	if err := h.cache.ZRem(ctx, key, wire).Err(); err != nil {
		return fmt.Errorf("collection: remove_z %s failed: %w", key, err)
	}
	return h.markDirty(ctx, key)
}

// ScoreZ returns a member's current score in a Zset field, or (nil,
// false) if it is not a member.
func (h *Handle) ScoreZ(ctx context.Context, field string, member interface{}) (interface{}, bool, error) {
	z, err := h.zsetShape(field)
	if err != nil {
		return nil, false, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return nil, false, err
	}
	wire, err := z.Member.Encode(member)
	if err != nil {
		return nil, false, codec.WithField(z.MemberName, err)
	}
	score, err := h.cache.ZScore(ctx, h.fieldKey(field), wire).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("collection: score_z %s failed: %w", h.fieldKey(field), err)
	}
	decoded, err := decodeScore(z.Score, score)
	if err != nil {
		return nil, false, codec.WithField(z.ScoreName, err)
	}
	return decoded, true, nil
}

// RangeZ returns the Records of a Zset field between ranks start and
// stop inclusive, ordered by ascending score.
func (h *Handle) RangeZ(ctx context.Context, field string, start, stop int64) ([]Record, error) {
	z, err := h.zsetShape(field)
	if err != nil {
		return nil, err
	}
	if err := h.ensureField(ctx, field); err != nil {
		return nil, err
	}
	zs, err := h.cache.ZRangeWithScores(ctx, h.fieldKey(field), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("collection: range_z %s failed: %w", h.fieldKey(field), err)
	}
	out := make([]Record, 0, len(zs))
	for _, m := range zs {
		member, ok := m.Member.(string)
		if !ok {
			return nil, fmt.Errorf("collection: zset %s returned a non-string member", h.fieldKey(field))
		}
		v, err := z.Member.Decode(member)
		if err != nil {
			return nil, codec.WithField(z.MemberName, err)
		}
		score, err := decodeScore(z.Score, m.Score)
		if err != nil {
			return nil, codec.WithField(z.ScoreName, err)
		}
		out = append(out, Record{Member: v, Score: score})
	}
	return out, nil
}

func encodeAll(c codec.Codec, field string, values []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		wire, err := c.Encode(v)
		if err != nil {
			return nil, codec.WithField(field, err)
		}
		out = append(out, wire)
	}
	return out, nil
}

// encodeScore runs value through the zset's declared score codec to get its
// canonical wire form, then parses that wire form as the float64 a Redis
// ZADD needs — the same two-step path every other structured value takes
// from typed application value to cache wire form, just continuing on to a
// float rather than stopping at the string.
func encodeScore(c codec.Codec, value interface{}) (float64, error) {
	wire, err := c.Encode(value)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(wire, 64)
	if err != nil {
		return 0, fmt.Errorf("score codec produced a non-numeric wire form %q: %w", wire, err)
	}
	return f, nil
}

// decodeScore formats a float64 score returned by Redis back into a wire
// string and runs it through the zset's declared score codec, the inverse of
// encodeScore.
func decodeScore(c codec.Codec, f float64) (interface{}, error) {
	wire := strconv.FormatFloat(f, 'g', -1, 64)
	return c.Decode(wire)
}

// loadStructuredField rebuilds one structured field's cache key from the
// raw value found in the origin document (or builds an empty one if the
// field was entirely absent), inside a single transaction so a
// concurrent reader never observes a half-rebuilt field.
func (h *Handle) loadStructuredField(ctx context.Context, field string, raw interface{}, present bool) error {
	shape, ok := h.descriptor.StructuredFields[field]
	if !ok {
		return fmt.Errorf("collection: %q is not a structured field of %s", field, h.descriptor.Name)
	}
	key := h.fieldKey(field)

	if !present || raw == nil {
		pipe := h.cache.TxPipeline()
		pipe.Del(ctx, key)
		_, err := pipe.Exec(ctx)
		if err != nil {
			return fmt.Errorf("collection: load %s failed: %w", key, err)
		}
		return nil
	}

	switch s := shape.(type) {
	case schema.SetShape:
		elems, err := toAnySlice(raw)
		if err != nil {
			return codec.WithField(field, err)
		}
		wires, err := encodeAll(s.Element, field, elems)
		if err != nil {
			return err
		}
		pipe := h.cache.TxPipeline()
		pipe.Del(ctx, key)
		if len(wires) > 0 {
			pipe.SAdd(ctx, key, wires...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("collection: load %s failed: %w", key, err)
		}
		return nil

	case schema.ListShape:
		elems, err := toAnySlice(raw)
		if err != nil {
			return codec.WithField(field, err)
		}
		wires, err := encodeAll(s.Element, field, elems)
		if err != nil {
			return err
		}
		pipe := h.cache.TxPipeline()
		pipe.Del(ctx, key)
		if len(wires) > 0 {
			pipe.RPush(ctx, key, wires...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("collection: load %s failed: %w", key, err)
		}
		return nil

	case schema.ZsetShape:
		entries, err := toAnySlice(raw)
		if err != nil {
			return codec.WithField(field, err)
		}
		members := make([]redis.Z, 0, len(entries))
		for _, e := range entries {
			doc, ok := e.(bson.M)
			if !ok {
				return codec.WithField(field, fmt.Errorf("zset entry is %T, want a document with %q and %q", e, s.MemberName, s.ScoreName))
			}
			wire, err := s.Member.Encode(doc[s.MemberName])
			if err != nil {
				return codec.WithField(s.MemberName, err)
			}
			score, err := encodeScore(s.Score, doc[s.ScoreName])
			if err != nil {
				return codec.WithField(s.ScoreName, err)
			}
			members = append(members, redis.Z{Score: score, Member: wire})
		}
		pipe := h.cache.TxPipeline()
		pipe.Del(ctx, key)
		if len(members) > 0 {
			pipe.ZAdd(ctx, key, members...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("collection: load %s failed: %w", key, err)
		}
		return nil

	default:
		return fmt.Errorf("collection: field %q has an unrecognised shape %T", field, shape)
	}
}

func toAnySlice(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case bson.A:
		return []interface{}(v), nil
	default:
		return nil, fmt.Errorf("expected an array, got %T", raw)
	}
}
