package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cachehouse/wbcache/codec"
	"github.com/cachehouse/wbcache/index"
	"github.com/cachehouse/wbcache/keyspace"
	"github.com/cachehouse/wbcache/lease"
	"github.com/cachehouse/wbcache/log"
	"github.com/cachehouse/wbcache/origin"
	"github.com/cachehouse/wbcache/schema"
)

// Handle is a per-(schema, document-key) façade, bound once and used for
// the lifetime of a single request. It is not safe for concurrent use —
// its transient state (the just-loaded snapshot, the dirty-suppression
// flag, the already-in-cache flag) is confined to the operation that
// created it.
type Handle struct {
	descriptor *schema.Descriptor
	pkString   string
	pkValue    interface{}

	cache  redis.UniversalClient
	origin origin.Store
	leases *lease.Manager
	index  *index.Index
	ttl    time.Duration

	alreadyInCache bool
	suppressDirty  bool
	snapshot       map[string]interface{}
}

// New binds a Handle to (schema, pk), where pk is the typed primary key
// value. It does no I/O.
func New(d *schema.Descriptor, pk interface{}, deps Deps) (*Handle, error) {
	pkString, err := d.PrimaryKeyCodec.Encode(pk)
	if err != nil {
		return nil, codec.WithField(d.PrimaryKeyField, err)
	}
	return newHandle(d, pkString, pk, deps), nil
}

// NewFromKeyString binds a Handle to (schema, pk) given the string form
// of the primary key, decoding it back to its typed origin form.
func NewFromKeyString(d *schema.Descriptor, pkString string, deps Deps) (*Handle, error) {
	pk, err := d.PrimaryKeyCodec.Decode(pkString)
	if err != nil {
		return nil, codec.WithField(d.PrimaryKeyField, err)
	}
	return newHandle(d, pkString, pk, deps), nil
}

func newHandle(d *schema.Descriptor, pkString string, pk interface{}, deps Deps) *Handle {
	return &Handle{
		descriptor: d,
		pkString:   pkString,
		pkValue:    pk,
		cache:      deps.Cache,
		origin:     deps.Origin,
		leases:     deps.Leases,
		index:      deps.Index,
		ttl:        deps.leaseTTL(),
		snapshot:   make(map[string]interface{}),
	}
}

func (h *Handle) documentKey() string {
	return keyspace.DocumentKey(h.descriptor.Name, h.pkString)
}

func (h *Handle) fieldKey(field string) string {
	return keyspace.FieldKey(h.descriptor.Name, h.pkString, field)
}

func (h *Handle) markDirty(ctx context.Context, key string) error {
	if h.suppressDirty {
		return h.index.BumpOnly(ctx, key, time.Now())
	}
	return h.index.Touch(ctx, key, time.Now())
}

// GetScalar returns the decoded value of a scalar field, or nil if it is
// absent from the document.
func (h *Handle) GetScalar(ctx context.Context, field string) (interface{}, error) {
	if err := h.ensurePresent(ctx, nil, true); err != nil {
		return nil, err
	}
	if v, ok := h.snapshot[field]; ok {
		return v, nil
	}
	wire, err := h.cache.HGet(ctx, h.documentKey(), field).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collection: get_scalar %s.%s failed: %w", h.descriptor.Name, field, err)
	}
	v, err := h.descriptor.ScalarCodec(field).Decode(wire)
	if err != nil {
		return nil, codec.WithField(field, err)
	}
	return v, nil
}

// SetScalar sets a scalar field. Setting it to nil deletes the hash field
// and writes the null straight through to the origin without marking the
// document key dirty — a null never needs writing back, so it never
// becomes pending.
func (h *Handle) SetScalar(ctx context.Context, field string, value interface{}) error {
	key := h.documentKey()
	if value == nil {
		if err := h.cache.HDel(ctx, key, field).Err(); err != nil {
			return fmt.Errorf("collection: set_scalar %s.%s delete failed: %w", h.descriptor.Name, field, err)
		}
		if err := h.origin.Update(ctx, h.descriptor.Name, h.pkFilter(), bson.M{field: nil}); err != nil {
			return fmt.Errorf("collection: set_scalar %s.%s write-through failed: %w", h.descriptor.Name, field, err)
		}
		return nil
	}

	wire, err := h.descriptor.ScalarCodec(field).Encode(value)
	if err != nil {
		return codec.WithField(field, err)
	}
	if err := h.cache.HSet(ctx, key, field, wire).Err(); err != nil {
		return fmt.Errorf("collection: set_scalar %s.%s failed: %w", h.descriptor.Name, field, err)
	}
	return h.markDirty(ctx, key)
}

// Update applies a partial document: structured fields are replaced in
// full via their shape's set-all path; remaining scalar entries are
// null-deleted or batched into a single hash_mset.
func (h *Handle) Update(ctx context.Context, partial map[string]interface{}) error {
	scalars := make(map[string]interface{})
	for field, value := range partial {
		if h.descriptor.IsStructured(field) {
			if err := h.setStructuredField(ctx, field, value); err != nil {
				return err
			}
			continue
		}
		scalars[field] = value
	}
	if len(scalars) == 0 {
		return nil
	}

	key := h.documentKey()
	hashSet := make(map[string]interface{})
	for field, value := range scalars {
		if value == nil {
			if err := h.cache.HDel(ctx, key, field).Err(); err != nil {
				return fmt.Errorf("collection: update %s.%s delete failed: %w", h.descriptor.Name, field, err)
			}
			if err := h.origin.Update(ctx, h.descriptor.Name, h.pkFilter(), bson.M{field: nil}); err != nil {
				return fmt.Errorf("collection: update %s.%s write-through failed: %w", h.descriptor.Name, field, err)
			}
			continue
		}
		wire, err := h.descriptor.ScalarCodec(field).Encode(value)
		if err != nil {
			return codec.WithField(field, err)
		}
		hashSet[field] = wire
	}
	if len(hashSet) == 0 {
		return nil
	}
	if err := h.cache.HSet(ctx, key, hashSet).Err(); err != nil {
		return fmt.Errorf("collection: update %s hash_mset failed: %w", h.descriptor.Name, err)
	}
	return h.markDirty(ctx, key)
}

// Find loads and returns the requested fields. With no projection it
// loads and returns the whole document (hash plus every structured
// field); with a projection it loads and returns only the requested
// fields.
func (h *Handle) Find(ctx context.Context, projection []string) (map[string]interface{}, error) {
	if len(projection) == 0 {
		if err := h.ensurePresent(ctx, h.allStructuredFieldNames(), true); err != nil {
			return nil, err
		}
		return h.readAll(ctx)
	}

	var structuredWanted []string
	var scalarWanted []string
	for _, f := range projection {
		if h.descriptor.IsStructured(f) {
			structuredWanted = append(structuredWanted, f)
		} else {
			scalarWanted = append(scalarWanted, f)
		}
	}
	needHash := len(scalarWanted) > 0
	if err := h.ensurePresent(ctx, structuredWanted, needHash); err != nil {
		return nil, err
	}

	h.alreadyInCache = true
	defer func() { h.alreadyInCache = false }()

	out := make(map[string]interface{}, len(projection))
	for _, f := range structuredWanted {
		v, err := h.readStructuredField(ctx, f)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	for _, f := range scalarWanted {
		v, err := h.GetScalar(ctx, f)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, nil
}

func (h *Handle) readAll(ctx context.Context) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for field := range h.snapshot {
		out[field] = h.snapshot[field]
	}
	hash, err := h.cache.HGetAll(ctx, h.documentKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("collection: find %s hash_getall failed: %w", h.descriptor.Name, err)
	}
	for field, wire := range hash {
		if _, already := out[field]; already {
			continue
		}
		v, err := h.descriptor.ScalarCodec(field).Decode(wire)
		if err != nil {
			return nil, codec.WithField(field, err)
		}
		out[field] = v
	}
	for field := range h.descriptor.StructuredFields {
		if _, already := out[field]; already {
			continue
		}
		v, err := h.readStructuredField(ctx, field)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

func (h *Handle) allStructuredFieldNames() []string {
	names := make([]string, 0, len(h.descriptor.StructuredFields))
	for f := range h.descriptor.StructuredFields {
		names = append(names, f)
	}
	return names
}

func (h *Handle) pkFilter() bson.M {
	return bson.M{h.descriptor.PrimaryKeyField: h.pkValue}
}

// WriteBack synchronously flushes the cache's current value for a field
// (or, with field == "", the whole document hash minus any field in the
// schema's ignore-set) to the origin. It does
// not itself remove dirty marks or evict — that is the scheduler's job.
func (h *Handle) WriteBack(ctx context.Context, field string) error {
	if field == "" {
		hash, err := h.cache.HGetAll(ctx, h.documentKey()).Result()
		if err != nil {
			return fmt.Errorf("collection: write_back %s hash_getall failed: %w", h.descriptor.Name, err)
		}
		set := make(bson.M, len(hash))
		for f, wire := range hash {
			if h.descriptor.IsIgnored(f) {
				continue
			}
			v, err := h.descriptor.ScalarCodec(f).Decode(wire)
			if err != nil {
				return codec.WithField(f, err)
			}
			set[f] = v
		}
		if err := h.origin.Update(ctx, h.descriptor.Name, h.pkFilter(), set); err != nil {
			return fmt.Errorf("collection: write_back %s failed: %w", h.descriptor.Name, err)
		}
		return nil
	}

	value, err := h.readStructuredFieldLive(ctx, field)
	if err != nil {
		return err
	}
	if err := h.origin.Update(ctx, h.descriptor.Name, h.pkFilter(), bson.M{field: value}); err != nil {
		return fmt.Errorf("collection: write_back %s.%s failed: %w", h.descriptor.Name, field, err)
	}
	return nil
}

// ensurePresent materialises the requested structured fields and,
// optionally, the hash, from the origin, skipping whatever is already
// present in the cache.
func (h *Handle) ensurePresent(ctx context.Context, fields []string, needHash bool) error {
	if h.alreadyInCache {
		return nil
	}
	h.suppressDirty = true
	defer func() { h.suppressDirty = false }()
	h.snapshot = make(map[string]interface{})

	now := time.Now()
	var missingFields []string
	for _, field := range fields {
		key := h.fieldKey(field)
		if err := h.announceAndBump(ctx, key, now); err != nil {
			return err
		}
		exists, err := h.cache.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("collection: ensure_present %s exists failed: %w", key, err)
		}
		if exists == 0 {
			missingFields = append(missingFields, field)
		}
	}

	hashMissing := false
	if needHash {
		key := h.documentKey()
		if err := h.announceAndBump(ctx, key, now); err != nil {
			return err
		}
		exists, err := h.cache.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("collection: ensure_present %s exists failed: %w", key, err)
		}
		hashMissing = exists == 0
	}

	if len(missingFields) == 0 && !hashMissing {
		return nil
	}

	projection := make(bson.M, len(h.descriptor.IgnoreFields))
	for f := range h.descriptor.IgnoreFields {
		projection[f] = 0
	}
	doc, err := h.origin.FindOne(ctx, h.descriptor.Name, h.pkFilter(), projection)
	if err != nil {
		return fmt.Errorf("collection: ensure_present %s find_one failed: %w", h.descriptor.Name, err)
	}
	if doc == nil {
		return nil
	}

	for _, field := range missingFields {
		raw, present := doc[field]
		if err := h.loadStructuredField(ctx, field, raw, present); err != nil {
			return err
		}
	}
	for field := range h.descriptor.StructuredFields {
		delete(doc, field)
	}

	if hashMissing {
		hashPayload := make(map[string]interface{}, len(doc))
		for field, value := range doc {
			if isFalsy(value) {
				continue
			}
			wire, err := h.descriptor.ScalarCodec(field).Encode(value)
			if err != nil {
				return codec.WithField(field, err)
			}
			hashPayload[field] = wire
		}
		if len(hashPayload) > 0 {
			if err := h.cache.HSet(ctx, h.documentKey(), hashPayload).Err(); err != nil {
				return fmt.Errorf("collection: ensure_present %s hash_mset failed: %w", h.descriptor.Name, err)
			}
		}
		for field, value := range doc {
			h.snapshot[field] = value
		}
	}

	return nil
}

func (h *Handle) announceAndBump(ctx context.Context, key string, now time.Time) error {
	if err := h.leases.Announce(ctx, key); err != nil {
		log.Debugf("collection: announce %s failed: %v", key, err)
		return fmt.Errorf("collection: announce %s failed: %w", key, err)
	}
	return h.index.BumpOnly(ctx, key, now)
}

func isFalsy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case int32:
		return t == 0
	case int64:
		return t == 0
	case int:
		return t == 0
	case float64:
		return t == 0
	case bool:
		return !t
	default:
		return false
	}
}
