package origin

import (
	"context"
	"strconv"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// FakeStore is an in-memory Store double for tests. It only supports the
// single-field equality filters this module ever issues ({pkField: pk}).
type FakeStore struct {
	mu   sync.Mutex
	docs map[string]map[string]bson.M // collection -> filter value (as %v) -> document
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{docs: make(map[string]map[string]bson.M)}
}

// Seed installs doc as the current origin state for collection under
// key, the string form of the document's primary key value.
func (f *FakeStore) Seed(collection, key string, doc bson.M) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.docs[collection]
	if !ok {
		col = make(map[string]bson.M)
		f.docs[collection] = col
	}
	cp := make(bson.M, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	col[key] = cp
}

// Get returns the current origin document for collection/key, for test
// assertions. The second return is false if no document is present.
func (f *FakeStore) Get(collection, key string) (bson.M, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.docs[collection]
	if !ok {
		return nil, false
	}
	doc, ok := col[key]
	if !ok {
		return nil, false
	}
	cp := make(bson.M, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp, true
}

// filterKey extracts the single equality value this module ever filters
// on and renders it as a stable map key.
func filterKey(filter bson.M) (string, bool) {
	for _, v := range filter {
		return toKeyString(v), true
	}
	return "", false
}

func toKeyString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return ""
	}
}

// FindOne implements Store.
func (f *FakeStore) FindOne(_ context.Context, collection string, filter, projection bson.M) (bson.M, error) {
	key, ok := filterKey(filter)
	if !ok {
		return nil, nil
	}
	doc, found := f.Get(collection, key)
	if !found {
		return nil, nil
	}
	if len(projection) == 0 {
		return doc, nil
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if excluded, ok := projection[k]; ok {
			if isExclude(excluded) {
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}

func isExclude(v interface{}) bool {
	switch t := v.(type) {
	case int:
		return t == 0
	case int32:
		return t == 0
	case int64:
		return t == 0
	case bool:
		return !t
	default:
		return false
	}
}

// Update implements Store.
func (f *FakeStore) Update(_ context.Context, collection string, filter, set bson.M) error {
	key, ok := filterKey(filter)
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.docs[collection]
	if !ok {
		col = make(map[string]bson.M)
		f.docs[collection] = col
	}
	doc, ok := col[key]
	if !ok {
		doc = make(bson.M)
		for k, v := range filter {
			doc[k] = v
		}
	}
	for k, v := range set {
		if v == nil {
			doc[k] = nil
			continue
		}
		doc[k] = v
	}
	col[key] = doc
	return nil
}
