// Package collection implements the collection handle, the on-demand
// origin loader, and the structured-field operation wrappers — the
// façade application code and the flush scheduler both use to read and
// mutate cached documents.
package collection

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cachehouse/wbcache/index"
	"github.com/cachehouse/wbcache/lease"
	"github.com/cachehouse/wbcache/origin"
	"github.com/cachehouse/wbcache/schema"
)

// Deps bundles the collaborators every Handle needs: the cache
// connection, the origin store, and the shared lease/index managers.
// None of these are owned by a Handle — the Registry (or the caller)
// owns them, and a Handle only ever receives a reference, which keeps a
// schema descriptor, its collection, and any one bound Handle from
// forming an ownership cycle.
type Deps struct {
	Cache    redis.UniversalClient
	Origin   origin.Store
	Leases   *lease.Manager
	Index    *index.Index
	LeaseTTL time.Duration
}

func (d Deps) leaseTTL() time.Duration {
	if d.LeaseTTL > 0 {
		return d.LeaseTTL
	}
	return lease.DefaultTTL
}

// Registry owns the set of registered schema descriptors and the shared
// Deps used to bind Handles against them. Appliation code registers
// every collection's schema once at startup; the flush scheduler uses
// the same Registry to rebind a Handle from a parsed cache key.
type Registry struct {
	deps        Deps
	descriptors map[string]*schema.Descriptor
}

// NewRegistry returns an empty Registry sharing deps across every Handle
// it binds.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, descriptors: make(map[string]*schema.Descriptor)}
}

// Register adds d to the registry. It is a SchemaError for two
// descriptors to share a collection_name.
func (r *Registry) Register(d *schema.Descriptor) error {
	if _, exists := r.descriptors[d.Name]; exists {
		return &schema.SchemaError{Collection: d.Name, Reason: "collection already registered"}
	}
	r.descriptors[d.Name] = d
	return nil
}

// Names returns every registered collection name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for n := range r.descriptors {
		names = append(names, n)
	}
	return names
}

// Descriptor returns the registered descriptor for collection, if any.
func (r *Registry) Descriptor(collection string) (*schema.Descriptor, bool) {
	d, ok := r.descriptors[collection]
	return d, ok
}

// Bind returns a new Handle for (collection, pk), where pk is the typed
// primary key value application code holds.
func (r *Registry) Bind(collection string, pk interface{}) (*Handle, error) {
	d, ok := r.descriptors[collection]
	if !ok {
		return nil, fmt.Errorf("collection: %q is not registered", collection)
	}
	return New(d, pk, r.deps)
}

// BindFromKeyString returns a new Handle for (collection, pkString),
// decoding pkString back into its typed origin form via the descriptor's
// primary key codec. Used by the flush scheduler, which only ever has
// the string form parsed out of a cache key.
func (r *Registry) BindFromKeyString(collection, pkString string) (*Handle, error) {
	d, ok := r.descriptors[collection]
	if !ok {
		return nil, fmt.Errorf("collection: %q is not registered", collection)
	}
	return NewFromKeyString(d, pkString, r.deps)
}
