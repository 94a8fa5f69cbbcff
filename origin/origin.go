// Package origin declares the narrow interface this module needs from
// the durable document store it fronts, plus a MongoDB-backed
// implementation. Anything supporting per-field update and
// find-with-projection can satisfy Store; the coherence engine never
// assumes more than that.
package origin

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Store is the origin document store's contract: find_one(collection,
// filter, projection) and update(collection, filter, {$set: partial},
// upsert=true).
type Store interface {
	// FindOne returns the document matching filter in collection,
	// projected per projection (a Mongo-style inclusion/exclusion map),
	// or (nil, nil) if no document matches.
	FindOne(ctx context.Context, collection string, filter bson.M, projection bson.M) (bson.M, error)
	// Update applies a $set of the given fields to the document matching
	// filter in collection, upserting if absent.
	Update(ctx context.Context, collection string, filter bson.M, set bson.M) error
}
