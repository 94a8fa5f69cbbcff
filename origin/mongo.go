package origin

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store against a *mongo.Database.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore returns a MongoStore backed by db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// FindOne implements Store.
func (s *MongoStore) FindOne(ctx context.Context, collection string, filter, projection bson.M) (bson.M, error) {
	opts := options.FindOne()
	if len(projection) > 0 {
		opts.SetProjection(projection)
	}
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, filter, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("origin: find_one %s failed: %w", collection, err)
	}
	return doc, nil
}

// Update implements Store.
func (s *MongoStore) Update(ctx context.Context, collection string, filter, set bson.M) error {
	upd := bson.M{"$set": set}
	_, err := s.db.Collection(collection).UpdateOne(ctx, filter, upd, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("origin: update %s failed: %w", collection, err)
	}
	return nil
}
