// Package keyspace composes and parses the cache key grammar that the
// rest of wbcache treats as normative:
//
//	document_key := collection_name ":" primary_key_string
//	field_key    := document_key "." field_name
//	lease_key    := "lock:" document_key | "lock:" field_key
//
// collection_name must contain neither ":" nor "."; field_name must
// contain neither ":" nor "." either — these are the invariants that keep
// parsing unambiguous.
package keyspace

import (
	"fmt"
	"strings"
)

// ModifiedSetName is the cache-wide set of document/field keys mutated
// since their last flush.
const ModifiedSetName = "keys_modified"

// LRUQueueName is the cache-wide sorted set scoring every live key by its
// most recent access time.
const LRUQueueName = "lru_queue"

const leasePrefix = "lock:"

// DocumentKey composes the whole-document cache key.
func DocumentKey(collection, pkString string) string {
	return collection + ":" + pkString
}

// FieldKey composes the structured-field cache key for one field of a
// document.
func FieldKey(collection, pkString, field string) string {
	return DocumentKey(collection, pkString) + "." + field
}

// LeaseKey composes the lease (lock) key that guards a document or
// field key against a racing flush.
func LeaseKey(key string) string {
	return leasePrefix + key
}

// KeyFormatError reports a cache key that doesn't fit the grammar above.
type KeyFormatError struct {
	Key    string
	Reason string
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("keyspace: key %q: %s", e.Key, e.Reason)
}

// Parse splits a document or field key into its collection name, primary
// key string, and optional field name. It splits on the first ":" then
// the first "." — never the last — matching the grammar above.
func Parse(key string) (collection, pkString, field string, err error) {
	col, rest, ok := strings.Cut(key, ":")
	if !ok {
		return "", "", "", &KeyFormatError{Key: key, Reason: `missing ":" separator`}
	}
	if col == "" {
		return "", "", "", &KeyFormatError{Key: key, Reason: "empty collection name"}
	}
	pk, f, hasField := strings.Cut(rest, ".")
	if pk == "" {
		return "", "", "", &KeyFormatError{Key: key, Reason: "empty primary key string"}
	}
	if hasField && f == "" {
		return "", "", "", &KeyFormatError{Key: key, Reason: "empty field name"}
	}
	return col, pk, f, nil
}
