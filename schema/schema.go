// Package schema declares the immutable per-collection mapping between
// origin document fields and cache key namespaces: which field is the
// primary key, which scalar fields carry a non-default codec, and which
// fields are structured (set, list, or zset) rather than plain hash
// entries.
package schema

import (
	"fmt"

	"github.com/cachehouse/wbcache/codec"
)

// SchemaError reports a misuse of the schema builder, surfaced at
// registration time — never at request time.
type SchemaError struct {
	Collection string
	Reason     string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %q: %s", e.Collection, e.Reason)
}

// Shape is one of SetShape, ListShape, or ZsetShape.
type Shape interface {
	isShape()
	fieldName() string
}

// SetShape declares an unordered unique collection field.
type SetShape struct {
	Field   string
	Element codec.Codec
}

func (SetShape) isShape()          {}
func (s SetShape) fieldName() string { return s.Field }

// ListShape declares an ordered sequence permitting duplicates.
type ListShape struct {
	Field   string
	Element codec.Codec
}

func (ListShape) isShape()          {}
func (s ListShape) fieldName() string { return s.Field }

// ZsetShape declares a set of (member, score) pairs materialised to
// callers as ordered sequences of two-field records.
type ZsetShape struct {
	Field      string
	MemberName string
	Member     codec.Codec
	ScoreName  string
	Score      codec.Codec
}

func (ZsetShape) isShape()          {}
func (s ZsetShape) fieldName() string { return s.Field }

// Descriptor is the immutable, once-registered declaration of a
// collection's cache layout.
type Descriptor struct {
	Name              string
	PrimaryKeyField   string
	PrimaryKeyCodec   codec.Codec
	ScalarFieldCodecs map[string]codec.Codec
	StructuredFields  map[string]Shape
	IgnoreFields      map[string]struct{}
}

// ScalarCodec returns the codec declared for a scalar field, or Raw if
// none was declared.
func (d *Descriptor) ScalarCodec(field string) codec.Codec {
	if c, ok := d.ScalarFieldCodecs[field]; ok {
		return c
	}
	return codec.Raw()
}

// IsStructured reports whether field is declared as a structured field.
func (d *Descriptor) IsStructured(field string) bool {
	_, ok := d.StructuredFields[field]
	return ok
}

// IsIgnored reports whether field is in the ignore-set and must never be
// loaded from, or written back to, the origin.
func (d *Descriptor) IsIgnored(field string) bool {
	_, ok := d.IgnoreFields[field]
	return ok
}

// Builder incrementally declares a Descriptor; call Build to validate and
// freeze it.
type Builder struct {
	name            string
	pkField         string
	pkCodec         codec.Codec
	scalarCodecs    map[string]codec.Codec
	structured      map[string]Shape
	ignore          map[string]struct{}
}

// NewBuilder starts a Descriptor for a collection named name, whose
// primary key is stored in the origin under pkField and round-trips
// through pkCodec between its cache-key string form and its typed origin
// form.
func NewBuilder(name, pkField string, pkCodec codec.Codec) *Builder {
	return &Builder{
		name:         name,
		pkField:      pkField,
		pkCodec:      pkCodec,
		scalarCodecs: make(map[string]codec.Codec),
		structured:   make(map[string]Shape),
		ignore:       map[string]struct{}{"_id": {}, pkField: {}},
	}
}

// Scalar declares a non-default codec for a scalar (hash) field.
func (b *Builder) Scalar(field string, c codec.Codec) *Builder {
	b.scalarCodecs[field] = c
	return b
}

// Set declares field as a SetShape structured field.
func (b *Builder) Set(field string, element codec.Codec) *Builder {
	b.structured[field] = SetShape{Field: field, Element: element}
	return b
}

// List declares field as a ListShape structured field.
func (b *Builder) List(field string, element codec.Codec) *Builder {
	b.structured[field] = ListShape{Field: field, Element: element}
	return b
}

// Zset declares field as a ZsetShape structured field.
func (b *Builder) Zset(field, memberName string, member codec.Codec, scoreName string, score codec.Codec) *Builder {
	b.structured[field] = ZsetShape{
		Field:      field,
		MemberName: memberName,
		Member:     member,
		ScoreName:  scoreName,
		Score:      score,
	}
	return b
}

// Ignore adds fields to the ignore-set: never loaded from, or written
// back to, the origin.
func (b *Builder) Ignore(fields ...string) *Builder {
	for _, f := range fields {
		b.ignore[f] = struct{}{}
	}
	return b
}

// Build validates the accumulated declarations and returns an immutable
// Descriptor, or a SchemaError.
func (b *Builder) Build() (*Descriptor, error) {
	if b.name == "" {
		return nil, &SchemaError{Collection: b.name, Reason: "collection_name must not be empty"}
	}
	if b.pkField == "" {
		return nil, &SchemaError{Collection: b.name, Reason: "primary_key_name must not be empty"}
	}
	if b.pkCodec == nil {
		return nil, &SchemaError{Collection: b.name, Reason: "primary_key_codec must not be nil"}
	}
	if _, ok := b.structured[b.pkField]; ok {
		return nil, &SchemaError{Collection: b.name, Reason: fmt.Sprintf("primary key field %q must not also be declared as a structured field", b.pkField)}
	}
	for name, c := range b.scalarCodecs {
		if c == nil {
			return nil, &SchemaError{Collection: b.name, Reason: fmt.Sprintf("scalar field %q has a nil codec", name)}
		}
		if _, ok := b.structured[name]; ok {
			return nil, &SchemaError{Collection: b.name, Reason: fmt.Sprintf("field %q declared both scalar and structured", name)}
		}
	}
	for name, shape := range b.structured {
		if err := validateShape(name, shape); err != nil {
			return nil, &SchemaError{Collection: b.name, Reason: err.Error()}
		}
	}

	scalars := make(map[string]codec.Codec, len(b.scalarCodecs))
	for k, v := range b.scalarCodecs {
		scalars[k] = v
	}
	structured := make(map[string]Shape, len(b.structured))
	for k, v := range b.structured {
		structured[k] = v
	}
	ignore := make(map[string]struct{}, len(b.ignore))
	for k := range b.ignore {
		ignore[k] = struct{}{}
	}

	return &Descriptor{
		Name:              b.name,
		PrimaryKeyField:   b.pkField,
		PrimaryKeyCodec:   b.pkCodec,
		ScalarFieldCodecs: scalars,
		StructuredFields:  structured,
		IgnoreFields:      ignore,
	}, nil
}

func validateShape(field string, shape Shape) error {
	switch s := shape.(type) {
	case SetShape:
		if s.Element == nil {
			return fmt.Errorf("set field %q has a nil element codec", field)
		}
	case ListShape:
		if s.Element == nil {
			return fmt.Errorf("list field %q has a nil element codec", field)
		}
	case ZsetShape:
		if s.Member == nil || s.Score == nil {
			return fmt.Errorf("zset field %q has a nil member or score codec", field)
		}
		if s.MemberName == "" || s.ScoreName == "" {
			return fmt.Errorf("zset field %q has an empty member_name or score_name", field)
		}
		if s.MemberName == s.ScoreName {
			return fmt.Errorf("zset field %q has identical member_name and score_name %q", field, s.MemberName)
		}
	default:
		return fmt.Errorf("field %q has an unrecognised shape %T", field, shape)
	}
	return nil
}
