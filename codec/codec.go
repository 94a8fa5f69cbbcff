// Package codec converts between cache wire form (strings) and the typed
// values application code works with. Every scalar and structured field in
// a schema declares a Codec; fields with no declared codec fall back to Raw.
package codec

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

// Codec encodes a typed value to its cache wire form and decodes it back.
type Codec interface {
	// Encode converts a typed value into the string the cache stores.
	Encode(value interface{}) (string, error)
	// Decode converts a cache wire string back into a typed value.
	Decode(wire string) (interface{}, error)
}

// CodecError reports a failure to encode or decode a value through a Codec.
type CodecError struct {
	Field string
	Wire  string
	Err   error
}

func (e *CodecError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("codec: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("codec: %v", e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// WithField returns a copy of a CodecError-producing error annotated with
// the field name it occurred on, for callers that only learn the field
// name after the codec call returns.
func WithField(field string, err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CodecError); ok {
		return &CodecError{Field: field, Wire: ce.Wire, Err: ce.Err}
	}
	return &CodecError{Field: field, Err: err}
}

// Number is the set of numeric types Numeric supports.
type Number interface {
	~int32 | ~int64 | ~float64
}

type numericCodec[T Number] struct{}

// Numeric returns a Codec that parses the cache wire form as T and encodes
// T using its canonical text form.
func Numeric[T Number]() Codec {
	return numericCodec[T]{}
}

func (numericCodec[T]) Encode(value interface{}) (string, error) {
	switch v := value.(type) {
	case T:
		return formatNumber(v), nil
	case int:
		return formatNumber(T(v)), nil
	case int32:
		return formatNumber(T(v)), nil
	case int64:
		return formatNumber(T(v)), nil
	case float64:
		return formatNumber(T(v)), nil
	default:
		return "", &CodecError{Wire: fmt.Sprintf("%v", value), Err: fmt.Errorf("numeric codec: unsupported value type %T", value)}
	}
}

func formatNumber[T Number](v T) string {
	switch any(v).(type) {
	case float64:
		return strconv.FormatFloat(float64(v), 'g', -1, 64)
	default:
		return strconv.FormatInt(int64(v), 10)
	}
}

func (numericCodec[T]) Decode(wire string) (interface{}, error) {
	var zero T
	switch any(zero).(type) {
	case float64:
		f, err := strconv.ParseFloat(wire, 64)
		if err != nil {
			return nil, &CodecError{Wire: wire, Err: fmt.Errorf("numeric codec: %w", err)}
		}
		return T(f), nil
	default:
		i, err := strconv.ParseInt(wire, 10, 64)
		if err != nil {
			return nil, &CodecError{Wire: wire, Err: fmt.Errorf("numeric codec: %w", err)}
		}
		return T(i), nil
	}
}

type dictCodec struct{}

// Dict returns a Codec that serialises nested documents to a self-describing
// text form capable of round-tripping extended primitive types (binary,
// timestamp, decimal, object id) via BSON extended JSON.
func Dict() Codec { return dictCodec{} }

func (dictCodec) Encode(value interface{}) (string, error) {
	wire, err := bson.MarshalExtJSON(value, true, false)
	if err != nil {
		return "", &CodecError{Err: fmt.Errorf("dict codec: marshal: %w", err)}
	}
	return string(wire), nil
}

func (dictCodec) Decode(wire string) (interface{}, error) {
	var out bson.M
	if err := bson.UnmarshalExtJSON([]byte(wire), true, &out); err != nil {
		return nil, &CodecError{Wire: wire, Err: fmt.Errorf("dict codec: unmarshal: %w", err)}
	}
	return out, nil
}

type rawCodec struct{}

// Raw is the implicit codec for scalar fields with no declared codec:
// identity on strings.
func Raw() Codec { return rawCodec{} }

func (rawCodec) Encode(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

func (rawCodec) Decode(wire string) (interface{}, error) {
	return wire, nil
}
