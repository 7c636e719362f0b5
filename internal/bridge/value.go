// Package bridge implements the correlation-based message protocol between
// native code and content rendered in the embedded web surface. Requests
// and responses are paired by an opaque id; named actions route to
// registered handlers; parameter payloads are tagged variants validated at
// the boundary instead of free-form dictionaries.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the dynamic type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged variant crossing the bridge: string, number, bool,
// array, or map. Malformed payloads fail decoding at the boundary rather
// than panicking on a bad cast deep in a handler.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	obj  map[string]Value
}

// String creates a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number creates a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool creates a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Array creates an array value.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Map creates a map value.
func Map(m map[string]Value) Value { return Value{kind: KindMap, obj: m} }

// Null is the absent value.
func Null() Value { return Value{kind: KindNull} }

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the numeric payload.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsArray returns the array payload.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsMap returns the map payload.
func (v Value) AsMap() (map[string]Value, bool) { return v.obj, v.kind == KindMap }

// MarshalJSON encodes the value in its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindMap:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return nil, fmt.Errorf("bridge: cannot marshal kind %v", v.kind)
	}
}

// UnmarshalJSON decodes any JSON value into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("bridge: decode value: %w", err)
	}
	decoded, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("bridge: bad number %q: %w", x, err)
		}
		return Number(f), nil
	case []any:
		arr := make([]Value, 0, len(x))
		for _, item := range x {
			val, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, val)
		}
		return Array(arr...), nil
	case map[string]any:
		obj := make(map[string]Value, len(x))
		for k, item := range x {
			val, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = val
		}
		return Map(obj), nil
	default:
		return Value{}, fmt.Errorf("bridge: unsupported value type %T", raw)
	}
}

// =============================================================================
// Params
// =============================================================================

var (
	// ErrMissingParam indicates a required parameter was absent.
	ErrMissingParam = errors.New("bridge: missing parameter")
	// ErrInvalidParam indicates a parameter had the wrong type.
	ErrInvalidParam = errors.New("bridge: invalid parameter")
)

// Params is the key-value payload of a bridge message.
type Params map[string]Value

// RequireString returns the string parameter at key.
func (p Params) RequireString(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("%w: %s: want string, got %v", ErrInvalidParam, key, v.Kind())
	}
	return s, nil
}

// RequireBool returns the boolean parameter at key.
func (p Params) RequireBool(key string) (bool, error) {
	v, ok := p[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	b, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("%w: %s: want bool, got %v", ErrInvalidParam, key, v.Kind())
	}
	return b, nil
}

// RequireStringList returns the string-array parameter at key.
func (p Params) RequireStringList(key string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	arr, ok := v.AsArray()
	if !ok {
		return nil, fmt.Errorf("%w: %s: want array, got %v", ErrInvalidParam, key, v.Kind())
	}
	out := make([]string, 0, len(arr))
	for i, item := range arr {
		s, ok := item.AsString()
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d]: want string, got %v", ErrInvalidParam, key, i, item.Kind())
		}
		out = append(out, s)
	}
	return out, nil
}

// OptionalString returns the string parameter at key, or fallback.
func (p Params) OptionalString(key, fallback string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return fallback
}
