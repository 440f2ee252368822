package vecstore

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the variant held by a metadata Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is a tagged union for metadata of mixed JSON type
// (string/number/bool/array/object). Match metadata and filter operands are
// modeled explicitly instead of as a dynamically-typed dictionary.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

// String creates a string-valued metadata Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number creates a number-valued metadata Value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool creates a bool-valued metadata Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List creates a list-valued metadata Value.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Map creates an object-valued metadata Value.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string variant, reporting whether the Value holds one.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the number variant, reporting whether the Value holds one.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the bool variant, reporting whether the Value holds one.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsList returns the list variant, reporting whether the Value holds one.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// AsMap returns the object variant, reporting whether the Value holds one.
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// MarshalJSON encodes the active variant.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.m)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON value into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '[':
		var list []Value
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*v = List(list...)
	case '{':
		var m map[string]Value
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = Map(m)
	case 'n':
		*v = Value{}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("unsupported metadata value %q: %w", string(data), err)
		}
		*v = Number(f)
	}
	return nil
}

// Metadata is the per-vector metadata map.
type Metadata map[string]Value

// Filter is a metadata filter expression sent with queries, deletes, and
// updates. Construct with Eq, In, Range, Contains, and And.
type Filter struct {
	expr map[string]any
}

// Eq matches vectors whose field equals v.
func Eq(field string, v Value) Filter {
	return Filter{expr: map[string]any{field: map[string]any{"$eq": v}}}
}

// In matches vectors whose field is any of vs.
func In(field string, vs ...Value) Filter {
	return Filter{expr: map[string]any{field: map[string]any{"$in": vs}}}
}

// Range matches vectors whose numeric field lies in [min, max]. A nil bound
// leaves that side open.
func Range(field string, min, max *float64) Filter {
	bounds := map[string]any{}
	if min != nil {
		bounds["$gte"] = *min
	}
	if max != nil {
		bounds["$lte"] = *max
	}
	return Filter{expr: map[string]any{field: bounds}}
}

// Contains matches vectors whose string field contains substr.
func Contains(field, substr string) Filter {
	return Filter{expr: map[string]any{field: map[string]any{"$contains": substr}}}
}

// And composes filters. Zero filters yield the empty filter, one filter is
// returned unchanged, more are merged under $and.
func And(filters ...Filter) Filter {
	active := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if !f.IsZero() {
			active = append(active, f)
		}
	}
	switch len(active) {
	case 0:
		return Filter{}
	case 1:
		return active[0]
	default:
		exprs := make([]map[string]any, len(active))
		for i, f := range active {
			exprs[i] = f.expr
		}
		return Filter{expr: map[string]any{"$and": exprs}}
	}
}

// IsZero reports whether the filter is empty.
func (f Filter) IsZero() bool { return len(f.expr) == 0 }

// MarshalJSON encodes the filter expression.
func (f Filter) MarshalJSON() ([]byte, error) {
	if f.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(f.expr)
}
