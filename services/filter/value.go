package filter

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind tags the dynamic type carried by a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "absent"
	}
}

// Value is a tagged union over the shapes lead form data can take.
// Null and missing fields are both KindAbsent.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	obj  map[string]any
}

func Absent() Value            { return Value{} }
func String(s string) Value    { return Value{kind: KindString, str: s} }
func Number(f float64) Value   { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Array(vs ...Value) Value  { return Value{kind: KindArray, arr: vs} }
func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// FromAny converts a decoded JSON value (or a plain Go scalar) into a Value.
// Unsupported Go types become KindAbsent.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Absent()
	case Value:
		return x
	case string:
		return String(x)
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case uint:
		return Number(float64(x))
	case uint32:
		return Number(float64(x))
	case uint64:
		return Number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case []any:
		out := make([]Value, 0, len(x))
		for _, e := range x {
			out = append(out, FromAny(e))
		}
		return Array(out...)
	case []string:
		out := make([]Value, 0, len(x))
		for _, e := range x {
			out = append(out, String(e))
		}
		return Array(out...)
	case map[string]any:
		return Value{kind: KindObject, obj: x}
	default:
		return Absent()
	}
}

// Equal is strict equality: both sides must share a kind.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindAbsent:
		return false
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return reflect.DeepEqual(v.obj, o.obj)
	}
	return false
}

// AsNumber performs best-effort numeric coercion. Only numbers and numeric
// strings convert; NaN and infinities are rejected.
func (v Value) AsNumber() (float64, bool) {
	var f float64
	switch v.kind {
	case KindNumber:
		f = v.num
	case KindString:
		s := strings.TrimSpace(v.str)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Present reports whether the value counts as supplied: not absent, not an
// empty string, and for arrays not empty.
func (v Value) Present() bool {
	switch v.kind {
	case KindAbsent:
		return false
	case KindString:
		return v.str != ""
	case KindArray:
		return len(v.arr) > 0
	default:
		return true
	}
}
