// Package expr implements the template and predicate language used by
// workflow documents: {{ ... }} interpolation, dotted variable paths,
// operators, pipes, and a set of built-in functions, all evaluated against
// a dynamic variable scope.
package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// Type tags a Value. All operators are defined in terms of this tag so
// evaluation never depends on host-language coercion.
type Type int

const (
	TypeUndefined Type = iota
	TypeNull
	TypeBool
	TypeNumber
	TypeString
	TypeArray
	TypeObject
)

func (t Type) String() string {
	switch t {
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	}
	return "unknown"
}

// Value is the tagged evaluation value.
type Value struct {
	t   Type
	b   bool
	n   float64
	s   string
	arr []Value
	obj map[string]Value
}

// Undefined is the value of a missing path.
func Undefined() Value { return Value{t: TypeUndefined} }

// Null is the explicit null literal.
func Null() Value { return Value{t: TypeNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{t: TypeBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{t: TypeNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{t: TypeString, s: s} }

// Array wraps a slice of values.
func Array(items []Value) Value { return Value{t: TypeArray, arr: items} }

// Object wraps a string-keyed map of values.
func Object(fields map[string]Value) Value { return Value{t: TypeObject, obj: fields} }

// Kind returns the value's type tag.
func (v Value) Kind() Type { return v.t }

// IsUndefined reports whether the value is undefined.
func (v Value) IsUndefined() bool { return v.t == TypeUndefined }

// IsNullish reports whether the value is null or undefined.
func (v Value) IsNullish() bool { return v.t == TypeUndefined || v.t == TypeNull }

// FromAny converts an arbitrary Go value into a tagged Value. Maps and
// slices are converted recursively; unknown types degrade to their string
// form.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
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
	case uint64:
		return Number(float64(x))
	case string:
		return String(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = FromAny(item)
		}
		return Array(items)
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			fields[k] = FromAny(item)
		}
		return Object(fields)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = FromAny(rv.Index(i).Interface())
		}
		return Array(items)
	case reflect.Map:
		fields := make(map[string]Value, rv.Len())
		for _, key := range rv.MapKeys() {
			fields[fmt.Sprint(key.Interface())] = FromAny(rv.MapIndex(key).Interface())
		}
		return Object(fields)
	}
	return String(fmt.Sprint(v))
}

// Any converts the tagged value back into plain Go data. Undefined and
// null both map to nil.
func (v Value) Any() any {
	switch v.t {
	case TypeUndefined, TypeNull:
		return nil
	case TypeBool:
		return v.b
	case TypeNumber:
		return v.n
	case TypeString:
		return v.s
	case TypeArray:
		items := make([]any, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Any()
		}
		return items
	case TypeObject:
		fields := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			fields[k] = item.Any()
		}
		return fields
	}
	return nil
}

// Truthy reports whether the value is truthy: nullish values, false, zero,
// and the empty string are falsy; arrays and objects are always truthy.
func (v Value) Truthy() bool {
	switch v.t {
	case TypeUndefined, TypeNull:
		return false
	case TypeBool:
		return v.b
	case TypeNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case TypeString:
		return v.s != ""
	}
	return true
}

// Stringify renders the value for interpolation into a larger template.
// Nullish values render as the empty string.
func (v Value) Stringify() string {
	switch v.t {
	case TypeUndefined, TypeNull:
		return ""
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case TypeString:
		return v.s
	}
	data, err := json.Marshal(v.Any())
	if err != nil {
		return fmt.Sprint(v.Any())
	}
	return string(data)
}

// equals compares two values. Values of different tags are unequal, except
// that null and undefined equal each other.
func equals(a, b Value) bool {
	if a.IsNullish() && b.IsNullish() {
		return true
	}
	if a.t != b.t {
		return false
	}
	switch a.t {
	case TypeBool:
		return a.b == b.b
	case TypeNumber:
		return a.n == b.n
	case TypeString:
		return a.s == b.s
	case TypeArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !equals(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case TypeObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !equals(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// compare orders two values. Only numbers and strings are ordered; any
// other pairing is a runtime type mismatch.
func compare(a, b Value) (int, error) {
	if a.t == TypeNumber && b.t == TypeNumber {
		switch {
		case a.n < b.n:
			return -1, nil
		case a.n > b.n:
			return 1, nil
		}
		return 0, nil
	}
	if a.t == TypeString && b.t == TypeString {
		switch {
		case a.s < b.s:
			return -1, nil
		case a.s > b.s:
			return 1, nil
		}
		return 0, nil
	}
	return 0, flowerr.Newf(flowerr.KindExpressionError, "cannot compare %s with %s", a.t, b.t)
}
