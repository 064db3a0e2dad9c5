// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trait

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the type of a trait field.
type Kind uint8

const (
	// KindInvalid is the zero kind; no field may declare it.
	KindInvalid Kind = iota

	// KindBool is a boolean flag.
	KindBool

	// KindInt is a signed integer counter.
	KindInt

	// KindFloat is a scalar float.
	KindFloat

	// KindVec3 is a three component vector (positions, facing).
	KindVec3

	// KindObject is a reference to another object by identity. The zero
	// reference means "no object".
	KindObject
)

// String returns the lower-case name used in domain files.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindVec3:
		return "vec3"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// ParseKind maps a domain-file kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "bool":
		return KindBool, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "vec3":
		return KindVec3, nil
	case "object":
		return KindObject, nil
	}
	return KindInvalid, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ObjectID is the permanent identity of a domain object. IDs are assigned
// once and never reused; zero is reserved for "no object".
type ObjectID uint64

// Vec3 is a three component vector.
type Vec3 struct {
	X, Y, Z float64
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Length returns the Euclidean length of v.
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance returns the Euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	return v.Sub(o).Length()
}

// Value is one trait field value. Values are small, comparable with ==,
// and usable as map keys.
//
// Thread Safety: Value is immutable.
type Value struct {
	kind Kind
	n    int64
	v    Vec3
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, n: 1}
	}
	return Value{kind: KindBool}
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, n: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, v: Vec3{X: f}} }

// Vector returns a vec3 value.
func Vector(v Vec3) Value { return Value{kind: KindVec3, v: v} }

// Ref returns an object reference value.
func Ref(id ObjectID) Value { return Value{kind: KindObject, n: int64(id)} }

// Zero returns the zero value of a kind.
func Zero(k Kind) Value { return Value{kind: k} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.n != 0 }

// AsInt returns the integer payload.
func (v Value) AsInt() int64 { return v.n }

// AsFloat returns the float payload. Integer values are widened.
func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.n)
	}
	return v.v.X
}

// AsVec3 returns the vector payload.
func (v Value) AsVec3() Vec3 { return v.v }

// AsRef returns the referenced object identity.
func (v Value) AsRef() ObjectID { return ObjectID(v.n) }

// Equal reports whether two values are identical.
func (v Value) Equal(o Value) bool { return v == o }

// Native returns the value as a plain Go value: bool, int, float64, Vec3,
// or ObjectID. Used to hand values to the execution layer and to
// expression environments.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.AsBool()
	case KindInt:
		return int(v.n)
	case KindFloat:
		return v.v.X
	case KindVec3:
		return v.v
	case KindObject:
		return ObjectID(v.n)
	default:
		return nil
	}
}

// FromNative converts a plain Go value into a Value of the given kind.
//
// Description:
//
//	Accepts the types produced by Native plus the loose forms that come
//	out of YAML and expression evaluation (any integer width, float32,
//	[]any / []float64 of length three for vectors).
//
// Outputs:
//   - Value: The converted value.
//   - error: ErrFieldKind if x cannot represent kind k.
func FromNative(k Kind, x any) (Value, error) {
	switch k {
	case KindBool:
		if b, ok := x.(bool); ok {
			return Bool(b), nil
		}
	case KindInt:
		if i, ok := toInt(x); ok {
			return Int(i), nil
		}
	case KindFloat:
		if f, ok := toFloat(x); ok {
			return Float(f), nil
		}
	case KindVec3:
		if v, ok := toVec3(x); ok {
			return Vector(v), nil
		}
	case KindObject:
		switch id := x.(type) {
		case ObjectID:
			return Ref(id), nil
		case nil:
			return Ref(0), nil
		}
		if i, ok := toInt(x); ok && i >= 0 {
			return Ref(ObjectID(i)), nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrFieldKind, x, k)
}

// String renders the value for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt:
		return strconv.FormatInt(v.n, 10)
	case KindFloat:
		return strconv.FormatFloat(v.v.X, 'g', -1, 64)
	case KindVec3:
		return fmt.Sprintf("(%g, %g, %g)", v.v.X, v.v.Y, v.v.Z)
	case KindObject:
		return "#" + strconv.FormatUint(uint64(v.n), 10)
	default:
		return "<invalid>"
	}
}

// Bits returns a canonical bit pattern for hashing. Negative zero is folded
// onto zero so that values equal under == hash identically.
func (v Value) Bits() [4]uint64 {
	return [4]uint64{uint64(v.n), floatBits(v.v.X), floatBits(v.v.Y), floatBits(v.v.Z)}
}

func floatBits(f float64) uint64 {
	if f == 0 {
		return 0
	}
	return math.Float64bits(f)
}

func toInt(x any) (int64, bool) {
	switch n := x.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case float64:
		// 2^63 is exactly representable; MaxInt64 is not.
		if n == math.Trunc(n) && n >= math.MinInt64 && n < 1<<63 {
			return int64(n), true
		}
	}
	return 0, false
}

func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	if i, ok := toInt(x); ok {
		return float64(i), true
	}
	return 0, false
}

func toVec3(x any) (Vec3, bool) {
	switch v := x.(type) {
	case Vec3:
		return v, true
	case []float64:
		if len(v) == 3 {
			return Vec3{X: v[0], Y: v[1], Z: v[2]}, true
		}
	case []any:
		if len(v) != 3 {
			return Vec3{}, false
		}
		var out [3]float64
		for i, c := range v {
			f, ok := toFloat(c)
			if !ok {
				return Vec3{}, false
			}
			out[i] = f
		}
		return Vec3{X: out[0], Y: out[1], Z: out[2]}, true
	}
	return Vec3{}, false
}
