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
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tPos Type = iota
	tCount
	tTag
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		Schema{Name: "Position", Fields: []Field{{Name: "At", Kind: KindVec3}}},
		Schema{Name: "Counter", Fields: []Field{
			{Name: "N", Kind: KindInt, Default: Int(7)},
			{Name: "On", Kind: KindBool},
		}},
		Schema{Name: "Tag"},
	)
	require.NoError(t, err)
	return reg
}

func recoverErr(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func TestNewRegistry_Validation(t *testing.T) {
	t.Run("duplicate trait", func(t *testing.T) {
		_, err := NewRegistry(Schema{Name: "A"}, Schema{Name: "A"})
		assert.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("duplicate field", func(t *testing.T) {
		_, err := NewRegistry(Schema{Name: "A", Fields: []Field{{Name: "x", Kind: KindInt}, {Name: "x", Kind: KindInt}}})
		assert.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("default kind mismatch", func(t *testing.T) {
		_, err := NewRegistry(Schema{Name: "A", Fields: []Field{{Name: "x", Kind: KindInt, Default: Bool(true)}}})
		assert.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("too many traits", func(t *testing.T) {
		var schemas []Schema
		for i := 0; i <= MaxTraits; i++ {
			schemas = append(schemas, Schema{Name: string(rune('A' + i))})
		}
		_, err := NewRegistry(schemas...)
		assert.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("ordinals follow declaration order", func(t *testing.T) {
		reg := testRegistry(t)
		typ, ok := reg.Lookup("Tag")
		require.True(t, ok)
		assert.Equal(t, tTag, typ)
		assert.False(t, reg.HasRelations())
	})
}

func TestStore_AddGetSet(t *testing.T) {
	reg := testRegistry(t)
	s := NewStore(reg)

	a := s.AddObject()
	slot := s.Add(a, tCount)
	assert.Equal(t, Slot(0), slot)
	assert.Equal(t, Unset, s.Object(a).Slot(tPos))

	rec := s.Get(a, tCount)
	assert.Equal(t, int64(7), rec.MustGet("N").AsInt(), "default applied")

	require.NoError(t, rec.Set("N", Int(3)))
	assert.Equal(t, int64(7), s.Field(a, tCount, 0).AsInt(), "records are detached copies")
	s.Set(a, rec)
	assert.Equal(t, int64(3), s.Field(a, tCount, 0).AsInt())

	t.Run("set attaches missing trait", func(t *testing.T) {
		p := reg.Schema(tPos).NewRecord()
		p.MustSet("At", Vector(Vec3{X: 1}))
		s.Set(a, p)
		assert.True(t, s.Object(a).Has(tPos))
		assert.Equal(t, Vec3{X: 1}, s.Field(a, tPos, 0).AsVec3())
	})

	t.Run("add is idempotent", func(t *testing.T) {
		assert.Equal(t, slot, s.Add(a, tCount))
		assert.Equal(t, 1, s.Count(tCount))
	})
}

func TestStore_GetUnsetPanics(t *testing.T) {
	s := NewStore(testRegistry(t))
	a := s.AddObject()

	err := recoverErr(func() { s.Get(a, tPos) })
	assert.True(t, errors.Is(err, ErrTraitNotSet), "got %v", err)

	err = recoverErr(func() { s.SetField(a, tPos, 0, Vector(Vec3{})) })
	assert.True(t, errors.Is(err, ErrTraitNotSet), "got %v", err)
}

func TestStore_SetFieldKindPanics(t *testing.T) {
	s := NewStore(testRegistry(t))
	a := s.AddObject()
	s.Add(a, tCount)

	err := recoverErr(func() { s.SetField(a, tCount, 0, Bool(true)) })
	assert.True(t, errors.Is(err, ErrFieldKind), "got %v", err)
}

func TestStore_RemoveSwapsLastAndRepoints(t *testing.T) {
	s := NewStore(testRegistry(t))
	objs := make([]int, 3)
	for i := range objs {
		objs[i] = s.AddObject()
		s.Add(objs[i], tCount)
		s.SetField(objs[i], tCount, 0, Int(int64(10+i)))
	}

	assert.True(t, s.Remove(objs[0], tCount))
	assert.False(t, s.Remove(objs[0], tCount), "second removal reports absence")

	assert.Equal(t, 2, s.Count(tCount))
	assert.Equal(t, Unset, s.Object(objs[0]).Slot(tCount))
	assert.Equal(t, Slot(0), s.Object(objs[2]).Slot(tCount), "last record moved into freed slot")
	assert.Equal(t, int64(12), s.Field(objs[2], tCount, 0).AsInt())
	assert.Equal(t, int64(11), s.Field(objs[1], tCount, 0).AsInt())
	require.NoError(t, s.Check())
}

func TestStore_RemoveLastSlot(t *testing.T) {
	s := NewStore(testRegistry(t))
	a, b := s.AddObject(), s.AddObject()
	s.Add(a, tTag)
	s.Add(b, tTag)

	assert.True(t, s.Remove(b, tTag))
	assert.Equal(t, Slot(0), s.Object(a).Slot(tTag))
	assert.Equal(t, 1, s.Count(tTag))
	require.NoError(t, s.Check())
}

func TestStore_RemoveObject(t *testing.T) {
	s := NewStore(testRegistry(t))
	a, b, c := s.AddObject(), s.AddObject(), s.AddObject()
	for _, o := range []int{a, b, c} {
		s.Add(o, tPos)
		s.Add(o, tTag)
	}
	s.SetField(c, tPos, 0, Vector(Vec3{Z: 9}))

	s.RemoveObject(a)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Count(tPos))
	assert.Equal(t, 2, s.Count(tTag))
	assert.Equal(t, Vec3{Z: 9}, s.Field(1, tPos, 0).AsVec3(), "later objects shift down")
	require.NoError(t, s.Check())
}

func TestStore_CompactionInvariantUnderRandomOps(t *testing.T) {
	reg := testRegistry(t)
	s := NewStore(reg)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 12; i++ {
		s.AddObject()
	}
	want := map[[2]int]int64{}

	for step := 0; step < 2000; step++ {
		obj := rng.Intn(s.Len())
		typ := Type(rng.Intn(reg.Len()))
		switch rng.Intn(3) {
		case 0, 1:
			s.Add(obj, typ)
			if typ == tCount {
				v := rng.Int63n(1000)
				s.SetField(obj, tCount, 0, Int(v))
				want[[2]int{obj, int(typ)}] = v
			}
		case 2:
			s.Remove(obj, typ)
			delete(want, [2]int{obj, int(typ)})
		}
		require.NoError(t, s.Check(), "step %d", step)
	}

	for k, v := range want {
		assert.Equal(t, v, s.Field(k[0], tCount, 0).AsInt(), "object %d kept its data", k[0])
	}
}

func TestStore_SelectAndFilter(t *testing.T) {
	s := NewStore(testRegistry(t))
	a, b, c := s.AddObject(), s.AddObject(), s.AddObject()
	s.Add(a, tPos)
	s.Add(b, tPos)
	s.Add(b, tTag)
	s.Add(c, tTag)

	f := Filter{Require: MaskOf(tPos), Exclude: MaskOf(tTag)}
	assert.Equal(t, []int{a}, s.Select(f))
	assert.Equal(t, []int{a, b}, s.Select(Filter{Require: MaskOf(tPos)}))
	assert.True(t, s.Matches(c, Filter{Exclude: MaskOf(tPos)}))
}

func TestStore_CloneIsDeep(t *testing.T) {
	s := NewStore(testRegistry(t))
	a := s.AddObject()
	s.Add(a, tCount)

	c := s.Clone()
	c.SetField(a, tCount, 0, Int(99))
	c.Remove(a, tCount)

	assert.Equal(t, int64(7), s.Field(a, tCount, 0).AsInt())
	assert.True(t, s.Object(a).Has(tCount))
}

func TestRecord_FieldAccessors(t *testing.T) {
	reg := testRegistry(t)
	rec := reg.Schema(tCount).NewRecord()

	_, err := GetField(rec, "Missing")
	require.ErrorIs(t, err, ErrUnknownField)
	assert.Contains(t, err.Error(), `field "Missing" does not exist on trait Counter`)

	assert.ErrorIs(t, SetField(rec, "N", Float(1)), ErrFieldKind)
	require.NoError(t, SetField(rec, "On", Bool(true)))

	v, err := GetField(rec, "On")
	require.NoError(t, err)
	assert.True(t, v.AsBool())
	assert.Equal(t, map[string]any{"N": 7, "On": true}, rec.Map())

	assert.Panics(t, func() { rec.MustGet("nope") })
}

func TestFromNative(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		in   any
		want Value
		err  bool
	}{
		{"int from float64", KindInt, 3.0, Int(3), false},
		{"int from fraction", KindInt, 3.5, Value{}, true},
		{"int from max uint64", KindInt, uint64(math.MaxInt64), Int(math.MaxInt64), false},
		{"int overflows from uint64", KindInt, uint64(math.MaxInt64) + 1, Value{}, true},
		{"int overflows from uint", KindInt, ^uint(0), Value{}, true},
		{"int overflows from float64", KindInt, 1e19, Value{}, true},
		{"float from large uint64", KindFloat, uint64(1) << 63, Float(1 << 63), false},
		{"object from large uint64", KindObject, uint64(math.MaxUint64), Value{}, true},
		{"float from int", KindFloat, 2, Float(2), false},
		{"vec3 from yaml list", KindVec3, []any{1, 2.5, 3}, Vector(Vec3{1, 2.5, 3}), false},
		{"vec3 short", KindVec3, []any{1, 2}, Value{}, true},
		{"bool", KindBool, true, Bool(true), false},
		{"object id", KindObject, ObjectID(4), Ref(4), false},
		{"object nil", KindObject, nil, Ref(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromNative(tt.kind, tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrFieldKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValue_NegativeZeroHashesAsZero(t *testing.T) {
	var nz float64
	nz = -nz
	a, b := Float(0), Float(nz)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Bits(), b.Bits())
}
