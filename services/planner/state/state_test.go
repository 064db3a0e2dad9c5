// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

const (
	tLoc trait.Type = iota
	tCarry
	tActor
	tTint
)

func worldRegistry(t *testing.T) *trait.Registry {
	t.Helper()
	reg, err := trait.NewRegistry(
		trait.Schema{Name: "Location", Fields: []trait.Field{{Name: "Position", Kind: trait.KindVec3}}},
		trait.Schema{Name: "Carry", Fields: []trait.Field{{Name: "Count", Kind: trait.KindInt}}},
		trait.Schema{Name: "Actor"},
		trait.Schema{
			Name:   "Tint",
			Fields: []trait.Field{{Name: "Hue", Kind: trait.KindInt}},
			Equal:  func(a, b trait.Record) bool { return a.At(0) == b.At(0) },
		},
	)
	require.NoError(t, err)
	return reg
}

func place(c *Container, i int, p trait.Vec3) {
	c.SetField(i, tLoc, 0, trait.Vector(p))
}

func sampleWorld(t *testing.T, reg *trait.Registry) *Container {
	t.Helper()
	c := New(reg)
	a, _ := c.AddObject("actor", tActor, tLoc, tCarry)
	place(c, a, trait.Vec3{X: 1})
	for i := 0; i < 4; i++ {
		o, _ := c.AddObject("crate", tLoc)
		place(c, o, trait.Vec3{X: float64(i % 2), Y: 2})
	}
	w, _ := c.AddObject("marker", tLoc, tTint)
	place(c, w, trait.Vec3{Z: 3})
	require.NoError(t, c.Check())
	return c
}

func TestCombine_Commutes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		h, a, b := rng.Uint64(), rng.Uint64(), rng.Uint64()
		assert.Equal(t, Combine(Combine(h, a), b), Combine(Combine(h, b), a))
	}
}

func TestNextObjectID_Unique(t *testing.T) {
	a, b := NextObjectID(), NextObjectID()
	assert.NotZero(t, a)
	assert.Greater(t, uint64(b), uint64(a))
}

func TestContainer_CloneIsIndependent(t *testing.T) {
	reg := worldRegistry(t)
	c := sampleWorld(t, reg)
	d := c.Clone()

	place(d, 0, trait.Vec3{X: 42})
	d.RemoveObject(1)

	assert.Equal(t, trait.Vec3{X: 1}, c.Field(0, tLoc, 0).AsVec3())
	assert.Equal(t, 6, c.Len())
	assert.Equal(t, 5, d.Len())
	require.NoError(t, d.Check())
	assert.False(t, Equal(c, d))
}

func TestContainer_RemoveObjectKeepsIdentityListParallel(t *testing.T) {
	c := sampleWorld(t, worldRegistry(t))
	ids := c.IDs()

	c.RemoveObject(2)

	assert.Equal(t, append(append([]ObjectID(nil), ids[:2]...), ids[3:]...), c.IDs())
	require.NoError(t, c.Check())
	_, found := c.IndexOf(ids[2])
	assert.False(t, found)
}

func TestEqual_OrderIndependence(t *testing.T) {
	reg := worldRegistry(t)
	c := sampleWorld(t, reg)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 25; i++ {
		p, err := c.Permute(rng.Perm(c.Len()))
		require.NoError(t, err)
		require.NoError(t, p.Check())
		assert.True(t, Equal(c, p), "permutation %d", i)
		assert.True(t, Equal(p, c), "permutation %d reversed", i)
		assert.Equal(t, c.Hash(), p.Hash(), "permutation %d", i)
	}
}

func TestEqual_IgnoresIdentities(t *testing.T) {
	reg := worldRegistry(t)
	a, b := sampleWorld(t, reg), sampleWorld(t, reg)
	assert.NotEqual(t, a.IDs(), b.IDs())
	assert.True(t, Equal(a, b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestEqual_Rejections(t *testing.T) {
	reg := worldRegistry(t)

	t.Run("object count", func(t *testing.T) {
		a := sampleWorld(t, reg)
		b := a.Clone()
		b.AddObject("extra")
		assert.False(t, Equal(a, b))
	})

	t.Run("trait counts", func(t *testing.T) {
		a := sampleWorld(t, reg)
		b := a.Clone()
		b.Add(1, tCarry)
		assert.False(t, Equal(a, b))
	})

	t.Run("trait sets differ with equal counts", func(t *testing.T) {
		a := sampleWorld(t, reg)
		b := a.Clone()
		b.RemoveTrait(0, tActor)
		b.Add(1, tActor)
		assert.False(t, Equal(a, b))
	})

	t.Run("field value", func(t *testing.T) {
		a := sampleWorld(t, reg)
		b := a.Clone()
		b.SetField(0, tCarry, 0, trait.Int(1))
		assert.False(t, Equal(a, b))
		assert.NotEqual(t, a.Hash(), b.Hash())
	})
}

func TestEqual_CustomEqualityCollision(t *testing.T) {
	reg := worldRegistry(t)
	a := sampleWorld(t, reg)
	b := a.Clone()
	marker, ok := b.IndexByName("marker")
	require.True(t, ok)
	b.SetField(marker, tTint, 0, trait.Int(9))

	assert.Equal(t, a.Hash(), b.Hash(), "custom-equality traits contribute only their type")
	assert.False(t, Equal(a, b), "the matcher must reject the collision")
}

// linkRegistry declares a trait with an object reference so that equality
// depends on relations between objects.
func linkRegistry(t *testing.T) *trait.Registry {
	t.Helper()
	reg, err := trait.NewRegistry(trait.Schema{Name: "Node", Fields: []trait.Field{
		{Name: "Color", Kind: trait.KindInt},
		{Name: "Next", Kind: trait.KindObject},
	}})
	require.NoError(t, err)
	assert.True(t, reg.HasRelations())
	return reg
}

// chain builds len(colors) nodes; next[i] is the index node i points to,
// or -1 for none.
func chain(reg *trait.Registry, colors []int64, next []int) *Container {
	c := New(reg)
	for i, col := range colors {
		c.AddObject("n", 0)
		c.SetField(i, 0, 0, trait.Int(col))
	}
	for i, n := range next {
		if n >= 0 {
			c.SetField(i, 0, 1, trait.Ref(c.ID(n)))
		}
	}
	return c
}

func TestEqual_RelationsRequireBacktracking(t *testing.T) {
	reg := linkRegistry(t)
	a := chain(reg, []int64{1, 1, 5, 6}, []int{2, 3, -1, -1})
	b := chain(reg, []int64{1, 1, 5, 6}, []int{3, 2, -1, -1})

	assert.Equal(t, a.Hash(), b.Hash())
	require.True(t, Equal(a, b))

	m, ok := Mapping(a, b)
	require.True(t, ok)
	assert.Equal(t, []int{1, 0, 2, 3}, m, "first candidate fails on its reference and is backtracked")
}

func TestEqual_RelationCollisionRejected(t *testing.T) {
	reg := linkRegistry(t)
	a := chain(reg, []int64{1, 1, 5, 6}, []int{2, 3, -1, -1})
	b := chain(reg, []int64{1, 1, 5, 6}, []int{2, 2, -1, -1})

	assert.Equal(t, a.Hash(), b.Hash(), "references are not hashed")
	assert.False(t, Equal(a, b))
}

func TestEqual_SymmetricObjectsBacktrack(t *testing.T) {
	reg := linkRegistry(t)
	// Two two-cycles of identical colours: every first choice is valid, so
	// the matcher only needs to keep the mapping consistent.
	a := chain(reg, []int64{3, 3, 3, 3}, []int{1, 0, 3, 2})
	b := chain(reg, []int64{3, 3, 3, 3}, []int{2, 3, 0, 1})
	assert.True(t, Equal(a, b))

	// A four-cycle is not two two-cycles.
	c := chain(reg, []int64{3, 3, 3, 3}, []int{1, 2, 3, 0})
	assert.Equal(t, a.Hash(), c.Hash())
	assert.False(t, Equal(a, c))
}

func TestPermute_RejectsBadOrder(t *testing.T) {
	c := sampleWorld(t, worldRegistry(t))
	_, err := c.Permute([]int{0, 0, 1, 2, 3, 4})
	assert.Error(t, err)
	_, err = c.Permute([]int{0})
	assert.Error(t, err)
}
