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
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// Equal reports whether a and b describe the same abstract state.
//
// Description:
//
//	Containers are equal when a one-to-one correspondence between their
//	objects exists such that paired objects carry the same trait types,
//	every paired trait is equal under its trait's equality, and object
//	references point at paired objects. Object order and identities do
//	not matter. Cheap count checks run first; the correspondence is found
//	by an explicit-stack backtracking search over source objects in
//	identity-list order, with an undo log restoring the partial mapping
//	when a branch fails.
//
// Thread Safety: Safe for concurrent use on published containers.
func Equal(a, b *Container) bool {
	if a == b {
		return true
	}
	if a.Registry() != b.Registry() || a.Len() != b.Len() {
		return false
	}
	reg := a.Registry()
	for t := 0; t < reg.Len(); t++ {
		if a.Count(trait.Type(t)) != b.Count(trait.Type(t)) {
			return false
		}
	}
	if a.Len() == 0 {
		return true
	}
	m := newMatcher(a, b)
	return m.run()
}

// Mapping returns the object correspondence found by Equal: out[i] is the
// index in b paired with a's object i. ok is false when the states differ.
func Mapping(a, b *Container) (out []int, ok bool) {
	if !Equal(a, b) {
		return nil, false
	}
	if a == b || a.Len() == 0 {
		out = make([]int, a.Len())
		for i := range out {
			out[i] = i
		}
		return out, true
	}
	m := newMatcher(a, b)
	m.run()
	return append([]int(nil), m.l2r...), true
}

type pair struct{ l, r int }

// frame is one level of the correspondence search: source object l is
// being paired, candidates below next have been tried, and mark is the
// undo-log length to restore before trying another candidate.
type frame struct {
	l    int
	next int
	mark int
}

type matcher struct {
	a, b  *Container
	reg   *trait.Registry
	l2r   []int
	r2l   []int
	undo  []int
	queue []pair

	// Identity to index lookups, built only when the registry declares
	// object reference fields.
	aIndex map[ObjectID]int
	bIndex map[ObjectID]int
}

func newMatcher(a, b *Container) *matcher {
	n := a.Len()
	m := &matcher{
		a:   a,
		b:   b,
		reg: a.Registry(),
		l2r: make([]int, n),
		r2l: make([]int, n),
	}
	for i := range n {
		m.l2r[i] = -1
		m.r2l[i] = -1
	}
	if m.reg.HasRelations() {
		m.aIndex = indexByID(a)
		m.bIndex = indexByID(b)
	}
	return m
}

func indexByID(c *Container) map[ObjectID]int {
	idx := make(map[ObjectID]int, c.Len())
	for i, id := range c.ids {
		idx[id] = i
	}
	return idx
}

func (m *matcher) run() bool {
	n := len(m.l2r)
	stack := []frame{{l: 0}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		m.rollback(top.mark)

		paired := false
		for r := top.next; r < n; r++ {
			if m.r2l[r] >= 0 {
				continue
			}
			if m.try(top.l, r) {
				top.next = r + 1
				paired = true
				break
			}
			m.rollback(top.mark)
		}
		if !paired {
			stack = stack[:len(stack)-1]
			continue
		}

		next := m.nextUnmapped(top.l + 1)
		if next < 0 {
			return true
		}
		stack = append(stack, frame{l: next, mark: len(m.undo)})
	}
	return false
}

func (m *matcher) nextUnmapped(from int) int {
	for l := from; l < len(m.l2r); l++ {
		if m.l2r[l] < 0 {
			return l
		}
	}
	return -1
}

func (m *matcher) assign(l, r int) {
	m.l2r[l] = r
	m.r2l[r] = l
	m.undo = append(m.undo, l)
}

func (m *matcher) rollback(mark int) {
	for len(m.undo) > mark {
		l := m.undo[len(m.undo)-1]
		m.undo = m.undo[:len(m.undo)-1]
		m.r2l[m.l2r[l]] = -1
		m.l2r[l] = -1
	}
}

// try pairs l with r and then every object pair that references force.
// On failure the caller rolls the mapping back.
func (m *matcher) try(l, r int) bool {
	m.queue = append(m.queue[:0], pair{l, r})
	m.assign(l, r)
	for i := 0; i < len(m.queue); i++ {
		p := m.queue[i]
		if !m.attributesMatch(p.l, p.r) {
			return false
		}
		if m.aIndex != nil && !m.relationsMatch(p.l, p.r) {
			return false
		}
	}
	return true
}

func (m *matcher) attributesMatch(l, r int) bool {
	lo, ro := m.a.store.Object(l), m.b.store.Object(r)
	if lo.Mask() != ro.Mask() {
		return false
	}
	for t := 0; t < m.reg.Len(); t++ {
		typ := trait.Type(t)
		if !lo.Has(typ) {
			continue
		}
		sc := m.reg.Schema(typ)
		if sc.Equal != nil {
			if !sc.Equal(m.a.store.Get(l, typ), m.b.store.Get(r, typ)) {
				return false
			}
			continue
		}
		for f, field := range sc.Fields {
			if field.Kind == trait.KindObject {
				continue
			}
			if m.a.store.Field(l, typ, f) != m.b.store.Field(r, typ, f) {
				return false
			}
		}
	}
	return true
}

// relationsMatch checks every object reference field of a freshly paired
// object. Targets must already correspond, or be unpaired on both sides in
// which case they are paired and queued.
func (m *matcher) relationsMatch(l, r int) bool {
	lo := m.a.store.Object(l)
	for t := 0; t < m.reg.Len(); t++ {
		typ := trait.Type(t)
		if !lo.Has(typ) {
			continue
		}
		for f, field := range m.reg.Schema(typ).Fields {
			if field.Kind != trait.KindObject {
				continue
			}
			la := m.a.store.Field(l, typ, f).AsRef()
			rb := m.b.store.Field(r, typ, f).AsRef()
			if !m.refsCorrespond(la, rb) {
				return false
			}
		}
	}
	return true
}

func (m *matcher) refsCorrespond(la, rb ObjectID) bool {
	if la == 0 || rb == 0 {
		return la == rb
	}
	li, lok := m.aIndex[la]
	ri, rok := m.bIndex[rb]
	if !lok || !rok {
		// Dangling references compare by identity.
		return !lok && !rok && la == rb
	}
	if m.l2r[li] == ri {
		return true
	}
	if m.l2r[li] >= 0 || m.r2l[ri] >= 0 {
		return false
	}
	m.assign(li, ri)
	m.queue = append(m.queue, pair{li, ri})
	return true
}
