// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state holds planner world snapshots and decides when two
// snapshots describe the same abstract state.
package state

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// ObjectID is the permanent identity of a domain object.
type ObjectID = trait.ObjectID

// ErrIdentity indicates a broken identity table.
var ErrIdentity = errors.New("object identity invariant violated")

var lastObjectID atomic.Uint64

// NextObjectID allocates a fresh identity. Identities are process-wide,
// start at 1, and are never reused.
func NextObjectID() ObjectID {
	return ObjectID(lastObjectID.Add(1))
}

// Container is one complete world snapshot: the object list, the parallel
// identity list, and every trait array.
//
// Description:
//
//	A container is writable until it is committed to a state manager.
//	After that it must be treated as immutable; derive successors with
//	Clone. Object indices are positions in the object list and are only
//	meaningful for this container.
//
// Thread Safety: Not safe for concurrent mutation. A published container
// may be read from any number of goroutines.
type Container struct {
	store *trait.Store
	ids   []ObjectID
	names []string
}

// New returns an empty container for the registry's trait types.
func New(reg *trait.Registry) *Container {
	return &Container{store: trait.NewStore(reg)}
}

// Registry returns the container's trait registry.
func (c *Container) Registry() *trait.Registry { return c.store.Registry() }

// Len returns the number of objects.
func (c *Container) Len() int { return len(c.ids) }

// Count returns the length of t's trait array.
func (c *Container) Count(t trait.Type) int { return c.store.Count(t) }

// AddObject appends an object with a fresh identity carrying the given
// trait types at their defaults.
//
// Outputs:
//   - int: Index of the new object.
//   - ObjectID: Its identity.
func (c *Container) AddObject(name string, types ...trait.Type) (int, ObjectID) {
	id := NextObjectID()
	return c.AddObjectWithID(id, name, types...), id
}

// AddObjectWithID appends an object under an existing identity. Used when
// rebuilding a snapshot whose identities must be preserved.
func (c *Container) AddObjectWithID(id ObjectID, name string, types ...trait.Type) int {
	i := c.store.AddObject()
	c.ids = append(c.ids, id)
	c.names = append(c.names, name)
	for _, t := range types {
		c.store.Add(i, t)
	}
	return i
}

// ID returns the identity of object i.
func (c *Container) ID(i int) ObjectID { return c.ids[i] }

// Name returns the debug name of object i.
func (c *Container) Name(i int) string { return c.names[i] }

// IDs returns a copy of the identity list.
func (c *Container) IDs() []ObjectID { return append([]ObjectID(nil), c.ids...) }

// IndexOf finds the object with identity id. The scan is linear.
func (c *Container) IndexOf(id ObjectID) (int, bool) {
	for i, x := range c.ids {
		if x == id {
			return i, true
		}
	}
	return -1, false
}

// IndexByName finds the first object with the given debug name.
func (c *Container) IndexByName(name string) (int, bool) {
	for i, n := range c.names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// Object returns the slot table of object i.
func (c *Container) Object(i int) trait.Object { return c.store.Object(i) }

// Has reports whether object i carries t.
func (c *Container) Has(i int, t trait.Type) bool { return c.store.Object(i).Has(t) }

// Add attaches t to object i at its default value.
func (c *Container) Add(i int, t trait.Type) trait.Slot { return c.store.Add(i, t) }

// Get returns a copy of object i's trait t. It panics if the trait is absent.
func (c *Container) Get(i int, t trait.Type) trait.Record { return c.store.Get(i, t) }

// Lookup returns a copy of object i's trait t if present.
func (c *Container) Lookup(i int, t trait.Type) (trait.Record, bool) { return c.store.Lookup(i, t) }

// Set writes rec onto object i, attaching the trait if needed.
func (c *Container) Set(i int, rec trait.Record) { c.store.Set(i, rec) }

// Field reads one field of object i's trait t.
func (c *Container) Field(i int, t trait.Type, field int) trait.Value {
	return c.store.Field(i, t, field)
}

// SetField writes one field of object i's trait t.
func (c *Container) SetField(i int, t trait.Type, field int, v trait.Value) {
	c.store.SetField(i, t, field, v)
}

// RemoveTrait detaches t from object i.
func (c *Container) RemoveTrait(i int, t trait.Type) bool { return c.store.Remove(i, t) }

// RemoveObject tears down every trait of object i and deletes it from the
// object and identity lists, preserving the order of the rest.
func (c *Container) RemoveObject(i int) {
	c.store.RemoveObject(i)
	c.ids = append(c.ids[:i], c.ids[i+1:]...)
	c.names = append(c.names[:i], c.names[i+1:]...)
}

// Select returns, in object order, the indices of objects passing f.
func (c *Container) Select(f trait.Filter) []int { return c.store.Select(f) }

// Matches reports whether object i passes f.
func (c *Container) Matches(i int, f trait.Filter) bool { return c.store.Matches(i, f) }

// Clone returns a full deep copy. Nothing is shared with c.
func (c *Container) Clone() *Container {
	return &Container{
		store: c.store.Clone(),
		ids:   append([]ObjectID(nil), c.ids...),
		names: append([]string(nil), c.names...),
	}
}

// Permute returns a copy whose object list is reordered so that position i
// holds c's object order[i]. Identities and trait values travel with their
// objects; trait arrays are rebuilt in the new order.
//
// Outputs:
//   - *Container: The reordered copy.
//   - error: Non-nil if order is not a permutation of c's indices.
func (c *Container) Permute(order []int) (*Container, error) {
	if len(order) != c.Len() {
		return nil, fmt.Errorf("permutation has %d entries for %d objects", len(order), c.Len())
	}
	seen := make([]bool, c.Len())
	out := New(c.Registry())
	reg := c.Registry()
	for _, src := range order {
		if src < 0 || src >= c.Len() || seen[src] {
			return nil, fmt.Errorf("invalid permutation entry %d", src)
		}
		seen[src] = true
		dst := out.AddObjectWithID(c.ids[src], c.names[src])
		for t := 0; t < reg.Len(); t++ {
			if rec, ok := c.store.Lookup(src, trait.Type(t)); ok {
				out.store.Set(dst, rec)
			}
		}
	}
	return out, nil
}

// Check verifies the container's structural invariants: the identity list
// is parallel to the object list, identities are unique and non-zero, and
// every trait array is compact.
func (c *Container) Check() error {
	if len(c.ids) != c.store.Len() || len(c.names) != len(c.ids) {
		return fmt.Errorf("%w: %d ids, %d names, %d objects", ErrIdentity, len(c.ids), len(c.names), c.store.Len())
	}
	seen := make(map[ObjectID]struct{}, len(c.ids))
	for i, id := range c.ids {
		if id == 0 {
			return fmt.Errorf("%w: object %d has zero identity", ErrIdentity, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: identity %d appears twice", ErrIdentity, id)
		}
		seen[id] = struct{}{}
	}
	return c.store.Check()
}

// String renders a short summary for logs.
func (c *Container) String() string {
	return fmt.Sprintf("state{objects=%d hash=%016x}", c.Len(), c.Hash())
}
