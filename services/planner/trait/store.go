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
	"math/bits"
)

// Slot is a position in a trait array.
type Slot uint16

// Unset marks a trait type that an object does not carry.
const Unset Slot = math.MaxUint16

// -----------------------------------------------------------------------------
// Mask and Filter
// -----------------------------------------------------------------------------

// Mask is a set of trait types, one bit per ordinal.
type Mask uint32

// MaskOf builds a mask from trait types.
func MaskOf(types ...Type) Mask {
	var m Mask
	for _, t := range types {
		m = m.With(t)
	}
	return m
}

// With returns m plus t.
func (m Mask) With(t Type) Mask { return m | 1<<t }

// Has reports whether t is in m.
func (m Mask) Has(t Type) bool { return m&(1<<t) != 0 }

// Len returns the number of trait types in m.
func (m Mask) Len() int { return bits.OnesCount32(uint32(m)) }

// Filter selects objects by the trait types they carry.
type Filter struct {
	// Require lists trait types the object must carry.
	Require Mask

	// Exclude lists trait types the object must not carry.
	Exclude Mask
}

// Match reports whether an object carrying m passes the filter.
func (f Filter) Match(m Mask) bool {
	return m&f.Require == f.Require && m&f.Exclude == 0
}

// -----------------------------------------------------------------------------
// Object
// -----------------------------------------------------------------------------

// Object is the per-object slot table: for every trait type, the slot of
// the object's record in that trait's array, or Unset.
type Object struct {
	slots [MaxTraits]Slot
}

// NewObject returns an object carrying no traits.
func NewObject() Object {
	var o Object
	for i := range o.slots {
		o.slots[i] = Unset
	}
	return o
}

// Slot returns the slot for t, or Unset.
func (o Object) Slot(t Type) Slot { return o.slots[t] }

// Has reports whether the object carries t.
func (o Object) Has(t Type) bool { return o.slots[t] != Unset }

// Mask returns the set of trait types the object carries.
func (o Object) Mask() Mask {
	var m Mask
	for i, s := range o.slots {
		if s != Unset {
			m |= 1 << i
		}
	}
	return m
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// column is one dense trait array. Records are stored flat, stride values
// each; n counts records so that field-less traits still have a length.
type column struct {
	stride int
	n      int
	data   []Value
}

func (c *column) record(slot Slot) []Value {
	i := int(slot) * c.stride
	return c.data[i : i+c.stride : i+c.stride]
}

// Store holds the objects of one world snapshot and their trait arrays.
//
// Description:
//
//	Every trait type has its own dense array. Each object's slot table
//	points into those arrays. Removal swaps the last record into the freed
//	slot and repoints whichever object owned it, keeping arrays gap-free.
//
// Thread Safety: Not safe for concurrent mutation. Concurrent reads are
// safe once no goroutine writes.
type Store struct {
	reg     *Registry
	objects []Object
	columns []column
}

// NewStore returns an empty store for the registry's trait types.
func NewStore(reg *Registry) *Store {
	s := &Store{reg: reg, columns: make([]column, reg.Len())}
	for i, sc := range reg.schemas {
		s.columns[i].stride = sc.Stride()
	}
	return s
}

// Registry returns the trait registry the store was built for.
func (s *Store) Registry() *Registry { return s.reg }

// Len returns the number of objects.
func (s *Store) Len() int { return len(s.objects) }

// Count returns the length of t's trait array.
func (s *Store) Count(t Type) int { return s.columns[t].n }

// Object returns the slot table of object i.
func (s *Store) Object(i int) Object { return s.objects[i] }

// AddObject appends an object with no traits and returns its index.
func (s *Store) AddObject() int {
	s.objects = append(s.objects, NewObject())
	return len(s.objects) - 1
}

// Add appends a default record of type t to its array and attaches it to
// object obj. If obj already carries t the existing slot is returned.
func (s *Store) Add(obj int, t Type) Slot {
	o := &s.objects[obj]
	if o.slots[t] != Unset {
		return o.slots[t]
	}
	c := &s.columns[t]
	start := len(c.data)
	for range c.stride {
		c.data = append(c.data, Value{})
	}
	s.reg.schemas[t].fillDefaults(c.data[start:])
	slot := Slot(c.n)
	c.n++
	o.slots[t] = slot
	return slot
}

// Get returns a copy of object obj's record of type t.
//
// Description:
//
//	Reading a trait the object does not carry is a programming error:
//	callers must have filtered on trait presence first. Get panics with an
//	error wrapping ErrTraitNotSet in that case.
func (s *Store) Get(obj int, t Type) Record {
	r, ok := s.Lookup(obj, t)
	if !ok {
		panic(fmt.Errorf("%w: object %d has no %s", ErrTraitNotSet, obj, s.reg.schemas[t].Name))
	}
	return r
}

// Lookup returns a copy of object obj's record of type t if present.
func (s *Store) Lookup(obj int, t Type) (Record, bool) {
	slot := s.objects[obj].slots[t]
	if slot == Unset {
		return Record{}, false
	}
	vals := append([]Value(nil), s.columns[t].record(slot)...)
	return Record{schema: s.reg.schemas[t], values: vals}, true
}

// Set writes rec as object obj's trait of rec's type, attaching the trait
// if the object does not carry it yet.
func (s *Store) Set(obj int, rec Record) {
	if rec.schema == nil || int(rec.schema.typ) >= len(s.reg.schemas) || s.reg.schemas[rec.schema.typ] != rec.schema {
		panic(fmt.Errorf("%w: record does not belong to this registry", ErrSchemaMismatch))
	}
	t := rec.schema.typ
	slot := s.Add(obj, t)
	copy(s.columns[t].record(slot), rec.values)
}

// Field reads one field of object obj's trait t without copying the record.
// It panics with ErrTraitNotSet if the trait is absent.
func (s *Store) Field(obj int, t Type, field int) Value {
	slot := s.objects[obj].slots[t]
	if slot == Unset {
		panic(fmt.Errorf("%w: object %d has no %s", ErrTraitNotSet, obj, s.reg.schemas[t].Name))
	}
	return s.columns[t].record(slot)[field]
}

// SetField writes one field of object obj's trait t. It panics with
// ErrTraitNotSet if the trait is absent and ErrFieldKind on a kind mismatch.
func (s *Store) SetField(obj int, t Type, field int, v Value) {
	slot := s.objects[obj].slots[t]
	if slot == Unset {
		panic(fmt.Errorf("%w: object %d has no %s", ErrTraitNotSet, obj, s.reg.schemas[t].Name))
	}
	sc := s.reg.schemas[t]
	if want := sc.Fields[field].Kind; v.kind != want {
		panic(fmt.Errorf("%w: %s.%s is %s, got %s", ErrFieldKind, sc.Name, sc.Fields[field].Name, want, v.kind))
	}
	s.columns[t].record(slot)[field] = v
}

// Remove detaches trait t from object obj.
//
// Description:
//
//	The last record of t's array is moved into the freed slot and the
//	array is truncated. The object list is then scanned in order and the
//	first object whose slot for t equals the old last index is repointed
//	to the freed slot. The scan is linear in the object count.
//
// Outputs:
//   - bool: False if the object did not carry t.
func (s *Store) Remove(obj int, t Type) bool {
	slot := s.objects[obj].slots[t]
	if slot == Unset {
		return false
	}
	c := &s.columns[t]
	last := Slot(c.n - 1)
	if slot != last {
		copy(c.record(slot), c.record(last))
	}
	c.n--
	c.data = c.data[:c.n*c.stride]

	for i := range s.objects {
		if s.objects[i].slots[t] == last {
			s.objects[i].slots[t] = slot
			break
		}
	}
	s.objects[obj].slots[t] = Unset
	return true
}

// RemoveObject detaches every trait of object obj in trait-type order and
// then deletes the object, shifting later objects down by one.
func (s *Store) RemoveObject(obj int) {
	for t := range s.columns {
		s.Remove(obj, Type(t))
	}
	s.objects = append(s.objects[:obj], s.objects[obj+1:]...)
}

// Matches reports whether object obj passes f.
func (s *Store) Matches(obj int, f Filter) bool {
	return f.Match(s.objects[obj].Mask())
}

// Select returns, in object order, the indices of objects passing f.
func (s *Store) Select(f Filter) []int {
	var out []int
	for i := range s.objects {
		if f.Match(s.objects[i].Mask()) {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns a deep copy sharing nothing with s except the registry.
func (s *Store) Clone() *Store {
	out := &Store{
		reg:     s.reg,
		objects: append([]Object(nil), s.objects...),
		columns: make([]column, len(s.columns)),
	}
	for i, c := range s.columns {
		out.columns[i] = column{stride: c.stride, n: c.n, data: append([]Value(nil), c.data...)}
	}
	return out
}

// Check verifies the compaction invariant: every array is exactly as long
// as the number of objects carrying its trait, and every present slot is
// in range and owned by exactly one object.
//
// Outputs:
//   - error: Wraps ErrCompaction describing the first violation found.
func (s *Store) Check() error {
	for t, c := range s.columns {
		if len(c.data) != c.n*c.stride {
			return fmt.Errorf("%w: %s array holds %d values for %d records",
				ErrCompaction, s.reg.schemas[t].Name, len(c.data), c.n)
		}
		owners := make([]int, c.n)
		for i := range owners {
			owners[i] = -1
		}
		for i, o := range s.objects {
			slot := o.slots[t]
			if slot == Unset {
				continue
			}
			if int(slot) >= c.n {
				return fmt.Errorf("%w: object %d %s slot %d out of range %d",
					ErrCompaction, i, s.reg.schemas[t].Name, slot, c.n)
			}
			if owners[slot] >= 0 {
				return fmt.Errorf("%w: %s slot %d shared by objects %d and %d",
					ErrCompaction, s.reg.schemas[t].Name, slot, owners[slot], i)
			}
			owners[slot] = i
		}
		for slot, owner := range owners {
			if owner < 0 {
				return fmt.Errorf("%w: %s slot %d has no owner", ErrCompaction, s.reg.schemas[t].Name, slot)
			}
		}
	}
	return nil
}
