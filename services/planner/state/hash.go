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
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// Hash accumulator constants. With C3*C1 + C2 == C2*C2 every step
// h -> C1 + (h+v)*C2 + h*v*C3 is an affine map in h whose compositions
// commute, so the result does not depend on the order objects are folded.
const (
	hashC1 uint64 = 3860031
	hashC2 uint64 = 2779
	hashC3 uint64 = 2
)

// Combine folds one element digest into a running structural hash.
func Combine(h, v uint64) uint64 {
	return hashC1 + (h+v)*hashC2 + h*v*hashC3
}

// Hash returns the structural hash of the container.
//
// Description:
//
//	Each object is digested from the set of trait types it carries and
//	the field values of those traits. Object identities, slot numbers, and
//	object reference targets are left out, so two containers that the
//	matcher considers equal always hash the same. Traits with a custom
//	equality contribute only their type. Unequal containers may collide.
//
// Outputs:
//   - uint64: The hash. Independent of object order.
func (c *Container) Hash() uint64 {
	var h uint64
	d := xxhash.New()
	var buf [8]byte
	reg := c.Registry()
	for i := 0; i < c.Len(); i++ {
		d.Reset()
		obj := c.store.Object(i)
		binary.LittleEndian.PutUint32(buf[:4], uint32(obj.Mask()))
		_, _ = d.Write(buf[:4])
		for t := 0; t < reg.Len(); t++ {
			typ := trait.Type(t)
			if !obj.Has(typ) {
				continue
			}
			sc := reg.Schema(typ)
			if sc.Equal != nil {
				continue
			}
			for f, field := range sc.Fields {
				if field.Kind == trait.KindObject {
					continue
				}
				for _, w := range c.store.Field(i, typ, f).Bits() {
					binary.LittleEndian.PutUint64(buf[:], w)
					_, _ = d.Write(buf[:])
				}
			}
		}
		h = Combine(h, d.Sum64())
	}
	return h
}
