// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"strconv"
	"strings"
)

// MaxArity is the largest number of roles an action may declare.
const MaxArity = 8

// Tag is the stable identifier of an action type: its position in the
// library's declaration order.
type Tag uint16

// Key labels one edge of the state graph: an action type plus the object
// indices, in the source state, bound to each of its roles.
//
// Key is comparable and usable as a map key.
type Key struct {
	Tag   Tag
	Arity uint8
	Args  [MaxArity]int32
}

// NewKey builds a key from a tag and bound object indices.
func NewKey(tag Tag, args ...int) Key {
	if len(args) > MaxArity {
		panic("action: arity exceeds MaxArity")
	}
	k := Key{Tag: tag, Arity: uint8(len(args))}
	for i, a := range args {
		k.Args[i] = int32(a)
	}
	return k
}

// Arg returns the object index bound to role i.
func (k Key) Arg(i int) int { return int(k.Args[i]) }

// Arguments returns the bound object indices in role order.
func (k Key) Arguments() []int {
	out := make([]int, k.Arity)
	for i := range out {
		out[i] = int(k.Args[i])
	}
	return out
}

// String renders the key as "tag(arg, arg)".
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(k.Tag)))
	b.WriteByte('(')
	for i := 0; i < int(k.Arity); i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(int(k.Args[i])))
	}
	b.WriteByte(')')
	return b.String()
}
