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
	"slices"
	"strings"

	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// View exposes the objects bound so far to a predicate, effect, or reward.
// Roles are addressed by their declaration index.
type View struct {
	st    *state.Container
	args  []int
	roles []role
}

// State returns the container the view reads.
func (v View) State() *state.Container { return v.st }

// Bound returns how many roles are bound.
func (v View) Bound() int { return len(v.args) }

// Object returns the object index bound to role i.
func (v View) Object(i int) int { return v.args[i] }

// ID returns the identity of the object bound to role i.
func (v View) ID(i int) state.ObjectID { return v.st.ID(v.args[i]) }

// RoleName returns the name of role i.
func (v View) RoleName(i int) string { return v.roles[i].name }

// Value reads a resolved field.
func (v View) Value(r FieldRef) trait.Value {
	return v.st.Field(v.args[r.Role], r.Trait, r.Field)
}

// Record returns a copy of trait t of the object bound to role i. It
// panics if the object does not carry t.
func (v View) Record(i int, t trait.Type) trait.Record {
	return v.st.Get(v.args[i], t)
}

// -----------------------------------------------------------------------------
// Join
// -----------------------------------------------------------------------------

// join is the constraint-filtered product shared by actions and goals.
type join struct {
	roles  []role
	levels [][]predicate
}

// walk enumerates bindings depth-first. Each role's candidates come from
// its trait filter in object order; a level's predicates run as soon as
// its role is bound and a failure skips the subtree. visit returns false
// to stop the walk.
func (j *join) walk(st *state.Container, visit func(args []int) bool) {
	candidates := make([][]int, len(j.roles))
	for i, r := range j.roles {
		candidates[i] = st.Select(r.filter)
		if len(candidates[i]) == 0 {
			return
		}
	}
	args := make([]int, 0, len(j.roles))
	var descend func(level int) bool
	descend = func(level int) bool {
		for _, obj := range candidates[level] {
			args = append(args[:level], obj)
			view := View{st: st, args: args, roles: j.roles}
			if !j.holds(level, view) {
				continue
			}
			if level == len(j.roles)-1 {
				if !visit(args) {
					return false
				}
				continue
			}
			if !descend(level + 1) {
				return false
			}
		}
		return true
	}
	descend(0)
}

func (j *join) holds(level int, v View) bool {
	for _, p := range j.levels[level] {
		if !p.eval(v) {
			return false
		}
	}
	return true
}

// satisfied re-checks a complete binding against filters and every
// predicate.
func (j *join) satisfied(st *state.Container, args []int) bool {
	if len(args) != len(j.roles) {
		return false
	}
	for i, obj := range args {
		if obj < 0 || obj >= st.Len() || !st.Matches(obj, j.roles[i].filter) {
			return false
		}
	}
	v := View{st: st, args: args, roles: j.roles}
	for level := range j.levels {
		if !j.holds(level, v) {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Definition
// -----------------------------------------------------------------------------

type outcome struct {
	probability float64
	effects     []effectOp
	reward      rewardFn
}

// Definition is a compiled action type.
//
// Thread Safety: Immutable; Bindings and Apply may run concurrently on
// distinct or shared published states.
type Definition struct {
	join
	name     string
	tag      Tag
	outcomes []outcome
}

// Name returns the action's name.
func (d *Definition) Name() string { return d.name }

// Tag returns the action's stable tag.
func (d *Definition) Tag() Tag { return d.tag }

// Arity returns the number of roles.
func (d *Definition) Arity() int { return len(d.roles) }

// Roles returns the role names in declaration order.
func (d *Definition) Roles() []string {
	out := make([]string, len(d.roles))
	for i, r := range d.roles {
		out[i] = r.name
	}
	return out
}

// RoleIndex resolves a role name or alias, ignoring case.
func (d *Definition) RoleIndex(name string) (int, bool) {
	for i, r := range d.roles {
		if strings.EqualFold(r.name, name) {
			return i, true
		}
		for _, a := range r.aliases {
			if strings.EqualFold(a, name) {
				return i, true
			}
		}
	}
	return -1, false
}

// Preconditions describes the compiled predicates in evaluation order.
func (d *Definition) Preconditions() []string {
	var out []string
	for _, lvl := range d.levels {
		for _, p := range lvl {
			out = append(out, p.desc)
		}
	}
	return out
}

// Bindings appends to dst every binding of the action valid in st.
//
// Description:
//
//	Every combination that passes the role filters and every predicate is
//	produced, in lexicographic order of candidate positions.
func (d *Definition) Bindings(st *state.Container, dst []Key) []Key {
	d.walk(st, func(args []int) bool {
		dst = append(dst, NewKey(d.tag, args...))
		return true
	})
	return dst
}

// Satisfied reports whether key is a valid binding of this action in st.
func (d *Definition) Satisfied(st *state.Container, key Key) bool {
	if key.Tag != d.tag {
		return false
	}
	return d.satisfied(st, key.Arguments())
}

// Result is one successor produced by applying an action.
type Result struct {
	State       *state.Container
	Probability float64
	Reward      float64
}

type applyContext struct {
	src    *state.Container
	dst    *state.Container
	args   []int
	roles  []role
	remove []int
}

func (c *applyContext) get(r FieldRef) trait.Value {
	return c.dst.Field(c.args[r.Role], r.Trait, r.Field)
}

func (c *applyContext) set(r FieldRef, v trait.Value) {
	c.dst.SetField(c.args[r.Role], r.Trait, r.Field, v)
}

func (c *applyContext) destView() View {
	return View{st: c.dst, args: c.args, roles: c.roles}
}

// Apply produces the successors of st under key, one per outcome.
//
// Description:
//
//	Each outcome clones st in full, runs its effects in order against the
//	clone, and then deletes removed objects from the highest index down.
//	The reward sees the source binding and the finished destination.
//	Apply is deterministic: the same state and key always produce
//	structurally equal results. Effects that break a trait invariant
//	panic; that is a defect in the declaration, not a runtime condition.
func (d *Definition) Apply(st *state.Container, key Key) []Result {
	args := key.Arguments()
	src := View{st: st, args: args, roles: d.roles}
	out := make([]Result, 0, len(d.outcomes))
	for _, o := range d.outcomes {
		c := &applyContext{src: st, dst: st.Clone(), args: args, roles: d.roles}
		for _, op := range o.effects {
			op(c)
		}
		if len(c.remove) > 0 {
			slices.Sort(c.remove)
			c.remove = slices.Compact(c.remove)
			for i := len(c.remove) - 1; i >= 0; i-- {
				c.dst.RemoveObject(c.remove[i])
			}
		}
		out = append(out, Result{
			State:       c.dst,
			Probability: o.probability,
			Reward:      o.reward(src, c.dst),
		})
	}
	return out
}
