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
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// probabilityTolerance bounds rounding error in outcome distributions.
const probabilityTolerance = 1e-6

// FieldRef is a resolved "Role.Trait.Field" path.
type FieldRef struct {
	Role  int
	Trait trait.Type
	Field int
}

type role struct {
	name    string
	aliases []string
	filter  trait.Filter
	require []string
}

type predicate struct {
	level int
	desc  string
	eval  func(View) bool
}

type effectOp func(c *applyContext)

type rewardFn func(src View, dst *state.Container) float64

// scope resolves names against the roles of one declaration.
type scope struct {
	reg   *trait.Registry
	owner string
	roles []role
}

func newScope(reg *trait.Registry, owner string, decls []Role) (*scope, error) {
	if len(decls) == 0 || len(decls) > MaxArity {
		return nil, fmt.Errorf("%w: %s declares %d roles, want 1..%d", ErrArity, owner, len(decls), MaxArity)
	}
	s := &scope{reg: reg, owner: owner}
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		key := strings.ToLower(d.Name)
		if d.Name == "" || strings.ContainsRune(d.Name, '.') {
			return nil, fmt.Errorf("%w: %s has a role with invalid name %q", ErrInvalidDeclaration, owner, d.Name)
		}
		if seen[key] {
			return nil, fmt.Errorf("%w: %s declares role %q twice", ErrInvalidDeclaration, owner, d.Name)
		}
		seen[key] = true
		for _, a := range d.Aliases {
			ak := strings.ToLower(a)
			if a == "" || seen[ak] {
				return nil, fmt.Errorf("%w: %s role %s has a duplicate or empty alias %q", ErrInvalidDeclaration, owner, d.Name, a)
			}
			seen[ak] = true
		}
		req, err := reg.Resolve(d.Require...)
		if err != nil {
			return nil, fmt.Errorf("%s role %s: %w", owner, d.Name, err)
		}
		exc, err := reg.Resolve(d.Exclude...)
		if err != nil {
			return nil, fmt.Errorf("%s role %s: %w", owner, d.Name, err)
		}
		if req&exc != 0 {
			return nil, fmt.Errorf("%w: %s role %s both requires and excludes a trait", ErrInvalidDeclaration, owner, d.Name)
		}
		s.roles = append(s.roles, role{
			name:    d.Name,
			aliases: append([]string(nil), d.Aliases...),
			filter:  trait.Filter{Require: req, Exclude: exc},
			require: append([]string(nil), d.Require...),
		})
	}
	return s, nil
}

func (s *scope) role(name string) (int, error) {
	for i, r := range s.roles {
		if r.name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s has no role %q", ErrUnknownRole, s.owner, name)
}

// roleTrait resolves "Role.Trait" and optionally checks that the role's
// filter guarantees the trait.
func (s *scope) roleTrait(roleName, traitName string, guaranteed bool) (int, trait.Type, error) {
	ri, err := s.role(roleName)
	if err != nil {
		return 0, 0, err
	}
	t, ok := s.reg.Lookup(traitName)
	if !ok {
		return 0, 0, fmt.Errorf("%s: %w: %q", s.owner, trait.ErrUnknownTrait, traitName)
	}
	if guaranteed && !s.roles[ri].filter.Require.Has(t) {
		return 0, 0, fmt.Errorf("%w: %s.%s in %s", ErrTraitNotGuaranteed, roleName, traitName, s.owner)
	}
	return ri, t, nil
}

// path resolves "Role.Trait.Field".
func (s *scope) path(p string) (FieldRef, trait.Kind, error) {
	parts := strings.Split(p, ".")
	if len(parts) != 3 {
		return FieldRef{}, 0, fmt.Errorf("%w: %q in %s, want Role.Trait.Field", ErrBadPath, p, s.owner)
	}
	ri, t, err := s.roleTrait(parts[0], parts[1], true)
	if err != nil {
		return FieldRef{}, 0, err
	}
	sc := s.reg.Schema(t)
	fi, err := sc.FieldIndex(parts[2])
	if err != nil {
		return FieldRef{}, 0, fmt.Errorf("%s: %w", s.owner, err)
	}
	return FieldRef{Role: ri, Trait: t, Field: fi}, sc.Fields[fi].Kind, nil
}

func (s *scope) rolesLevel(names []string) (int, error) {
	level := 0
	for _, n := range names {
		ri, err := s.role(n)
		if err != nil {
			return 0, err
		}
		level = max(level, ri)
	}
	if len(names) == 0 {
		level = len(s.roles) - 1
	}
	return level, nil
}

// -----------------------------------------------------------------------------
// Conditions
// -----------------------------------------------------------------------------

func (c compareCond) compile(s *scope) (predicate, error) {
	left, lk, err := s.path(c.left)
	if err != nil {
		return predicate{}, err
	}
	if _, ok := opNames[c.op]; !ok {
		return predicate{}, fmt.Errorf("%w: invalid operator in %s", ErrInvalidDeclaration, s.owner)
	}
	if (c.op != OpEq && c.op != OpNe) && lk != trait.KindInt && lk != trait.KindFloat {
		return predicate{}, fmt.Errorf("%w: %s cannot order %s values", ErrKindMismatch, s.owner, lk)
	}
	op := c.op
	if c.isConst {
		if c.value.Kind() != lk {
			return predicate{}, fmt.Errorf("%w: %s is %s, constant is %s", ErrKindMismatch, c.left, lk, c.value.Kind())
		}
		want := c.value
		return predicate{
			level: left.Role,
			desc:  fmt.Sprintf("%s %s %s", c.left, op, want),
			eval:  func(v View) bool { return compareValues(v.Value(left), op, want) },
		}, nil
	}
	right, rk, err := s.path(c.right)
	if err != nil {
		return predicate{}, err
	}
	if rk != lk {
		return predicate{}, fmt.Errorf("%w: %s is %s, %s is %s", ErrKindMismatch, c.left, lk, c.right, rk)
	}
	return predicate{
		level: max(left.Role, right.Role),
		desc:  fmt.Sprintf("%s %s %s", c.left, op, c.right),
		eval:  func(v View) bool { return compareValues(v.Value(left), op, v.Value(right)) },
	}, nil
}

func compareValues(a trait.Value, op Op, b trait.Value) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	}
	var cmp int
	if a.Kind() == trait.KindInt {
		x, y := a.AsInt(), b.AsInt()
		cmp = compareOrdered(x, y)
	} else {
		cmp = compareOrdered(a.AsFloat(), b.AsFloat())
	}
	switch op {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

func compareOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (c whenCond) compile(s *scope) (predicate, error) {
	if c.fn == nil {
		return predicate{}, fmt.Errorf("%w: %s has a nil predicate %q", ErrInvalidDeclaration, s.owner, c.desc)
	}
	level, err := s.rolesLevel(c.roles)
	if err != nil {
		return predicate{}, err
	}
	return predicate{level: level, desc: c.desc, eval: c.fn}, nil
}

// -----------------------------------------------------------------------------
// Effects
// -----------------------------------------------------------------------------

func (e setEffect) compile(s *scope) (effectOp, error) {
	ref, k, err := s.path(e.path)
	if err != nil {
		return nil, err
	}
	if e.value.Kind() != k {
		return nil, fmt.Errorf("%w: %s is %s, value is %s", ErrKindMismatch, e.path, k, e.value.Kind())
	}
	v := e.value
	return func(c *applyContext) { c.set(ref, v) }, nil
}

func (e copyEffect) compile(s *scope) (effectOp, error) {
	dst, dk, err := s.path(e.dst)
	if err != nil {
		return nil, err
	}
	src, sk, err := s.path(e.src)
	if err != nil {
		return nil, err
	}
	if dk != sk {
		return nil, fmt.Errorf("%w: %s is %s, %s is %s", ErrKindMismatch, e.dst, dk, e.src, sk)
	}
	return func(c *applyContext) { c.set(dst, c.get(src)) }, nil
}

func (e addEffect) compile(s *scope) (effectOp, error) {
	ref, k, err := s.path(e.path)
	if err != nil {
		return nil, err
	}
	if k != trait.KindInt && k != trait.KindFloat {
		return nil, fmt.Errorf("%w: cannot add to %s field %s", ErrKindMismatch, k, e.path)
	}
	if e.delta.Kind() != k {
		return nil, fmt.Errorf("%w: %s is %s, delta is %s", ErrKindMismatch, e.path, k, e.delta.Kind())
	}
	d := e.delta
	if k == trait.KindInt {
		return func(c *applyContext) { c.set(ref, trait.Int(c.get(ref).AsInt()+d.AsInt())) }, nil
	}
	return func(c *applyContext) { c.set(ref, trait.Float(c.get(ref).AsFloat()+d.AsFloat())) }, nil
}

func (e computeEffect) compile(s *scope) (effectOp, error) {
	ref, _, err := s.path(e.path)
	if err != nil {
		return nil, err
	}
	if e.fn == nil {
		return nil, fmt.Errorf("%w: %s computes %s with a nil function", ErrInvalidDeclaration, s.owner, e.path)
	}
	fn := e.fn
	return func(c *applyContext) { c.set(ref, fn(c.destView())) }, nil
}

func (e removeEffect) compile(s *scope) (effectOp, error) {
	ri, err := s.role(e.role)
	if err != nil {
		return nil, err
	}
	return func(c *applyContext) { c.remove = append(c.remove, c.args[ri]) }, nil
}

func (e attachEffect) compile(s *scope) (effectOp, error) {
	ri, t, err := s.roleTrait(e.role, e.trait, false)
	if err != nil {
		return nil, err
	}
	return func(c *applyContext) { c.dst.Add(c.args[ri], t) }, nil
}

func (e detachEffect) compile(s *scope) (effectOp, error) {
	ri, t, err := s.roleTrait(e.role, e.trait, false)
	if err != nil {
		return nil, err
	}
	return func(c *applyContext) { c.dst.RemoveTrait(c.args[ri], t) }, nil
}

func (e spawnEffect) compile(s *scope) (effectOp, error) {
	types := make([]trait.Type, 0, len(e.traits))
	var mask trait.Mask
	for _, n := range e.traits {
		t, ok := s.reg.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%s spawn %s: %w: %q", s.owner, e.name, trait.ErrUnknownTrait, n)
		}
		types = append(types, t)
		mask = mask.With(t)
	}
	type fieldInit struct {
		t     trait.Type
		field int
		v     trait.Value
	}
	inits := make([]fieldInit, 0, len(e.init))
	for _, fi := range e.init {
		parts := strings.Split(fi.Path, ".")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: spawn init %q in %s, want Trait.Field", ErrBadPath, fi.Path, s.owner)
		}
		t, ok := s.reg.Lookup(parts[0])
		if !ok || !mask.Has(t) {
			return nil, fmt.Errorf("%w: spawn init %q names a trait the object does not get", ErrInvalidDeclaration, fi.Path)
		}
		sc := s.reg.Schema(t)
		idx, err := sc.FieldIndex(parts[1])
		if err != nil {
			return nil, err
		}
		if sc.Fields[idx].Kind != fi.Value.Kind() {
			return nil, fmt.Errorf("%w: spawn init %s is %s, value is %s", ErrKindMismatch, fi.Path, sc.Fields[idx].Kind, fi.Value.Kind())
		}
		inits = append(inits, fieldInit{t: t, field: idx, v: fi.Value})
	}
	name := e.name
	return func(c *applyContext) {
		i, _ := c.dst.AddObject(name, types...)
		for _, in := range inits {
			c.dst.SetField(i, in.t, in.field, in.v)
		}
	}, nil
}

// -----------------------------------------------------------------------------
// Rewards
// -----------------------------------------------------------------------------

func compileReward(s *scope, r Reward) (rewardFn, error) {
	if r == nil {
		return func(View, *state.Container) float64 { return 0 }, nil
	}
	return r.compile(s)
}

func (r constantReward) compile(*scope) (rewardFn, error) {
	x := float64(r)
	return func(View, *state.Container) float64 { return x }, nil
}

func (r distanceReward) compile(s *scope) (rewardFn, error) {
	from, fk, err := s.path(r.from)
	if err != nil {
		return nil, err
	}
	to, tk, err := s.path(r.to)
	if err != nil {
		return nil, err
	}
	if fk != trait.KindVec3 || tk != trait.KindVec3 {
		return nil, fmt.Errorf("%w: distance reward needs vec3 fields", ErrKindMismatch)
	}
	base := r.base
	return func(src View, _ *state.Container) float64 {
		return base - src.Value(from).AsVec3().Distance(src.Value(to).AsVec3())
	}, nil
}

func (r funcReward) compile(s *scope) (rewardFn, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s has a nil reward function", ErrInvalidDeclaration, s.owner)
	}
	return rewardFn(r), nil
}

// -----------------------------------------------------------------------------
// Declarations
// -----------------------------------------------------------------------------

func compileConditions(s *scope, conds []Condition) ([][]predicate, error) {
	levels := make([][]predicate, len(s.roles))
	for i, c := range conds {
		if c == nil {
			return nil, fmt.Errorf("%w: %s condition %d is nil", ErrInvalidDeclaration, s.owner, i)
		}
		p, err := c.compile(s)
		if err != nil {
			return nil, err
		}
		levels[p.level] = append(levels[p.level], p)
	}
	return levels, nil
}

func compileOutcome(s *scope, effects []Effect, reward Reward, p float64) (outcome, error) {
	out := outcome{probability: p}
	for i, e := range effects {
		if e == nil {
			return outcome{}, fmt.Errorf("%w: %s effect %d is nil", ErrInvalidDeclaration, s.owner, i)
		}
		op, err := e.compile(s)
		if err != nil {
			return outcome{}, err
		}
		out.effects = append(out.effects, op)
	}
	r, err := compileReward(s, reward)
	if err != nil {
		return outcome{}, err
	}
	out.reward = r
	return out, nil
}

// Compile validates a declaration against a trait registry and builds the
// runnable definition.
//
// Inputs:
//   - reg: The domain's trait registry.
//   - tag: The action's stable tag.
//   - d: The declaration.
//
// Outputs:
//   - *Definition: The compiled action.
//   - error: Any of the package's declaration errors.
func Compile(reg *trait.Registry, tag Tag, d Declaration) (*Definition, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("%w: action has no name", ErrInvalidDeclaration)
	}
	s, err := newScope(reg, d.Name, d.Roles)
	if err != nil {
		return nil, err
	}
	levels, err := compileConditions(s, d.Preconditions)
	if err != nil {
		return nil, err
	}
	def := &Definition{name: d.Name, tag: tag, join: join{roles: s.roles, levels: levels}}

	switch {
	case len(d.Outcomes) > 0 && (len(d.Effects) > 0 || d.Reward != nil):
		return nil, fmt.Errorf("%w: %s sets both outcomes and effects", ErrInvalidDeclaration, d.Name)
	case len(d.Outcomes) == 0:
		o, err := compileOutcome(s, d.Effects, d.Reward, 1)
		if err != nil {
			return nil, err
		}
		def.outcomes = []outcome{o}
	default:
		total := 0.0
		for _, od := range d.Outcomes {
			if od.Probability <= 0 || math.IsNaN(od.Probability) {
				return nil, fmt.Errorf("%w: %s has probability %v", ErrProbability, d.Name, od.Probability)
			}
			total += od.Probability
			o, err := compileOutcome(s, od.Effects, od.Reward, od.Probability)
			if err != nil {
				return nil, err
			}
			def.outcomes = append(def.outcomes, o)
		}
		if math.Abs(total-1) > probabilityTolerance {
			return nil, fmt.Errorf("%w: %s sums to %v", ErrProbability, d.Name, total)
		}
	}
	return def, nil
}

// CompileGoal validates a goal declaration.
func CompileGoal(reg *trait.Registry, d GoalDeclaration) (*Goal, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("%w: goal has no name", ErrInvalidDeclaration)
	}
	s, err := newScope(reg, d.Name, d.Roles)
	if err != nil {
		return nil, err
	}
	levels, err := compileConditions(s, d.Conditions)
	if err != nil {
		return nil, err
	}
	return &Goal{name: d.Name, reward: d.Reward, join: join{roles: s.roles, levels: levels}}, nil
}
