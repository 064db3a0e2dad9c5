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
	"errors"
	"fmt"

	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// Errors returned while compiling declarations. All of them are detected
// before any expansion runs.
var (
	// ErrInvalidDeclaration indicates a structurally malformed declaration.
	ErrInvalidDeclaration = errors.New("invalid action declaration")

	// ErrArity indicates too few or too many roles.
	ErrArity = errors.New("invalid action arity")

	// ErrUnknownRole indicates a reference to an undeclared role.
	ErrUnknownRole = errors.New("unknown role")

	// ErrBadPath indicates a malformed "Role.Trait.Field" path.
	ErrBadPath = errors.New("malformed field path")

	// ErrTraitNotGuaranteed indicates a path through a trait that the
	// role's filter does not require, so the object may not carry it.
	ErrTraitNotGuaranteed = errors.New("trait not required by role filter")

	// ErrKindMismatch indicates operands or values of incompatible kinds.
	ErrKindMismatch = errors.New("operand kind mismatch")

	// ErrProbability indicates outcome probabilities that are not a
	// distribution.
	ErrProbability = errors.New("outcome probabilities must be positive and sum to 1")

	// ErrDuplicateAction indicates two declarations with the same name.
	ErrDuplicateAction = errors.New("duplicate action name")
)

// Role declares one parameter position of an action or goal.
type Role struct {
	// Name identifies the role, for paths and for the execution layer.
	Name string

	// Require lists trait names a bound object must carry.
	Require []string

	// Exclude lists trait names a bound object must not carry.
	Exclude []string

	// Aliases are extra names the execution layer may resolve the role
	// by. Condition and effect paths use Name only.
	Aliases []string
}

// Declaration describes an action type without code: its roles, ordered
// preconditions, effect ops, and reward.
//
// Description:
//
//	A deterministic action sets Effects and Reward. A stochastic action
//	sets Outcomes instead, one per possible result; each outcome carries
//	its own probability, effects, and reward. Preconditions are evaluated
//	during enumeration at the join level of the last role they reference.
type Declaration struct {
	Name          string
	Roles         []Role
	Preconditions []Condition
	Effects       []Effect
	Reward        Reward
	Outcomes      []Outcome
}

// Outcome is one probabilistic result of an action.
type Outcome struct {
	Probability float64
	Effects     []Effect
	Reward      Reward
}

// GoalDeclaration describes a terminal condition: a role join identical in
// shape to an action's preconditions, satisfied by any single binding.
type GoalDeclaration struct {
	Name       string
	Roles      []Role
	Conditions []Condition
	Reward     float64
}

// -----------------------------------------------------------------------------
// Conditions
// -----------------------------------------------------------------------------

// Op is a comparison operator.
type Op uint8

// Comparison operators. Ordering operators apply to int and float fields.
const (
	OpEq Op = iota + 1
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var opNames = map[Op]string{OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">="}

// String returns the operator symbol.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "?"
}

// ParseOp parses an operator symbol.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown operator %q", ErrInvalidDeclaration, s)
}

// Condition is a boolean predicate over bound roles.
type Condition interface {
	compile(s *scope) (predicate, error)
}

// Compare builds "left op right" over two field paths.
func Compare(left string, op Op, right string) Condition {
	return compareCond{left: left, op: op, right: right}
}

// CompareValue builds "left op value" over a field path and a constant.
func CompareValue(left string, op Op, v trait.Value) Condition {
	return compareCond{left: left, op: op, value: v, isConst: true}
}

// When wraps an arbitrary predicate. roles lists every role fn reads; the
// predicate runs once the last of them is bound.
func When(desc string, roles []string, fn func(v View) bool) Condition {
	return whenCond{desc: desc, roles: roles, fn: fn}
}

type compareCond struct {
	left, right string
	op          Op
	value       trait.Value
	isConst     bool
}

type whenCond struct {
	desc  string
	roles []string
	fn    func(View) bool
}

// -----------------------------------------------------------------------------
// Effects
// -----------------------------------------------------------------------------

// Effect is one mutation applied to the cloned destination state. Effects
// run in declaration order; object removals are deferred until every
// other effect has run so that bound indices stay valid.
type Effect interface {
	compile(s *scope) (effectOp, error)
}

// Set writes a constant to a field.
func Set(path string, v trait.Value) Effect { return setEffect{path: path, value: v} }

// CopyField copies the current value of src into dst.
func CopyField(dst, src string) Effect { return copyEffect{dst: dst, src: src} }

// Add adds delta to an int or float field.
func Add(path string, delta trait.Value) Effect { return addEffect{path: path, delta: delta} }

// Compute writes the result of fn, evaluated against the destination
// state, into a field.
func Compute(path string, fn func(v View) trait.Value) Effect {
	return computeEffect{path: path, fn: fn}
}

// Remove deletes the object bound to role, with all of its traits.
func Remove(role string) Effect { return removeEffect{role: role} }

// Attach adds a trait, at its defaults, to the object bound to role.
func Attach(role, traitName string) Effect { return attachEffect{role: role, trait: traitName} }

// Detach removes a trait from the object bound to role.
func Detach(role, traitName string) Effect { return detachEffect{role: role, trait: traitName} }

// FieldInit sets "Trait.Field" on a spawned object.
type FieldInit struct {
	Path  string
	Value trait.Value
}

// Spawn creates a new object with a fresh identity.
func Spawn(name string, traits []string, init ...FieldInit) Effect {
	return spawnEffect{name: name, traits: traits, init: init}
}

type setEffect struct {
	path  string
	value trait.Value
}

type copyEffect struct{ dst, src string }

type addEffect struct {
	path  string
	delta trait.Value
}

type computeEffect struct {
	path string
	fn   func(View) trait.Value
}

type removeEffect struct{ role string }

type attachEffect struct{ role, trait string }

type detachEffect struct{ role, trait string }

type spawnEffect struct {
	name   string
	traits []string
	init   []FieldInit
}

// -----------------------------------------------------------------------------
// Rewards
// -----------------------------------------------------------------------------

// Reward computes the utility of a transition.
type Reward interface {
	compile(s *scope) (rewardFn, error)
}

// Constant is a fixed reward.
func Constant(x float64) Reward { return constantReward(x) }

// LessDistance is base minus the Euclidean distance between two vec3
// fields of the source state.
func LessDistance(base float64, from, to string) Reward {
	return distanceReward{base: base, from: from, to: to}
}

// RewardFunc wraps an arbitrary reward over the source binding and the
// destination state.
func RewardFunc(fn func(src View, dst *state.Container) float64) Reward {
	return funcReward(fn)
}

type constantReward float64

type distanceReward struct {
	base     float64
	from, to string
}

type funcReward func(View, *state.Container) float64
