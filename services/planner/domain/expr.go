// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// distance is exposed to expressions.
func distance(a, b any) (float64, error) {
	va, ok := a.(trait.Vec3)
	if !ok {
		return 0, fmt.Errorf("distance: %T is not a vec3", a)
	}
	vb, ok := b.(trait.Vec3)
	if !ok {
		return 0, fmt.Errorf("distance: %T is not a vec3", b)
	}
	return va.Distance(vb), nil
}

// vec is exposed to expressions.
func vec(x, y, z any) (trait.Vec3, error) {
	var c [3]float64
	for i, n := range []any{x, y, z} {
		f, err := trait.FromNative(trait.KindFloat, n)
		if err != nil {
			return trait.Vec3{}, fmt.Errorf("vec: %w", err)
		}
		c[i] = f.AsFloat()
	}
	return trait.Vec3{X: c[0], Y: c[1], Z: c[2]}, nil
}

// exprScope compiles the expressions of one action or goal.
type exprScope struct {
	reg   *trait.Registry
	owner string
	roles []RoleSpec
}

func (s *exprScope) role(name string) (RoleSpec, bool) {
	for _, r := range s.roles {
		if r.Name == name {
			return r, true
		}
	}
	return RoleSpec{}, false
}

// typeEnv is the environment used to type-check expressions. Every role is
// an untyped map so member access is checked by refVisitor instead.
func (s *exprScope) typeEnv() map[string]any {
	env := map[string]any{"distance": distance, "vec": vec}
	for _, r := range s.roles {
		env[r.Name] = map[string]any{}
	}
	return env
}

// refVisitor collects the roles an expression reads and checks every
// Role.Trait and Role.Trait.Field chain against the role's filter.
type refVisitor struct {
	scope *exprScope
	roles []string
	err   error
}

func (v *refVisitor) Visit(node *ast.Node) {
	if v.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if _, ok := v.scope.role(n.Value); ok && !slices.Contains(v.roles, n.Value) {
			v.roles = append(v.roles, n.Value)
		}
	case *ast.MemberNode:
		v.member(n)
	}
}

func (v *refVisitor) member(n *ast.MemberNode) {
	prop, ok := n.Property.(*ast.StringNode)
	if !ok {
		return
	}
	if id, ok := n.Node.(*ast.IdentifierNode); ok {
		if r, ok := v.scope.role(id.Value); ok && !slices.Contains(r.Require, prop.Value) {
			v.err = fmt.Errorf("%w: %s: %s.%s is not required by the role", ErrExpression, v.scope.owner, id.Value, prop.Value)
		}
		return
	}
	inner, ok := n.Node.(*ast.MemberNode)
	if !ok {
		return
	}
	id, ok := inner.Node.(*ast.IdentifierNode)
	if !ok {
		return
	}
	tp, ok := inner.Property.(*ast.StringNode)
	if _, isRole := v.scope.role(id.Value); !ok || !isRole {
		return
	}
	t, ok := v.scope.reg.Lookup(tp.Value)
	if !ok {
		v.err = fmt.Errorf("%w: %s: %w: %s", ErrExpression, v.scope.owner, trait.ErrUnknownTrait, tp.Value)
		return
	}
	if _, err := v.scope.reg.Schema(t).FieldIndex(prop.Value); err != nil {
		v.err = fmt.Errorf("%w: %s: %w", ErrExpression, v.scope.owner, err)
	}
}

// compile parses, checks, and compiles src.
//
// Outputs:
//   - *vm.Program: The compiled program.
//   - []string: Roles read by the expression, in first-use order.
//   - error: ErrExpression on syntax, type, or reference errors.
func (s *exprScope) compile(src string, opts ...expr.Option) (*vm.Program, []string, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %q: %w", ErrExpression, s.owner, src, err)
	}
	v := &refVisitor{scope: s}
	ast.Walk(&tree.Node, v)
	if v.err != nil {
		return nil, nil, v.err
	}
	prog, err := expr.Compile(src, append([]expr.Option{expr.Env(s.typeEnv())}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %q: %w", ErrExpression, s.owner, src, err)
	}
	return prog, v.roles, nil
}

// bindEnv builds the runtime environment for the roles bound in view.
func bindEnv(view action.View) map[string]any {
	env := map[string]any{"distance": distance, "vec": vec}
	st := view.State()
	for i := 0; i < view.Bound(); i++ {
		env[view.RoleName(i)] = traitsOf(st, view.Object(i))
	}
	return env
}

// traitsOf returns trait name to field map for one object.
func traitsOf(st *state.Container, obj int) map[string]any {
	reg := st.Registry()
	out := make(map[string]any, st.Object(obj).Mask().Len())
	for t := 0; t < reg.Len(); t++ {
		if rec, ok := st.Lookup(obj, trait.Type(t)); ok {
			out[rec.Schema().Name] = rec.Map()
		}
	}
	return out
}

// run evaluates a program. Runtime failures are domain defects and panic;
// the expansion scheduler reports them as action faults.
func run(prog *vm.Program, src string, env map[string]any) any {
	out, err := expr.Run(prog, env)
	if err != nil {
		panic(fmt.Errorf("%w: %q: %w", ErrEvaluation, src, err))
	}
	return out
}

// predicate compiles a boolean precondition or goal condition.
func (s *exprScope) predicate(src string) (action.Condition, error) {
	prog, roles, err := s.compile(src, expr.AsBool())
	if err != nil {
		return nil, err
	}
	return action.When(src, roles, func(v action.View) bool {
		return run(prog, src, bindEnv(v)).(bool)
	}), nil
}

// reward compiles a reward expression. Numeric literals and the empty
// string become constants.
func (s *exprScope) reward(src string) (action.Reward, error) {
	if src == "" {
		return action.Constant(0), nil
	}
	if x, err := strconv.ParseFloat(src, 64); err == nil {
		return action.Constant(x), nil
	}
	prog, _, err := s.compile(src)
	if err != nil {
		return nil, err
	}
	return action.RewardFunc(func(v action.View, _ *state.Container) float64 {
		out := run(prog, src, bindEnv(v))
		x, err := trait.FromNative(trait.KindFloat, out)
		if err != nil {
			panic(fmt.Errorf("%w: %q returned %T", ErrEvaluation, src, out))
		}
		return x.AsFloat()
	}), nil
}

// compute compiles an expression that writes a field of kind k. It is
// evaluated against the destination state.
func (s *exprScope) compute(path, src string, k trait.Kind) (action.Effect, error) {
	prog, _, err := s.compile(src)
	if err != nil {
		return nil, err
	}
	return action.Compute(path, func(v action.View) trait.Value {
		out := run(prog, src, bindEnv(v))
		val, err := trait.FromNative(k, out)
		if err != nil {
			panic(fmt.Errorf("%w: %q: %w", ErrEvaluation, src, err))
		}
		return val
	}), nil
}
