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
	"strings"

	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// Library is a compiled planning domain: trait registry, actions in
// declaration order, goals, and the heuristic.
//
// Thread Safety: Immutable after NewLibrary; safe for concurrent use.
type Library struct {
	name      string
	reg       *trait.Registry
	defs      []*Definition
	byName    map[string]*Definition
	goals     []*Goal
	heuristic Heuristic
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

// WithHeuristic sets the heuristic. The default is DefaultHeuristic.
func WithHeuristic(h Heuristic) LibraryOption {
	return func(l *Library) {
		if h != nil {
			l.heuristic = h
		}
	}
}

// NewLibrary compiles a domain.
//
// Description:
//
//	Actions receive tags in declaration order; that order is also the
//	playback order of expansion batches. Any malformed declaration fails
//	the whole library.
//
// Inputs:
//   - name: Domain name, for logs.
//   - reg: Trait registry.
//   - actions: Action declarations, in order.
//   - goals: Terminal conditions.
//   - opts: Optional settings.
//
// Outputs:
//   - *Library: The compiled domain.
//   - error: The first compile error, naming the offending declaration.
func NewLibrary(name string, reg *trait.Registry, actions []Declaration, goals []GoalDeclaration, opts ...LibraryOption) (*Library, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil trait registry", ErrInvalidDeclaration)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: domain %s declares no actions", ErrInvalidDeclaration, name)
	}
	l := &Library{
		name:      name,
		reg:       reg,
		byName:    make(map[string]*Definition, len(actions)),
		heuristic: DefaultHeuristic,
	}
	for i, d := range actions {
		if _, dup := l.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAction, d.Name)
		}
		def, err := Compile(reg, Tag(i), d)
		if err != nil {
			return nil, fmt.Errorf("compile action %d: %w", i, err)
		}
		l.defs = append(l.defs, def)
		l.byName[d.Name] = def
	}
	for _, g := range goals {
		goal, err := CompileGoal(reg, g)
		if err != nil {
			return nil, fmt.Errorf("compile goal: %w", err)
		}
		l.goals = append(l.goals, goal)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name returns the domain name.
func (l *Library) Name() string { return l.name }

// Registry returns the domain's trait registry.
func (l *Library) Registry() *trait.Registry { return l.reg }

// Definitions returns the actions in declaration order.
func (l *Library) Definitions() []*Definition { return l.defs }

// Definition returns the action with the given tag, or nil.
func (l *Library) Definition(tag Tag) *Definition {
	if int(tag) >= len(l.defs) {
		return nil
	}
	return l.defs[tag]
}

// Lookup returns the action with the given name.
func (l *Library) Lookup(name string) (*Definition, bool) {
	d, ok := l.byName[name]
	return d, ok
}

// Goals returns the terminal conditions.
func (l *Library) Goals() []*Goal { return l.goals }

// ActionNameFor returns the name of the action type with the given tag,
// or "" if there is none.
func (l *Library) ActionNameFor(tag Tag) string {
	if d := l.Definition(tag); d != nil {
		return d.name
	}
	return ""
}

// RoleIndexFor resolves a role of an action type, ignoring case.
func (l *Library) RoleIndexFor(tag Tag, role string) (int, bool) {
	d := l.Definition(tag)
	if d == nil {
		return -1, false
	}
	return d.RoleIndex(role)
}

// IsTerminal evaluates every goal against st. The state is terminal if any
// goal holds; the reward is the sum over the goals that hold.
func (l *Library) IsTerminal(st *state.Container) (bool, float64) {
	terminal := false
	reward := 0.0
	for _, g := range l.goals {
		if g.Holds(st) {
			terminal = true
			reward += g.reward
		}
	}
	return terminal, reward
}

// Heuristic returns the value estimate for st.
func (l *Library) Heuristic(st *state.Container) BoundedValue {
	return l.heuristic.Evaluate(st)
}

// Describe renders a key with the action name, e.g. "MoveTo(0, 3)".
func (l *Library) Describe(k Key) string {
	name := l.ActionNameFor(k.Tag)
	if name == "" {
		return k.String()
	}
	s := k.String()
	return name + s[strings.IndexByte(s, '('):]
}
