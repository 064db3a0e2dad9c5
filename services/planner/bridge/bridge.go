// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge hands chosen actions to the host that executes them.
//
// The host registers, per action name, an ordered list of argument specs.
// A spec is "Role" (the bound object, mapped to a host handle), "Role.Trait"
// (the trait's fields as a map), or "Role.Trait.Field" (one native value).
// The bridge resolves the specs against the bound objects of an action key
// and calls the Executor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

var (
	// ErrEmptyRole indicates an argument spec without a role name.
	ErrEmptyRole = errors.New("argument has no role")

	// ErrUnknownRole indicates a role the action does not declare.
	ErrUnknownRole = errors.New("unknown role")

	// ErrUnknownAction indicates an action name or tag not in the library.
	ErrUnknownAction = errors.New("unknown action")

	// ErrBadArgument indicates a spec with more than three parts.
	ErrBadArgument = errors.New("malformed argument spec")

	// ErrNotBound indicates an action with no registered arguments.
	ErrNotBound = errors.New("action has no execution binding")
)

// ArgSpec is a parsed argument spec.
type ArgSpec struct {
	Role  string
	Trait string
	Field string
}

// ParseArg parses "Role", "Role.Trait", or "Role.Trait.Field".
func ParseArg(s string) (ArgSpec, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return ArgSpec{}, fmt.Errorf("%w: %q", ErrBadArgument, s)
	}
	if parts[0] == "" {
		return ArgSpec{}, fmt.Errorf("%w: %q", ErrEmptyRole, s)
	}
	a := ArgSpec{Role: parts[0]}
	if len(parts) > 1 {
		a.Trait = parts[1]
	}
	if len(parts) > 2 {
		a.Field = parts[2]
	}
	return a, nil
}

// String returns the spec in dotted form.
func (a ArgSpec) String() string {
	switch {
	case a.Field != "":
		return a.Role + "." + a.Trait + "." + a.Field
	case a.Trait != "":
		return a.Role + "." + a.Trait
	default:
		return a.Role
	}
}

// Resolver maps planner object identities to host handles.
type Resolver interface {
	Resolve(id state.ObjectID) (any, bool)
}

// Executor runs an action in the host.
type Executor interface {
	Execute(ctx context.Context, action string, args []any) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action string, args []any) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, action string, args []any) error {
	return f(ctx, action, args)
}

// Handles is a Resolver backed by a map. The zero value is ready to use.
//
// Thread Safety: Safe for concurrent use.
type Handles struct {
	mu sync.RWMutex
	m  map[state.ObjectID]any
}

// Put associates a host handle with an identity.
func (h *Handles) Put(id state.ObjectID, handle any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[state.ObjectID]any)
	}
	h.m[id] = handle
}

// Resolve implements Resolver.
func (h *Handles) Resolve(id state.ObjectID) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.m[id]
	return v, ok
}

// arg is a spec resolved against the library at Bind time.
type arg struct {
	spec  ArgSpec
	role  int
	trait trait.Type
	field int
	depth int
}

// Bridge marshals bound objects out of plan states.
//
// Thread Safety: Safe for concurrent use.
type Bridge struct {
	lib      *action.Library
	exec     Executor
	resolver Resolver
	logger   *slog.Logger

	mu       sync.RWMutex
	bindings map[action.Tag][]arg
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithResolver sets the identity resolver. Without one, role arguments
// are passed as state.ObjectID.
func WithResolver(r Resolver) Option {
	return func(b *Bridge) { b.resolver = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bridge for lib that dispatches to exec.
func New(lib *action.Library, exec Executor, opts ...Option) *Bridge {
	b := &Bridge{
		lib:      lib,
		exec:     exec,
		logger:   slog.Default(),
		bindings: make(map[action.Tag][]arg),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind registers the argument specs of an action.
//
// Description:
//
//	Every spec is parsed and resolved against the action's roles and the
//	trait registry, so a bad binding fails here rather than at execution.
//	Role names match case-insensitively. Binding an action again replaces
//	its specs.
//
// Outputs:
//   - error: ErrUnknownAction, ErrEmptyRole, ErrBadArgument, ErrUnknownRole,
//     trait.ErrUnknownTrait, or trait.ErrUnknownField.
func (b *Bridge) Bind(actionName string, specs ...string) error {
	def, ok := b.lib.Lookup(actionName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionName)
	}
	reg := b.lib.Registry()
	args := make([]arg, 0, len(specs))
	for _, s := range specs {
		spec, err := ParseArg(s)
		if err != nil {
			return fmt.Errorf("%s: %w", actionName, err)
		}
		a := arg{spec: spec, depth: 1}
		if a.role, ok = b.lib.RoleIndexFor(def.Tag(), spec.Role); !ok {
			return fmt.Errorf("%s: %w: %s", actionName, ErrUnknownRole, spec.Role)
		}
		if spec.Trait != "" {
			a.depth = 2
			if a.trait, ok = reg.Lookup(spec.Trait); !ok {
				return fmt.Errorf("%s: %w: %s", actionName, trait.ErrUnknownTrait, spec.Trait)
			}
		}
		if spec.Field != "" {
			a.depth = 3
			if a.field, err = reg.Schema(a.trait).FieldIndex(spec.Field); err != nil {
				return fmt.Errorf("%s: %w", actionName, err)
			}
		}
		args = append(args, a)
	}

	b.mu.Lock()
	b.bindings[def.Tag()] = args
	b.mu.Unlock()
	return nil
}

// Bound reports whether an action has registered specs.
func (b *Bridge) Bound(actionName string) bool {
	def, ok := b.lib.Lookup(actionName)
	if !ok {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok = b.bindings[def.Tag()]
	return ok
}

// Arguments resolves the registered specs of key's action against st.
//
// Description:
//
//	A spec naming a trait the bound object does not carry is a defect in
//	the binding, as with trait.Store.Get, and panics with a wrapped
//	trait.ErrTraitNotSet.
//
// Inputs:
//   - st: The state the action was chosen in.
//   - key: The chosen action.
//
// Outputs:
//   - string: The action name.
//   - []any: One value per spec.
//   - error: ErrUnknownAction or ErrNotBound.
func (b *Bridge) Arguments(st *state.Container, key action.Key) (string, []any, error) {
	name := b.lib.ActionNameFor(key.Tag)
	if name == "" {
		return "", nil, fmt.Errorf("%w: tag %d", ErrUnknownAction, key.Tag)
	}
	b.mu.RLock()
	args, ok := b.bindings[key.Tag]
	b.mu.RUnlock()
	if !ok {
		return name, nil, fmt.Errorf("%w: %s", ErrNotBound, name)
	}

	out := make([]any, len(args))
	for i, a := range args {
		obj := key.Arg(a.role)
		if a.depth == 1 {
			out[i] = b.handle(st.ID(obj))
			continue
		}
		rec, ok := st.Lookup(obj, a.trait)
		if !ok {
			panic(fmt.Errorf("%s argument %s: %w", name, a.spec, trait.ErrTraitNotSet))
		}
		if a.depth == 2 {
			out[i] = rec.Map()
		} else {
			out[i] = rec.At(a.field).Native()
		}
	}
	return name, out, nil
}

func (b *Bridge) handle(id state.ObjectID) any {
	if b.resolver != nil {
		if h, ok := b.resolver.Resolve(id); ok {
			return h
		}
	}
	return id
}

// Act marshals the arguments of key and runs it on the executor.
func (b *Bridge) Act(ctx context.Context, st *state.Container, key action.Key) error {
	name, args, err := b.Arguments(st, key)
	if err != nil {
		return err
	}
	b.logger.Debug("executing action",
		slog.String("action", name),
		slog.String("key", key.String()),
		slog.Int("args", len(args)),
	)
	if err := b.exec.Execute(ctx, name, args); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	return nil
}
