// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domain loads planning domains from YAML files.
//
// A domain file declares trait schemas, action types, goals, and the
// objects of the initial state. Predicates, rewards, and computed effects
// are expr-lang expressions compiled once at load time, so a malformed
// domain fails before any expansion runs.
package domain

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

var (
	// ErrInvalidDomain indicates a file that does not parse or validate.
	ErrInvalidDomain = errors.New("invalid domain file")

	// ErrExpression indicates an expression that does not compile or
	// references an unknown role, trait, or field.
	ErrExpression = errors.New("invalid expression")

	// ErrEvaluation indicates an expression that failed at run time.
	ErrEvaluation = errors.New("expression evaluation failed")
)

// Domain is a compiled domain file.
type Domain struct {
	Name    string
	Library *action.Library
	Initial *state.Container
	File    *File
}

// Load reads and compiles a domain file.
func Load(path string, opts ...action.LibraryOption) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain %s: %w", path, err)
	}
	d, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse decodes YAML and compiles it. Unknown keys are rejected.
func Parse(data []byte, opts ...action.LibraryOption) (*Domain, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDomain, err)
	}
	return Compile(&f, opts...)
}

// Compile validates f and builds its library and initial state.
//
// Inputs:
//   - f: The decoded file.
//   - opts: Library options. A heuristic option here overrides the file's.
//
// Outputs:
//   - *Domain: The compiled domain.
//   - error: ErrInvalidDomain, ErrExpression, or the action package's
//     construction errors.
func Compile(f *File, opts ...action.LibraryOption) (*Domain, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDomain, err)
	}
	reg, err := f.registry()
	if err != nil {
		return nil, err
	}

	actions := make([]action.Declaration, len(f.Actions))
	for i, spec := range f.Actions {
		if actions[i], err = compileAction(reg, spec); err != nil {
			return nil, err
		}
	}
	goals := make([]action.GoalDeclaration, len(f.Goals))
	for i, spec := range f.Goals {
		if goals[i], err = compileGoal(reg, spec); err != nil {
			return nil, err
		}
	}

	if h := f.Heuristic; h != nil {
		bounds := action.ConstantHeuristic{Lower: h.Lower, Estimate: h.Estimate, Upper: h.Upper}
		opts = append([]action.LibraryOption{action.WithHeuristic(bounds)}, opts...)
	}
	lib, err := action.NewLibrary(f.Name, reg, actions, goals, opts...)
	if err != nil {
		return nil, err
	}
	initial, err := f.initial(reg)
	if err != nil {
		return nil, err
	}
	return &Domain{Name: f.Name, Library: lib, Initial: initial, File: f}, nil
}

func (f *File) registry() (*trait.Registry, error) {
	schemas := make([]trait.Schema, len(f.Traits))
	for i, ts := range f.Traits {
		schemas[i] = trait.Schema{Name: ts.Name, Fields: make([]trait.Field, len(ts.Fields))}
		for j, fs := range ts.Fields {
			kind, err := trait.ParseKind(fs.Kind)
			if err != nil {
				return nil, fmt.Errorf("%w: trait %s: %w", ErrInvalidDomain, ts.Name, err)
			}
			field := trait.Field{Name: fs.Name, Kind: kind}
			if fs.Default != nil {
				if field.Default, err = trait.FromNative(kind, fs.Default); err != nil {
					return nil, fmt.Errorf("%w: default of %s.%s: %w", ErrInvalidDomain, ts.Name, fs.Name, err)
				}
			}
			schemas[i].Fields[j] = field
		}
	}
	reg, err := trait.NewRegistry(schemas...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDomain, err)
	}
	return reg, nil
}

func roles(specs []RoleSpec) []action.Role {
	out := make([]action.Role, len(specs))
	for i, r := range specs {
		out[i] = action.Role{Name: r.Name, Require: r.Require, Exclude: r.Exclude, Aliases: r.Aliases}
	}
	return out
}

func compileAction(reg *trait.Registry, spec ActionSpec) (action.Declaration, error) {
	sc := &exprScope{reg: reg, owner: "action " + spec.Name, roles: spec.Roles}
	d := action.Declaration{Name: spec.Name, Roles: roles(spec.Roles)}
	for _, src := range spec.Preconditions {
		c, err := sc.predicate(src)
		if err != nil {
			return d, err
		}
		d.Preconditions = append(d.Preconditions, c)
	}

	if len(spec.Outcomes) == 0 {
		effects, err := sc.effects(spec.Effects)
		if err != nil {
			return d, err
		}
		reward, err := sc.reward(spec.Reward)
		if err != nil {
			return d, err
		}
		d.Effects, d.Reward = effects, reward
		return d, nil
	}

	if spec.Reward != "" {
		return d, fmt.Errorf("%w: %s: reward belongs on each outcome", ErrInvalidDomain, sc.owner)
	}
	for _, o := range spec.Outcomes {
		effects, err := sc.effects(o.Effects)
		if err != nil {
			return d, err
		}
		reward, err := sc.reward(o.Reward)
		if err != nil {
			return d, err
		}
		d.Outcomes = append(d.Outcomes, action.Outcome{Probability: o.Probability, Effects: effects, Reward: reward})
	}
	return d, nil
}

func compileGoal(reg *trait.Registry, spec GoalSpec) (action.GoalDeclaration, error) {
	sc := &exprScope{reg: reg, owner: "goal " + spec.Name, roles: spec.Roles}
	g := action.GoalDeclaration{Name: spec.Name, Roles: roles(spec.Roles), Reward: spec.Reward}
	for _, src := range spec.Conditions {
		c, err := sc.predicate(src)
		if err != nil {
			return g, err
		}
		g.Conditions = append(g.Conditions, c)
	}
	return g, nil
}

// fieldKind resolves the kind of a "Role.Trait.Field" path. Role and
// filter checks are left to the action compiler.
func (s *exprScope) fieldKind(path string) (trait.Kind, error) {
	parts := strings.Split(path, ".")
	if len(parts) != 3 {
		return trait.KindInvalid, fmt.Errorf("%w: %s: %w: %q", ErrInvalidDomain, s.owner, action.ErrBadPath, path)
	}
	t, ok := s.reg.Lookup(parts[1])
	if !ok {
		return trait.KindInvalid, fmt.Errorf("%w: %s: %w: %s", ErrInvalidDomain, s.owner, trait.ErrUnknownTrait, parts[1])
	}
	sc := s.reg.Schema(t)
	i, err := sc.FieldIndex(parts[2])
	if err != nil {
		return trait.KindInvalid, fmt.Errorf("%w: %s: %w", ErrInvalidDomain, s.owner, err)
	}
	return sc.Fields[i].Kind, nil
}

func (s *exprScope) effects(specs []EffectSpec) ([]action.Effect, error) {
	out := make([]action.Effect, 0, len(specs))
	for _, e := range specs {
		var eff action.Effect
		switch e.Op {
		case "set", "add":
			k, err := s.fieldKind(e.Path)
			if err != nil {
				return nil, err
			}
			v, err := trait.FromNative(k, e.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %s %s: %w", ErrInvalidDomain, s.owner, e.Op, e.Path, err)
			}
			if e.Op == "set" {
				eff = action.Set(e.Path, v)
			} else {
				eff = action.Add(e.Path, v)
			}
		case "copy":
			eff = action.CopyField(e.Path, e.From)
		case "compute":
			k, err := s.fieldKind(e.Path)
			if err != nil {
				return nil, err
			}
			if eff, err = s.compute(e.Path, e.Expr, k); err != nil {
				return nil, err
			}
		case "remove":
			eff = action.Remove(e.Role)
		case "attach":
			eff = action.Attach(e.Role, e.Trait)
		case "detach":
			eff = action.Detach(e.Role, e.Trait)
		default:
			return nil, fmt.Errorf("%w: %s: unknown effect op %q", ErrInvalidDomain, s.owner, e.Op)
		}
		out = append(out, eff)
	}
	return out, nil
}

// initial builds the initial state. Traits are attached in name order so
// the same file always yields the same layout.
func (f *File) initial(reg *trait.Registry) (*state.Container, error) {
	st := state.New(reg)
	for _, o := range f.Objects {
		names := make([]string, 0, len(o.Traits))
		for name := range o.Traits {
			names = append(names, name)
		}
		sort.Strings(names)

		types := make([]trait.Type, len(names))
		for i, name := range names {
			t, ok := reg.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("%w: object %s: %w: %s", ErrInvalidDomain, o.Name, trait.ErrUnknownTrait, name)
			}
			types[i] = t
		}
		idx, _ := st.AddObject(o.Name, types...)
		for i, name := range names {
			sc := reg.Schema(types[i])
			for field, raw := range o.Traits[name] {
				fi, err := sc.FieldIndex(field)
				if err != nil {
					return nil, fmt.Errorf("%w: object %s: %w", ErrInvalidDomain, o.Name, err)
				}
				v, err := trait.FromNative(sc.Fields[fi].Kind, raw)
				if err != nil {
					return nil, fmt.Errorf("%w: object %s: %s.%s: %w", ErrInvalidDomain, o.Name, name, field, err)
				}
				st.SetField(idx, types[i], fi, v)
			}
		}
	}
	return st, nil
}
