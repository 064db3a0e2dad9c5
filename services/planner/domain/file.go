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
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// =============================================================================
// File Model
// =============================================================================

// File is the YAML form of a planning domain.
type File struct {
	Name      string       `yaml:"name" validate:"required"`
	Traits    []TraitSpec  `yaml:"traits" validate:"required,min=1,max=16,dive"`
	Actions   []ActionSpec `yaml:"actions" validate:"required,min=1,dive"`
	Goals     []GoalSpec   `yaml:"goals" validate:"dive"`
	Objects   []ObjectSpec `yaml:"objects" validate:"dive"`
	Heuristic *BoundsSpec  `yaml:"heuristic,omitempty"`
}

// TraitSpec declares a trait schema.
type TraitSpec struct {
	Name   string      `yaml:"name" validate:"required"`
	Fields []FieldSpec `yaml:"fields" validate:"dive"`
}

// FieldSpec declares one trait field. Default is converted to Kind.
type FieldSpec struct {
	Name    string `yaml:"name" validate:"required"`
	Kind    string `yaml:"kind" validate:"required,fieldkind"`
	Default any    `yaml:"default,omitempty"`
}

// RoleSpec declares one action or goal parameter.
type RoleSpec struct {
	Name    string   `yaml:"name" validate:"required"`
	Require []string `yaml:"require" validate:"required,min=1"`
	Exclude []string `yaml:"exclude,omitempty"`
	Aliases []string `yaml:"aliases,omitempty" validate:"dive,required"`
}

// ActionSpec declares an action type.
//
// Preconditions and Reward are expressions. Roles appear in expressions
// as nested maps, so "NPC.Location.Position" reads a field of the object
// bound to NPC. The function distance(a, b) returns the Euclidean
// distance between two vec3 values, and vec(x, y, z) builds one.
type ActionSpec struct {
	Name          string        `yaml:"name" validate:"required"`
	Roles         []RoleSpec    `yaml:"roles" validate:"required,min=1,max=8,dive"`
	Preconditions []string      `yaml:"preconditions,omitempty" validate:"dive,required"`
	Effects       []EffectSpec  `yaml:"effects,omitempty" validate:"dive"`
	Reward        string        `yaml:"reward,omitempty"`
	Outcomes      []OutcomeSpec `yaml:"outcomes,omitempty" validate:"excluded_with=Effects,dive"`
}

// OutcomeSpec is one probabilistic result of an action.
type OutcomeSpec struct {
	Probability float64      `yaml:"probability" validate:"gt=0,lte=1"`
	Effects     []EffectSpec `yaml:"effects,omitempty" validate:"dive"`
	Reward      string       `yaml:"reward,omitempty"`
}

// EffectSpec is one effect op.
//
// Ops and the keys they use:
//
//	set      path, value
//	add      path, value
//	copy     path, from
//	compute  path, expr
//	remove   role
//	attach   role, trait
//	detach   role, trait
type EffectSpec struct {
	Op    string `yaml:"op" validate:"required,oneof=set add copy compute remove attach detach"`
	Path  string `yaml:"path,omitempty" validate:"required_if=Op set,required_if=Op add,required_if=Op copy,required_if=Op compute"`
	From  string `yaml:"from,omitempty" validate:"required_if=Op copy"`
	Value any    `yaml:"value,omitempty"`
	Expr  string `yaml:"expr,omitempty" validate:"required_if=Op compute"`
	Role  string `yaml:"role,omitempty" validate:"required_if=Op remove,required_if=Op attach,required_if=Op detach"`
	Trait string `yaml:"trait,omitempty" validate:"required_if=Op attach,required_if=Op detach"`
}

// GoalSpec declares a terminal condition.
type GoalSpec struct {
	Name       string     `yaml:"name" validate:"required"`
	Roles      []RoleSpec `yaml:"roles" validate:"required,min=1,max=8,dive"`
	Conditions []string   `yaml:"conditions,omitempty" validate:"dive,required"`
	Reward     float64    `yaml:"reward"`
}

// ObjectSpec declares an object of the initial state. Traits maps trait
// names to field values; omitted fields take their defaults.
type ObjectSpec struct {
	Name   string                    `yaml:"name"`
	Traits map[string]map[string]any `yaml:"traits" validate:"required,min=1"`
}

// BoundsSpec is a constant heuristic.
type BoundsSpec struct {
	Lower    float64 `yaml:"lower"`
	Estimate float64 `yaml:"estimate" validate:"gtefield=Lower,ltefield=Upper"`
	Upper    float64 `yaml:"upper"`
}

// =============================================================================
// Validation
// =============================================================================

// fileValidate is the validator for domain files.
var fileValidate *validator.Validate

func init() {
	fileValidate = validator.New()
	_ = fileValidate.RegisterValidation("fieldkind", validateFieldKind)
}

// validateFieldKind accepts the kind names understood by trait.ParseKind.
func validateFieldKind(fl validator.FieldLevel) bool {
	_, err := trait.ParseKind(fl.Field().String())
	return err == nil
}

// Validate checks the structural rules of the file. Cross references
// (trait names, roles, field paths, expressions) are checked by Compile.
func (f *File) Validate() error {
	return fileValidate.Struct(f)
}
