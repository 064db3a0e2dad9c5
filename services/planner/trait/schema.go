// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trait

import (
	"errors"
	"fmt"
	"strings"
)

// MaxTraits is the number of trait types a registry can hold. It bounds
// the per-object slot table.
const MaxTraits = 16

// Errors returned by schema construction and field access.
var (
	// ErrUnknownField indicates a field name that the trait does not declare.
	ErrUnknownField = errors.New("unknown trait field")

	// ErrUnknownTrait indicates a trait type or name not in the registry.
	ErrUnknownTrait = errors.New("unknown trait")

	// ErrUnknownKind indicates an unrecognised field kind name.
	ErrUnknownKind = errors.New("unknown field kind")

	// ErrFieldKind indicates a value whose kind does not match the field.
	ErrFieldKind = errors.New("field kind mismatch")

	// ErrTraitNotSet indicates access to a trait the object does not carry.
	ErrTraitNotSet = errors.New("trait not set on object")

	// ErrSchemaMismatch indicates a record written to the wrong trait array.
	ErrSchemaMismatch = errors.New("record schema mismatch")

	// ErrInvalidSchema indicates a malformed trait declaration.
	ErrInvalidSchema = errors.New("invalid trait schema")

	// ErrCompaction indicates a broken trait array invariant.
	ErrCompaction = errors.New("trait array compaction invariant violated")
)

// Type is the ordinal of a trait type within its registry.
type Type uint8

// Field declares one attribute of a trait.
type Field struct {
	// Name is the field name, matched exactly.
	Name string

	// Kind is the field's value kind.
	Kind Kind

	// Default is the value a freshly added record holds. The zero Value
	// means the zero of Kind.
	Default Value
}

// EqualFunc compares two records of the same trait.
type EqualFunc func(a, b Record) bool

// Schema declares a trait type.
//
// Description:
//
//	A schema names a trait and its ordered fields. Records compare field
//	by field unless Equal is set. When Equal is set the trait contributes
//	only its type to state hashes, since arbitrary equality functions
//	cannot be mirrored by a digest.
type Schema struct {
	Name   string
	Fields []Field
	Equal  EqualFunc

	typ   Type
	index map[string]int
}

// Type returns the schema's ordinal in its registry.
func (s *Schema) Type() Type { return s.typ }

// FieldIndex resolves a field name.
//
// Outputs:
//   - int: Position of the field within records of this trait.
//   - error: ErrUnknownField if the name is not declared.
func (s *Schema) FieldIndex(name string) (int, error) {
	if i, ok := s.index[name]; ok {
		return i, nil
	}
	return -1, fmt.Errorf("%w: field %q does not exist on trait %s", ErrUnknownField, name, s.Name)
}

// Stride is the number of values a record of this trait occupies.
func (s *Schema) Stride() int { return len(s.Fields) }

// NewRecord returns a record holding every field's default.
func (s *Schema) NewRecord() Record {
	vals := make([]Value, len(s.Fields))
	s.fillDefaults(vals)
	return Record{schema: s, values: vals}
}

func (s *Schema) fillDefaults(dst []Value) {
	for i, f := range s.Fields {
		if f.Default.kind == KindInvalid {
			dst[i] = Zero(f.Kind)
		} else {
			dst[i] = f.Default
		}
	}
}

func (s *Schema) equalValues(a, b []Value) bool {
	if s.Equal != nil {
		return s.Equal(Record{schema: s, values: a}, Record{schema: s, values: b})
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry is the fixed, ordered set of trait types of a planning domain.
//
// Thread Safety: Immutable after NewRegistry; safe for concurrent use.
type Registry struct {
	schemas   []*Schema
	byName    map[string]Type
	hasObject bool
}

// NewRegistry validates schemas and assigns ordinals in the given order.
//
// Inputs:
//   - schemas: Trait declarations. Order determines Type values.
//
// Outputs:
//   - *Registry: The registry.
//   - error: ErrInvalidSchema on empty or duplicate names, invalid kinds,
//     defaults of the wrong kind, or more than MaxTraits traits.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	if len(schemas) > MaxTraits {
		return nil, fmt.Errorf("%w: %d traits exceeds limit %d", ErrInvalidSchema, len(schemas), MaxTraits)
	}
	r := &Registry{byName: make(map[string]Type, len(schemas))}
	for i := range schemas {
		s := schemas[i]
		if s.Name == "" {
			return nil, fmt.Errorf("%w: trait %d has no name", ErrInvalidSchema, i)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate trait %q", ErrInvalidSchema, s.Name)
		}
		s.Fields = append([]Field(nil), s.Fields...)
		s.typ = Type(i)
		s.index = make(map[string]int, len(s.Fields))
		for j, f := range s.Fields {
			if f.Name == "" || strings.ContainsRune(f.Name, '.') {
				return nil, fmt.Errorf("%w: trait %s field %d has invalid name %q", ErrInvalidSchema, s.Name, j, f.Name)
			}
			if _, dup := s.index[f.Name]; dup {
				return nil, fmt.Errorf("%w: trait %s declares field %q twice", ErrInvalidSchema, s.Name, f.Name)
			}
			if f.Kind == KindInvalid || f.Kind > KindObject {
				return nil, fmt.Errorf("%w: trait %s field %s has invalid kind", ErrInvalidSchema, s.Name, f.Name)
			}
			if f.Default.kind != KindInvalid && f.Default.kind != f.Kind {
				return nil, fmt.Errorf("%w: trait %s field %s default is %s, want %s",
					ErrInvalidSchema, s.Name, f.Name, f.Default.kind, f.Kind)
			}
			if f.Kind == KindObject {
				r.hasObject = true
			}
			s.index[f.Name] = j
		}
		r.byName[s.Name] = s.typ
		r.schemas = append(r.schemas, &s)
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error. For static domains.
func MustRegistry(schemas ...Schema) *Registry {
	r, err := NewRegistry(schemas...)
	if err != nil {
		panic(err)
	}
	return r
}

// Len returns the number of trait types.
func (r *Registry) Len() int { return len(r.schemas) }

// Schema returns the schema of a trait type. It panics on an unknown type.
func (r *Registry) Schema(t Type) *Schema {
	if int(t) >= len(r.schemas) {
		panic(fmt.Errorf("%w: type %d", ErrUnknownTrait, t))
	}
	return r.schemas[t]
}

// Lookup resolves a trait name.
func (r *Registry) Lookup(name string) (Type, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Resolve resolves trait names into a mask.
func (r *Registry) Resolve(names ...string) (Mask, error) {
	var m Mask
	for _, n := range names {
		t, ok := r.byName[n]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownTrait, n)
		}
		m = m.With(t)
	}
	return m, nil
}

// HasRelations reports whether any trait declares an object reference
// field.
func (r *Registry) HasRelations() bool { return r.hasObject }

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is a detached copy of one trait instance. Mutating a record does
// not affect the store it came from; write it back with Store.Set.
type Record struct {
	schema *Schema
	values []Value
}

// Schema returns the record's trait schema.
func (r Record) Schema() *Schema { return r.schema }

// Len returns the number of fields.
func (r Record) Len() int { return len(r.values) }

// At returns the value of field i.
func (r Record) At(i int) Value { return r.values[i] }

// Get returns a field value by name.
//
// Outputs:
//   - Value: The field value.
//   - error: ErrUnknownField if the trait does not declare name.
func (r Record) Get(name string) (Value, error) {
	i, err := r.schema.FieldIndex(name)
	if err != nil {
		return Value{}, err
	}
	return r.values[i], nil
}

// Set writes a field value by name. The record is modified in place.
//
// Outputs:
//   - error: ErrUnknownField for an undeclared name, ErrFieldKind when v
//     does not have the field's kind.
func (r Record) Set(name string, v Value) error {
	i, err := r.schema.FieldIndex(name)
	if err != nil {
		return err
	}
	if want := r.schema.Fields[i].Kind; v.kind != want {
		return fmt.Errorf("%w: %s.%s is %s, got %s", ErrFieldKind, r.schema.Name, name, want, v.kind)
	}
	r.values[i] = v
	return nil
}

// MustGet is Get that panics on an unknown field.
func (r Record) MustGet(name string) Value {
	v, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return v
}

// MustSet is Set that panics on error.
func (r Record) MustSet(name string, v Value) {
	if err := r.Set(name, v); err != nil {
		panic(err)
	}
}

// Equal compares two records of the same trait under the trait's equality.
func (r Record) Equal(o Record) bool {
	if r.schema != o.schema {
		return false
	}
	return r.schema.equalValues(r.values, o.values)
}

// Map returns field name to native value, for the execution layer.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for i, f := range r.schema.Fields {
		out[f.Name] = r.values[i].Native()
	}
	return out
}

// Clone returns an independent copy.
func (r Record) Clone() Record {
	return Record{schema: r.schema, values: append([]Value(nil), r.values...)}
}

// GetField reads a field from a trait instance by name. An unknown name is
// an argument error.
func GetField(r Record, name string) (Value, error) { return r.Get(name) }

// SetField writes a field on a trait instance by name.
func SetField(r Record, name string, v Value) error { return r.Set(name, v) }
