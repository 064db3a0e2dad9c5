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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

const (
	tLocation trait.Type = iota
	tBag
	tItem
	tMarked
)

func testRegistry() *trait.Registry {
	return trait.MustRegistry(
		trait.Schema{Name: "Location", Fields: []trait.Field{{Name: "Position", Kind: trait.KindVec3}}},
		trait.Schema{Name: "Bag", Fields: []trait.Field{
			{Name: "Count", Kind: trait.KindInt},
			{Name: "Weight", Kind: trait.KindFloat, Default: trait.Float(1.5)},
		}},
		trait.Schema{Name: "Item"},
		trait.Schema{Name: "Marked"},
	)
}

// testWorld holds an agent at the origin, items at x=1 and x=2, and a
// marked item at x=3.
func testWorld(reg *trait.Registry) *state.Container {
	st := state.New(reg)
	a, _ := st.AddObject("agent", tLocation, tBag)
	st.SetField(a, tLocation, 0, trait.Vector(trait.Vec3{}))
	for i, name := range []string{"i1", "i2"} {
		o, _ := st.AddObject(name, tLocation, tItem)
		st.SetField(o, tLocation, 0, trait.Vector(trait.Vec3{X: float64(i + 1)}))
	}
	m, _ := st.AddObject("m", tLocation, tItem, tMarked)
	st.SetField(m, tLocation, 0, trait.Vector(trait.Vec3{X: 3}))
	return st
}

func pickRoles() []Role {
	return []Role{
		{Name: "A", Require: []string{"Bag", "Location"}},
		{Name: "I", Require: []string{"Item", "Location"}, Exclude: []string{"Marked"}},
	}
}

func pick() Declaration {
	return Declaration{
		Name:  "Pick",
		Roles: pickRoles(),
		Preconditions: []Condition{
			CompareValue("A.Bag.Count", OpEq, trait.Int(0)),
			Compare("A.Location.Position", OpNe, "I.Location.Position"),
		},
		Effects: []Effect{
			Add("A.Bag.Count", trait.Int(1)),
			Remove("I"),
			CopyField("A.Location.Position", "I.Location.Position"),
		},
		Reward: LessDistance(-0.1, "A.Location.Position", "I.Location.Position"),
	}
}

func TestCompile_Errors(t *testing.T) {
	reg := testRegistry()
	nine := make([]Role, MaxArity+1)
	for i := range nine {
		nine[i] = Role{Name: string(rune('a' + i))}
	}
	one := []Role{{Name: "A", Require: []string{"Bag", "Location"}}}

	tests := []struct {
		name string
		decl Declaration
		want error
	}{
		{"no name", Declaration{Roles: one}, ErrInvalidDeclaration},
		{"no roles", Declaration{Name: "x"}, ErrArity},
		{"too many roles", Declaration{Name: "x", Roles: nine}, ErrArity},
		{"duplicate role", Declaration{Name: "x", Roles: []Role{{Name: "A"}, {Name: "a"}}}, ErrInvalidDeclaration},
		{"dotted role", Declaration{Name: "x", Roles: []Role{{Name: "A.B"}}}, ErrInvalidDeclaration},
		{"alias shadows role", Declaration{Name: "x", Roles: []Role{{Name: "A", Aliases: []string{"b"}}, {Name: "B"}}}, ErrInvalidDeclaration},
		{"empty alias", Declaration{Name: "x", Roles: []Role{{Name: "A", Aliases: []string{""}}}}, ErrInvalidDeclaration},
		{"unknown trait", Declaration{Name: "x", Roles: []Role{{Name: "A", Require: []string{"Ghost"}}}}, trait.ErrUnknownTrait},
		{"require and exclude", Declaration{Name: "x", Roles: []Role{{Name: "A", Require: []string{"Item"}, Exclude: []string{"Item"}}}}, ErrInvalidDeclaration},
		{"short path", Declaration{Name: "x", Roles: one, Effects: []Effect{Set("A.Bag", trait.Int(1))}}, ErrBadPath},
		{"unknown role", Declaration{Name: "x", Roles: one, Effects: []Effect{Set("B.Bag.Count", trait.Int(1))}}, ErrUnknownRole},
		{"unknown field", Declaration{Name: "x", Roles: one, Effects: []Effect{Set("A.Bag.Size", trait.Int(1))}}, trait.ErrUnknownField},
		{"trait not guaranteed", Declaration{Name: "x", Roles: pickRoles(), Effects: []Effect{Set("I.Bag.Count", trait.Int(1))}}, ErrTraitNotGuaranteed},
		{"constant kind", Declaration{Name: "x", Roles: one, Preconditions: []Condition{CompareValue("A.Bag.Count", OpEq, trait.Float(1))}}, ErrKindMismatch},
		{"ordered vec3", Declaration{Name: "x", Roles: pickRoles(), Preconditions: []Condition{Compare("A.Location.Position", OpLt, "I.Location.Position")}}, ErrKindMismatch},
		{"field kinds differ", Declaration{Name: "x", Roles: one, Preconditions: []Condition{Compare("A.Bag.Count", OpEq, "A.Bag.Weight")}}, ErrKindMismatch},
		{"set kind", Declaration{Name: "x", Roles: one, Effects: []Effect{Set("A.Bag.Count", trait.Bool(true))}}, ErrKindMismatch},
		{"add to vec3", Declaration{Name: "x", Roles: one, Effects: []Effect{Add("A.Location.Position", trait.Int(1))}}, ErrKindMismatch},
		{"nil predicate", Declaration{Name: "x", Roles: one, Preconditions: []Condition{When("nothing", nil, nil)}}, ErrInvalidDeclaration},
		{"when unknown role", Declaration{Name: "x", Roles: one, Preconditions: []Condition{When("b", []string{"B"}, func(View) bool { return true })}}, ErrUnknownRole},
		{"distance on ints", Declaration{Name: "x", Roles: one, Reward: LessDistance(0, "A.Bag.Count", "A.Bag.Count")}, ErrKindMismatch},
		{"spawn init trait", Declaration{Name: "x", Roles: one, Effects: []Effect{Spawn("c", []string{"Item"}, FieldInit{Path: "Location.Position", Value: trait.Vector(trait.Vec3{})})}}, ErrInvalidDeclaration},
		{"outcomes and effects", Declaration{Name: "x", Roles: one, Effects: []Effect{Remove("A")}, Outcomes: []Outcome{{Probability: 1}}}, ErrInvalidDeclaration},
		{"probabilities short", Declaration{Name: "x", Roles: one, Outcomes: []Outcome{{Probability: 0.5}, {Probability: 0.4}}}, ErrProbability},
		{"negative probability", Declaration{Name: "x", Roles: one, Outcomes: []Outcome{{Probability: -0.5}, {Probability: 1.5}}}, ErrProbability},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(reg, 0, tt.decl)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBindings_FiltersAndOrder(t *testing.T) {
	reg := testRegistry()
	def, err := Compile(reg, 3, pick())
	require.NoError(t, err)
	assert.Equal(t, "Pick", def.Name())
	assert.Equal(t, 2, def.Arity())
	assert.Equal(t, []string{"A", "I"}, def.Roles())
	assert.Equal(t, []string{
		"A.Bag.Count == 0",
		"A.Location.Position != I.Location.Position",
	}, def.Preconditions())

	st := testWorld(reg)
	keys := def.Bindings(st, nil)
	assert.Equal(t, []Key{NewKey(3, 0, 1), NewKey(3, 0, 2)}, keys, "the marked item is excluded")
	assert.Equal(t, "3(0, 2)", keys[1].String())

	st.SetField(0, tBag, 0, trait.Int(1))
	assert.Empty(t, def.Bindings(st, nil))
}

func TestBindings_PredicateLevels(t *testing.T) {
	reg := testRegistry()
	var agentCalls, pairCalls int
	def, err := Compile(reg, 0, Declaration{
		Name:  "Count",
		Roles: pickRoles(),
		Preconditions: []Condition{
			When("agent", []string{"A"}, func(v View) bool { agentCalls++; return v.Bound() == 1 }),
			When("pair", []string{"A", "I"}, func(v View) bool { pairCalls++; return v.Bound() == 2 }),
		},
	})
	require.NoError(t, err)

	keys := def.Bindings(testWorld(reg), nil)
	assert.Len(t, keys, 2)
	assert.Equal(t, 1, agentCalls, "runs once the agent is bound")
	assert.Equal(t, 2, pairCalls, "runs per candidate item")
}

func TestBindings_EarlyRejectSkipsSubtree(t *testing.T) {
	reg := testRegistry()
	pairCalls := 0
	def, err := Compile(reg, 0, Declaration{
		Name:  "Never",
		Roles: pickRoles(),
		Preconditions: []Condition{
			When("pair", []string{"I"}, func(View) bool { pairCalls++; return true }),
			When("agent", []string{"A"}, func(View) bool { return false }),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, def.Bindings(testWorld(reg), nil))
	assert.Zero(t, pairCalls)
}

func TestApply_EffectsAndDeferredRemove(t *testing.T) {
	reg := testRegistry()
	def, err := Compile(reg, 0, pick())
	require.NoError(t, err)
	st := testWorld(reg)
	removedID := st.ID(1)

	res := def.Apply(st, NewKey(0, 0, 1))
	require.Len(t, res, 1)
	dst := res[0].State
	assert.Equal(t, 1.0, res[0].Probability)
	assert.InDelta(t, -1.1, res[0].Reward, 1e-9, "reward reads the source binding")

	assert.Equal(t, 3, dst.Len())
	_, found := dst.IndexOf(removedID)
	assert.False(t, found)
	assert.Equal(t, int64(1), dst.Field(0, tBag, 0).AsInt())
	assert.Equal(t, trait.Vec3{X: 1}, dst.Field(0, tLocation, 0).AsVec3(), "copy runs before the removal")
	assert.NoError(t, dst.Check())

	assert.Equal(t, 4, st.Len(), "the source is untouched")
	assert.Equal(t, int64(0), st.Field(0, tBag, 0).AsInt())

	again := def.Apply(st, NewKey(0, 0, 1))
	assert.True(t, state.Equal(dst, again[0].State))
}

func TestApply_AttachDetachSpawnCompute(t *testing.T) {
	reg := testRegistry()
	def, err := Compile(reg, 0, Declaration{
		Name:  "Mark",
		Roles: pickRoles(),
		Effects: []Effect{
			Compute("A.Bag.Count", func(v View) trait.Value {
				return trait.Int(v.Record(0, tBag).MustGet("Count").AsInt() + 5)
			}),
			Attach("I", "Marked"),
			Detach("A", "Bag"),
			Spawn("coin", []string{"Item", "Location"}, FieldInit{Path: "Location.Position", Value: trait.Vector(trait.Vec3{X: 9})}),
		},
		Reward: RewardFunc(func(_ View, dst *state.Container) float64 { return float64(dst.Len()) }),
	})
	require.NoError(t, err)
	st := testWorld(reg)

	res := def.Apply(st, NewKey(0, 0, 2))
	require.Len(t, res, 1)
	dst := res[0].State
	assert.Equal(t, 5.0, res[0].Reward)
	assert.True(t, dst.Has(2, tMarked))
	assert.False(t, dst.Has(0, tBag))
	assert.True(t, st.Has(0, tBag))

	coin, ok := dst.IndexByName("coin")
	require.True(t, ok)
	assert.Equal(t, 4, coin)
	assert.Equal(t, trait.Vec3{X: 9}, dst.Field(coin, tLocation, 0).AsVec3())
	for _, id := range st.IDs() {
		assert.NotEqual(t, id, dst.ID(coin))
	}
	assert.NoError(t, dst.Check())
}

func TestApply_ComputeSeesEarlierEffects(t *testing.T) {
	reg := testRegistry()
	def, err := Compile(reg, 0, Declaration{
		Name:  "Double",
		Roles: []Role{{Name: "A", Require: []string{"Bag"}}},
		Effects: []Effect{
			Add("A.Bag.Count", trait.Int(2)),
			Compute("A.Bag.Count", func(v View) trait.Value {
				return trait.Int(v.Record(0, tBag).MustGet("Count").AsInt() * 10)
			}),
		},
	})
	require.NoError(t, err)
	res := def.Apply(testWorld(reg), NewKey(0, 0))
	assert.Equal(t, int64(20), res[0].State.Field(0, tBag, 0).AsInt())
	assert.Zero(t, res[0].Reward, "a nil reward is zero")
}

func TestApply_StochasticOutcomes(t *testing.T) {
	reg := testRegistry()
	def, err := Compile(reg, 0, Declaration{
		Name:  "Try",
		Roles: []Role{{Name: "A", Require: []string{"Bag"}}},
		Outcomes: []Outcome{
			{Probability: 0.3, Effects: []Effect{Set("A.Bag.Count", trait.Int(7))}, Reward: Constant(2)},
			{Probability: 0.7, Reward: Constant(-1)},
		},
	})
	require.NoError(t, err)
	st := testWorld(reg)

	res := def.Apply(st, NewKey(0, 0))
	require.Len(t, res, 2)
	assert.Equal(t, 0.3, res[0].Probability)
	assert.Equal(t, 2.0, res[0].Reward)
	assert.Equal(t, int64(7), res[0].State.Field(0, tBag, 0).AsInt())
	assert.Equal(t, 0.7, res[1].Probability)
	assert.True(t, state.Equal(st, res[1].State))
}

func TestSatisfied(t *testing.T) {
	reg := testRegistry()
	def, err := Compile(reg, 2, pick())
	require.NoError(t, err)
	st := testWorld(reg)

	assert.True(t, def.Satisfied(st, NewKey(2, 0, 1)))
	assert.False(t, def.Satisfied(st, NewKey(1, 0, 1)), "wrong tag")
	assert.False(t, def.Satisfied(st, NewKey(2, 0, 3)), "filtered out")
	assert.False(t, def.Satisfied(st, NewKey(2, 0, 9)), "out of range")
	assert.False(t, def.Satisfied(st, NewKey(2, 0)), "wrong arity")

	st.SetField(1, tLocation, 0, trait.Vector(trait.Vec3{}))
	assert.False(t, def.Satisfied(st, NewKey(2, 0, 1)), "precondition fails")
}

func TestLibrary(t *testing.T) {
	reg := testRegistry()
	carry := func(name string, reward float64) GoalDeclaration {
		return GoalDeclaration{
			Name:       name,
			Roles:      []Role{{Name: "A", Require: []string{"Bag"}}},
			Conditions: []Condition{CompareValue("A.Bag.Count", OpGe, trait.Int(1))},
			Reward:     reward,
		}
	}
	wait := Declaration{Name: "Wait", Roles: []Role{{Name: "Agent", Require: []string{"Bag"}}}, Reward: Constant(-1)}

	lib, err := NewLibrary("test", reg, []Declaration{pick(), wait},
		[]GoalDeclaration{carry("Carry", 10), carry("Heavy", 5)})
	require.NoError(t, err)
	assert.Equal(t, "test", lib.Name())
	assert.Same(t, reg, lib.Registry())
	require.Len(t, lib.Definitions(), 2)
	assert.Equal(t, Tag(1), lib.Definitions()[1].Tag())

	d, ok := lib.Lookup("Wait")
	require.True(t, ok)
	assert.Same(t, d, lib.Definition(1))
	assert.Nil(t, lib.Definition(7))
	assert.Equal(t, "Pick", lib.ActionNameFor(0))
	assert.Empty(t, lib.ActionNameFor(7))

	idx, ok := lib.RoleIndexFor(1, "AGENT")
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	_, ok = lib.RoleIndexFor(1, "nobody")
	assert.False(t, ok)
	_, ok = lib.RoleIndexFor(9, "Agent")
	assert.False(t, ok)

	assert.Equal(t, "Pick(0, 2)", lib.Describe(NewKey(0, 0, 2)))
	assert.Equal(t, "9(1)", lib.Describe(NewKey(9, 1)))

	st := testWorld(reg)
	terminal, reward := lib.IsTerminal(st)
	assert.False(t, terminal)
	assert.Zero(t, reward)

	st.SetField(0, tBag, 0, trait.Int(1))
	terminal, reward = lib.IsTerminal(st)
	assert.True(t, terminal)
	assert.Equal(t, 15.0, reward, "rewards of every holding goal are summed")

	assert.Equal(t, BoundedValue(DefaultHeuristic), lib.Heuristic(st))
	custom, err := NewLibrary("h", reg, []Declaration{wait}, nil,
		WithHeuristic(ConstantHeuristic{Lower: -1, Estimate: 0.5, Upper: 1}))
	require.NoError(t, err)
	assert.Equal(t, BoundedValue{Lower: -1, Estimate: 0.5, Upper: 1}, custom.Heuristic(st))
}

func TestNewLibrary_Errors(t *testing.T) {
	reg := testRegistry()
	wait := Declaration{Name: "Wait", Roles: []Role{{Name: "A", Require: []string{"Bag"}}}}

	_, err := NewLibrary("x", nil, []Declaration{wait}, nil)
	assert.ErrorIs(t, err, ErrInvalidDeclaration)

	_, err = NewLibrary("x", reg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidDeclaration)

	_, err = NewLibrary("x", reg, []Declaration{wait, wait}, nil)
	assert.ErrorIs(t, err, ErrDuplicateAction)

	_, err = NewLibrary("x", reg, []Declaration{wait}, []GoalDeclaration{{Roles: wait.Roles}})
	assert.ErrorIs(t, err, ErrInvalidDeclaration)
}

func TestParseOp(t *testing.T) {
	for _, op := range []Op{OpEq, OpNe, OpLt, OpLe, OpGt, OpGe} {
		got, err := ParseOp(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}
	_, err := ParseOp("=~")
	assert.ErrorIs(t, err, ErrInvalidDeclaration)
	assert.Equal(t, "?", Op(0).String())
}

func TestNewKey(t *testing.T) {
	k := NewKey(4, 3, 1, 2)
	assert.Equal(t, []int{3, 1, 2}, k.Arguments())
	assert.Equal(t, 1, k.Arg(1))
	assert.Equal(t, NewKey(4, 3, 1, 2), k, "keys are comparable")
	assert.Panics(t, func() { NewKey(0, make([]int, MaxArity+1)...) })
}
