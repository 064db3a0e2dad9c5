// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gates is the reference planning domain: an NPC collects items,
// spends them to open gates, and walks to the goal once enough gates are
// open.
package gates

import (
	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// Trait types, in registry order.
const (
	Baggage trait.Type = iota
	Gate
	GateSwitch
	Goal
	Item
	Npc
	WayPoint
	Location
	Moveable
)

// RequiredOpenGates is the number of gates that must be opened before the
// goal can be reached.
const RequiredOpenGates = 2

// GoalReward is the terminal reward of GoalComplete.
const GoalReward = 100

// Registry returns the domain's trait registry.
func Registry() *trait.Registry {
	return trait.MustRegistry(
		trait.Schema{Name: "Baggage", Fields: []trait.Field{{Name: "ItemCount", Kind: trait.KindInt}}},
		trait.Schema{Name: "Gate"},
		trait.Schema{Name: "GateSwitch", Fields: []trait.Field{{Name: "OpenCount", Kind: trait.KindInt}}},
		trait.Schema{Name: "Goal", Fields: []trait.Field{{Name: "IsDone", Kind: trait.KindBool}}},
		trait.Schema{Name: "Item"},
		trait.Schema{Name: "Npc"},
		trait.Schema{Name: "WayPoint"},
		trait.Schema{Name: "Location", Fields: []trait.Field{
			{Name: "Position", Kind: trait.KindVec3},
			{Name: "Forward", Kind: trait.KindVec3, Default: trait.Vector(trait.Vec3{Z: 1})},
		}},
		trait.Schema{Name: "Moveable"},
	)
}

// Actions returns the action declarations in playback order.
func Actions() []action.Declaration {
	return []action.Declaration{
		{
			Name: "MoveTo",
			Roles: []action.Role{
				{Name: "NPC", Require: []string{"Npc", "Location"}},
				{Name: "WayPoint", Require: []string{"Location", "WayPoint"}},
			},
			Preconditions: []action.Condition{
				action.Compare("NPC.Location.Position", action.OpNe, "WayPoint.Location.Position"),
			},
			Effects: []action.Effect{
				action.CopyField("NPC.Location.Position", "WayPoint.Location.Position"),
			},
			Reward: action.Constant(-0.1),
		},
		{
			Name: "MoveToItem",
			Roles: []action.Role{
				{Name: "NPC", Require: []string{"Npc", "Location", "Baggage"}},
				{Name: "Item", Require: []string{"Location", "Item"}},
			},
			Preconditions: []action.Condition{
				action.Compare("NPC.Location.Position", action.OpNe, "Item.Location.Position"),
			},
			Effects: []action.Effect{
				action.CopyField("NPC.Location.Position", "Item.Location.Position"),
			},
			Reward: action.LessDistance(-0.1, "NPC.Location.Position", "Item.Location.Position"),
		},
		{
			Name: "TakeItem",
			Roles: []action.Role{
				{Name: "NPC", Require: []string{"Baggage", "Location", "Npc"}, Aliases: []string{"Buggage"}},
				{Name: "Item", Require: []string{"Location", "Item"}},
			},
			Preconditions: []action.Condition{
				action.CompareValue("NPC.Baggage.ItemCount", action.OpEq, trait.Int(0)),
				action.Compare("NPC.Location.Position", action.OpEq, "Item.Location.Position"),
			},
			Effects: []action.Effect{
				action.Set("NPC.Baggage.ItemCount", trait.Int(1)),
				action.Remove("Item"),
			},
			Reward: action.Constant(-0.1),
		},
		{
			Name: "MoveToSwitch",
			Roles: []action.Role{
				{Name: "NPC", Require: []string{"Location", "Npc", "Baggage"}},
				{Name: "Gate", Require: []string{"Location", "Gate"}},
			},
			Preconditions: []action.Condition{
				action.Compare("NPC.Location.Position", action.OpNe, "Gate.Location.Position"),
			},
			Effects: []action.Effect{
				action.CopyField("NPC.Location.Position", "Gate.Location.Position"),
			},
			Reward: action.LessDistance(-0.2, "NPC.Location.Position", "Gate.Location.Position"),
		},
		{
			Name: "TurnOnGate",
			Roles: []action.Role{
				{Name: "NPC", Require: []string{"Npc", "Location", "Baggage"}},
				// Pedestals carry Baggage and are opened by PutOnItem only.
				{Name: "Gate", Require: []string{"Gate", "Location"}, Exclude: []string{"Baggage"}},
				{Name: "GameState", Require: []string{"GateSwitch"}, Aliases: []string{"GameManager"}},
			},
			Preconditions: []action.Condition{
				action.CompareValue("NPC.Baggage.ItemCount", action.OpEq, trait.Int(1)),
				action.Compare("NPC.Location.Position", action.OpEq, "Gate.Location.Position"),
			},
			Effects: []action.Effect{
				action.Add("GameState.GateSwitch.OpenCount", trait.Int(1)),
				action.Add("NPC.Baggage.ItemCount", trait.Int(-1)),
				action.Remove("Gate"),
			},
			Reward: action.Constant(1),
		},
		{
			Name: "PutOnItem",
			Roles: []action.Role{
				{Name: "NPC", Require: []string{"Npc", "Location", "Baggage"}},
				{Name: "Gate", Require: []string{"Location", "Baggage", "Gate"}},
				{Name: "GameState", Require: []string{"GateSwitch"}},
			},
			Preconditions: []action.Condition{
				action.CompareValue("NPC.Baggage.ItemCount", action.OpEq, trait.Int(1)),
				action.Compare("NPC.Location.Position", action.OpEq, "Gate.Location.Position"),
				action.CompareValue("Gate.Baggage.ItemCount", action.OpEq, trait.Int(0)),
			},
			Effects: []action.Effect{
				action.Add("GameState.GateSwitch.OpenCount", trait.Int(1)),
				action.Set("NPC.Baggage.ItemCount", trait.Int(0)),
				action.Set("Gate.Baggage.ItemCount", trait.Int(1)),
			},
			Reward: action.Constant(0),
		},
		{
			Name: "MoveToGoal",
			Roles: []action.Role{
				{Name: "NPC", Require: []string{"Npc", "Location", "Baggage"}},
				{Name: "Goal", Require: []string{"Goal", "Location"}},
				{Name: "GameState", Require: []string{"GateSwitch"}, Aliases: []string{"GameManager"}},
			},
			Preconditions: []action.Condition{
				action.Compare("NPC.Location.Position", action.OpNe, "Goal.Location.Position"),
				action.CompareValue("GameState.GateSwitch.OpenCount", action.OpEq, trait.Int(RequiredOpenGates)),
			},
			// OpenCount is kept so GoalComplete holds in the successor.
			Effects: []action.Effect{
				action.CopyField("NPC.Location.Position", "Goal.Location.Position"),
				action.Set("Goal.Goal.IsDone", trait.Bool(true)),
			},
			Reward: action.Constant(0),
		},
	}
}

// Goals returns the terminal conditions.
func Goals() []action.GoalDeclaration {
	return []action.GoalDeclaration{{
		Name: "GoalComplete",
		Roles: []action.Role{
			{Name: "NPC", Require: []string{"Npc", "Location"}},
			{Name: "Goal", Require: []string{"Goal", "Location"}},
			{Name: "GameState", Require: []string{"GateSwitch"}},
		},
		Conditions: []action.Condition{
			action.Compare("NPC.Location.Position", action.OpEq, "Goal.Location.Position"),
			action.CompareValue("GameState.GateSwitch.OpenCount", action.OpEq, trait.Int(RequiredOpenGates)),
		},
		Reward: GoalReward,
	}}
}

// New compiles the domain.
func New(opts ...action.LibraryOption) (*action.Library, error) {
	return action.NewLibrary("gates", Registry(), Actions(), Goals(), opts...)
}

// MustNew is New for callers that treat a broken built-in domain as fatal.
func MustNew(opts ...action.LibraryOption) *action.Library {
	lib, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return lib
}
