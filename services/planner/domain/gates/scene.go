// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gates

import (
	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// Scene builds world states for the domain.
type Scene struct {
	st *state.Container
}

// NewScene starts an empty world for lib.
func NewScene(lib *action.Library) *Scene {
	return &Scene{st: state.New(lib.Registry())}
}

func (s *Scene) place(i int, pos trait.Vec3) int {
	s.st.SetField(i, Location, 0, trait.Vector(pos))
	return i
}

// NPC adds the planning agent carrying items.
func (s *Scene) NPC(name string, pos trait.Vec3, items int64) int {
	i, _ := s.st.AddObject(name, Npc, Location, Baggage, Moveable)
	s.st.SetField(i, Baggage, 0, trait.Int(items))
	return s.place(i, pos)
}

// Item adds a collectible item.
func (s *Scene) Item(name string, pos trait.Vec3) int {
	i, _ := s.st.AddObject(name, Item, Location)
	return s.place(i, pos)
}

// WayPoint adds a navigation target.
func (s *Scene) WayPoint(name string, pos trait.Vec3) int {
	i, _ := s.st.AddObject(name, WayPoint, Location)
	return s.place(i, pos)
}

// Gate adds a gate that consumes an item and disappears.
func (s *Scene) Gate(name string, pos trait.Vec3) int {
	i, _ := s.st.AddObject(name, Gate, Location)
	return s.place(i, pos)
}

// Pedestal adds a gate that keeps the item placed on it.
func (s *Scene) Pedestal(name string, pos trait.Vec3) int {
	i, _ := s.st.AddObject(name, Gate, Location, Baggage)
	return s.place(i, pos)
}

// Goal adds the goal location.
func (s *Scene) Goal(name string, pos trait.Vec3) int {
	i, _ := s.st.AddObject(name, Goal, Location)
	return s.place(i, pos)
}

// GameState adds the shared open-gate counter.
func (s *Scene) GameState(name string, open int64) int {
	i, _ := s.st.AddObject(name, GateSwitch)
	s.st.SetField(i, GateSwitch, 0, trait.Int(open))
	return i
}

// State returns the built container. The scene must not be used after.
func (s *Scene) State() *state.Container { return s.st }

// Demo returns the standard puzzle: two items, a gate, a pedestal, a
// lookout waypoint, and the exit.
func Demo(lib *action.Library) *state.Container {
	s := NewScene(lib)
	s.NPC("Player", trait.Vec3{}, 0)
	s.Item("KeyA", trait.Vec3{X: 4})
	s.Item("KeyB", trait.Vec3{Z: 4})
	s.Gate("GateA", trait.Vec3{X: 8})
	s.Pedestal("Pedestal", trait.Vec3{Z: 8})
	s.WayPoint("Lookout", trait.Vec3{X: 4, Z: 4})
	s.Goal("Exit", trait.Vec3{X: 8, Z: 8})
	s.GameState("GameState", 0)
	return s.State()
}
