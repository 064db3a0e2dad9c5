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
	"github.com/AleutianAI/traitplanner/services/planner/state"
)

// Goal is a compiled terminal condition.
type Goal struct {
	join
	name   string
	reward float64
}

// Name returns the goal's name.
func (g *Goal) Name() string { return g.name }

// Reward returns the terminal reward granted when the goal holds.
func (g *Goal) Reward() float64 { return g.reward }

// Holds reports whether any binding satisfies the goal. The scan stops at
// the first match.
func (g *Goal) Holds(st *state.Container) bool {
	found := false
	g.walk(st, func([]int) bool {
		found = true
		return false
	})
	return found
}

// BoundedValue is a value estimate with lower and upper bounds.
type BoundedValue struct {
	Lower    float64 `json:"lower"`
	Estimate float64 `json:"estimate"`
	Upper    float64 `json:"upper"`
}

// Heuristic estimates the value of a state for the outer search.
type Heuristic interface {
	Evaluate(st *state.Container) BoundedValue
}

// HeuristicFunc adapts a function to Heuristic.
type HeuristicFunc func(st *state.Container) BoundedValue

// Evaluate calls f.
func (f HeuristicFunc) Evaluate(st *state.Container) BoundedValue { return f(st) }

// ConstantHeuristic returns the same bounds for every state.
type ConstantHeuristic BoundedValue

// Evaluate returns h.
func (h ConstantHeuristic) Evaluate(*state.Container) BoundedValue { return BoundedValue(h) }

// DefaultHeuristic is the uninformed estimate used when a domain supplies
// none.
var DefaultHeuristic = ConstantHeuristic{Lower: -100, Estimate: 0, Upper: 100}
