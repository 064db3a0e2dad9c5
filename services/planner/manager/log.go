// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/state"
)

// Pending refers to a state created in a Log that has no key yet. It is
// resolved to a Key during playback.
type Pending int

// Transition is one weighted edge of the state graph.
type Transition struct {
	Source      Key        `json:"source"`
	Action      action.Key `json:"action"`
	Dest        Key        `json:"dest"`
	Probability float64    `json:"probability"`
	Reward      float64    `json:"reward"`

	// NewState is true if Dest was first published by this playback.
	NewState bool `json:"new_state"`
}

// link is a transition whose destination is still pending.
type link struct {
	source Key
	action action.Key
	dest   Pending
	prob   float64
	reward float64
}

// Log buffers the pool mutations of one expansion task.
//
// Description:
//
//	A task records the containers it creates, the transitions that lead
//	to them, and any keys it wants destroyed. Nothing touches the pool
//	until the log is played back inside the exclusive window. An
//	abandoned log is simply dropped.
//
// Thread Safety: Not safe for concurrent use. Each task owns its log.
type Log struct {
	task     string
	creates  []*state.Container
	links    []link
	destroys []Key
}

// NewLog creates an empty log tagged with the originating task.
func NewLog(task string) *Log {
	return &Log{task: task}
}

// Task returns the originating task tag.
func (l *Log) Task() string { return l.task }

// Create records a new container and returns its pending handle.
func (l *Log) Create(st *state.Container) Pending {
	l.creates = append(l.creates, st)
	return Pending(len(l.creates) - 1)
}

// Link records a transition from source to a pending destination.
func (l *Log) Link(source Key, ak action.Key, dest Pending, probability, reward float64) {
	if int(dest) < 0 || int(dest) >= len(l.creates) {
		panic(fmt.Sprintf("manager: log %s links unknown pending state %d", l.task, dest))
	}
	l.links = append(l.links, link{source: source, action: ak, dest: dest, prob: probability, reward: reward})
}

// Destroy records a key to destroy at playback, after all creates.
func (l *Log) Destroy(k Key) {
	l.destroys = append(l.destroys, k)
}

// Len returns the number of recorded creates.
func (l *Log) Len() int { return len(l.creates) }

// Empty reports whether the log records nothing.
func (l *Log) Empty() bool {
	return len(l.creates) == 0 && len(l.links) == 0 && len(l.destroys) == 0
}

// Playback applies logs to the pool in the given order.
//
// Description:
//
//	For each log, every created container is committed in creation order
//	and its pending handle is fixed up to the canonical key. The log's
//	transitions are then emitted against the resolved keys, followed by
//	its destroys. Nil logs are skipped. w must be the current window.
//
// Outputs:
//   - []Transition: Every linked transition, in log order then link order.
func (w *Window) Playback(logs ...*Log) []Transition {
	m := w.require("playback")
	var out []Transition
	created := 0
	for _, l := range logs {
		if l == nil {
			continue
		}
		keys := make([]Key, len(l.creates))
		fresh := make([]bool, len(l.creates))
		for i, st := range l.creates {
			keys[i], fresh[i] = w.Commit(st)
			if fresh[i] {
				created++
			}
		}
		for _, ln := range l.links {
			out = append(out, Transition{
				Source:      ln.source,
				Action:      ln.action,
				Dest:        keys[ln.dest],
				Probability: ln.prob,
				Reward:      ln.reward,
				NewState:    fresh[ln.dest],
			})
			// A state merged twice in one batch is new only at its first edge.
			fresh[ln.dest] = false
		}
		for _, k := range l.destroys {
			w.Destroy(k)
		}
	}
	m.logger.Debug("played back deferred logs",
		slog.String("pool", m.name),
		slog.Int("logs", len(logs)),
		slog.Int("transitions", len(out)),
		slog.Int("new_states", created),
	)
	return out
}

// CommitDeferred runs Playback inside its own exclusive window.
func (m *Manager) CommitDeferred(logs ...*Log) []Transition {
	var out []Transition
	m.Exclusive(func(w *Window) { out = w.Playback(logs...) })
	return out
}
