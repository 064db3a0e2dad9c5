// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expansion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxActionLabel bounds action names used as label values.
const maxActionLabel = 48

// actionLabel returns a bounded label value for an action name.
//
// Description:
//
//	Action names come from domain files and are otherwise unbounded in
//	length. Empty names map to "unknown".
func actionLabel(name string) string {
	if name == "" {
		return "unknown"
	}
	if len(name) > maxActionLabel {
		return name[:maxActionLabel]
	}
	return name
}

// -----------------------------------------------------------------------------
// Expansion Metrics
// -----------------------------------------------------------------------------

var (
	// batchesTotal counts Expand calls by outcome.
	//
	// Labels:
	//   - status: "success", "cancelled", or "fault"
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traitplanner",
			Subsystem: "expansion",
			Name:      "batches_total",
			Help:      "Total expansion batches by outcome",
		},
		[]string{"status"},
	)

	// tasksTotal counts completed (action, state) tasks per action.
	//
	// Labels:
	//   - action: Action name (bounded by actionLabel)
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traitplanner",
			Subsystem: "expansion",
			Name:      "tasks_total",
			Help:      "Total expansion tasks completed",
		},
		[]string{"action"},
	)

	// bindingsTotal counts enumerated bindings per action.
	//
	// Labels:
	//   - action: Action name (bounded by actionLabel)
	bindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traitplanner",
			Subsystem: "expansion",
			Name:      "bindings_total",
			Help:      "Total action bindings enumerated",
		},
		[]string{"action"},
	)

	// transitionsTotal counts emitted transitions by destination kind.
	//
	// Labels:
	//   - dest: "new" or "merged"
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traitplanner",
			Subsystem: "expansion",
			Name:      "transitions_total",
			Help:      "Total transitions emitted by playback",
		},
		[]string{"dest"},
	)

	// phaseDuration observes time spent per batch phase.
	//
	// Labels:
	//   - phase: "enumerate" or "playback"
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "traitplanner",
			Subsystem: "expansion",
			Name:      "phase_duration_seconds",
			Help:      "Duration of expansion phases",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"phase"},
	)
)
