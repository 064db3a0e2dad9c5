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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// State Pool Metrics
// -----------------------------------------------------------------------------

var (
	// poolStates tracks live states per pool.
	//
	// Labels:
	//   - pool: Pool name set with WithName
	poolStates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "traitplanner",
			Subsystem: "pool",
			Name:      "states",
			Help:      "Number of live published states",
		},
		[]string{"pool"},
	)

	// poolCommitsTotal counts commits that published a new state.
	//
	// Labels:
	//   - pool: Pool name set with WithName
	poolCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traitplanner",
			Subsystem: "pool",
			Name:      "commits_total",
			Help:      "Total commits that published a new state",
		},
		[]string{"pool"},
	)

	// poolMergesTotal counts commits resolved to an existing equal state.
	//
	// Labels:
	//   - pool: Pool name set with WithName
	poolMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traitplanner",
			Subsystem: "pool",
			Name:      "merges_total",
			Help:      "Total commits merged into an existing equal state",
		},
		[]string{"pool"},
	)

	// poolDestroyedTotal counts destroyed states.
	//
	// Labels:
	//   - pool: Pool name set with WithName
	poolDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traitplanner",
			Subsystem: "pool",
			Name:      "destroyed_total",
			Help:      "Total states destroyed",
		},
		[]string{"pool"},
	)
)
