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
	"runtime"
)

// Config controls batch expansion.
type Config struct {
	// Workers bounds concurrently running tasks. Zero means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers" validate:"gte=0"`

	// MaxBindingsPerTask caps the bindings one (action, state) task
	// expands, in enumeration order. Zero means no cap.
	MaxBindingsPerTask int `json:"max_bindings_per_task" yaml:"max_bindings_per_task" validate:"gte=0"`

	// TracingEnabled emits a span per batch and per task.
	TracingEnabled bool `json:"tracing_enabled" yaml:"tracing_enabled"`
}

// DefaultConfig returns the default expansion settings.
func DefaultConfig() Config {
	return Config{}
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}
