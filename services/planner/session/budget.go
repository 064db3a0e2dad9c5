// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBudgetExhausted is returned once any limit has been hit.
	ErrBudgetExhausted = errors.New("search budget exhausted")

	// ErrStateLimitExceeded is returned when the graph reaches MaxStates.
	ErrStateLimitExceeded = fmt.Errorf("%w: state limit", ErrBudgetExhausted)

	// ErrBatchLimitExceeded is returned after MaxBatches expansions.
	ErrBatchLimitExceeded = fmt.Errorf("%w: batch limit", ErrBudgetExhausted)

	// ErrTimeLimitExceeded is returned when TimeLimit has elapsed.
	ErrTimeLimitExceeded = fmt.Errorf("%w: time limit", ErrBudgetExhausted)
)

// BudgetConfig bounds one planning session. Zero disables a limit.
type BudgetConfig struct {
	MaxStates  int           `json:"max_states" yaml:"max_states" validate:"gte=0"`
	MaxBatches int           `json:"max_batches" yaml:"max_batches" validate:"gte=0"`
	MaxDepth   int           `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
	BatchWidth int           `json:"batch_width" yaml:"batch_width" validate:"gte=0"`
	TimeLimit  time.Duration `json:"time_limit" yaml:"time_limit" validate:"gte=0"`
}

// DefaultBudgetConfig returns limits suited to interactive use.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxStates:  100000,
		MaxBatches: 10000,
		MaxDepth:   64,
		BatchWidth: 256,
		TimeLimit:  30 * time.Second,
	}
}

// Budget tracks resource use of a session.
//
// Thread Safety: Safe for concurrent use.
type Budget struct {
	cfg   BudgetConfig
	start time.Time

	states  atomic.Int64
	batches atomic.Int64

	mu          sync.Mutex
	exhaustedBy string
}

// NewBudget starts a budget clock.
func NewBudget(cfg BudgetConfig) *Budget {
	return &Budget{cfg: cfg, start: time.Now()}
}

// Config returns the limits.
func (b *Budget) Config() BudgetConfig { return b.cfg }

// RecordBatch counts one expansion batch and the states it added.
//
// Outputs:
//   - error: The limit this batch reached, if any.
func (b *Budget) RecordBatch(newStates int) error {
	b.batches.Add(1)
	b.states.Add(int64(newStates))
	return b.Check()
}

// RecordStates counts states added outside a batch, such as the root.
func (b *Budget) RecordStates(n int) { b.states.Add(int64(n)) }

// ReleaseStates uncounts destroyed states.
func (b *Budget) ReleaseStates(n int) { b.states.Add(-int64(n)) }

// States returns the live state count.
func (b *Budget) States() int64 { return b.states.Load() }

// Batches returns the number of batches recorded.
func (b *Budget) Batches() int64 { return b.batches.Load() }

// Elapsed returns time since the budget started.
func (b *Budget) Elapsed() time.Duration { return time.Since(b.start) }

// Check returns the first limit that has been reached. Once exhausted the
// budget stays exhausted until Reset.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.exhaustedBy {
	case "":
	case "states":
		return ErrStateLimitExceeded
	case "batches":
		return ErrBatchLimitExceeded
	default:
		return ErrTimeLimitExceeded
	}

	switch {
	case b.cfg.TimeLimit > 0 && time.Since(b.start) >= b.cfg.TimeLimit:
		b.exhaustedBy = "time"
		return ErrTimeLimitExceeded
	case b.cfg.MaxStates > 0 && b.states.Load() >= int64(b.cfg.MaxStates):
		b.exhaustedBy = "states"
		return ErrStateLimitExceeded
	case b.cfg.MaxBatches > 0 && b.batches.Load() >= int64(b.cfg.MaxBatches):
		b.exhaustedBy = "batches"
		return ErrBatchLimitExceeded
	}
	return nil
}

// Exhausted reports whether any limit has been reached.
func (b *Budget) Exhausted() bool { return b.Check() != nil }

// ExhaustedBy names the limit that was hit, or "".
func (b *Budget) ExhaustedBy() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhaustedBy
}

// DepthAllowed reports whether a node at depth may be expanded.
func (b *Budget) DepthAllowed(depth int) bool {
	return b.cfg.MaxDepth <= 0 || depth < b.cfg.MaxDepth
}

// Report is a snapshot of budget use.
type Report struct {
	Elapsed     time.Duration `json:"elapsed"`
	States      int64         `json:"states"`
	Batches     int64         `json:"batches"`
	Exhausted   bool          `json:"exhausted"`
	ExhaustedBy string        `json:"exhausted_by,omitempty"`
}

// Report returns current usage.
func (b *Budget) Report() Report {
	exhausted := b.Exhausted()
	return Report{
		Elapsed:     b.Elapsed(),
		States:      b.States(),
		Batches:     b.Batches(),
		Exhausted:   exhausted,
		ExhaustedBy: b.ExhaustedBy(),
	}
}

// String returns a one-line status.
func (b *Budget) String() string {
	status := ""
	if b.Exhausted() {
		status = fmt.Sprintf(" [EXHAUSTED by %s]", b.ExhaustedBy())
	}
	return fmt.Sprintf("Budget{states=%d/%d, batches=%d/%d, time=%v/%v}%s",
		b.States(), b.cfg.MaxStates,
		b.Batches(), b.cfg.MaxBatches,
		b.Elapsed().Round(time.Millisecond), b.cfg.TimeLimit,
		status)
}

// Reset clears counters and restarts the clock.
func (b *Budget) Reset() {
	b.states.Store(0)
	b.batches.Store(0)
	b.mu.Lock()
	b.exhaustedBy = ""
	b.start = time.Now()
	b.mu.Unlock()
}
