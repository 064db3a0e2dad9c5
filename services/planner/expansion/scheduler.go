// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package expansion generates successor states for a frontier batch.
//
// Every (action, frontier state) pair runs as an independent task that
// enumerates bindings and applies effects into a private deferred log.
// Once all tasks finish, the logs are played back against the state pool
// in action declaration order inside the pool's exclusive window.
package expansion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/manager"
	"github.com/AleutianAI/traitplanner/services/planner/state"
)

var (
	// ErrActionFault wraps a panic raised by an action's predicates,
	// effects, or reward. It is re-raised on the caller's goroutine.
	ErrActionFault = errors.New("action fault during expansion")

	// ErrBatchAbandoned indicates the batch was cancelled before playback.
	// No state from the batch reached the pool.
	ErrBatchAbandoned = errors.New("expansion batch abandoned")

	// ErrPoolMismatch indicates a library and pool over different registries.
	ErrPoolMismatch = errors.New("library and state pool use different trait registries")
)

// Batch is the result of one Expand call.
type Batch struct {
	ID       uuid.UUID     `json:"id"`
	Frontier []manager.Key `json:"frontier"`

	// Transitions are ordered by action declaration, then frontier
	// position, then binding enumeration order, then outcome order.
	Transitions []manager.Transition `json:"transitions"`

	// NewStates lists keys first published by this batch, in playback order.
	NewStates []manager.Key `json:"new_states"`

	Bindings int           `json:"bindings"`
	Merged   int           `json:"merged"`
	Duration time.Duration `json:"duration"`
}

// Scheduler expands frontier batches against one library and pool.
//
// Thread Safety: Expand may be called concurrently; playback phases
// serialize on the pool's exclusive window.
type Scheduler struct {
	lib    *action.Library
	pool   *manager.Manager
	cfg    Config
	logger *slog.Logger
	tracer *Tracer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig replaces the default Config.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer. Defaults to a tracer enabled per Config.
func WithTracer(t *Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// New creates a scheduler.
//
// Inputs:
//   - lib: The compiled domain.
//   - pool: The state pool. Must share lib's trait registry.
//   - opts: Optional settings.
//
// Outputs:
//   - *Scheduler: The scheduler.
//   - error: ErrPoolMismatch if the registries differ.
func New(lib *action.Library, pool *manager.Manager, opts ...Option) (*Scheduler, error) {
	if lib.Registry() != pool.Registry() {
		return nil, ErrPoolMismatch
	}
	s := &Scheduler{
		lib:    lib,
		pool:   pool,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = NewTracer(s.logger, s.cfg.TracingEnabled)
	}
	return s, nil
}

// Library returns the scheduler's domain.
func (s *Scheduler) Library() *action.Library { return s.lib }

// Pool returns the scheduler's state pool.
func (s *Scheduler) Pool() *manager.Manager { return s.pool }

// Tracer returns the scheduler's tracer.
func (s *Scheduler) Tracer() *Tracer { return s.tracer }

// Logger returns the scheduler's logger.
func (s *Scheduler) Logger() *slog.Logger { return s.logger }

// fault is a recovered task panic.
type fault struct {
	task  string
	value any
	stack []byte
}

func (f *fault) Error() string {
	return fmt.Sprintf("%s: %v", f.task, f.value)
}

// Expand generates every successor of the frontier states.
//
// Description:
//
//	Runs one task per (action, frontier state) pair, at most
//	Config.Workers at a time. Each task enumerates the action's bindings,
//	applies every outcome, and records the results in its own log. Logs
//	are then played back in declaration order in a single exclusive
//	window. If ctx is cancelled before playback the logs are discarded
//	and the pool is untouched.
//
//	A panic inside an action is a defect in the domain: it is recovered
//	on the worker, and re-raised here wrapped in ErrActionFault.
//
// Inputs:
//   - ctx: Cancellation for the parallel phase.
//   - frontier: Live keys to expand. Destroyed keys panic with
//     manager.ErrDestroyedKey.
//
// Outputs:
//   - *Batch: The transitions and bookkeeping.
//   - error: ErrBatchAbandoned wrapping the context error on cancellation.
func (s *Scheduler) Expand(ctx context.Context, frontier []manager.Key) (*Batch, error) {
	start := time.Now()
	defs := s.lib.Definitions()
	batch := &Batch{
		ID:       uuid.New(),
		Frontier: append([]manager.Key(nil), frontier...),
	}

	ctx, span := s.tracer.StartBatch(ctx, batch.ID.String(), len(frontier), len(defs))

	sources := make([]*sourceState, len(frontier))
	for i, k := range frontier {
		sources[i] = &sourceState{key: k, st: s.pool.Get(k)}
	}

	logs := make([]*manager.Log, len(defs)*len(frontier))
	counts := make([]int, len(logs))
	faults := make([]*fault, len(logs))

	pctx, pspan := s.tracer.StartPhase(ctx, "parallel")
	g, gctx := errgroup.WithContext(pctx)
	g.SetLimit(s.cfg.workers())
	for a, def := range defs {
		for f, src := range sources {
			idx := a*len(sources) + f
			g.Go(func() (err error) {
				if err := gctx.Err(); err != nil {
					return err
				}
				task := fmt.Sprintf("%s@%s", def.Name(), src.key)
				tctx, tspan := s.tracer.StartTask(gctx, def.Name(), src.key)
				defer func() {
					if r := recover(); r != nil {
						faults[idx] = &fault{task: task, value: r, stack: debug.Stack()}
						err = fmt.Errorf("%w: %s", ErrActionFault, faults[idx])
					}
					s.tracer.EndTask(tspan, counts[idx], err)
				}()
				logs[idx], counts[idx], err = s.runTask(tctx, task, def, src)
				return err
			})
		}
	}
	waitErr := g.Wait()
	pspan.End()
	enumerated := time.Since(start)
	phaseDuration.WithLabelValues("enumerate").Observe(enumerated.Seconds())

	for _, ft := range faults {
		if ft != nil {
			batchesTotal.WithLabelValues("fault").Inc()
			s.logger.Error("action fault during expansion",
				slog.String("batch_id", batch.ID.String()),
				slog.String("task", ft.task),
				slog.Any("panic", ft.value),
				slog.String("stack", string(ft.stack)),
			)
			err := fmt.Errorf("%w: %s", ErrActionFault, ft)
			s.tracer.EndBatch(span, nil, err)
			panic(err)
		}
	}
	if waitErr == nil {
		waitErr = ctx.Err()
	}
	if waitErr != nil {
		batchesTotal.WithLabelValues("cancelled").Inc()
		err := fmt.Errorf("%w: %w", ErrBatchAbandoned, waitErr)
		s.logger.Info("expansion batch abandoned",
			slog.String("batch_id", batch.ID.String()),
			slog.Int("frontier", len(frontier)),
			slog.String("reason", waitErr.Error()),
		)
		s.tracer.EndBatch(span, nil, err)
		return nil, err
	}

	for a, def := range defs {
		n := 0
		for f := range sources {
			n += counts[a*len(sources)+f]
		}
		batch.Bindings += n
		tasksTotal.WithLabelValues(actionLabel(def.Name())).Add(float64(len(sources)))
		if n > 0 {
			bindingsTotal.WithLabelValues(actionLabel(def.Name())).Add(float64(n))
		}
	}

	playStart := time.Now()
	_, playSpan := s.tracer.StartPhase(ctx, "playback")
	batch.Transitions = s.pool.CommitDeferred(logs...)
	playSpan.End()
	phaseDuration.WithLabelValues("playback").Observe(time.Since(playStart).Seconds())

	for _, tr := range batch.Transitions {
		if tr.NewState {
			batch.NewStates = append(batch.NewStates, tr.Dest)
		} else {
			batch.Merged++
		}
	}
	transitionsTotal.WithLabelValues("new").Add(float64(len(batch.NewStates)))
	transitionsTotal.WithLabelValues("merged").Add(float64(batch.Merged))
	batchesTotal.WithLabelValues("success").Inc()

	batch.Duration = time.Since(start)
	s.tracer.EndBatch(span, batch, nil)
	s.logger.Info("expansion batch complete",
		slog.String("batch_id", batch.ID.String()),
		slog.Int("frontier", len(frontier)),
		slog.Int("bindings", batch.Bindings),
		slog.Int("transitions", len(batch.Transitions)),
		slog.Int("new_states", len(batch.NewStates)),
		slog.Duration("duration", batch.Duration),
	)
	return batch, nil
}

type sourceState struct {
	key manager.Key
	st  *state.Container
}

// runTask expands one action against one source state into a new log.
func (s *Scheduler) runTask(ctx context.Context, task string, def *action.Definition, src *sourceState) (*manager.Log, int, error) {
	keys := def.Bindings(src.st, nil)
	if limit := s.cfg.MaxBindingsPerTask; limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := manager.NewLog(task)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		for _, r := range def.Apply(src.st, k) {
			p := out.Create(r.State)
			out.Link(src.key, k, p, r.Probability, r.Reward)
		}
	}
	return out, len(keys), nil
}
