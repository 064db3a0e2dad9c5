// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/bridge"
	"github.com/AleutianAI/traitplanner/services/planner/journal"
	"github.com/AleutianAI/traitplanner/services/planner/manager"
	"github.com/AleutianAI/traitplanner/services/planner/session"
	"github.com/AleutianAI/traitplanner/services/planner/state"
)

// runExpand commits the initial state and expands batches breadth first.
func (a *app) runExpand(ctx context.Context, batches int) error {
	sched, initial, err := a.scheduler()
	if err != nil {
		return err
	}
	pool := sched.Pool()
	var root manager.Key
	pool.Exclusive(func(w *manager.Window) { root, _ = w.Commit(initial) })

	frontier := []manager.Key{root}
	for i := 0; i < batches && len(frontier) > 0; i++ {
		b, err := sched.Expand(ctx, frontier)
		if err != nil {
			return err
		}
		if err := a.out.batch(sched.Library(), b); err != nil {
			return err
		}
		frontier = b.NewStates
	}
	return nil
}

// runPlan solves the domain and prints the plan with marshalled arguments.
func (a *app) runPlan(ctx context.Context) error {
	sched, initial, err := a.scheduler()
	if err != nil {
		return err
	}
	logger := a.log.Slog()

	opts := []session.Option{
		session.WithBudget(a.cfg.Search),
		session.WithLogger(logger),
	}
	var j *journal.BadgerJournal
	if a.cfg.Journal.Enabled {
		id := uuid.New()
		j, err = journal.Open(journal.Config{
			SessionID: id.String(),
			Storage:   a.cfg.Journal.Storage(),
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, session.WithID(id), session.WithJournal(j))
	}

	s, err := session.New(ctx, sched, initial, opts...)
	if err != nil {
		return err
	}
	plan, err := s.Run(ctx)
	if err != nil {
		logger.Warn("planning failed",
			slog.String("budget", s.Budget().String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("plan: %w", err)
	}

	steps, err := marshalSteps(ctx, sched.Library(), sched.Pool(), initial, plan, logger)
	if err != nil {
		return err
	}
	report := planReport{
		Session:        s.ID().String(),
		Domain:         sched.Library().Name(),
		Steps:          steps,
		TerminalReward: plan.TerminalReward,
		Reward:         plan.Reward,
		Budget:         s.Budget().Report(),
	}
	if j != nil {
		stats := j.Stats()
		report.JournalRecords = stats.LastSeq
	}
	return a.out.plan(report)
}

// marshalSteps runs every plan step through a bridge whose executor
// records the call. Objects of the initial state resolve to their names.
func marshalSteps(ctx context.Context, lib *action.Library, pool *manager.Manager, initial *state.Container, plan *session.Plan, logger *slog.Logger) ([]stepReport, error) {
	var handles bridge.Handles
	for i := 0; i < initial.Len(); i++ {
		handles.Put(initial.ID(i), initial.Name(i))
	}

	var steps []stepReport
	record := bridge.ExecutorFunc(func(_ context.Context, name string, args []any) error {
		steps = append(steps, stepReport{Action: name, Args: args})
		return nil
	})
	br := bridge.New(lib, record, bridge.WithResolver(&handles), bridge.WithLogger(logger))
	for _, d := range lib.Definitions() {
		if err := br.Bind(d.Name(), d.Roles()...); err != nil {
			return nil, err
		}
	}

	for i, step := range plan.Steps {
		if err := br.Act(ctx, pool.Get(step.From), step.Key); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps[i].Probability = step.Probability
		steps[i].Reward = step.Reward
	}
	return steps, nil
}
