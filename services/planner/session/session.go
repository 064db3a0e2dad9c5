// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session drives the engine for one planning problem.
//
// A Session owns the explored state graph over a pool: it picks frontier
// batches, feeds them to the expansion scheduler, records the resulting
// edges, and destroys states that fall out of reach when the root moves.
// Search is breadth first; it stops at the first terminal state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/expansion"
	"github.com/AleutianAI/traitplanner/services/planner/journal"
	"github.com/AleutianAI/traitplanner/services/planner/manager"
	"github.com/AleutianAI/traitplanner/services/planner/state"
)

var (
	// ErrNoPlan is returned when the frontier empties without a terminal.
	ErrNoPlan = errors.New("no terminal state reachable")

	// ErrUnknownNode is returned for keys not in the session graph.
	ErrUnknownNode = errors.New("state not in session graph")

	// ErrUnreachable is returned when no path joins the root to a node.
	ErrUnreachable = errors.New("state not reachable from root")
)

// Edge is an outgoing transition of a node.
type Edge struct {
	Action      action.Key  `json:"action"`
	Dest        manager.Key `json:"dest"`
	Probability float64     `json:"probability"`
	Reward      float64     `json:"reward"`
}

// Node is a state in the session graph.
type Node struct {
	Key      manager.Key        `json:"key"`
	Depth    int                `json:"depth"`
	Expanded bool               `json:"expanded"`
	Terminal bool               `json:"terminal"`
	Value    float64            `json:"value"`
	Estimate action.BoundedValue `json:"estimate"`
	Out      []Edge             `json:"out,omitempty"`
}

// PlanStep is one action of a plan.
type PlanStep struct {
	Action      string      `json:"action"`
	Key         action.Key  `json:"key"`
	From        manager.Key `json:"from"`
	To          manager.Key `json:"to"`
	Probability float64     `json:"probability"`
	Reward      float64     `json:"reward"`
}

// Plan is a path from the root to a terminal state.
type Plan struct {
	Steps          []PlanStep  `json:"steps"`
	Terminal       manager.Key `json:"terminal"`
	TerminalReward float64     `json:"terminal_reward"`

	// Reward is the sum of step rewards plus the terminal reward.
	Reward float64 `json:"reward"`
}

// Session is a planning session over one pool.
//
// Thread Safety: Safe for concurrent use; Step, Run, Reroot, and Collect
// serialize on an internal lock.
type Session struct {
	id      uuid.UUID
	sched   *expansion.Scheduler
	lib     *action.Library
	pool    *manager.Manager
	budget  *Budget
	journal journal.Journal
	logger  *slog.Logger

	mu       sync.Mutex
	root     manager.Key
	nodes    map[manager.Key]*Node
	frontier []manager.Key
}

// Option configures a Session.
type Option func(*Session)

// WithBudget sets the budget limits.
func WithBudget(cfg BudgetConfig) Option {
	return func(s *Session) { s.budget = NewBudget(cfg) }
}

// WithJournal records every committed batch and destroy phase.
func WithJournal(j journal.Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithLogger sets the logger. Defaults to the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithID fixes the session ID, e.g. to resume a journal.
func WithID(id uuid.UUID) Option {
	return func(s *Session) { s.id = id }
}

// New starts a session rooted at initial.
//
// Description:
//
//	Commits initial to the scheduler's pool. If an equal state is already
//	published the existing key becomes the root.
//
// Inputs:
//   - ctx: Used for the journal write.
//   - sched: The scheduler; its pool and library are shared.
//   - initial: The start state. Must not be mutated afterwards.
//   - opts: Optional settings.
//
// Outputs:
//   - *Session: The session.
//   - error: Journal failures.
func New(ctx context.Context, sched *expansion.Scheduler, initial *state.Container, opts ...Option) (*Session, error) {
	s := &Session{
		id:     uuid.New(),
		sched:  sched,
		lib:    sched.Library(),
		pool:   sched.Pool(),
		budget: NewBudget(DefaultBudgetConfig()),
		logger: sched.Logger(),
		nodes:  make(map[manager.Key]*Node),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", s.id.String()))

	var root manager.Key
	var fresh bool
	s.pool.Exclusive(func(w *manager.Window) { root, fresh = w.Commit(initial) })
	if fresh {
		s.budget.RecordStates(1)
	}
	s.root = root
	s.addNode(root, 0)

	if err := s.record(ctx, &journal.Record{Kind: journal.KindRoot, States: []uint64{root.ID()}}); err != nil {
		return nil, err
	}
	s.logger.Info("planning session started",
		slog.String("domain", s.lib.Name()),
		slog.String("root", root.String()),
		slog.Int("objects", initial.Len()),
	)
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() uuid.UUID { return s.id }

// Budget returns the session budget.
func (s *Session) Budget() *Budget { return s.budget }

// Root returns the current root key.
func (s *Session) Root() manager.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Node returns a copy of a node.
func (s *Session) Node(k manager.Key) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[k]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Out = append([]Edge(nil), n.Out...)
	return cp, true
}

// Len returns the number of nodes in the graph.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Frontier returns the keys waiting for expansion, in order.
func (s *Session) Frontier() []manager.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]manager.Key(nil), s.frontier...)
}

// addNode creates a node and evaluates it. Caller holds mu, or is New.
func (s *Session) addNode(k manager.Key, depth int) *Node {
	st := s.pool.Get(k)
	terminal, value := s.lib.IsTerminal(st)
	n := &Node{
		Key:      k,
		Depth:    depth,
		Terminal: terminal,
		Value:    value,
		Estimate: s.lib.Heuristic(st),
	}
	s.nodes[k] = n
	if !terminal {
		s.frontier = append(s.frontier, k)
	}
	return n
}

// nextBatch pops up to BatchWidth expandable frontier keys.
func (s *Session) nextBatch() []manager.Key {
	width := s.budget.Config().BatchWidth
	var batch, rest []manager.Key
	for _, k := range s.frontier {
		n := s.nodes[k]
		switch {
		case n == nil || n.Expanded:
		case !s.budget.DepthAllowed(n.Depth):
		case width > 0 && len(batch) >= width:
			rest = append(rest, k)
		default:
			batch = append(batch, k)
		}
	}
	s.frontier = rest
	return batch
}

// Step expands the next frontier batch.
//
// Outputs:
//   - []manager.Key: Terminal states first reached by this step.
//   - bool: False when the frontier was empty.
//   - error: Cancellation, budget exhaustion, or journal failure.
func (s *Session) Step(ctx context.Context) ([]manager.Key, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.budget.Check(); err != nil {
		return nil, true, err
	}
	batchKeys := s.nextBatch()
	if len(batchKeys) == 0 {
		return nil, false, nil
	}
	b, err := s.sched.Expand(ctx, batchKeys)
	if err != nil {
		// The batch left the pool untouched; keep its keys for a retry.
		s.frontier = append(batchKeys, s.frontier...)
		return nil, true, err
	}

	var terminals []manager.Key
	edges := make([]journal.Edge, 0, len(b.Transitions))
	for _, k := range batchKeys {
		s.nodes[k].Expanded = true
	}
	for _, tr := range b.Transitions {
		src := s.nodes[tr.Source]
		src.Out = append(src.Out, Edge{Action: tr.Action, Dest: tr.Dest, Probability: tr.Probability, Reward: tr.Reward})
		if _, known := s.nodes[tr.Dest]; !known {
			if n := s.addNode(tr.Dest, src.Depth+1); n.Terminal {
				terminals = append(terminals, tr.Dest)
			}
		}
		edges = append(edges, journal.Edge{
			Source:      tr.Source.ID(),
			Action:      s.lib.Describe(tr.Action),
			Dest:        tr.Dest.ID(),
			Probability: tr.Probability,
			Reward:      tr.Reward,
			New:         tr.NewState,
		})
	}
	budgetErr := s.budget.RecordBatch(len(b.NewStates))

	if err := s.record(ctx, &journal.Record{Kind: journal.KindExpand, Batch: b.ID.String(), Edges: edges}); err != nil {
		return terminals, true, err
	}
	return terminals, true, budgetErr
}

// Run expands until a terminal state is reached and returns the plan to
// the first one found.
//
// Outputs:
//   - *Plan: The plan, shortest in actions among explored paths.
//   - error: ErrNoPlan, a budget error, or cancellation.
func (s *Session) Run(ctx context.Context) (*Plan, error) {
	if n, ok := s.Node(s.Root()); ok && n.Terminal {
		return s.PlanTo(n.Key)
	}
	for {
		terminals, more, err := s.Step(ctx)
		if len(terminals) > 0 {
			plan, perr := s.PlanTo(terminals[0])
			if perr != nil {
				return nil, perr
			}
			s.logger.Info("plan found",
				slog.Int("steps", len(plan.Steps)),
				slog.Float64("reward", plan.Reward),
				slog.String("budget", s.budget.String()),
			)
			return plan, nil
		}
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, fmt.Errorf("%w after %d states", ErrNoPlan, s.Len())
		}
	}
}

// PlanTo returns the shortest explored path from the root to target.
func (s *Session) PlanTo(target manager.Key) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tn, ok := s.nodes[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	type hop struct {
		prev manager.Key
		edge Edge
	}
	via := map[manager.Key]hop{s.root: {}}
	queue := []manager.Key{s.root}
	for len(queue) > 0 && !containsKey(via, target) {
		k := queue[0]
		queue = queue[1:]
		for _, e := range s.nodes[k].Out {
			if _, seen := via[e.Dest]; seen {
				continue
			}
			via[e.Dest] = hop{prev: k, edge: e}
			queue = append(queue, e.Dest)
		}
	}
	if !containsKey(via, target) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, target)
	}

	plan := &Plan{Terminal: target}
	if tn.Terminal {
		plan.TerminalReward = tn.Value
	}
	for k := target; k != s.root; {
		h := via[k]
		plan.Steps = append(plan.Steps, PlanStep{
			Action:      s.lib.Describe(h.edge.Action),
			Key:         h.edge.Action,
			From:        h.prev,
			To:          k,
			Probability: h.edge.Probability,
			Reward:      h.edge.Reward,
		})
		k = h.prev
	}
	for i, j := 0, len(plan.Steps)-1; i < j; i, j = i+1, j-1 {
		plan.Steps[i], plan.Steps[j] = plan.Steps[j], plan.Steps[i]
	}
	plan.Reward = plan.TerminalReward
	for _, st := range plan.Steps {
		plan.Reward += st.Reward
	}
	return plan, nil
}

func containsKey[V any](m map[manager.Key]V, k manager.Key) bool {
	_, ok := m[k]
	return ok
}

// Reroot moves the root to k, typically after the chosen action has been
// executed, and collects states no longer reachable.
func (s *Session) Reroot(ctx context.Context, k manager.Key) (int, error) {
	s.mu.Lock()
	if _, ok := s.nodes[k]; !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, k)
	}
	s.root = k
	s.mu.Unlock()

	if err := s.record(ctx, &journal.Record{Kind: journal.KindRoot, States: []uint64{k.ID()}}); err != nil {
		return 0, err
	}
	return s.Collect(ctx)
}

// Collect runs a destroy-states phase.
//
// Description:
//
//	Marks every node reachable from the root, then destroys the rest in
//	one exclusive window and drops them from the graph and frontier.
//
// Outputs:
//   - int: The number of destroyed states.
//   - error: Journal failures.
func (s *Session) Collect(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.sched.Tracer().StartPhase(ctx, "destroy")
	defer span.End()

	live := map[manager.Key]bool{s.root: true}
	stack := []manager.Key{s.root}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range s.nodes[k].Out {
			if !live[e.Dest] {
				live[e.Dest] = true
				stack = append(stack, e.Dest)
			}
		}
	}

	var dead []manager.Key
	for _, k := range s.pool.Keys() {
		if _, ours := s.nodes[k]; ours && !live[k] {
			dead = append(dead, k)
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}
	s.pool.DestroyStates(dead)
	ids := make([]uint64, len(dead))
	for i, k := range dead {
		delete(s.nodes, k)
		ids[i] = k.ID()
	}
	kept := s.frontier[:0]
	for _, k := range s.frontier {
		if live[k] {
			kept = append(kept, k)
		}
	}
	s.frontier = kept
	s.budget.ReleaseStates(len(dead))

	s.logger.Info("destroyed unreachable states",
		slog.String("root", s.root.String()),
		slog.Int("destroyed", len(dead)),
		slog.Int("remaining", len(s.nodes)),
	)
	return len(dead), s.record(ctx, &journal.Record{Kind: journal.KindDestroy, States: ids})
}

func (s *Session) record(ctx context.Context, rec *journal.Record) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Append(ctx, rec); err != nil {
		return fmt.Errorf("journal %s: %w", rec.Kind, err)
	}
	return nil
}
