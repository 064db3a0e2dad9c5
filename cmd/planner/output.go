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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/expansion"
	"github.com/AleutianAI/traitplanner/services/planner/session"
)

// piped reports whether w is a file that is not a terminal. Other writers,
// such as test buffers, count as interactive.
func piped(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// printer writes command results as text or as one JSON document per line.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, forceJSON bool) *printer {
	return &printer{w: w, json: forceJSON || piped(w)}
}

func (p *printer) encode(v any) error {
	return json.NewEncoder(p.w).Encode(v)
}

// -----------------------------------------------------------------------------
// Reports
// -----------------------------------------------------------------------------

type transitionReport struct {
	Action      string  `json:"action"`
	Source      uint64  `json:"source"`
	Dest        uint64  `json:"dest"`
	Probability float64 `json:"probability"`
	Reward      float64 `json:"reward"`
	New         bool    `json:"new"`
}

type batchReport struct {
	ID          string             `json:"id"`
	Frontier    int                `json:"frontier"`
	Bindings    int                `json:"bindings"`
	NewStates   int                `json:"new_states"`
	Merged      int                `json:"merged"`
	Duration    time.Duration      `json:"duration"`
	Transitions []transitionReport `json:"transitions"`
}

type stepReport struct {
	Action      string  `json:"action"`
	Args        []any   `json:"args"`
	Probability float64 `json:"probability"`
	Reward      float64 `json:"reward"`
}

type planReport struct {
	Session        string         `json:"session"`
	Domain         string         `json:"domain"`
	Steps          []stepReport   `json:"steps"`
	TerminalReward float64        `json:"terminal_reward"`
	Reward         float64        `json:"reward"`
	Budget         session.Report `json:"budget"`
	JournalRecords uint64         `json:"journal_records,omitempty"`
}

type validationReport struct {
	Path    string `json:"path"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Traits  int    `json:"traits,omitempty"`
	Actions int    `json:"actions,omitempty"`
	Goals   int    `json:"goals,omitempty"`
	Objects int    `json:"objects,omitempty"`
}

// -----------------------------------------------------------------------------
// Writers
// -----------------------------------------------------------------------------

func (p *printer) batch(lib *action.Library, b *expansion.Batch) error {
	r := batchReport{
		ID:        b.ID.String(),
		Frontier:  len(b.Frontier),
		Bindings:  b.Bindings,
		NewStates: len(b.NewStates),
		Merged:    b.Merged,
		Duration:  b.Duration,
	}
	for _, tr := range b.Transitions {
		r.Transitions = append(r.Transitions, transitionReport{
			Action:      lib.Describe(tr.Action),
			Source:      tr.Source.ID(),
			Dest:        tr.Dest.ID(),
			Probability: tr.Probability,
			Reward:      tr.Reward,
			New:         tr.NewState,
		})
	}
	if p.json {
		return p.encode(r)
	}

	fmt.Fprintf(p.w, "batch %s: frontier %d, %d transitions, %d new, %d merged (%s)\n",
		r.ID, r.Frontier, len(r.Transitions), r.NewStates, r.Merged, r.Duration.Round(time.Microsecond))
	for _, t := range r.Transitions {
		mark := ""
		if t.New {
			mark = " new"
		}
		_, err := fmt.Fprintf(p.w, "  %-24s #%d -> #%d  p=%.2f r=%.2f%s\n",
			t.Action, t.Source, t.Dest, t.Probability, t.Reward, mark)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) plan(r planReport) error {
	if p.json {
		return p.encode(r)
	}
	fmt.Fprintf(p.w, "plan for %s: %d steps, reward %.2f\n", r.Domain, len(r.Steps), r.Reward)
	for i, s := range r.Steps {
		args := make([]string, len(s.Args))
		for j, a := range s.Args {
			args[j] = fmt.Sprint(a)
		}
		fmt.Fprintf(p.w, "%3d. %s(%s)  r=%.2f\n", i+1, s.Action, strings.Join(args, ", "), s.Reward)
	}
	fmt.Fprintf(p.w, "terminal reward %.2f\n", r.TerminalReward)
	_, err := fmt.Fprintf(p.w, "searched %d states in %d batches (%s)\n",
		r.Budget.States, r.Budget.Batches, r.Budget.Elapsed.Round(time.Millisecond))
	return err
}

func (p *printer) validation(r validationReport) error {
	if p.json {
		return p.encode(r)
	}
	if !r.OK {
		_, err := fmt.Fprintf(p.w, "FAIL %s: %s\n", r.Path, r.Error)
		return err
	}
	_, err := fmt.Fprintf(p.w, "ok   %s: domain %s, %d traits, %d actions, %d goals, %d objects\n",
		r.Path, r.Domain, r.Traits, r.Actions, r.Goals, r.Objects)
	return err
}

func (p *printer) version(v string) error {
	if p.json {
		return p.encode(map[string]string{"version": v})
	}
	_, err := fmt.Fprintf(p.w, "planner %s\n", v)
	return err
}
