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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatesFile = "../../services/planner/domain/testdata/gates.yaml"

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr syncBuffer
	err := execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestExecute_Version(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "planner dev\n", out)

	out, _, err = run(t, "version", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"dev"}`, out)
}

func TestExecute_PlanText(t *testing.T) {
	out, stderr, err := run(t, "plan", "--log-level", "error")
	require.NoError(t, err)
	assert.Empty(t, stderr)

	assert.Contains(t, out, "plan for gates: 9 steps")
	assert.Contains(t, out, "MoveToGoal(Player, Exit, GameState)")
	assert.Contains(t, out, "terminal reward 100.00")
}

func TestExecute_PlanJSON(t *testing.T) {
	out, _, err := run(t, "plan", "--json", "--log-level", "warn")
	require.NoError(t, err)

	var r planReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "gates", r.Domain)
	assert.NotEmpty(t, r.Session)
	require.Len(t, r.Steps, 9)
	last := r.Steps[8]
	assert.Equal(t, "MoveToGoal", last.Action)
	assert.Equal(t, []any{"Player", "Exit", "GameState"}, last.Args)
	assert.Equal(t, 100.0, r.TerminalReward)
	assert.Positive(t, r.Budget.States)
	assert.Zero(t, r.JournalRecords)

	sum := r.TerminalReward
	for _, s := range r.Steps {
		assert.Equal(t, 1.0, s.Probability)
		sum += s.Reward
	}
	assert.InDelta(t, r.Reward, sum, 1e-9)
}

func TestExecute_PlanDomainFile(t *testing.T) {
	out, _, err := run(t, "plan", "--json", "--log-level", "error", "--domain", gatesFile)
	require.NoError(t, err)

	var r planReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Len(t, r.Steps, 9)
	assert.Equal(t, "MoveToGoal", r.Steps[8].Action)
}

func TestExecute_PlanWithJournal(t *testing.T) {
	t.Setenv("PLANNER_JOURNAL_IN_MEMORY", "true")
	out, _, err := run(t, "plan", "--json", "--journal", "--log-level", "error")
	require.NoError(t, err)

	var r planReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Greater(t, r.JournalRecords, uint64(1), "root plus one record per batch")
}

func TestExecute_PlanBudgetExhausted(t *testing.T) {
	t.Setenv("PLANNER_MAX_STATES", "3")
	_, stderr, err := run(t, "plan", "--log-level", "warn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget exhausted")
	assert.Contains(t, stderr, "planning failed")
}

func TestExecute_Expand(t *testing.T) {
	out, _, err := run(t, "expand", "-n", "2", "--json", "--log-level", "error")
	require.NoError(t, err)

	var batches []batchReport
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 1<<20), 1<<22)
	for sc.Scan() {
		var b batchReport
		require.NoError(t, json.Unmarshal(sc.Bytes(), &b))
		batches = append(batches, b)
	}
	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[0].Frontier)
	assert.Equal(t, batches[0].NewStates, batches[1].Frontier)
	assert.NotEmpty(t, batches[0].Transitions)
	for _, tr := range batches[0].Transitions {
		assert.Equal(t, batches[0].Transitions[0].Source, tr.Source)
	}
}

func TestExecute_ExpandText(t *testing.T) {
	out, _, err := run(t, "expand", "--log-level", "error")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "batch "))
	assert.Contains(t, out, "MoveToItem(")
	assert.Contains(t, out, " new\n")
}

func TestExecute_Validate(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: t\nbogus: 1\n"), 0o600))

	out, _, err := run(t, "validate", "--log-level", "error", gatesFile)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+gatesFile+": domain gates, 9 traits, 7 actions, 1 goals, 8 objects")

	out, _, err = run(t, "validate", "--log-level", "error", gatesFile, bad)
	assert.ErrorIs(t, err, errInvalidFiles)
	assert.Contains(t, out, "FAIL "+bad)

	_, _, err = run(t, "validate")
	assert.Error(t, err, "at least one file is required")
}

func TestExecute_BadConfig(t *testing.T) {
	t.Setenv("PLANNER_WORKERS", "many")
	_, _, err := run(t, "version")
	assert.Error(t, err)

	t.Setenv("PLANNER_WORKERS", "")
	_, _, err = run(t, "version", "--log-level", "loud")
	assert.Error(t, err)
}

func TestExecute_TraceWritesSpans(t *testing.T) {
	_, stderr, err := run(t, "expand", "--trace", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, stderr, "expansion.batch")
}

func TestWatch_RevalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.yaml")
	good, err := os.ReadFile(gatesFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, good, 0o600))

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, []string{"validate", "--watch", "--log-level", "error", path}, &out, io.Discard)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ok   ") },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("name: t\nbogus: 1\n"), 0o600))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "FAIL ") },
		5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestServeMetrics(t *testing.T) {
	srv, addr, err := serveMetrics("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewPrinter(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, newPrinter(&buf, false).json)
	assert.True(t, newPrinter(&buf, true).json)
	assert.False(t, piped(&buf))
}
