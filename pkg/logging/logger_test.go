// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"Warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnknownLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_TextFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Service: "planner", Output: &buf})
	defer l.Close()

	l.Slog().Info("hidden")
	l.Slog().Warn("shown", "batch_id", "b1")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service=planner")
	assert.Contains(t, out, "batch_id=b1")
}

func TestNew_JSONAndChild(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{JSON: true, Output: &buf})
	l.With("session_id", "s1").Info("started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "started", rec["msg"])
	assert.Equal(t, "s1", rec["session_id"])
}

func TestNew_FileSink(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l := New(Config{LogDir: dir, Service: "test", Output: &buf})
	path := l.FilePath()
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(path, dir))

	l.Slog().Info("to both")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")
	assert.Empty(t, l.FilePath())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.Contains(t, buf.String(), "to both")
}

func TestNew_QuietWithoutFileFallsBack(t *testing.T) {
	l := New(Config{Quiet: true})
	assert.NotNil(t, l.Slog())
	assert.NoError(t, l.Close())
}
