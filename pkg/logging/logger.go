// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for planner binaries.
//
// Output goes to stderr as text or JSON. When LogDir is set, a JSON copy
// of every record is also appended to "{service}_{date}.log" in that
// directory. Library packages never import this package; they take a
// *slog.Logger and default to slog.Default().
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "planner"})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is per-task and per-state detail.
	LevelDebug Level = iota

	// LevelInfo is batch and session events.
	LevelInfo

	// LevelWarn is recoverable anomalies.
	LevelWarn

	// LevelError is failed operations.
	LevelError
)

// ErrUnknownLevel is returned by ParseLevel.
var ErrUnknownLevel = errors.New("unknown log level")

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts level names in any case. "warning" is an alias
// for "warn".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to
// stderr as text.
type Config struct {
	// Level is the minimum level written.
	Level Level

	// LogDir enables the JSON file sink. A leading ~ is expanded.
	LogDir string

	// Service is attached to every record as "service" and names the
	// log file.
	Service string

	// JSON selects JSON output for the console sink.
	JSON bool

	// Quiet disables the console sink.
	Quiet bool

	// Output replaces stderr as the console sink.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the process handlers and the optional log file.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	slog   *slog.Logger
	config Config

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger.
//
// Description:
//
//	Builds the console handler unless Quiet, and the file handler when
//	LogDir is set. A file sink that cannot be opened is skipped and
//	reported once on the console. With no sinks left, stderr is used.
//
// Inputs:
//   - config: Logger settings.
//
// Outputs:
//   - *Logger: Ready to use. Call Close to release the file.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.slogLevel()}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	l := &Logger{config: config}
	var fileErr error
	if config.LogDir != "" {
		l.file, fileErr = openLogFile(config)
		if fileErr == nil {
			handlers = append(handlers, slog.NewJSONHandler(l.file, opts))
		}
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		h = handlers[0]
	default:
		h = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	l.slog = slog.New(h)

	if fileErr != nil {
		l.slog.Warn("file logging disabled", slog.String("error", fileErr.Error()))
	}
	return l
}

func openLogFile(config Config) (*os.File, error) {
	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	service := config.Service
	if service == "" {
		service = "planner"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// Slog returns the underlying logger, for passing to library packages.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// With returns a child logger sharing this logger's sinks.
func (l *Logger) With(args ...any) *slog.Logger { return l.slog.With(args...) }

// FilePath returns the open log file path, or "".
func (l *Logger) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Close syncs and closes the log file. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return fmt.Errorf("sync log file: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close log file: %w", closeErr)
	}
	return nil
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			errs = append(errs, hh.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
