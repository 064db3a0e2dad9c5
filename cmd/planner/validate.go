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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/traitplanner/services/planner/domain"
)

// errInvalidFiles is returned when at least one file fails validation.
var errInvalidFiles = errors.New("invalid domain files")

// check loads one domain file.
func check(path string) validationReport {
	r := validationReport{Path: path}
	d, err := domain.Load(path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.OK = true
	r.Domain = d.Name
	r.Traits = len(d.File.Traits)
	r.Actions = len(d.File.Actions)
	r.Goals = len(d.File.Goals)
	r.Objects = d.Initial.Len()
	return r
}

// validate checks every path and fails if any is invalid.
func (a *app) validate(paths []string) error {
	failed := 0
	for _, p := range paths {
		r := check(p)
		if !r.OK {
			failed++
		}
		if err := a.out.validation(r); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidFiles, failed, len(paths))
	}
	return nil
}

// watch validates paths once, then again each time one is written, until
// ctx is done.
//
// Description:
//
//	Parent directories are watched rather than the files, so an editor
//	that saves by rename still triggers a check.
func (a *app) watch(ctx context.Context, paths []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	watched := make(map[string]string, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		watched[abs] = p
		dir := filepath.Dir(abs)
		if !dirs[dir] {
			if err := w.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			dirs[dir] = true
		}
	}

	for _, p := range paths {
		if err := a.out.validation(check(p)); err != nil {
			return err
		}
	}

	logger := a.log.Slog()
	logger.Info("watching domain files", slog.Int("files", len(paths)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			p, tracked := watched[filepath.Clean(ev.Name)]
			if !tracked || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Debug("domain file changed", slog.String("path", p), slog.String("op", ev.Op.String()))
			if err := a.out.validation(check(p)); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
