// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command planner expands and solves trait-based planning domains.
//
// Usage:
//
//	planner plan                          # solve the built-in gates demo
//	planner plan --domain world.yaml      # solve a domain file
//	planner expand --batches 3            # print three expansion batches
//	planner validate --watch world.yaml   # re-validate on every save
//
// Configuration is read from --config (YAML or JSON) and PLANNER_*
// environment variables. Output is text on a terminal and JSON otherwise.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
