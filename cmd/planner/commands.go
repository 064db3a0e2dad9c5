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
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/traitplanner/pkg/logging"
	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/config"
	"github.com/AleutianAI/traitplanner/services/planner/domain"
	"github.com/AleutianAI/traitplanner/services/planner/domain/gates"
	"github.com/AleutianAI/traitplanner/services/planner/expansion"
	"github.com/AleutianAI/traitplanner/services/planner/manager"
	"github.com/AleutianAI/traitplanner/services/planner/state"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// defaultMetricsAddr is used when metrics are enabled in config without
// --metrics-addr.
const defaultMetricsAddr = ":9090"

// options holds the global flags.
type options struct {
	configPath  string
	domainPath  string
	logLevel    string
	metricsAddr string
	trace       bool
	journal     bool
	json        bool
}

// app is the state shared by the commands of one invocation.
type app struct {
	opts options
	cfg  config.Config
	log  *logging.Logger
	out  *printer

	shutdownTracing func(context.Context) error
	metrics         *http.Server
	metricsAddr     string
}

// execute runs the CLI with the given arguments and releases everything
// setup acquired, whether or not the command succeeded.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(context.Background()); err == nil {
		err = cerr
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "planner",
		Short:         "Expand and solve trait-based planning domains",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "Config file (YAML or JSON)")
	flags.StringVar(&a.opts.domainPath, "domain", "", "Domain file; the built-in gates demo when empty")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&a.opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVar(&a.opts.trace, "trace", false, "Print OpenTelemetry spans to stderr")
	flags.BoolVar(&a.opts.journal, "journal", false, "Record the session transitions in the journal")
	flags.BoolVar(&a.opts.json, "json", false, "Force JSON output")

	var batches int
	expandCmd := &cobra.Command{
		Use:   "expand",
		Short: "Run expansion batches from the initial state and print the transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runExpand(cmd.Context(), batches)
		},
	}
	expandCmd.Flags().IntVarP(&batches, "batches", "n", 1, "Number of batches; each expands the previous batch's new states")

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Search to the first terminal state and print the action sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPlan(cmd.Context())
		},
	}

	var watch bool
	validateCmd := &cobra.Command{
		Use:   "validate <domain.yaml>...",
		Short: "Validate and compile domain files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return a.watch(cmd.Context(), args)
			}
			return a.validate(args)
		},
	}
	validateCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-validate whenever a file changes")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the planner version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.out.version(version)
		},
	}

	root.AddCommand(expandCmd, planCmd, validateCmd, versionCmd)
	return root
}

// setup loads configuration and starts logging, tracing, and metrics.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.logLevel != "" {
		cfg.Observability.LogLevel = a.opts.logLevel
	}
	if a.opts.trace {
		cfg.Observability.TracingEnabled = true
	}
	if a.opts.journal {
		cfg.Journal.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg

	stderr := cmd.ErrOrStderr()
	a.log = logging.New(logging.Config{
		Level:   level,
		Service: cfg.Observability.ServiceName,
		JSON:    piped(stderr),
		Output:  stderr,
	})
	slog.SetDefault(a.log.Slog())
	a.out = newPrinter(cmd.OutOrStdout(), a.opts.json)

	if cfg.Observability.TracingEnabled {
		if a.shutdownTracing, err = initTracing(cfg.Observability.ServiceName, stderr); err != nil {
			return err
		}
	}
	addr := a.opts.metricsAddr
	if addr == "" && cfg.Observability.MetricsEnabled {
		addr = defaultMetricsAddr
	}
	if addr != "" {
		if a.metrics, a.metricsAddr, err = serveMetrics(addr, a.log.Slog()); err != nil {
			return err
		}
	}
	return nil
}

// close flushes spans, stops the metrics server, and closes the log file.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

// loadDomain returns the library and initial state named by --domain.
func (a *app) loadDomain() (*action.Library, *state.Container, error) {
	if a.opts.domainPath == "" {
		lib, err := gates.New()
		if err != nil {
			return nil, nil, err
		}
		return lib, gates.Demo(lib), nil
	}
	d, err := domain.Load(a.opts.domainPath)
	if err != nil {
		return nil, nil, err
	}
	return d.Library, d.Initial, nil
}

// scheduler builds a scheduler over a fresh pool for the selected domain.
func (a *app) scheduler() (*expansion.Scheduler, *state.Container, error) {
	lib, initial, err := a.loadDomain()
	if err != nil {
		return nil, nil, err
	}
	logger := a.log.Slog()
	pool := manager.New(lib.Registry(), manager.WithLogger(logger), manager.WithName(lib.Name()))
	sched, err := expansion.New(lib, pool,
		expansion.WithConfig(a.cfg.ExpansionConfig()),
		expansion.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return sched, initial, nil
}
