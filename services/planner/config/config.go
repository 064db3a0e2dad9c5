// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads planner settings from defaults, a file, and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/traitplanner/services/planner/expansion"
	"github.com/AleutianAI/traitplanner/services/planner/session"
	"github.com/AleutianAI/traitplanner/services/planner/storage/badger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLANNER_"

// Config contains all planner configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Expansion contains batch expansion settings.
	Expansion expansion.Config `json:"expansion" yaml:"expansion"`

	// Search contains the session budget.
	Search session.BudgetConfig `json:"search" yaml:"search"`

	// Journal contains transition journal settings.
	Journal JournalConfig `json:"journal" yaml:"journal"`

	// Observability contains logging, tracing, and metrics settings.
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// JournalConfig controls the transition journal.
type JournalConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path" validate:"required_if=Enabled true InMemory false"`
	InMemory   bool   `json:"in_memory" yaml:"in_memory"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes"`
}

// ObservabilityConfig contains observability settings.
type ObservabilityConfig struct {
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	LogLevel       string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	ServiceName    string `json:"service_name" yaml:"service_name" validate:"required"`
}

// configValidate is the validator for Config.
var configValidate = validator.New()

// Default returns the default configuration.
func Default() Config {
	return Config{
		Expansion: expansion.DefaultConfig(),
		Search:    session.DefaultBudgetConfig(),
		Journal: JournalConfig{
			Path:       "planner-journal",
			SyncWrites: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			ServiceName: "traitplanner",
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: Path to a YAML or JSON file. Empty, or a missing file, means
//     defaults.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is unreadable or invalid, or the merged
//     result fails validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// loadEnv applies PLANNER_* overrides. A malformed value is an error
// rather than silently ignored.
func loadEnv(cfg *Config) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"WORKERS", &cfg.Expansion.Workers},
		{"MAX_BINDINGS_PER_TASK", &cfg.Expansion.MaxBindingsPerTask},
		{"MAX_STATES", &cfg.Search.MaxStates},
		{"MAX_BATCHES", &cfg.Search.MaxBatches},
		{"MAX_DEPTH", &cfg.Search.MaxDepth},
		{"BATCH_WIDTH", &cfg.Search.BatchWidth},
	}
	for _, e := range ints {
		if v, ok := lookup(e.name); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, e.name, err)
			}
			*e.dst = i
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"JOURNAL_ENABLED", &cfg.Journal.Enabled},
		{"JOURNAL_IN_MEMORY", &cfg.Journal.InMemory},
		{"TRACING_ENABLED", &cfg.Observability.TracingEnabled},
		{"METRICS_ENABLED", &cfg.Observability.MetricsEnabled},
	}
	for _, e := range bools {
		if v, ok := lookup(e.name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, e.name, err)
			}
			*e.dst = b
		}
	}

	if v, ok := lookup("TIME_LIMIT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sTIME_LIMIT: %w", EnvPrefix, err)
		}
		cfg.Search.TimeLimit = d
	}
	if v, ok := lookup("JOURNAL_PATH"); ok {
		cfg.Journal.Path = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Observability.LogLevel = v
	}
	return nil
}

func lookup(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	return configValidate.Struct(c)
}

// ExpansionConfig returns the scheduler settings, with tracing enabled if
// either section asks for it.
func (c Config) ExpansionConfig() expansion.Config {
	e := c.Expansion
	e.TracingEnabled = e.TracingEnabled || c.Observability.TracingEnabled
	return e
}

// Storage returns the badger settings for the journal.
func (j JournalConfig) Storage() badger.Config {
	if j.InMemory {
		return badger.InMemoryConfig()
	}
	cfg := badger.DefaultConfig()
	cfg.Path = j.Path
	cfg.SyncWrites = j.SyncWrites
	return cfg
}
