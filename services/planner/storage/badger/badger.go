// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB store used by the
// planner's transition journal.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNoPath is returned when a persistent store is opened without a path.
var ErrNoPath = errors.New("path is required for persistent database")

// Config holds configuration for a store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `json:"path" yaml:"path"`

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `json:"gc_discard_ratio" yaml:"gc_discard_ratio"`

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns durable settings for on-disk use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for an ephemeral store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter forwards BadgerDB logs to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l slogAdapter) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l slogAdapter) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l slogAdapter) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l slogAdapter) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

// DB is an open store with its background value log GC.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB
	cfg Config

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open opens a store.
//
// Description:
//
//	Creates the directory for persistent stores and starts value log GC
//	when GCInterval is positive and the store is on disk.
//
// Inputs:
//   - cfg: Store configuration.
//
// Outputs:
//   - *DB: The open store. Call Close when done.
//   - error: ErrNoPath, or a wrapped BadgerDB error.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, ErrNoPath
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	db := &DB{DB: raw, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC()
	}
	return db, nil
}

// OpenInMemory opens an ephemeral store.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

func (d *DB) runGC() {
	defer close(d.gcDone)
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.DB.RunValueLogGC(d.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.cfg.Logger != nil {
				d.cfg.Logger.Warn("badger value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Path returns the directory, or "" for in-memory stores.
func (d *DB) Path() string {
	if d.cfg.InMemory {
		return ""
	}
	return d.cfg.Path
}

// InMemory reports whether the store is ephemeral.
func (d *DB) InMemory() bool { return d.cfg.InMemory }

// Close stops GC and closes the store. Later calls return the first result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Sync flushes pending writes. A no-op in memory.
func (d *DB) Sync() error {
	if d.cfg.InMemory {
		return nil
	}
	return d.DB.Sync()
}

// Update runs fn in a read-write transaction and commits on success.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.DB.Update(fn)
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.DB.View(fn)
}

// ScanPrefix calls fn for every key with prefix in ascending key order,
// stopping early if fn returns an error or ctx is cancelled.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.View(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix removes every key with prefix and returns the count.
func (d *DB) DeletePrefix(ctx context.Context, prefix []byte) (int, error) {
	var keys [][]byte
	err := d.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	wb := d.DB.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush deletes: %w", err)
	}
	return len(keys), nil
}
