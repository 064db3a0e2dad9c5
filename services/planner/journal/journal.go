// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal keeps an append-only trace of what a planning session
// committed: expansion batches, root changes, and destroyed states.
//
// The journal records keys and edges only. State contents stay in the
// in-memory pool and are never written.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/traitplanner/services/planner/storage/badger"
)

var (
	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrCorrupted is returned when a record fails its CRC check.
	ErrCorrupted = errors.New("journal record corrupted (CRC mismatch)")

	// ErrSequenceGap is returned when replay finds a missing sequence number.
	ErrSequenceGap = errors.New("journal sequence number gap detected")

	// ErrNilRecord is returned when appending a nil record.
	ErrNilRecord = errors.New("record must not be nil")
)

// Kind classifies a record.
type Kind uint8

const (
	// KindExpand records one committed expansion batch.
	KindExpand Kind = iota + 1

	// KindRoot records a change of the session root.
	KindRoot

	// KindDestroy records a destroy-states phase.
	KindDestroy
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindExpand:
		return "expand"
	case KindRoot:
		return "root"
	case KindDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// Edge is a committed transition in journal form.
type Edge struct {
	Source      uint64  `json:"source"`
	Action      string  `json:"action"`
	Dest        uint64  `json:"dest"`
	Probability float64 `json:"probability"`
	Reward      float64 `json:"reward"`
	New         bool    `json:"new"`
}

// Record is one journal entry. Seq is assigned by Append.
type Record struct {
	Seq    uint64    `json:"seq"`
	Kind   Kind      `json:"kind"`
	Batch  string    `json:"batch,omitempty"`
	Time   time.Time `json:"time"`
	Edges  []Edge    `json:"edges,omitempty"`
	States []uint64  `json:"states,omitempty"`
}

// Journal is the session trace sink.
type Journal interface {
	// Append assigns the next sequence number to rec and persists it.
	Append(ctx context.Context, rec *Record) error

	// Replay returns every record in sequence order.
	Replay(ctx context.Context) ([]Record, error)

	// Close releases the journal.
	Close() error
}

// Config configures a BadgerJournal.
type Config struct {
	// SessionID scopes keys. Required.
	SessionID string

	// Storage configures the underlying store.
	Storage badger.Config

	// SkipCorrupted continues replay past records that fail their CRC.
	SkipCorrupted bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id must not be empty")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("path is required for persistent journal")
	}
	return nil
}

// Stats summarizes journal activity.
type Stats struct {
	LastSeq   uint64 `json:"last_seq"`
	Bytes     int64  `json:"bytes"`
	Corrupted int64  `json:"corrupted"`
}

// BadgerJournal stores records in BadgerDB.
//
// Key format: "record:{session_id}:{seq:016d}"
// Value format: [4-byte CRC32][gob-encoded Record]
//
// Thread Safety: Safe for concurrent use. Appends are serialized so
// sequence numbers land in key order.
type BadgerJournal struct {
	db     *badger.DB
	owned  bool
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	seq       atomic.Uint64
	bytes     atomic.Int64
	corrupted atomic.Int64
	closed    atomic.Bool
}

// Open opens a journal with its own store.
//
// Inputs:
//   - cfg: Journal configuration. Must pass Validate.
//
// Outputs:
//   - *BadgerJournal: The open journal, positioned after its last record.
//   - error: Non-nil if the config is invalid or the store cannot open.
func Open(cfg Config) (*BadgerJournal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Storage.Logger == nil {
		cfg.Storage.Logger = cfg.Logger
	}
	db, err := badger.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	j, err := newJournal(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// OpenShared opens a journal over a store owned by the caller. Close
// leaves the store open.
func OpenShared(db *badger.DB, cfg Config) (*BadgerJournal, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("invalid config: session_id must not be empty")
	}
	return newJournal(db, cfg)
}

func newJournal(db *badger.DB, cfg Config) (*BadgerJournal, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	j := &BadgerJournal{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "journal"), slog.String("session_id", cfg.SessionID)),
	}
	if err := j.initSeq(); err != nil {
		return nil, fmt.Errorf("init sequence number: %w", err)
	}
	j.logger.Debug("journal opened", slog.Uint64("last_seq", j.seq.Load()))
	return j, nil
}

func (j *BadgerJournal) initSeq() error {
	prefix := []byte(j.prefix())
	return j.db.View(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if it.ValidForPrefix(prefix) {
			var seq uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%016d", &seq); err == nil {
				j.seq.Store(seq)
			}
		}
		return nil
	})
}

func (j *BadgerJournal) prefix() string {
	return fmt.Sprintf("record:%s:", j.cfg.SessionID)
}

func (j *BadgerJournal) key(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", j.prefix(), seq))
}

func encode(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(buf.Bytes()))
	copy(out[4:], buf.Bytes())
	return out, nil
}

func decode(data []byte) (Record, error) {
	if len(data) < 5 {
		return Record{}, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	if computed := crc32.ChecksumIEEE(data[4:]); stored != computed {
		return Record{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("gob decode: %w", err)
	}
	return rec, nil
}

// Append persists rec under the next sequence number and sets rec.Seq.
func (j *BadgerJournal) Append(ctx context.Context, rec *Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	if j.closed.Load() {
		return ErrClosed
	}
	ctx, span := otel.Tracer("traitplanner.journal").Start(ctx, "journal.Append",
		trace.WithAttributes(
			attribute.String("session_id", j.cfg.SessionID),
			attribute.String("kind", rec.Kind.String()),
		),
	)
	defer span.End()

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq.Load() + 1
	rec.Seq = seq
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	data, err := encode(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("encode record: %w", err)
	}
	err = j.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.key(seq), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write record: %w", err)
	}
	j.seq.Store(seq)
	j.bytes.Add(int64(len(data)))
	span.SetAttributes(attribute.Int64("seq", int64(seq)), attribute.Int("bytes", len(data)))
	j.logger.Debug("record appended",
		slog.Uint64("seq", seq),
		slog.String("kind", rec.Kind.String()),
		slog.Int("edges", len(rec.Edges)),
	)
	return nil
}

// Replay returns every record of the session in sequence order.
//
// Description:
//
//	Verifies each record's CRC and that sequence numbers are contiguous.
//	With SkipCorrupted set, corrupted records and gaps are logged and
//	skipped instead of failing the replay.
func (j *BadgerJournal) Replay(ctx context.Context) ([]Record, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	ctx, span := otel.Tracer("traitplanner.journal").Start(ctx, "journal.Replay",
		trace.WithAttributes(attribute.String("session_id", j.cfg.SessionID)),
	)
	defer span.End()

	prefix := []byte(j.prefix())
	var out []Record
	var last uint64
	err := j.db.ScanPrefix(ctx, prefix, func(key, val []byte) error {
		var seq uint64
		if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
			return nil
		}
		if last > 0 && seq != last+1 {
			if !j.cfg.SkipCorrupted {
				return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, last+1, seq)
			}
			j.logger.Warn("sequence gap detected", slog.Uint64("expected", last+1), slog.Uint64("got", seq))
		}
		last = seq
		rec, err := decode(val)
		if err != nil {
			if errors.Is(err, ErrCorrupted) {
				j.corrupted.Add(1)
				if j.cfg.SkipCorrupted {
					j.logger.Warn("skipping corrupted record", slog.Uint64("seq", seq), slog.String("error", err.Error()))
					return nil
				}
			}
			return fmt.Errorf("record %d: %w", seq, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return nil, fmt.Errorf("replay: %w", err)
	}
	span.SetAttributes(attribute.Int("records", len(out)))
	return out, nil
}

// Truncate deletes every record of the session and resets the sequence.
func (j *BadgerJournal) Truncate(ctx context.Context) error {
	if j.closed.Load() {
		return ErrClosed
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	n, err := j.db.DeletePrefix(ctx, []byte(j.prefix()))
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	j.seq.Store(0)
	j.bytes.Store(0)
	j.logger.Info("journal truncated", slog.Int("records", n))
	return nil
}

// Stats returns counters.
func (j *BadgerJournal) Stats() Stats {
	return Stats{
		LastSeq:   j.seq.Load(),
		Bytes:     j.bytes.Load(),
		Corrupted: j.corrupted.Load(),
	}
}

// Close closes the journal, and its store when the journal owns it.
func (j *BadgerJournal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !j.owned {
		return nil
	}
	if err := j.db.Sync(); err != nil {
		j.logger.Warn("journal sync on close failed", slog.String("error", err.Error()))
	}
	return j.db.Close()
}
