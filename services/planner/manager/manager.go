// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager owns the pool of published planner states.
//
// States enter the pool only through a commit on an exclusive Window,
// where they are canonicalized: a state equal to one already in the pool
// resolves to the existing key instead of being stored again. Published
// states are immutable and may be read concurrently without the window.
package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

// Errors carried by the manager's fatal panics.
var (
	// ErrNoWindow indicates a pool mutation outside an exclusive window.
	ErrNoWindow = errors.New("state pool mutated outside exclusive window")

	// ErrDestroyedKey indicates use of a key that was destroyed or never
	// issued by this manager.
	ErrDestroyedKey = errors.New("state key destroyed or unknown")

	// ErrRegistryMismatch indicates a container built for another domain.
	ErrRegistryMismatch = errors.New("state built for a different trait registry")
)

// Key is the handle of a published state plus its structural hash.
//
// Key is comparable. The zero Key is never issued.
type Key struct {
	id   uint64
	hash uint64
}

// ID returns the key's pool-local identifier. Identifiers are issued in
// commit order starting at 1.
func (k Key) ID() uint64 { return k.id }

// Hash returns the state's structural hash.
func (k Key) Hash() uint64 { return k.hash }

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k.id == 0 }

// String renders the key as "s<id>".
func (k Key) String() string { return fmt.Sprintf("s%d", k.id) }

// MarshalJSON renders the key with its hash in hex.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   uint64 `json:"id"`
		Hash string `json:"hash"`
	}{ID: k.id, Hash: fmt.Sprintf("%016x", k.hash)})
}

// Manager owns the state pool.
//
// Description:
//
//	The exclusive window admits one writer at a time. Mutations are
//	methods of the Window returned by BeginExclusive, and panic with
//	ErrNoWindow unless that Window is the current holder. Reads (Get,
//	Lookup, Find) take only a short internal read lock.
//
// Thread Safety: Safe for concurrent use under the window discipline.
type Manager struct {
	reg    *trait.Registry
	logger *slog.Logger
	name   string

	window sync.Mutex
	holder atomic.Pointer[Window]

	mu      sync.RWMutex
	states  map[uint64]entry
	buckets map[uint64][]Key
	lastID  uint64

	commits   atomic.Int64
	merges    atomic.Int64
	destroyed atomic.Int64
}

type entry struct {
	st   *state.Container
	hash uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithName labels the pool in logs and metrics.
func WithName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.name = name
		}
	}
}

// New creates an empty pool for states of the given registry.
func New(reg *trait.Registry, opts ...Option) *Manager {
	m := &Manager{
		reg:     reg,
		logger:  slog.Default(),
		name:    "default",
		states:  make(map[uint64]entry),
		buckets: make(map[uint64][]Key),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the trait registry of the pool's states.
func (m *Manager) Registry() *trait.Registry { return m.reg }

// -----------------------------------------------------------------------------
// Exclusive window
// -----------------------------------------------------------------------------

// Window is the capability to mutate the pool. It is valid from
// BeginExclusive until End; a released or foreign Window panics with
// ErrNoWindow on use.
//
// Thread Safety: Owned by the goroutine that began it. Handing it to
// another goroutine delegates the window.
type Window struct {
	m    *Manager
	open atomic.Bool
}

// BeginExclusive acquires the exclusive window, blocking while another
// writer holds it.
//
// Outputs:
//   - *Window: The window. The caller must call End.
func (m *Manager) BeginExclusive() *Window {
	m.window.Lock()
	w := &Window{m: m}
	w.open.Store(true)
	m.holder.Store(w)
	return w
}

// End releases the window. Ending a window twice panics with ErrNoWindow.
func (w *Window) End() {
	if w == nil || !w.open.CompareAndSwap(true, false) {
		panic(fmt.Errorf("%w: end without begin", ErrNoWindow))
	}
	w.m.holder.Store(nil)
	w.m.window.Unlock()
}

// Manager returns the pool the window belongs to.
func (w *Window) Manager() *Manager { return w.m }

// Exclusive runs fn inside a window.
func (m *Manager) Exclusive(fn func(w *Window)) {
	w := m.BeginExclusive()
	defer w.End()
	fn(w)
}

// InWindow reports whether any writer holds the window.
func (m *Manager) InWindow() bool { return m.holder.Load() != nil }

// require returns the window's manager if w is the current holder.
func (w *Window) require(op string) *Manager {
	if w == nil {
		panic(fmt.Errorf("%w: %s", ErrNoWindow, op))
	}
	if !w.open.Load() || w.m.holder.Load() != w {
		panic(fmt.Errorf("%w: %s with a released window", ErrNoWindow, op))
	}
	return w.m
}

// -----------------------------------------------------------------------------
// Allocation
// -----------------------------------------------------------------------------

// Create returns a new, empty, writable container. It is not part of the
// pool until committed.
func (m *Manager) Create() *state.Container { return state.New(m.reg) }

// Copy returns a writable deep copy of a published state.
func (m *Manager) Copy(k Key) *state.Container { return m.Get(k).Clone() }

// Get returns a published state. The result must not be mutated. Using a
// destroyed or foreign key panics with ErrDestroyedKey.
func (m *Manager) Get(k Key) *state.Container {
	st, ok := m.Lookup(k)
	if !ok {
		panic(fmt.Errorf("%w: %s", ErrDestroyedKey, k))
	}
	return st
}

// Lookup returns a published state if k is live.
func (m *Manager) Lookup(k Key) (*state.Container, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.states[k.id]
	if !ok || e.hash != k.hash {
		return nil, false
	}
	return e.st, true
}

// Find returns the key of a published state equal to st, if any.
func (m *Manager) Find(st *state.Container) (Key, bool) {
	h := st.Hash()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(st, h)
}

func (m *Manager) findLocked(st *state.Container, h uint64) (Key, bool) {
	for _, k := range m.buckets[h] {
		if state.Equal(m.states[k.id].st, st) {
			return k, true
		}
	}
	return Key{}, false
}

// Len returns the number of live states.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Keys returns the live keys in commit order.
func (m *Manager) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Key, 0, len(m.states))
	for id := uint64(1); id <= m.lastID; id++ {
		if e, ok := m.states[id]; ok {
			out = append(out, Key{id: id, hash: e.hash})
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Mutation
// -----------------------------------------------------------------------------

// Commit canonicalizes st and publishes it.
//
// Description:
//
//	If a state equal to st is already live its key is returned and st is
//	dropped. Otherwise st is stored under a fresh key. Either way the
//	caller must not mutate st afterwards.
//
// Outputs:
//   - Key: The canonical key.
//   - bool: True if st was stored as a new state.
func (w *Window) Commit(st *state.Container) (Key, bool) {
	m := w.require("commit")
	if st.Registry() != m.reg {
		panic(ErrRegistryMismatch)
	}
	h := st.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.findLocked(st, h); ok {
		m.merges.Add(1)
		poolMergesTotal.WithLabelValues(m.name).Inc()
		return k, false
	}
	m.lastID++
	k := Key{id: m.lastID, hash: h}
	m.states[k.id] = entry{st: st, hash: h}
	m.buckets[h] = append(m.buckets[h], k)
	m.commits.Add(1)
	poolCommitsTotal.WithLabelValues(m.name).Inc()
	poolStates.WithLabelValues(m.name).Set(float64(len(m.states)))
	return k, true
}

// Destroy removes a state from the pool. Destroying a key twice panics
// with ErrDestroyedKey.
func (w *Window) Destroy(k Key) {
	m := w.require("destroy")
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.states[k.id]; !ok || e.hash != k.hash {
		panic(fmt.Errorf("%w: %s", ErrDestroyedKey, k))
	}
	delete(m.states, k.id)
	bucket := m.buckets[k.hash]
	for i, b := range bucket {
		if b.id == k.id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(m.buckets, k.hash)
	} else {
		m.buckets[k.hash] = bucket
	}
	m.destroyed.Add(1)
	poolDestroyedTotal.WithLabelValues(m.name).Inc()
	poolStates.WithLabelValues(m.name).Set(float64(len(m.states)))
}

// DestroyStates runs a destroy-states phase: it takes the window and
// destroys every key in order.
func (m *Manager) DestroyStates(keys []Key) {
	if len(keys) == 0 {
		return
	}
	m.Exclusive(func(w *Window) {
		for _, k := range keys {
			w.Destroy(k)
		}
	})
	m.logger.Debug("destroyed states", slog.String("pool", m.name), slog.Int("count", len(keys)))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Live      int   `json:"live"`
	Commits   int64 `json:"commits"`
	Merges    int64 `json:"merges"`
	Destroyed int64 `json:"destroyed"`
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Live:      m.Len(),
		Commits:   m.commits.Load(),
		Merges:    m.merges.Load(),
		Destroyed: m.destroyed.Load(),
	}
}
