// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/traitplanner/services/planner/action"
	"github.com/AleutianAI/traitplanner/services/planner/state"
	"github.com/AleutianAI/traitplanner/services/planner/trait"
)

const (
	tCounter trait.Type = iota
	tMarker
)

func testRegistry() *trait.Registry {
	return trait.MustRegistry(
		trait.Schema{Name: "Counter", Fields: []trait.Field{{Name: "N", Kind: trait.KindInt}}},
		trait.Schema{Name: "Marker"},
	)
}

// world builds a state with one counter object per value, in the given order.
func world(reg *trait.Registry, values ...int64) *state.Container {
	st := state.New(reg)
	for _, v := range values {
		i, _ := st.AddObject("", tCounter)
		st.SetField(i, tCounter, 0, trait.Int(v))
	}
	return st
}

func recoverErr(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func TestManager_WindowDiscipline(t *testing.T) {
	reg := testRegistry()
	m := New(reg)

	var none *Window
	err := recoverErr(func() { none.Commit(world(reg, 1)) })
	assert.True(t, errors.Is(err, ErrNoWindow), "got %v", err)

	err = recoverErr(func() { none.End() })
	assert.True(t, errors.Is(err, ErrNoWindow), "got %v", err)

	err = recoverErr(func() { none.Playback(NewLog("t")) })
	assert.True(t, errors.Is(err, ErrNoWindow), "got %v", err)

	w := m.BeginExclusive()
	assert.True(t, m.InWindow())
	assert.Same(t, m, w.Manager())
	k, fresh := w.Commit(world(reg, 1))
	w.End()
	assert.False(t, m.InWindow())
	assert.True(t, fresh)

	err = recoverErr(func() { w.Destroy(k) })
	assert.True(t, errors.Is(err, ErrNoWindow), "released window, got %v", err)

	err = recoverErr(func() { w.End() })
	assert.True(t, errors.Is(err, ErrNoWindow), "double end, got %v", err)
}

func TestManager_WindowHeldByAnotherGoroutine(t *testing.T) {
	reg := testRegistry()
	m := New(reg)

	stale := m.BeginExclusive()
	stale.End()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := m.BeginExclusive()
		close(held)
		<-release
		w.End()
	}()
	<-held

	var none *Window
	err := recoverErr(func() { none.Commit(world(reg, 1)) })
	assert.True(t, errors.Is(err, ErrNoWindow), "got %v", err)

	err = recoverErr(func() { stale.Commit(world(reg, 2)) })
	assert.True(t, errors.Is(err, ErrNoWindow), "got %v", err)

	err = recoverErr(func() { stale.Playback(NewLog("t")) })
	assert.True(t, errors.Is(err, ErrNoWindow), "got %v", err)

	close(release)
	<-done
	assert.Equal(t, 0, m.Len(), "nothing was committed")
	assert.False(t, m.InWindow())
}

func TestManager_CommitCanonicalizes(t *testing.T) {
	reg := testRegistry()
	m := New(reg)

	var a, b, c Key
	var freshA, freshB, freshC bool
	m.Exclusive(func(w *Window) {
		a, freshA = w.Commit(world(reg, 1, 2, 3))
		b, freshB = w.Commit(world(reg, 3, 1, 2))
		c, freshC = w.Commit(world(reg, 1, 2, 4))
	})

	assert.True(t, freshA)
	assert.False(t, freshB, "reordered state merges into the existing one")
	assert.True(t, freshC)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []Key{a, c}, m.Keys())
	assert.Equal(t, uint64(1), a.ID())
	assert.Equal(t, "s2", c.String())

	found, ok := m.Find(world(reg, 2, 3, 1))
	require.True(t, ok)
	assert.Equal(t, a, found)
	_, ok = m.Find(world(reg, 9))
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, Stats{Live: 2, Commits: 2, Merges: 1}, stats)
}

func TestManager_CommitRejectsForeignRegistry(t *testing.T) {
	m := New(testRegistry())
	w := m.BeginExclusive()
	defer w.End()
	err := recoverErr(func() { w.Commit(world(testRegistry(), 1)) })
	assert.ErrorIs(t, err, ErrRegistryMismatch)
}

func TestManager_CopyIsIndependent(t *testing.T) {
	reg := testRegistry()
	m := New(reg)
	var k Key
	m.Exclusive(func(w *Window) { k, _ = w.Commit(world(reg, 5)) })

	cp := m.Copy(k)
	cp.SetField(0, tCounter, 0, trait.Int(6))
	assert.Equal(t, int64(5), m.Get(k).Field(0, tCounter, 0).AsInt())

	assert.Equal(t, 0, m.Create().Len())
}

func TestManager_Destroy(t *testing.T) {
	reg := testRegistry()
	m := New(reg)
	var k1, k2 Key
	m.Exclusive(func(w *Window) {
		k1, _ = w.Commit(world(reg, 1))
		k2, _ = w.Commit(world(reg, 2))
	})

	m.DestroyStates([]Key{k1})
	assert.Equal(t, 1, m.Len())
	_, ok := m.Lookup(k1)
	assert.False(t, ok)

	err := recoverErr(func() { m.Get(k1) })
	assert.True(t, errors.Is(err, ErrDestroyedKey), "got %v", err)

	err = recoverErr(func() { m.DestroyStates([]Key{k1}) })
	assert.True(t, errors.Is(err, ErrDestroyedKey), "got %v", err)
	assert.False(t, m.InWindow(), "window released after a failed destroy")

	// An equal state committed again gets a fresh key.
	var k3 Key
	m.Exclusive(func(w *Window) { k3, _ = w.Commit(world(reg, 1)) })
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, []Key{k2, k3}, m.Keys())
	assert.Equal(t, int64(1), m.Stats().Destroyed)
}

func TestPlayback_ResolvesPendingKeys(t *testing.T) {
	reg := testRegistry()
	m := New(reg)
	var root Key
	m.Exclusive(func(w *Window) { root, _ = w.Commit(world(reg, 0)) })

	move := action.NewKey(0, 0)
	bump := action.NewKey(1, 0)

	first := NewLog("move")
	p := first.Create(world(reg, 1))
	first.Link(root, move, p, 1, -0.1)

	second := NewLog("bump")
	q := second.Create(world(reg, 1))
	second.Link(root, bump, q, 0.5, 2)
	r := second.Create(world(reg, 0))
	second.Link(root, bump, r, 0.5, 0)

	assert.True(t, NewLog("idle").Empty())
	assert.Equal(t, 2, second.Len())

	out := m.CommitDeferred(first, nil, second)
	require.Len(t, out, 3)

	assert.Equal(t, root, out[0].Source)
	assert.Equal(t, move, out[0].Action)
	assert.True(t, out[0].NewState)

	assert.Equal(t, out[0].Dest, out[1].Dest, "equal results across logs share a key")
	assert.False(t, out[1].NewState)
	assert.Equal(t, 0.5, out[1].Probability)

	assert.Equal(t, root, out[2].Dest, "self loop resolves to the source key")
	assert.False(t, out[2].NewState)
	assert.Equal(t, 2, m.Len())
}

func TestPlayback_DestroysAfterCreates(t *testing.T) {
	reg := testRegistry()
	m := New(reg)
	var old Key
	m.Exclusive(func(w *Window) { old, _ = w.Commit(world(reg, 7)) })

	l := NewLog("gc")
	p := l.Create(world(reg, 8))
	l.Link(old, action.NewKey(0), p, 1, 0)
	l.Destroy(old)

	out := m.CommitDeferred(l)
	require.Len(t, out, 1)
	assert.Equal(t, old, out[0].Source)
	_, ok := m.Lookup(old)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestLog_LinkUnknownPendingPanics(t *testing.T) {
	assert.Panics(t, func() { NewLog("t").Link(Key{}, action.NewKey(0), 0, 1, 0) })
}

func TestKey_JSON(t *testing.T) {
	reg := testRegistry()
	m := New(reg)
	var k Key
	m.Exclusive(func(w *Window) { k, _ = w.Commit(world(reg, 1)) })

	raw, err := json.Marshal(k)
	require.NoError(t, err)
	var got struct {
		ID   uint64 `json:"id"`
		Hash string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, uint64(1), got.ID)
	assert.Len(t, got.Hash, 16)
	assert.True(t, Key{}.IsZero())
}

func TestManager_ConcurrentReadersDuringCommit(t *testing.T) {
	reg := testRegistry()
	m := New(reg)
	var seed Key
	m.Exclusive(func(w *Window) { seed, _ = w.Commit(world(reg, 0)) })

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				st := m.Get(seed)
				_ = st.Hash()
				m.Keys()
			}
		}()
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Exclusive(func(win *Window) { win.Commit(world(reg, int64(w*100+i+1))) })
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 201, m.Len())
}
