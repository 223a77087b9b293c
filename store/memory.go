// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store with the same linearizable semantics as
// the etcd adapter. It backs single-process deployments and tests; a
// production cluster uses NewEtcd.
type Memory struct {
	mu    sync.Mutex
	data  map[string]memEntry
	locks map[string]*memLockState

	// failures, when positive, makes the next operations return
	// ErrUnavailable. Tests use it to exercise retry paths.
	failures int
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no lease
}

type memLockState struct {
	held      bool
	holder    string
	expiresAt time.Time
	released  chan struct{} // closed on release/expiry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:  make(map[string]memEntry),
		locks: make(map[string]*memLockState),
	}
}

// FailNext makes the next n operations return ErrUnavailable.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *Memory) takeFailure() bool {
	if m.failures > 0 {
		m.failures--
		return true
	}
	return false
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeFailure() {
		return "", false, ErrUnavailable
	}
	e, ok := m.liveEntry(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeFailure() {
		return ErrUnavailable
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) CAS(_ context.Context, key, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeFailure() {
		return false, ErrUnavailable
	}
	e, ok := m.liveEntry(key)
	if expected == "" {
		if ok {
			return false, nil
		}
	} else {
		if !ok || e.value != expected {
			return false, nil
		}
	}
	m.data[key] = memEntry{value: next}
	return true, nil
}

func (m *Memory) Inc(_ context.Context, key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeFailure() {
		return 0, ErrUnavailable
	}
	var current uint64
	if e, ok := m.liveEntry(key); ok {
		parsed, err := strconv.ParseUint(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	next := current + 1
	m.data[key] = memEntry{value: strconv.FormatUint(next, 10)}
	return next, nil
}

func (m *Memory) Lock(ctx context.Context, key, holder string, ttl time.Duration) (LockHandle, error) {
	for {
		m.mu.Lock()
		if m.takeFailure() {
			m.mu.Unlock()
			return nil, ErrUnavailable
		}
		state := m.locks[key]
		if state != nil && state.held && time.Now().After(state.expiresAt) {
			// Self-expiry: a crashed holder cannot wedge the cluster.
			close(state.released)
			state = nil
		}
		if state == nil || !state.held {
			state = &memLockState{
				held:      true,
				holder:    holder,
				expiresAt: time.Now().Add(ttl),
				released:  make(chan struct{}),
			}
			m.locks[key] = state
			m.mu.Unlock()
			return &memLock{store: m, key: key, state: state}, nil
		}
		wait := state.released
		m.mu.Unlock()

		select {
		case <-wait:
		case <-time.After(time.Until(state.expiresAt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) Close() error {
	return nil
}

// liveEntry returns the entry at key, dropping it if its lease expired.
// Callers hold m.mu.
func (m *Memory) liveEntry(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

type memLock struct {
	store *Memory
	key   string
	state *memLockState
	once  sync.Once
}

func (l *memLock) Release(_ context.Context) error {
	var err error
	l.once.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		if time.Now().After(l.state.expiresAt) {
			err = ErrLockLost
		}
		if l.store.locks[l.key] == l.state {
			delete(l.store.locks, l.key)
		}
		l.state.held = false
		select {
		case <-l.state.released:
		default:
			close(l.state.released)
		}
	})
	return err
}
