// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCAS(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	// Create-if-absent semantics for the empty expectation.
	ok, err := m.CAS(ctx, "k", "", "1")
	require.NoError(err)
	require.True(ok)

	ok, err = m.CAS(ctx, "k", "", "2")
	require.NoError(err)
	require.False(ok)

	// A rejected CAS is a negative-ack, never an error.
	ok, err = m.CAS(ctx, "k", "9", "2")
	require.NoError(err)
	require.False(ok)

	ok, err = m.CAS(ctx, "k", "1", "2")
	require.NoError(err)
	require.True(ok)

	v, found, err := m.Get(ctx, "k")
	require.NoError(err)
	require.True(found)
	require.Equal("2", v)
}

func TestMemoryCASRace(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemory()
	_, err := m.CAS(ctx, "state", "", "Open")
	require.NoError(err)

	// Many nodes race the same transition; exactly one wins.
	var wins sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wins.Add(1)
		go func() {
			defer wins.Done()
			ok, err := m.CAS(ctx, "state", "Open", "ThresholdReached")
			require.NoError(err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wins.Wait()
	require.Equal(1, winners)
}

func TestMemoryInc(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Inc(ctx, "count")
	require.NoError(err)
	require.Equal(uint64(1), n)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Inc(ctx, "count")
			require.NoError(err)
		}()
	}
	wg.Wait()

	n, err = m.Inc(ctx, "count")
	require.NoError(err)
	require.Equal(uint64(52), n)
}

func TestMemoryTTL(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	require.NoError(m.Put(ctx, "lease", "alive", 20*time.Millisecond))
	_, found, err := m.Get(ctx, "lease")
	require.NoError(err)
	require.True(found)

	time.Sleep(30 * time.Millisecond)
	_, found, err = m.Get(ctx, "lease")
	require.NoError(err)
	require.False(found)

	// Expired keys are absent for CAS create-if-absent purposes.
	ok, err := m.CAS(ctx, "lease", "", "new")
	require.NoError(err)
	require.True(ok)
}

func TestMemoryLock(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	h1, err := m.Lock(ctx, "mutex", "node-1", time.Second)
	require.NoError(err)

	// A second holder blocks until release.
	acquired := make(chan LockHandle, 1)
	go func() {
		h, err := m.Lock(ctx, "mutex", "node-2", time.Second)
		require.NoError(err)
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(h1.Release(ctx))
	select {
	case h := <-acquired:
		require.NoError(h.Release(ctx))
	case <-time.After(time.Second):
		t.Fatal("lock not handed over after release")
	}

	// Release is idempotent.
	require.NoError(h1.Release(ctx))
}

func TestMemoryLockExpiry(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	h1, err := m.Lock(ctx, "mutex", "node-1", 20*time.Millisecond)
	require.NoError(err)

	// The lease expires and a new holder gets the lock.
	h2, err := m.Lock(ctx, "mutex", "node-2", time.Second)
	require.NoError(err)

	require.ErrorIs(h1.Release(ctx), ErrLockLost)
	require.NoError(h2.Release(ctx))
}

func TestMemoryLockContext(t *testing.T) {
	require := require.New(t)
	m := NewMemory()

	h, err := m.Lock(context.Background(), "mutex", "node-1", time.Minute)
	require.NoError(err)
	defer h.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "mutex", "node-2", time.Minute)
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestWithRetry(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	// Two transient failures, then success, within a budget of 3.
	m.FailNext(2)
	err := WithRetry(ctx, 3, 10*time.Millisecond, func(ctx context.Context) error {
		return m.Put(ctx, "k", "v", 0)
	})
	require.NoError(err)

	// Budget exhaustion surfaces ErrUnavailable.
	m.FailNext(5)
	err = WithRetry(ctx, 3, 10*time.Millisecond, func(ctx context.Context) error {
		return m.Put(ctx, "k", "v", 0)
	})
	require.ErrorIs(err, ErrUnavailable)

	// Non-store errors are permanent.
	calls := 0
	err = WithRetry(ctx, 5, 10*time.Millisecond, func(context.Context) error {
		calls++
		return context.Canceled
	})
	require.ErrorIs(err, context.Canceled)
	require.Equal(1, calls)
}
