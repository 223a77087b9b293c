// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store abstracts the external linearizable key-value service
// the cluster coordinates through: compare-and-swap state transitions,
// atomic counters, TTL liveness keys, and distributed mutexes.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks transient store failures. Callers retry
	// with bounded attempts and backoff; it never implies success or
	// failure of the underlying operation.
	ErrUnavailable = errors.New("coordination store unavailable")

	// ErrLockLost is returned by Release when the lease behind a lock
	// expired before the holder released it.
	ErrLockLost = errors.New("lock lease expired")
)

// Store is the coordination primitive set. A CAS returning false is the
// expected negative-ack, not an error.
type Store interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put writes key=value. A positive ttl attaches a lease; the key
	// auto-expires when the lease does.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// CAS atomically replaces expected with next at key. An empty
	// expected means "create only if absent". Returns whether the
	// swap happened.
	CAS(ctx context.Context, key, expected, next string) (bool, error)

	// Inc atomically increments the counter at key, returning the
	// post-increment value. Missing keys count from zero.
	Inc(ctx context.Context, key string) (uint64, error)

	// Lock acquires the exclusive, self-expiring mutex at key. The
	// holder id is recorded for observability.
	Lock(ctx context.Context, key, holder string, ttl time.Duration) (LockHandle, error)

	// Close releases client resources.
	Close() error
}

// LockHandle is a held distributed mutex. Release is idempotent.
type LockHandle interface {
	Release(ctx context.Context) error
}
