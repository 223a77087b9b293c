// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package audit adapts the external append-only audit log. Every vote
// acceptance, round transition, and violation is durably recorded here
// before any peer-visible action is taken on it.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/ratify/store"
	"github.com/luxfi/ratify/types"
)

// Kind enumerates audit event kinds. One kind exists per violation in
// addition to the round lifecycle kinds.
type Kind string

const (
	KindVoteAccepted     Kind = "VoteAccepted"
	KindRoundOpened      Kind = "RoundOpened"
	KindThresholdReached Kind = "ThresholdReached"
	KindApproved         Kind = "Approved"
	KindRejected         Kind = "Rejected"
	KindTimedOut         Kind = "TimedOut"
	KindDoubleVote       Kind = "DoubleVote"
	KindInvalidSignature Kind = "InvalidSignature"
	KindMinorityAttack   Kind = "MinorityAttack"
	KindSilentFailure    Kind = "SilentFailure"
)

// ViolationKindFor maps a violation to its audit kind.
func ViolationKindFor(k types.ViolationKind) Kind {
	switch k {
	case types.ViolationDoubleVote:
		return KindDoubleVote
	case types.ViolationInvalidSignature:
		return KindInvalidSignature
	case types.ViolationMinorityAttack:
		return KindMinorityAttack
	default:
		return KindSilentFailure
	}
}

// Event is one append-only row.
type Event struct {
	EventID    uint64
	Kind       Kind
	TxID       *types.TxID
	Round      types.RoundID
	NodeID     types.NodeID
	Payload    []byte
	ObservedAt time.Time
}

// Sink is the external durable log.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// Writer assigns event ids and pushes events through the sink with a
// bounded retry budget. A write that fails past the budget is a safety
// violation: the configured fatal hook fires (the node exits).
type Writer struct {
	log         log.Logger
	sink        Sink
	retryBudget int
	maxBackoff  time.Duration
	onFatal     func(error)

	seq atomic.Uint64
}

// NewWriter builds a Writer. onFatal is invoked when audit durability
// cannot be guaranteed; it must not return control to normal operation.
func NewWriter(logger log.Logger, sink Sink, retryBudget int, maxBackoff time.Duration, onFatal func(error)) *Writer {
	return &Writer{
		log:         logger,
		sink:        sink,
		retryBudget: retryBudget,
		maxBackoff:  maxBackoff,
		onFatal:     onFatal,
	}
}

// Append durably records ev, blocking until written or the retry
// budget is exhausted. Exhaustion triggers the fatal hook and returns
// the final error.
func (w *Writer) Append(ctx context.Context, ev Event) error {
	ev.EventID = w.seq.Add(1)
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}
	err := store.WithRetry(ctx, w.retryBudget, w.maxBackoff, func(ctx context.Context) error {
		return w.sink.Append(ctx, ev)
	})
	if err != nil {
		w.log.Error("audit write failed past retry budget",
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("eventID", ev.EventID),
			zap.Error(err),
		)
		w.onFatal(err)
		return err
	}
	return nil
}

// MemorySink is an in-process Sink for tests and single-node runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event

	// failures, when positive, fails the next appends with
	// store.ErrUnavailable.
	failures int
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailNext makes the next n appends fail transiently.
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *MemorySink) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return store.ErrUnavailable
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns a snapshot of everything appended.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// KindCount returns how many events of kind were appended.
func (s *MemorySink) KindCount(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
