// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/ratify/store"
	"github.com/luxfi/ratify/types"
)

// retentionMultiple bounds how long terminal rounds stay cached after
// closing, in units of the round timeout.
const retentionMultiple = 10

// Scanner fires round timeouts. Exactly one scanner acts on each
// expired round cluster-wide, guarded by a store lock, so local clock skew cannot
// close a round early on a single confused node.
type Scanner struct {
	engine *Engine
}

// NewScanner builds the timeout scanner for an engine.
func NewScanner(e *Engine) *Scanner {
	return &Scanner{engine: e}
}

// Run blocks until ctx is cancelled, scanning at a quarter of the
// round timeout but never more often than once a second.
func (s *Scanner) Run(ctx context.Context) {
	interval := s.engine.cfg.RoundTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	e := s.engine
	now := time.Now()
	e.prune(now, retentionMultiple*e.cfg.RoundTimeout)

	expired := e.expiredRounds(now)
	if len(expired) == 0 {
		return
	}

	// The scanner lock serialises timeout batches across the cluster;
	// a node that gets it after another has closed these rounds finds
	// them closed in the store and leaves them alone.
	lock, err := e.st.Lock(ctx, store.ScannerLockKey, e.cfg.NodeID.String(), lockTTL)
	if err != nil {
		e.log.Debug("scanner lock unavailable", zap.Error(err))
		return
	}
	defer func() { _ = lock.Release(ctx) }()

	for _, tx := range expired {
		if err := s.expire(ctx, tx); err != nil {
			e.log.Warn("expiring round",
				zap.Stringer("txID", tx),
				zap.Error(err),
			)
		}
	}
}

// expire flags the silent voters and times the round out. Evidence for
// each silent peer is the set of timely signed votes: the round
// demonstrably existed and the offender's ballot is absent from it.
func (s *Scanner) expire(ctx context.Context, tx types.TxID) error {
	e := s.engine

	ts := e.tx(tx)
	ts.mu.Lock()
	// Another node may have expired this round while we waited for the
	// scanner lock; the store is authoritative.
	if err := e.refreshLocked(ctx, tx, ts); err != nil {
		ts.mu.Unlock()
		return err
	}
	cur := ts.cur
	if cur == nil || cur.state != types.RoundOpen || time.Now().Before(cur.closesAt) {
		ts.mu.Unlock()
		return nil
	}
	round := cur.id
	timely := cur.voteList()
	voted := make(map[types.NodeID]bool, len(timely))
	for _, v := range timely {
		voted[v.Voter] = true
	}
	ts.mu.Unlock()

	var silent []types.NodeID
	for id := types.NodeID(1); uint32(id) <= e.cfg.TotalNodes; id++ {
		if !voted[id] {
			silent = append(silent, id)
		}
	}
	// With no timely votes there is no verifiable evidence of the
	// round's liveness, so nobody can be punished for silence.
	if len(timely) > 0 {
		for _, offender := range silent {
			if err := e.det.RecordSilentFailure(ctx, tx, round, offender, timely); err != nil {
				return err
			}
		}
	}

	e.log.Info("round timed out",
		zap.Stringer("txID", tx),
		zap.Uint64("round", uint64(round)),
		zap.Int("timelyVoters", len(timely)),
		zap.Int("silentPeers", len(silent)),
	)
	return e.CloseRound(ctx, tx, types.RoundTimedOut)
}
