// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine drives per-transaction voting rounds: it accepts
// validated votes, counts them, detects the threshold, and walks the
// round state machine. The coordination store is the source of truth
// for round ids and states; the CAS there guarantees exactly one
// cluster-wide winner per transition.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/ratify/audit"
	"github.com/luxfi/ratify/config"
	"github.com/luxfi/ratify/detector"
	"github.com/luxfi/ratify/store"
	"github.com/luxfi/ratify/types"
	"github.com/luxfi/ratify/wire"
)

var (
	ErrTxFinalized  = errors.New("transaction already approved; no further rounds")
	ErrUnknownRound = errors.New("no round known for transaction")
	ErrNotReached   = errors.New("round has not reached threshold")
)

// Event is emitted on every round transition the cluster must hear
// about. Exactly one ThresholdReached event fires cluster-wide per
// round; the votes carried with it are the approval evidence handed to
// the external signer.
type Event struct {
	TxID          types.TxID
	Round         types.RoundID
	State         types.RoundState
	MajorityValue *uint64
	Votes         []types.Vote
}

// txState serializes all work for one transaction.
type txState struct {
	mu  sync.Mutex
	cur *round

	// stale is set after a store failure; the next operation must
	// re-read the authoritative state before trusting cur.
	stale bool

	// doneAt is set once cur is terminal, for retention pruning.
	doneAt time.Time
}

// Engine owns all VotingRound state and is its sole writer.
type Engine struct {
	log  log.Logger
	cfg  *config.Config
	st   store.Store
	det  *detector.Detector
	sink *audit.Writer

	mu  sync.Mutex
	txs map[types.TxID]*txState

	events chan Event

	metrics *engineMetrics
}

// New builds an Engine.
func New(
	logger log.Logger,
	cfg *config.Config,
	st store.Store,
	det *detector.Detector,
	sink *audit.Writer,
	reg prometheus.Registerer,
) (*Engine, error) {
	m, err := newEngineMetrics(reg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:     logger,
		cfg:     cfg,
		st:      st,
		det:     det,
		sink:    sink,
		txs:     make(map[types.TxID]*txState),
		events:  make(chan Event, 256),
		metrics: m,
	}, nil
}

// Events carries round transitions to the node for signer handoff and
// RoundResult broadcast.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// OpenRound opens a voting round for tx, or returns the already-open
// round's id (idempotent). A new round id is minted only when the
// previous round ended terminally without approving.
func (e *Engine) OpenRound(ctx context.Context, tx types.TxID) (types.RoundID, error) {
	ts := e.tx(tx)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return e.openRoundLocked(ctx, tx, ts)
}

func (e *Engine) openRoundLocked(ctx context.Context, tx types.TxID, ts *txState) (types.RoundID, error) {
	for {
		id, state, err := e.readAuthoritative(ctx, tx)
		if err != nil {
			ts.stale = true
			return 0, err
		}

		switch {
		case id == 0:
			// First round for this tx.
			ok, err := e.cas(ctx, store.RoundKey(tx), "", "1")
			if err != nil {
				ts.stale = true
				return 0, err
			}
			if !ok {
				continue // lost the race, re-read
			}
			id = 1

		case state == types.RoundOpen || state == types.RoundThresholdReached:
			e.adoptLocked(ts, tx, id, state)
			return id, nil

		case state == types.RoundApproved:
			return 0, fmt.Errorf("%w: %s", ErrTxFinalized, tx)

		default:
			// Previous round terminal and non-approving: mint the
			// successor.
			next := id + 1
			ok, err := e.cas(ctx, store.RoundKey(tx),
				fmt.Sprintf("%d", id), fmt.Sprintf("%d", next))
			if err != nil {
				ts.stale = true
				return 0, err
			}
			if !ok {
				continue
			}
			id = next
		}

		// We minted round id; publish its Open state and adopt it.
		if err := e.put(ctx, store.StateKey(tx, id), types.RoundOpen.String(), 0); err != nil {
			ts.stale = true
			return 0, err
		}
		ts.cur = newRound(id, time.Now(), e.cfg.RoundTimeout)
		ts.stale = false
		e.metrics.openRounds.Inc()

		if err := e.sink.Append(ctx, audit.Event{
			Kind:  audit.KindRoundOpened,
			TxID:  &tx,
			Round: id,
		}); err != nil {
			return 0, err
		}
		e.log.Info("round opened",
			zap.Stringer("txID", tx),
			zap.Uint64("round", uint64(id)),
		)
		return id, nil
	}
}

// SubmitVote runs the full acceptance pipeline for one inbound vote.
// The vote is either fully accepted (counted, stored, evidence-free)
// or fully rejected (uncounted, evidence recorded when violating); no
// partial state is observable after it returns.
func (e *Engine) SubmitVote(ctx context.Context, v types.Vote) (types.Outcome, error) {
	// Banned peers are rejected before any further evaluation.
	if e.det.Status(v.Voter) == types.PeerBanned {
		e.metrics.votes.WithLabelValues("banned").Inc()
		return types.OutcomePeerBanned, nil
	}

	if err := e.det.CheckSignature(&v); err != nil {
		e.metrics.votes.WithLabelValues("invalid_signature").Inc()
		if err := e.det.RecordInvalidSignature(ctx, v); err != nil {
			return types.OutcomeInvalid, err
		}
		return types.OutcomeInvalid, nil
	}

	ts := e.tx(v.TxID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.stale || ts.cur == nil {
		if err := e.refreshLocked(ctx, v.TxID, ts); err != nil {
			return 0, err
		}
	}

	cur := ts.cur
	if cur == nil {
		// A first vote can open round 1: the round is created when the
		// first qualifying vote arrives.
		if v.Round != 1 {
			e.metrics.votes.WithLabelValues("stale").Inc()
			return types.OutcomeStaleRound, nil
		}
		if _, err := e.openRoundLocked(ctx, v.TxID, ts); err != nil {
			if errors.Is(err, ErrTxFinalized) {
				e.metrics.votes.WithLabelValues("stale").Inc()
				return types.OutcomeStaleRound, nil
			}
			return 0, err
		}
		cur = ts.cur
	}

	if v.Round != cur.id {
		e.metrics.votes.WithLabelValues("stale").Inc()
		return types.OutcomeStaleRound, nil
	}

	// Duplicate detection precedes everything else so a re-delivered
	// frame is idempotent and a conflicting ballot is evidence.
	if existing, ok := cur.votes[v.Voter]; ok {
		if existing.SamePayload(&v) {
			e.metrics.votes.WithLabelValues("duplicate").Inc()
			return types.OutcomeAlreadyVoted, nil
		}
		e.metrics.votes.WithLabelValues("double_vote").Inc()
		if err := e.det.RecordDoubleVote(ctx, existing, v); err != nil {
			return types.OutcomeInvalid, err
		}
		return types.OutcomeInvalid, nil
	}

	switch cur.state {
	case types.RoundRejected, types.RoundTimedOut:
		e.metrics.votes.WithLabelValues("stale").Inc()
		return types.OutcomeStaleRound, nil

	case types.RoundThresholdReached, types.RoundApproved:
		// The majority is ratified and broadcast; contradicting it now
		// is a minority attack. Agreeing votes are still accepted but
		// never re-fire the threshold.
		if cur.majority != nil && (!v.Approve || v.Value != *cur.majority) {
			e.metrics.votes.WithLabelValues("minority_attack").Inc()
			if err := e.det.RecordMinorityAttack(ctx, v, *cur.majority); err != nil {
				return types.OutcomeInvalid, err
			}
			return types.OutcomeInvalid, nil
		}
		if err := e.storeVote(ctx, ts, &v); err != nil {
			return 0, err
		}
		cur.votes[v.Voter] = v
		e.metrics.votes.WithLabelValues("accepted").Inc()
		if err := e.sink.Append(ctx, audit.Event{
			Kind:   audit.KindVoteAccepted,
			TxID:   &v.TxID,
			Round:  v.Round,
			NodeID: v.Voter,
		}); err != nil {
			return 0, err
		}
		return types.OutcomeAccepted, nil
	}

	// Open round: enforce the acceptance window. Round timing is
	// ultimately enforced by the cluster-wide scanner; this check only
	// rejects votes stamped outside the window entirely.
	stamp := time.Unix(0, v.Timestamp)
	if stamp.After(cur.closesAt.Add(clockSkew)) || stamp.Before(cur.openedAt.Add(-e.cfg.RoundTimeout)) {
		e.metrics.votes.WithLabelValues("stale").Inc()
		return types.OutcomeStaleRound, nil
	}

	if err := e.storeVote(ctx, ts, &v); err != nil {
		return 0, err
	}
	cur.votes[v.Voter] = v
	e.metrics.votes.WithLabelValues("accepted").Inc()

	if err := e.sink.Append(ctx, audit.Event{
		Kind:   audit.KindVoteAccepted,
		TxID:   &v.TxID,
		Round:  v.Round,
		NodeID: v.Voter,
	}); err != nil {
		return 0, err
	}

	if err := e.evaluateLocked(ctx, v.TxID, ts); err != nil {
		return 0, err
	}
	return types.OutcomeAccepted, nil
}

// clockSkew pads the acceptance window against cross-node clock drift.
const clockSkew = 2 * time.Second

// storeVote persists the vote for cross-node aggregation and bumps the
// cluster-wide counter.
func (e *Engine) storeVote(ctx context.Context, ts *txState, v *types.Vote) error {
	raw, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if err := e.put(ctx, store.VoteKey(v.TxID, v.Round, v.Voter), encoded, 0); err != nil {
		ts.stale = true
		return err
	}
	if err := e.inc(ctx, store.CountKey(v.TxID, v.Round)); err != nil {
		ts.stale = true
		return err
	}
	return nil
}

// evaluateLocked re-evaluates the threshold for the open round, under
// the per-tx distributed lock so evaluation is serialized cluster-wide.
// Exactly one node wins the state CAS and emits the approval event.
func (e *Engine) evaluateLocked(ctx context.Context, tx types.TxID, ts *txState) error {
	cur := ts.cur
	if cur == nil || cur.state != types.RoundOpen {
		return nil
	}

	value, count, tied := cur.tally()
	t := int(e.cfg.Threshold)
	n := int(e.cfg.TotalNodes)

	switch {
	case !tied && count >= t:
		lock, err := e.lock(ctx, store.TxLockKey(tx))
		if err != nil {
			ts.stale = true
			return err
		}
		defer func() { _ = lock.Release(ctx) }()

		won, err := e.cas(ctx, store.StateKey(tx, cur.id),
			types.RoundOpen.String(), types.RoundThresholdReached.String())
		if err != nil {
			ts.stale = true
			return err
		}
		e.trackState(cur, types.RoundThresholdReached)
		cur.majority = &value
		if !won {
			// Another node ratified first; our local view converges
			// and no duplicate event fires.
			return nil
		}

		e.metrics.timeToThreshold.Observe(time.Since(cur.openedAt).Seconds())
		if err := e.sink.Append(ctx, audit.Event{
			Kind:  audit.KindThresholdReached,
			TxID:  &tx,
			Round: cur.id,
		}); err != nil {
			return err
		}
		e.log.Info("threshold reached",
			zap.Stringer("txID", tx),
			zap.Uint64("round", uint64(cur.id)),
			zap.Uint64("majorityValue", value),
			zap.Int("approvals", count),
		)
		return e.emit(ctx, Event{
			TxID:          tx,
			Round:         cur.id,
			State:         types.RoundThresholdReached,
			MajorityValue: cur.majority,
			Votes:         cur.voteList(),
		})

	case cur.rejectable(t, n):
		return e.closeLocked(ctx, tx, ts, types.RoundRejected)
	}
	return nil
}

// MarkApproved finalizes a ratified round after the signing handoff.
func (e *Engine) MarkApproved(ctx context.Context, tx types.TxID) error {
	ts := e.tx(tx)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.stale || ts.cur == nil {
		if err := e.refreshLocked(ctx, tx, ts); err != nil {
			return err
		}
	}
	cur := ts.cur
	if cur == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRound, tx)
	}
	if cur.state == types.RoundApproved {
		return nil
	}
	if cur.state != types.RoundThresholdReached {
		return fmt.Errorf("%w: %s round %d is %s", ErrNotReached, tx, cur.id, cur.state)
	}

	won, err := e.cas(ctx, store.StateKey(tx, cur.id),
		types.RoundThresholdReached.String(), types.RoundApproved.String())
	if err != nil {
		ts.stale = true
		return err
	}
	e.trackState(cur, types.RoundApproved)
	ts.doneAt = time.Now()
	if !won {
		return nil
	}
	e.metrics.terminalRounds.WithLabelValues(types.RoundApproved.String()).Inc()

	if err := e.sink.Append(ctx, audit.Event{
		Kind:  audit.KindApproved,
		TxID:  &tx,
		Round: cur.id,
	}); err != nil {
		return err
	}
	return e.emit(ctx, Event{
		TxID:          tx,
		Round:         cur.id,
		State:         types.RoundApproved,
		MajorityValue: cur.majority,
	})
}

// CloseRound drives an open round to a terminal non-approving state.
// It is idempotent: closing an already-terminal round is a no-op.
func (e *Engine) CloseRound(ctx context.Context, tx types.TxID, state types.RoundState) error {
	if !state.Terminal() || state == types.RoundApproved {
		return fmt.Errorf("close requires a terminal non-approving state, got %s", state)
	}
	ts := e.tx(tx)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.stale || ts.cur == nil {
		if err := e.refreshLocked(ctx, tx, ts); err != nil {
			return err
		}
	}
	if ts.cur == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRound, tx)
	}
	if ts.cur.state.Terminal() {
		return nil
	}
	return e.closeLocked(ctx, tx, ts, state)
}

func (e *Engine) closeLocked(ctx context.Context, tx types.TxID, ts *txState, state types.RoundState) error {
	cur := ts.cur
	won, err := e.cas(ctx, store.StateKey(tx, cur.id),
		types.RoundOpen.String(), state.String())
	if err != nil {
		ts.stale = true
		return err
	}
	if !won {
		// Someone else closed it; converge on the authoritative state.
		return e.refreshLocked(ctx, tx, ts)
	}
	e.trackState(cur, state)
	ts.doneAt = time.Now()
	e.metrics.terminalRounds.WithLabelValues(state.String()).Inc()

	kind := audit.KindRejected
	if state == types.RoundTimedOut {
		kind = audit.KindTimedOut
	}
	if err := e.sink.Append(ctx, audit.Event{
		Kind:  kind,
		TxID:  &tx,
		Round: cur.id,
	}); err != nil {
		return err
	}
	e.log.Info("round closed",
		zap.Stringer("txID", tx),
		zap.Uint64("round", uint64(cur.id)),
		zap.Stringer("state", state),
	)
	return e.emit(ctx, Event{
		TxID:  tx,
		Round: cur.id,
		State: state,
	})
}

// ObserveResult applies a RoundResult broadcast by another node. The
// store stays authoritative: the result only updates the local cache.
func (e *Engine) ObserveResult(ctx context.Context, res wire.RoundResult) error {
	ts := e.tx(res.TxID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.stale || ts.cur == nil {
		if err := e.refreshLocked(ctx, res.TxID, ts); err != nil {
			return err
		}
	}
	cur := ts.cur
	if cur == nil || cur.id != res.Round {
		return nil
	}
	if cur.state == res.Outcome || cur.state.Terminal() {
		return nil
	}
	if !cur.state.ValidTransition(res.Outcome) && cur.state != res.Outcome {
		// A result we cannot reach from our view; trust the store.
		return e.refreshLocked(ctx, res.TxID, ts)
	}
	e.trackState(cur, res.Outcome)
	if res.MajorityValue != nil {
		m := *res.MajorityValue
		cur.majority = &m
	}
	if res.Outcome.Terminal() {
		ts.doneAt = time.Now()
	}
	return nil
}

// Snapshot returns an operator view of tx's current round.
func (e *Engine) Snapshot(tx types.TxID) (RoundSnapshot, bool) {
	ts := e.tx(tx)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.cur == nil {
		return RoundSnapshot{}, false
	}
	return ts.cur.snapshot(tx), true
}

// expiredRounds lists txs whose round deadline has passed, for the
// timeout scanner.
func (e *Engine) expiredRounds(now time.Time) []types.TxID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.TxID
	for tx, ts := range e.txs {
		ts.mu.Lock()
		if ts.cur != nil && ts.cur.state == types.RoundOpen && now.After(ts.cur.closesAt) {
			out = append(out, tx)
		}
		ts.mu.Unlock()
	}
	return out
}

// prune drops transactions that have been terminal for longer than the
// retention window.
func (e *Engine) prune(now time.Time, retention time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tx, ts := range e.txs {
		ts.mu.Lock()
		expired := !ts.doneAt.IsZero() && now.Sub(ts.doneAt) > retention &&
			(ts.cur == nil || ts.cur.state.Terminal())
		ts.mu.Unlock()
		if expired {
			delete(e.txs, tx)
		}
	}
}

// refreshLocked re-reads the authoritative round id and state from the
// store, reconciling the local cache after a failure or a miss.
func (e *Engine) refreshLocked(ctx context.Context, tx types.TxID, ts *txState) error {
	id, state, err := e.readAuthoritative(ctx, tx)
	if err != nil {
		ts.stale = true
		return err
	}
	ts.stale = false
	if id == 0 {
		e.dropRound(ts)
		return nil
	}
	if ts.cur == nil || ts.cur.id != id {
		e.dropRound(ts)
		ts.cur = newRound(id, time.Now(), e.cfg.RoundTimeout)
		e.metrics.openRounds.Inc()
	}
	if ts.cur.state != state {
		e.trackState(ts.cur, state)
		if state.Terminal() && ts.doneAt.IsZero() {
			ts.doneAt = time.Now()
		}
	}
	return nil
}

// readAuthoritative reads (round id, state) from the store. A zero id
// means no round exists yet.
func (e *Engine) readAuthoritative(ctx context.Context, tx types.TxID) (types.RoundID, types.RoundState, error) {
	var raw string
	var found bool
	err := store.WithRetry(ctx, e.cfg.RetryBudget, e.cfg.MaxBackoff, func(ctx context.Context) error {
		var err error
		raw, found, err = e.st.Get(ctx, store.RoundKey(tx))
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, nil
	}
	var id types.RoundID
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, 0, fmt.Errorf("round key %q holds non-numeric value: %w", store.RoundKey(tx), err)
	}

	var stateRaw string
	err = store.WithRetry(ctx, e.cfg.RetryBudget, e.cfg.MaxBackoff, func(ctx context.Context) error {
		var err error
		stateRaw, found, err = e.st.Get(ctx, store.StateKey(tx, id))
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if !found {
		// Round id minted but state not yet published; treat as open.
		return id, types.RoundOpen, nil
	}
	state, err := types.ParseRoundState(stateRaw)
	if err != nil {
		return 0, 0, err
	}
	return id, state, nil
}

// adoptLocked makes the local cache track a round another node opened.
func (e *Engine) adoptLocked(ts *txState, tx types.TxID, id types.RoundID, state types.RoundState) {
	if ts.cur == nil || ts.cur.id != id {
		e.dropRound(ts)
		ts.cur = newRound(id, time.Now(), e.cfg.RoundTimeout)
		e.metrics.openRounds.Inc()
	}
	e.trackState(ts.cur, state)
	ts.stale = false
}

// trackState applies a state change and keeps the open-round gauge in
// step. Rounds are created Open; every creation site increments the
// gauge, every Open departure decrements it.
func (e *Engine) trackState(r *round, next types.RoundState) {
	if r.state == next {
		return
	}
	if r.state == types.RoundOpen {
		e.metrics.openRounds.Dec()
	}
	r.state = next
}

// dropRound forgets the cached round, releasing its gauge slot.
func (e *Engine) dropRound(ts *txState) {
	if ts.cur != nil && ts.cur.state == types.RoundOpen {
		e.metrics.openRounds.Dec()
	}
	ts.cur = nil
}

func (e *Engine) tx(tx types.TxID) *txState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.txs[tx]
	if !ok {
		ts = &txState{}
		e.txs[tx] = ts
	}
	return ts
}

func (e *Engine) emit(ctx context.Context, ev Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store helpers with the retry budget applied.

func (e *Engine) cas(ctx context.Context, key, expected, next string) (bool, error) {
	var ok bool
	err := store.WithRetry(ctx, e.cfg.RetryBudget, e.cfg.MaxBackoff, func(ctx context.Context) error {
		var err error
		ok, err = e.st.CAS(ctx, key, expected, next)
		return err
	})
	return ok, err
}

func (e *Engine) put(ctx context.Context, key, value string, ttl time.Duration) error {
	return store.WithRetry(ctx, e.cfg.RetryBudget, e.cfg.MaxBackoff, func(ctx context.Context) error {
		return e.st.Put(ctx, key, value, ttl)
	})
}

func (e *Engine) inc(ctx context.Context, key string) error {
	return store.WithRetry(ctx, e.cfg.RetryBudget, e.cfg.MaxBackoff, func(ctx context.Context) error {
		_, err := e.st.Inc(ctx, key)
		return err
	})
}

func (e *Engine) lock(ctx context.Context, key string) (store.LockHandle, error) {
	var handle store.LockHandle
	err := store.WithRetry(ctx, e.cfg.RetryBudget, e.cfg.MaxBackoff, func(ctx context.Context) error {
		var err error
		handle, err = e.st.Lock(ctx, key, e.cfg.NodeID.String(), lockTTL)
		return err
	})
	return handle, err
}

const lockTTL = 15 * time.Second

type engineMetrics struct {
	votes           *prometheus.CounterVec
	terminalRounds  *prometheus.CounterVec
	openRounds      prometheus.Gauge
	timeToThreshold prometheus.Histogram
}

func newEngineMetrics(reg prometheus.Registerer) (*engineMetrics, error) {
	m := &engineMetrics{
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_engine_votes_total",
			Help: "Vote submissions, by outcome",
		}, []string{"outcome"}),
		terminalRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_engine_terminal_rounds_total",
			Help: "Rounds reaching a terminal state, by state",
		}, []string{"state"}),
		openRounds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratify_engine_open_rounds",
			Help: "Rounds currently open",
		}),
		timeToThreshold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratify_engine_time_to_threshold_seconds",
			Help:    "Time from round open to threshold",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{m.votes, m.terminalRounds, m.openRounds, m.timeToThreshold} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
