// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package detector validates votes, tracks per-peer behavior history,
// and punishes Byzantine peers. It is the sole writer of peer records;
// the engine reads status through it to gate acceptance, and the
// transport consumes its ban events. Evidence is durably recorded
// before any peer-visible punishment.
package detector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/ratify/audit"
	"github.com/luxfi/ratify/config"
	"github.com/luxfi/ratify/store"
	"github.com/luxfi/ratify/types"
	"github.com/luxfi/ratify/wire"
)

// BanEvent tells the transport to drop a peer's channel and refuse
// reconnects until the ban window passes.
type BanEvent struct {
	Node   types.NodeID
	Until  time.Time
	Reason types.ViolationKind
}

// Record is a read-only snapshot of one peer's history.
type Record struct {
	NodeID        types.NodeID
	Status        types.PeerStatus
	Reputation    int
	LastHeartbeat time.Time
	BanExpiry     time.Time
	Violations    []Evidence
}

type peerState struct {
	mu            sync.Mutex
	status        types.PeerStatus
	reputation    int
	lastHeartbeat time.Time
	banExpiry     time.Time
	violations    []Evidence
}

// Detector owns all peer records.
type Detector struct {
	log   log.Logger
	cfg   *config.Config
	store store.Store
	sink  *audit.Writer
	keys  KeyLookup

	mu    sync.Mutex
	peers map[types.NodeID]*peerState

	banCh   chan BanEvent
	alertCh chan Evidence

	metrics *detectorMetrics
}

// New builds a Detector.
func New(
	logger log.Logger,
	cfg *config.Config,
	st store.Store,
	sink *audit.Writer,
	keys KeyLookup,
	reg prometheus.Registerer,
) (*Detector, error) {
	m, err := newDetectorMetrics(reg)
	if err != nil {
		return nil, err
	}
	return &Detector{
		log:     logger,
		cfg:     cfg,
		store:   st,
		sink:    sink,
		keys:    keys,
		peers:   make(map[types.NodeID]*peerState),
		banCh:   make(chan BanEvent, 16),
		alertCh: make(chan Evidence, 64),
		metrics: m,
	}, nil
}

// Bans is consumed by the transport; ban events must not be dropped.
func (d *Detector) Bans() <-chan BanEvent {
	return d.banCh
}

// Alerts carries evidence to broadcast as ByzantineAlert frames.
func (d *Detector) Alerts() <-chan Evidence {
	return d.alertCh
}

// CheckSignature verifies a vote's signature under the voter's
// registered key. It records nothing; the engine decides whether the
// failure becomes evidence.
func (d *Detector) CheckSignature(v *types.Vote) error {
	key, ok := d.keys(v.Voter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, v.Voter)
	}
	return v.VerifySignature(key)
}

// Status returns the peer's current status. An elapsed ban window
// restores Active.
func (d *Detector) Status(node types.NodeID) types.PeerStatus {
	p := d.peer(node)
	p.mu.Lock()
	defer p.mu.Unlock()
	d.expireBanLocked(p)
	return p.status
}

// Heartbeat records transport-level liveness for a peer.
func (d *Detector) Heartbeat(node types.NodeID) {
	p := d.peer(node)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeartbeat = time.Now()
}

// Report returns a snapshot of the peer's record.
func (d *Detector) Report(node types.NodeID) Record {
	p := d.peer(node)
	p.mu.Lock()
	defer p.mu.Unlock()
	d.expireBanLocked(p)
	violations := make([]Evidence, len(p.violations))
	copy(violations, p.violations)
	return Record{
		NodeID:        node,
		Status:        p.status,
		Reputation:    p.reputation,
		LastHeartbeat: p.lastHeartbeat,
		BanExpiry:     p.banExpiry,
		Violations:    violations,
	}
}

// RecordDoubleVote punishes two conflicting signed votes from the same
// voter in the same round. Double voting is an instant ban regardless
// of prior reputation.
func (d *Detector) RecordDoubleVote(ctx context.Context, existing, offending types.Vote) error {
	ev := Evidence{
		Kind:     types.ViolationDoubleVote,
		TxID:     offending.TxID,
		Round:    offending.Round,
		Offender: offending.Voter,
		Votes:    []types.Vote{existing, offending},
	}
	return d.punish(ctx, ev)
}

// RecordInvalidSignature punishes a vote whose signature failed.
func (d *Detector) RecordInvalidSignature(ctx context.Context, v types.Vote) error {
	ev := Evidence{
		Kind:     types.ViolationInvalidSignature,
		TxID:     v.TxID,
		Round:    v.Round,
		Offender: v.Voter,
		Votes:    []types.Vote{v},
	}
	return d.punish(ctx, ev)
}

// RecordMinorityAttack punishes a vote contradicting a ratified
// majority after threshold.
func (d *Detector) RecordMinorityAttack(ctx context.Context, v types.Vote, majority uint64) error {
	ev := Evidence{
		Kind:          types.ViolationMinorityAttack,
		TxID:          v.TxID,
		Round:         v.Round,
		Offender:      v.Voter,
		Votes:         []types.Vote{v},
		MajorityValue: majority,
	}
	return d.punish(ctx, ev)
}

// RecordSilentFailure punishes a voter that stayed silent past the
// round timeout. The timely voters' signed votes are the evidence that
// the round was live.
func (d *Detector) RecordSilentFailure(ctx context.Context, tx types.TxID, round types.RoundID, offender types.NodeID, timely []types.Vote) error {
	ev := Evidence{
		Kind:     types.ViolationSilentFailure,
		TxID:     tx,
		Round:    round,
		Offender: offender,
		Votes:    timely,
	}
	return d.punish(ctx, ev)
}

// ObserveAlert handles a ByzantineAlert broadcast by another node. The
// evidence is independently verified before it is recorded or acted
// on; invalid alerts are dropped. Evidence already held for the same
// (offender, tx, round, kind) is a no-op so re-delivered alerts don't
// double-punish.
func (d *Detector) ObserveAlert(ctx context.Context, ev Evidence) error {
	if err := ev.Verify(d.keys); err != nil {
		d.metrics.invalidAlerts.Inc()
		d.log.Warn("dropping unverifiable byzantine alert",
			zap.Stringer("offender", ev.Offender),
			zap.Stringer("kind", ev.Kind),
			zap.Error(err),
		)
		return err
	}

	p := d.peer(ev.Offender)
	p.mu.Lock()
	for i := range p.violations {
		held := &p.violations[i]
		if held.Kind == ev.Kind && held.TxID == ev.TxID && held.Round == ev.Round {
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	return d.punish(ctx, ev)
}

// punish is the single choke point for violations: audit first, then
// reputation, then ban side effects.
func (d *Detector) punish(ctx context.Context, ev Evidence) error {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}

	// Evidence is written to the audit sink before the peer is
	// punished, so the punishment is independently verifiable by any
	// observer even if this node dies mid-way.
	payload, err := wire.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}
	tx := ev.TxID
	if err := d.sink.Append(ctx, audit.Event{
		Kind:    audit.ViolationKindFor(ev.Kind),
		TxID:    &tx,
		Round:   ev.Round,
		NodeID:  ev.Offender,
		Payload: payload,
	}); err != nil {
		return err
	}

	d.metrics.violations.WithLabelValues(ev.Kind.String()).Inc()

	p := d.peer(ev.Offender)
	p.mu.Lock()
	p.violations = append(p.violations, ev)
	p.reputation -= int(d.cfg.Weight(ev.Kind))
	if p.status == types.PeerActive {
		p.status = types.PeerSuspect
	}

	instant := ev.Kind == types.ViolationDoubleVote
	shouldBan := (instant || p.reputation <= d.cfg.BanThreshold) && p.status != types.PeerBanned
	var until time.Time
	if shouldBan {
		p.status = types.PeerBanned
		until = ev.ObservedAt.Add(d.cfg.BanDuration)
		p.banExpiry = until
	}
	reputation := p.reputation
	p.mu.Unlock()

	d.log.Warn("peer violation recorded",
		zap.Stringer("offender", ev.Offender),
		zap.Stringer("kind", ev.Kind),
		zap.Stringer("txID", ev.TxID),
		zap.Uint64("round", uint64(ev.Round)),
		zap.Int("reputation", reputation),
		zap.Bool("banned", shouldBan),
	)

	if shouldBan {
		d.metrics.bans.Inc()
		// The global ban record self-expires with the ban window.
		if err := store.WithRetry(ctx, d.cfg.RetryBudget, d.cfg.MaxBackoff, func(ctx context.Context) error {
			return d.store.Put(ctx, store.PeerBanKey(ev.Offender),
				strconv.FormatInt(until.Unix(), 10), d.cfg.BanDuration)
		}); err != nil {
			d.log.Error("writing global ban record",
				zap.Stringer("offender", ev.Offender),
				zap.Error(err),
			)
		}
		select {
		case d.banCh <- BanEvent{Node: ev.Offender, Until: until, Reason: ev.Kind}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Alerts are best-effort rebroadcasts of already-durable evidence.
	select {
	case d.alertCh <- ev:
	default:
		d.metrics.droppedAlerts.Inc()
	}
	return nil
}

func (d *Detector) peer(node types.NodeID) *peerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[node]
	if !ok {
		p = &peerState{status: types.PeerActive}
		d.peers[node] = p
	}
	return p
}

// expireBanLocked lifts an elapsed ban. Callers hold p.mu.
func (d *Detector) expireBanLocked(p *peerState) {
	if p.status == types.PeerBanned && time.Now().After(p.banExpiry) {
		p.status = types.PeerActive
	}
}

type detectorMetrics struct {
	violations    *prometheus.CounterVec
	bans          prometheus.Counter
	invalidAlerts prometheus.Counter
	droppedAlerts prometheus.Counter
}

func newDetectorMetrics(reg prometheus.Registerer) (*detectorMetrics, error) {
	m := &detectorMetrics{
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_detector_violations_total",
			Help: "Violations recorded, by kind",
		}, []string{"kind"}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_detector_bans_total",
			Help: "Peers banned",
		}),
		invalidAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_detector_invalid_alerts_total",
			Help: "Byzantine alerts that failed independent verification",
		}),
		droppedAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_detector_dropped_alerts_total",
			Help: "Alert rebroadcasts dropped due to a full channel",
		}),
	}
	for _, c := range []prometheus.Collector{m.violations, m.bans, m.invalidAlerts, m.droppedAlerts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
