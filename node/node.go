// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node assembles the ratification core: identity, mesh
// transport, coordination store, consensus engine, Byzantine detector,
// and audit writer, plus the background loops that connect them by
// message passing. No component holds a direct reference to another's
// mutable state.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/ratify/audit"
	"github.com/luxfi/ratify/config"
	"github.com/luxfi/ratify/detector"
	"github.com/luxfi/ratify/engine"
	"github.com/luxfi/ratify/identity"
	"github.com/luxfi/ratify/mesh"
	"github.com/luxfi/ratify/store"
	"github.com/luxfi/ratify/types"
	"github.com/luxfi/ratify/wire"
)

var ErrClusterMismatch = errors.New("cluster shape in store disagrees with configuration")

// Signer is the external threshold-signature orchestrator. Sign is
// invoked exactly once per ratified round, under the signing mutex.
type Signer interface {
	Sign(ctx context.Context, tx types.TxID, round types.RoundID, value uint64, votes []types.Vote) error
}

// Transport is the mesh surface the node drives; *mesh.Transport is
// the production implementation.
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	Broadcast(env *wire.Envelope) (int, error)
	Unicast(to types.NodeID, env *wire.Envelope) error
	Recv() <-chan mesh.Inbound
	Peers() map[types.NodeID]mesh.ConnectionStatus
	Ban(node types.NodeID, until time.Time)
}

// Node is one cluster member's ratification core.
type Node struct {
	log   log.Logger
	cfg   *config.Config
	ident *identity.Manager
	trans Transport
	st    store.Store
	det   *detector.Detector
	eng   *engine.Engine
	sink  *audit.Writer

	voteKey ed25519.PrivateKey
	signer  Signer

	voteReqCh chan wire.VoteRequest

	wg sync.WaitGroup
}

// Options carries the node's external collaborators.
type Options struct {
	Config    *config.Config
	Log       log.Logger
	Identity  *identity.Manager
	Transport Transport
	Store     store.Store
	AuditSink audit.Sink
	Signer    Signer

	// VoteKey is this node's long-term ed25519 ballot key; its public
	// half must match the registry entry.
	VoteKey ed25519.PrivateKey

	// OnFatal fires when audit durability is lost; defaults to a
	// process-fatal log.
	OnFatal func(error)

	Registerer prometheus.Registerer
}

// New wires a node together. The transport may be nil, in which case a
// production mesh transport is built from the identity manager, with
// transport heartbeats feeding detector liveness.
func New(opts Options) (*Node, error) {
	if err := opts.Config.Valid(); err != nil {
		return nil, err
	}
	logger := opts.Log
	onFatal := opts.OnFatal
	if onFatal == nil {
		onFatal = func(err error) {
			logger.Fatal("audit durability lost", zap.Error(err))
		}
	}

	writer := audit.NewWriter(logger, opts.AuditSink,
		opts.Config.RetryBudget, opts.Config.MaxBackoff, onFatal)

	det, err := detector.New(logger, opts.Config, opts.Store, writer,
		opts.Identity.VoteKey, opts.Registerer)
	if err != nil {
		return nil, err
	}

	trans := opts.Transport
	if trans == nil {
		trans, err = mesh.New(logger, opts.Config, opts.Identity, det.Heartbeat, opts.Registerer)
		if err != nil {
			return nil, err
		}
	}

	eng, err := engine.New(logger, opts.Config, opts.Store, det, writer, opts.Registerer)
	if err != nil {
		return nil, err
	}

	return &Node{
		log:       logger,
		cfg:       opts.Config,
		ident:     opts.Identity,
		trans:     trans,
		st:        opts.Store,
		det:       det,
		eng:       eng,
		sink:      writer,
		voteKey:   opts.VoteKey,
		signer:    opts.Signer,
		voteReqCh: make(chan wire.VoteRequest, 64),
	}, nil
}

// Run starts everything and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.checkClusterShape(ctx); err != nil {
		return err
	}
	if err := n.trans.Start(ctx); err != nil {
		return err
	}

	scanner := engine.NewScanner(n.eng)
	loops := []func(context.Context){
		n.inboundLoop,
		n.eventLoop,
		n.banLoop,
		n.alertLoop,
		n.livenessLoop,
		scanner.Run,
	}
	for _, loop := range loops {
		loop := loop
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			loop(ctx)
		}()
	}

	<-ctx.Done()
	n.trans.Stop()
	n.wg.Wait()
	return ctx.Err()
}

// checkClusterShape publishes or cross-checks /cluster/threshold and
// /cluster/total_nodes. A mismatch is a startup-fatal config error.
func (n *Node) checkClusterShape(ctx context.Context) error {
	pairs := map[string]string{
		store.ThresholdKey:  strconv.FormatUint(uint64(n.cfg.Threshold), 10),
		store.TotalNodesKey: strconv.FormatUint(uint64(n.cfg.TotalNodes), 10),
	}
	for key, want := range pairs {
		var swapped bool
		err := store.WithRetry(ctx, n.cfg.RetryBudget, n.cfg.MaxBackoff, func(ctx context.Context) error {
			var err error
			swapped, err = n.st.CAS(ctx, key, "", want)
			return err
		})
		if err != nil {
			return err
		}
		if swapped {
			continue
		}
		var got string
		err = store.WithRetry(ctx, n.cfg.RetryBudget, n.cfg.MaxBackoff, func(ctx context.Context) error {
			var err error
			got, _, err = n.st.Get(ctx, key)
			return err
		})
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: %s is %s, configured %s", ErrClusterMismatch, key, got, want)
		}
	}
	return nil
}

// RequestRatification opens (or re-joins) a round for tx and asks the
// cluster to vote. Entry point for the external API layer.
func (n *Node) RequestRatification(ctx context.Context, tx types.TxID) (types.RoundID, error) {
	round, err := n.eng.OpenRound(ctx, tx)
	if err != nil {
		return 0, err
	}
	req := wire.VoteRequest{
		TxID:      tx,
		Round:     round,
		OpenerSig: n.signOpener(tx, round),
	}
	env, err := wire.NewEnvelope(wire.OpVoteRequest, n.cfg.NodeID, &req)
	if err != nil {
		return 0, err
	}
	if _, err := n.trans.Broadcast(env); err != nil {
		return 0, err
	}
	return round, nil
}

// CastVote signs this node's ballot, submits it locally, and
// broadcasts it to the cluster.
func (n *Node) CastVote(ctx context.Context, tx types.TxID, round types.RoundID, approve bool, value uint64) (types.Outcome, error) {
	v := types.Vote{
		TxID:    tx,
		Round:   round,
		Voter:   n.cfg.NodeID,
		Approve: approve,
		Value:   value,
	}
	v.Sign(n.voteKey)

	outcome, err := n.eng.SubmitVote(ctx, v)
	if err != nil {
		return outcome, err
	}
	env, err := wire.NewEnvelope(wire.OpVote, n.cfg.NodeID, &v)
	if err != nil {
		return outcome, err
	}
	if _, err := n.trans.Broadcast(env); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// VoteRequests surfaces verified vote requests to the external voting
// policy (the layer that decides each ballot).
func (n *Node) VoteRequests() <-chan wire.VoteRequest {
	return n.voteReqCh
}

// Snapshot exposes the engine's operator view.
func (n *Node) Snapshot(tx types.TxID) (engine.RoundSnapshot, bool) {
	return n.eng.Snapshot(tx)
}

// PeerReport exposes the detector's record for a peer.
func (n *Node) PeerReport(node types.NodeID) detector.Record {
	return n.det.Report(node)
}

// Peers exposes transport channel states.
func (n *Node) Peers() map[types.NodeID]mesh.ConnectionStatus {
	return n.trans.Peers()
}

// HealthCheck reports liveness of the node's collaborators.
func (n *Node) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	connected := 0
	for _, status := range n.trans.Peers() {
		if status == mesh.StatusConnected {
			connected++
		}
	}
	var errs []error
	if _, _, err := n.st.Get(ctx, store.TotalNodesKey); err != nil {
		errs = append(errs, err)
	}
	return map[string]interface{}{
		"nodeID":         n.cfg.NodeID.String(),
		"connectedPeers": connected,
		"totalPeers":     len(n.cfg.BootstrapPeers),
	}, errors.Join(errs...)
}

// inboundLoop dispatches transport frames to their owners.
func (n *Node) inboundLoop(ctx context.Context) {
	for {
		var in mesh.Inbound
		select {
		case in = <-n.trans.Recv():
		case <-ctx.Done():
			return
		}

		if err := n.dispatch(ctx, in); err != nil && ctx.Err() == nil {
			n.log.Warn("dispatching frame",
				zap.Stringer("peer", in.Peer),
				zap.Stringer("op", in.Env.Op),
				zap.Error(err),
			)
		}
	}
}

func (n *Node) dispatch(ctx context.Context, in mesh.Inbound) error {
	switch in.Env.Op {
	case wire.OpVote:
		var v types.Vote
		if err := wire.Unmarshal(in.Env.Payload, &v); err != nil {
			return err
		}
		// A vote relayed for someone else would bypass the channel
		// identity check; only first-party votes are admissible.
		if v.Voter != in.Peer {
			return fmt.Errorf("vote by %s arrived from %s", v.Voter, in.Peer)
		}
		_, err := n.eng.SubmitVote(ctx, v)
		return err

	case wire.OpVoteRequest:
		var req wire.VoteRequest
		if err := wire.Unmarshal(in.Env.Payload, &req); err != nil {
			return err
		}
		if !n.verifyOpener(in.Peer, &req) {
			return fmt.Errorf("vote request from %s has a bad opener signature", in.Peer)
		}
		if _, err := n.eng.OpenRound(ctx, req.TxID); err != nil {
			return err
		}
		select {
		case n.voteReqCh <- req:
		default:
			n.log.Warn("vote request queue full, dropping",
				zap.Stringer("txID", req.TxID),
			)
		}
		return nil

	case wire.OpRoundResult:
		var res wire.RoundResult
		if err := wire.Unmarshal(in.Env.Payload, &res); err != nil {
			return err
		}
		return n.eng.ObserveResult(ctx, res)

	case wire.OpByzantineAlert:
		var ev detector.Evidence
		if err := wire.Unmarshal(in.Env.Payload, &ev); err != nil {
			return err
		}
		return n.det.ObserveAlert(ctx, ev)

	default:
		return fmt.Errorf("unhandled op %s", in.Env.Op)
	}
}

// eventLoop turns engine transitions into broadcasts and drives the
// signing handoff for ratified rounds.
func (n *Node) eventLoop(ctx context.Context) {
	for {
		var ev engine.Event
		select {
		case ev = <-n.eng.Events():
		case <-ctx.Done():
			return
		}

		res := wire.RoundResult{
			TxID:          ev.TxID,
			Round:         ev.Round,
			Outcome:       ev.State,
			MajorityValue: ev.MajorityValue,
		}
		if env, err := wire.NewEnvelope(wire.OpRoundResult, n.cfg.NodeID, &res); err == nil {
			_, _ = n.trans.Broadcast(env)
		}

		if ev.State == types.RoundThresholdReached {
			if err := n.handoff(ctx, ev); err != nil && ctx.Err() == nil {
				n.log.Error("signing handoff failed",
					zap.Stringer("txID", ev.TxID),
					zap.Uint64("round", uint64(ev.Round)),
					zap.Error(err),
				)
			}
		}
	}
}

// handoff hands the ratified round to the external signer under the
// signing mutex, then finalizes the round.
func (n *Node) handoff(ctx context.Context, ev engine.Event) error {
	if n.signer == nil || ev.MajorityValue == nil {
		return nil
	}
	lock, err := n.st.Lock(ctx, store.SigningLockKey(ev.TxID),
		n.cfg.NodeID.String(), n.cfg.RoundTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release(ctx) }()

	if err := n.signer.Sign(ctx, ev.TxID, ev.Round, *ev.MajorityValue, ev.Votes); err != nil {
		return err
	}
	return n.eng.MarkApproved(ctx, ev.TxID)
}

func (n *Node) banLoop(ctx context.Context) {
	for {
		select {
		case ev := <-n.det.Bans():
			n.trans.Ban(ev.Node, ev.Until)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) alertLoop(ctx context.Context) {
	for {
		select {
		case ev := <-n.det.Alerts():
			env, err := wire.NewEnvelope(wire.OpByzantineAlert, n.cfg.NodeID, &ev)
			if err != nil {
				continue
			}
			_, _ = n.trans.Broadcast(env)
		case <-ctx.Done():
			return
		}
	}
}

// livenessLoop refreshes this node's TTL-backed status key.
func (n *Node) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	key := store.PeerStatusKey(n.cfg.NodeID)
	for {
		select {
		case <-ticker.C:
			if err := n.st.Put(ctx, key, types.PeerActive.String(), n.cfg.DeadInterval); err != nil && ctx.Err() == nil {
				n.log.Debug("refreshing liveness key", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// signOpener signs (tx, round) so receivers can verify the request
// came from the claimed opener.
func (n *Node) signOpener(tx types.TxID, round types.RoundID) []byte {
	return ed25519.Sign(n.voteKey, openerDigest(tx, round))
}

func (n *Node) verifyOpener(opener types.NodeID, req *wire.VoteRequest) bool {
	key, ok := n.ident.VoteKey(opener)
	if !ok {
		return false
	}
	return ed25519.Verify(key, openerDigest(req.TxID, req.Round), req.OpenerSig)
}

func openerDigest(tx types.TxID, round types.RoundID) []byte {
	buf := make([]byte, 0, len(tx)+8)
	buf = append(buf, tx[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(round))
	return buf
}
