// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mesh maintains the all-to-all mutually authenticated TLS 1.3
// broadcast layer. Each node dials every peer with a lower NodeID and
// listens for peers with higher ones, so exactly one logical duplex
// channel exists per pair.
package mesh

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/ratify/config"
	"github.com/luxfi/ratify/identity"
	"github.com/luxfi/ratify/types"
	"github.com/luxfi/ratify/wire"
)

var (
	ErrNotConnected = errors.New("no channel to peer")
	ErrUnknownPeer  = errors.New("peer is not in the cluster")
	ErrShutdown     = errors.New("transport is shut down")
)

func errPeerIdentityMismatch(want, got types.NodeID) error {
	return fmt.Errorf("peer authenticated as %s, expected %s", got, want)
}

// ConnectionStatus describes one peer channel.
type ConnectionStatus uint8

const (
	StatusConnected ConnectionStatus = iota
	StatusReconnecting
	StatusDown
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusReconnecting:
		return "Reconnecting"
	default:
		return "Down"
	}
}

// Inbound is one received frame with its authenticated sender.
type Inbound struct {
	Peer types.NodeID
	Env  *wire.Envelope
}

// handshaker is the subset of *tls.Conn the peer handshake needs.
type handshaker interface {
	net.Conn
	HandshakeContext(context.Context) error
	ConnectionState() tls.ConnectionState
}

func tlsClient(raw net.Conn, cfg *tls.Config) *tls.Conn {
	return tls.Client(raw, cfg)
}

// Transport is the mesh. Frames to a peer without a live channel are
// dropped and counted; the engine resubmits idempotently.
type Transport struct {
	log    log.Logger
	cfg    *config.Config
	ident  *identity.Manager
	nodeID types.NodeID

	// onHeartbeat feeds transport-level liveness into the detector
	// without a direct reference (the detector also feeds bans back
	// through Ban, wired by the node).
	onHeartbeat func(types.NodeID)

	peers  map[types.NodeID]*peer
	recvCh chan Inbound

	banMu sync.Mutex
	bans  map[types.NodeID]time.Time

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	started  bool

	wg      sync.WaitGroup
	metrics *meshMetrics
}

// New builds the transport for the configured peer set.
func New(
	logger log.Logger,
	cfg *config.Config,
	ident *identity.Manager,
	onHeartbeat func(types.NodeID),
	reg prometheus.Registerer,
) (*Transport, error) {
	m, err := newMeshMetrics(reg)
	if err != nil {
		return nil, err
	}
	if onHeartbeat == nil {
		onHeartbeat = func(types.NodeID) {}
	}
	nodeID, _ := ident.OwnIdentity()
	t := &Transport{
		log:         logger,
		cfg:         cfg,
		ident:       ident,
		nodeID:      nodeID,
		onHeartbeat: onHeartbeat,
		peers:       make(map[types.NodeID]*peer, len(cfg.BootstrapPeers)),
		recvCh:      make(chan Inbound, 1024),
		bans:        make(map[types.NodeID]time.Time),
		metrics:     m,
	}
	for id, addr := range cfg.BootstrapPeers {
		t.peers[id] = newPeer(t, id, addr, id < nodeID)
	}
	return t, nil
}

// Start binds the listener and launches the per-peer loops.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", t.cfg.ListenAddr, err)
	}
	tlsLn := tls.NewListener(ln, t.ident.ServerTLSConfig())

	runCtx, cancel := context.WithCancel(ctx)
	t.listener = tlsLn
	t.cancel = cancel
	t.started = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(runCtx, tlsLn)
	}()

	for _, p := range t.peers {
		p := p
		if p.dialer {
			p.mu.Lock()
			p.status = StatusReconnecting
			p.mu.Unlock()
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			p.run(runCtx)
		}()
	}

	t.log.Info("mesh transport started",
		zap.String("listenAddr", tlsLn.Addr().String()),
		zap.Int("peers", len(t.peers)),
	)
	return nil
}

// Stop cancels all loops and waits up to the shutdown grace window.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel := t.cancel
	ln := t.listener
	t.mu.Unlock()

	cancel()
	_ = ln.Close()
	for _, p := range t.peers {
		p.closeConn()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(t.cfg.ShutdownGrace):
		t.log.Warn("shutdown grace elapsed with loops still draining")
	}
}

// Addr returns the bound listen address.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debug("accept failed", zap.Error(err))
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(ctx, conn.(handshaker))
		}()
	}
}

// handleInbound authenticates an inbound connection and routes it to
// its peer. Only peers with higher NodeIDs may dial us; the
// deterministic direction rule prevents simultaneous double connects.
func (t *Transport) handleInbound(ctx context.Context, conn handshaker) {
	hsCtx, cancel := context.WithTimeout(ctx, t.cfg.DeadInterval)
	err := conn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		t.metrics.handshakeFailures.Inc()
		t.log.Debug("inbound handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	id, err := t.ident.VerifyPeer(conn.ConnectionState().PeerCertificates)
	if err != nil {
		t.metrics.handshakeFailures.Inc()
		t.log.Warn("rejecting inbound peer", zap.Error(err))
		_ = conn.Close()
		return
	}
	if id <= t.nodeID {
		t.log.Debug("rejecting inbound from lower peer id",
			zap.Stringer("peer", id),
		)
		_ = conn.Close()
		return
	}
	if _, banned := t.banExpiry(id); banned {
		t.log.Warn("rejecting banned peer", zap.Stringer("peer", id))
		_ = conn.Close()
		return
	}
	p, ok := t.peers[id]
	if !ok {
		_ = conn.Close()
		return
	}
	p.attachInbound(ctx, conn)
}

// Broadcast enqueues env to every connected peer and returns how many
// channels accepted it. Best-effort: no ordering across peers, no
// retry for down peers.
func (t *Transport) Broadcast(env *wire.Envelope) (int, error) {
	delivered := 0
	for _, p := range t.peers {
		if p.enqueue(env) {
			delivered++
		} else {
			t.metrics.framesDropped.Inc()
		}
	}
	return delivered, nil
}

// Unicast enqueues env for one peer.
func (t *Transport) Unicast(to types.NodeID, env *wire.Envelope) error {
	p, ok := t.peers[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if !p.enqueue(env) {
		t.metrics.framesDropped.Inc()
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	return nil
}

// Recv is the single-consumer inbound stream.
func (t *Transport) Recv() <-chan Inbound {
	return t.recvCh
}

// Peers snapshots every channel's status.
func (t *Transport) Peers() map[types.NodeID]ConnectionStatus {
	out := make(map[types.NodeID]ConnectionStatus, len(t.peers))
	for id, p := range t.peers {
		out[id] = p.currentStatus()
	}
	return out
}

// Ban drops the peer's channel and refuses reconnects until the ban
// window passes.
func (t *Transport) Ban(node types.NodeID, until time.Time) {
	t.banMu.Lock()
	t.bans[node] = until
	t.banMu.Unlock()
	if p, ok := t.peers[node]; ok {
		p.closeConn()
	}
	t.log.Warn("peer banned at transport",
		zap.Stringer("peer", node),
		zap.Time("until", until),
	)
}

// banExpiry reports whether node is currently banned.
func (t *Transport) banExpiry(node types.NodeID) (time.Time, bool) {
	t.banMu.Lock()
	defer t.banMu.Unlock()
	until, ok := t.bans[node]
	if !ok || time.Now().After(until) {
		return time.Time{}, false
	}
	return until, true
}

type meshMetrics struct {
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	framesDropped     prometheus.Counter
	senderMismatches  prometheus.Counter
	handshakeFailures prometheus.Counter
	connectedPeers    prometheus.Gauge
}

func newMeshMetrics(reg prometheus.Registerer) (*meshMetrics, error) {
	m := &meshMetrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_mesh_frames_sent_total",
			Help: "Frames written to peer channels",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_mesh_frames_received_total",
			Help: "Frames read from peer channels",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_mesh_frames_dropped_total",
			Help: "Frames dropped for down peers or full buffers",
		}),
		senderMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_mesh_sender_mismatches_total",
			Help: "Frames whose envelope sender contradicted the channel identity",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_mesh_handshake_failures_total",
			Help: "TLS handshakes or identity checks that failed",
		}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratify_mesh_connected_peers",
			Help: "Peers with a live channel",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.framesSent, m.framesReceived, m.framesDropped,
		m.senderMismatches, m.handshakeFailures, m.connectedPeers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
