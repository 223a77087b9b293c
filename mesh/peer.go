// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mesh

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/luxfi/ratify/types"
	"github.com/luxfi/ratify/wire"
)

const writeTimeout = 10 * time.Second

// peer is one remote cluster member and its (at most one) logical
// duplex channel. Outbound frames queue in a bounded buffer that drops
// oldest-first under pressure; heartbeats ride a separate queue that
// is never dropped.
type peer struct {
	id   types.NodeID
	addr string

	// dialer is true when we own the connection (lower peer ids are
	// dialed by us; higher ids dial in).
	dialer bool

	t *Transport

	mu       sync.Mutex
	conn     net.Conn
	status   ConnectionStatus
	queue    []*wire.Envelope
	hbQueue  []*wire.Envelope
	lastRecv time.Time
	hbSeq    uint64

	// notify wakes the write loop; inboundCh hands accepted
	// connections to the run loop for listen-side peers.
	notify    chan struct{}
	inboundCh chan net.Conn
}

func newPeer(t *Transport, id types.NodeID, addr string, dialer bool) *peer {
	return &peer{
		id:        id,
		addr:      addr,
		dialer:    dialer,
		t:         t,
		status:    StatusDown,
		notify:    make(chan struct{}, 1),
		inboundCh: make(chan net.Conn),
	}
}

// run owns the peer's channel for the transport's lifetime.
func (p *peer) run(ctx context.Context) {
	for {
		var conn net.Conn
		if p.dialer {
			conn = p.dial(ctx)
		} else {
			select {
			case conn = <-p.inboundCh:
			case <-ctx.Done():
				return
			}
		}
		if conn == nil {
			return
		}

		p.setConn(conn)
		p.serve(ctx, conn)
		p.clearConn(conn)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dial connects outbound with jittered exponential backoff capped at
// the configured maximum. Banned peers are not dialed until the ban
// window passes.
func (p *peer) dial(ctx context.Context) net.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = p.t.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		if until, banned := p.t.banExpiry(p.id); banned {
			select {
			case <-time.After(time.Until(until)):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		dialer := &net.Dialer{Timeout: p.t.cfg.DeadInterval}
		raw, err := dialer.DialContext(ctx, "tcp", p.addr)
		if err == nil {
			tlsConn := tlsClient(raw, p.t.ident.ClientTLSConfig())
			if err = p.handshake(ctx, tlsConn); err == nil {
				return tlsConn
			}
			_ = tlsConn.Close()
		}
		p.t.metrics.handshakeFailures.Inc()
		p.t.log.Debug("dial failed",
			zap.Stringer("peer", p.id),
			zap.String("addr", p.addr),
			zap.Error(err),
		)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil
		}
	}
}

// handshake completes TLS and pins the authenticated identity to the
// expected NodeID.
func (p *peer) handshake(ctx context.Context, conn handshaker) error {
	hsCtx, cancel := context.WithTimeout(ctx, p.t.cfg.DeadInterval)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		return err
	}
	id, err := p.t.ident.VerifyPeer(conn.ConnectionState().PeerCertificates)
	if err != nil {
		return err
	}
	if id != p.id {
		return errPeerIdentityMismatch(p.id, id)
	}
	return nil
}

// serve runs the read, write, and heartbeat loops until the channel
// dies. Inbound and outbound are independent; a stall on one side
// never blocks the other peers.
func (p *peer) serve(ctx context.Context, conn net.Conn) {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.writeLoop(serveCtx, conn)
	}()
	go func() {
		defer wg.Done()
		p.heartbeatLoop(serveCtx)
	}()

	p.readLoop(serveCtx, conn)
	cancel()
	_ = conn.Close()
	wg.Wait()
}

// readLoop pulls frames until the connection errors. The read deadline
// doubles as the dead-channel watchdog: no frame for DeadInterval
// kills the channel and schedules a reconnect.
func (p *peer) readLoop(ctx context.Context, conn net.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(p.t.cfg.DeadInterval))
		env, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil {
				p.t.log.Debug("channel read failed",
					zap.Stringer("peer", p.id),
					zap.Error(err),
				)
			}
			return
		}

		// The envelope's claimed sender must match the authenticated
		// channel identity; mismatches are dropped on the floor.
		if env.Sender != p.id {
			p.t.metrics.senderMismatches.Inc()
			continue
		}
		p.t.metrics.framesReceived.Inc()

		p.mu.Lock()
		p.lastRecv = time.Now()
		p.mu.Unlock()

		if env.Op == wire.OpHeartbeat {
			p.t.onHeartbeat(p.id)
			continue
		}

		select {
		case p.t.recvCh <- Inbound{Peer: p.id, Env: env}:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop drains the heartbeat queue first, then the data queue.
func (p *peer) writeLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-p.notify:
		case <-ctx.Done():
			return
		}

		for {
			env := p.dequeue()
			if env == nil {
				break
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wire.WriteFrame(conn, env); err != nil {
				p.t.log.Debug("channel write failed",
					zap.Stringer("peer", p.id),
					zap.Error(err),
				)
				_ = conn.Close()
				return
			}
			p.t.metrics.framesSent.Inc()
		}
	}
}

func (p *peer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		p.hbSeq++
		seq := p.hbSeq
		p.mu.Unlock()

		env, err := wire.NewEnvelope(wire.OpHeartbeat, p.t.nodeID, &wire.Heartbeat{
			Sender: p.t.nodeID,
			Seq:    seq,
			TS:     time.Now().UnixNano(),
		})
		if err != nil {
			continue
		}
		p.enqueueHeartbeat(env)
	}
}

// enqueue queues a data frame, dropping the oldest queued data frame
// when the buffer is full. Returns false if the peer has no channel.
func (p *peer) enqueue(env *wire.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusConnected {
		return false
	}
	if len(p.queue) >= p.t.cfg.OutboundBuffer {
		p.queue = p.queue[1:]
		p.t.metrics.framesDropped.Inc()
	}
	p.queue = append(p.queue, env)
	p.wake()
	return true
}

// enqueueHeartbeat bypasses the drop policy entirely.
func (p *peer) enqueueHeartbeat(env *wire.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusConnected {
		return
	}
	p.hbQueue = append(p.hbQueue, env)
	p.wake()
}

// dequeue pops the next frame, heartbeats first.
func (p *peer) dequeue() *wire.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.hbQueue) > 0 {
		env := p.hbQueue[0]
		p.hbQueue = p.hbQueue[1:]
		return env
	}
	if len(p.queue) > 0 {
		env := p.queue[0]
		p.queue = p.queue[1:]
		return env
	}
	return nil
}

func (p *peer) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *peer) setConn(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
	p.status = StatusConnected
	p.lastRecv = time.Now()
	p.t.metrics.connectedPeers.Inc()
	p.t.log.Info("peer channel up", zap.Stringer("peer", p.id))
}

func (p *peer) clearConn(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != conn {
		return
	}
	p.conn = nil
	p.queue = nil
	p.hbQueue = nil
	if p.dialer {
		p.status = StatusReconnecting
	} else {
		p.status = StatusDown
	}
	p.t.metrics.connectedPeers.Dec()
	p.t.log.Info("peer channel down", zap.Stringer("peer", p.id))
}

// closeConn tears the current channel down (ban enforcement).
func (p *peer) closeConn() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// currentStatus snapshots the channel state.
func (p *peer) currentStatus() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// attachInbound hands an accepted connection to the run loop. The
// previous channel, if any, is torn down first: there is at most one
// logical channel per peer.
func (p *peer) attachInbound(ctx context.Context, conn net.Conn) {
	p.closeConn()
	select {
	case p.inboundCh <- conn:
	case <-ctx.Done():
		_ = conn.Close()
	}
}
