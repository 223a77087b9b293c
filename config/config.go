// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the cluster configuration recognized by the
// ratification core and its validation rules.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ratify/types"
)

var (
	ErrNodeIDZero            = errors.New("node_id must be >= 1")
	ErrNodeIDOutOfRange      = errors.New("node_id exceeds total_nodes")
	ErrListenAddrEmpty       = errors.New("listen_addr must be set")
	ErrTotalNodesTooLow      = errors.New("total_nodes must be >= 1")
	ErrThresholdTooLow       = errors.New("threshold must exceed half of total_nodes")
	ErrThresholdTooHigh      = errors.New("threshold must not exceed total_nodes")
	ErrMissingCertMaterial   = errors.New("ca_cert_path, node_cert_path and node_key_path must all be set")
	ErrRoundTimeoutTooLow    = errors.New("round_timeout must be positive")
	ErrHeartbeatTooLow       = errors.New("heartbeat_interval must be positive")
	ErrDeadIntervalTooLow    = errors.New("dead_interval must be at least 3x heartbeat_interval")
	ErrMaxBackoffTooLow      = errors.New("max_backoff must be positive")
	ErrBanDurationTooLow     = errors.New("ban_duration must be positive")
	ErrPeerSetMismatch       = errors.New("bootstrap_peers must enumerate every other cluster member")
	ErrRetryBudgetTooLow     = errors.New("retry_budget must be >= 1")
	ErrOutboundBufferTooLow  = errors.New("outbound_buffer must be >= 1")
)

// Config is the full set of recognized options. Peers are enumerated
// at startup; there is no dynamic membership.
type Config struct {
	// NodeID is this process's identity, in [1, TotalNodes].
	NodeID types.NodeID

	// ListenAddr is the TLS listen address for inbound mesh channels.
	ListenAddr string

	// BootstrapPeers maps every other member's NodeID to its address.
	BootstrapPeers map[types.NodeID]string

	// TLS material. TLS 1.3 is enforced; all three are required.
	CACertPath   string
	NodeCertPath string
	NodeKeyPath  string

	// Cluster shape. Threshold must satisfy n/2 < t <= n.
	TotalNodes uint32
	Threshold  uint32

	// Timing.
	RoundTimeout      time.Duration
	HeartbeatInterval time.Duration
	DeadInterval      time.Duration
	MaxBackoff        time.Duration
	BanDuration       time.Duration

	// Punishment policy.
	ReputationWeights map[types.ViolationKind]uint32
	BanThreshold      int

	// RetryBudget bounds coordination-store and audit retries.
	RetryBudget int

	// OutboundBuffer is the per-peer outbound frame queue depth.
	OutboundBuffer int

	// ShutdownGrace bounds how long transport shutdown waits for its
	// loops to exit. Frames still queued for peers at shutdown are
	// discarded, not drained.
	ShutdownGrace time.Duration
}

// Valid checks the configuration invariants.
func (c *Config) Valid() error {
	switch {
	case c.NodeID == 0:
		return ErrNodeIDZero
	case c.TotalNodes < 1:
		return ErrTotalNodesTooLow
	case uint32(c.NodeID) > c.TotalNodes:
		return fmt.Errorf("%w: node %d of %d", ErrNodeIDOutOfRange, c.NodeID, c.TotalNodes)
	case c.ListenAddr == "":
		return ErrListenAddrEmpty
	case c.CACertPath == "" || c.NodeCertPath == "" || c.NodeKeyPath == "":
		return ErrMissingCertMaterial
	case 2*c.Threshold <= c.TotalNodes:
		return fmt.Errorf("%w: %d <= %d/2", ErrThresholdTooLow, c.Threshold, c.TotalNodes)
	case c.Threshold > c.TotalNodes:
		return fmt.Errorf("%w: %d > %d", ErrThresholdTooHigh, c.Threshold, c.TotalNodes)
	case c.RoundTimeout <= 0:
		return ErrRoundTimeoutTooLow
	case c.HeartbeatInterval <= 0:
		return ErrHeartbeatTooLow
	case c.DeadInterval < 3*c.HeartbeatInterval:
		return fmt.Errorf("%w: %s < 3x%s", ErrDeadIntervalTooLow, c.DeadInterval, c.HeartbeatInterval)
	case c.MaxBackoff <= 0:
		return ErrMaxBackoffTooLow
	case c.BanDuration <= 0:
		return ErrBanDurationTooLow
	case c.RetryBudget < 1:
		return ErrRetryBudgetTooLow
	case c.OutboundBuffer < 1:
		return ErrOutboundBufferTooLow
	}

	if uint32(len(c.BootstrapPeers)) != c.TotalNodes-1 {
		return fmt.Errorf("%w: got %d peers for a %d node cluster",
			ErrPeerSetMismatch, len(c.BootstrapPeers), c.TotalNodes)
	}
	for id := range c.BootstrapPeers {
		if id == 0 || uint32(id) > c.TotalNodes {
			return fmt.Errorf("%w: peer %d out of range", ErrPeerSetMismatch, id)
		}
		if id == c.NodeID {
			return fmt.Errorf("%w: peer set contains own node id", ErrPeerSetMismatch)
		}
	}
	return nil
}

// Weight returns the reputation decrement for a violation kind,
// falling back to the defaults when unset.
func (c *Config) Weight(kind types.ViolationKind) uint32 {
	if w, ok := c.ReputationWeights[kind]; ok {
		return w
	}
	return DefaultReputationWeights()[kind]
}

// DefaultReputationWeights returns the per-kind reputation decrements.
// DoubleVote's weight is nominal: it is an instant ban regardless.
func DefaultReputationWeights() map[types.ViolationKind]uint32 {
	return map[types.ViolationKind]uint32{
		types.ViolationDoubleVote:       100,
		types.ViolationInvalidSignature: 20,
		types.ViolationMinorityAttack:   40,
		types.ViolationSilentFailure:    10,
	}
}

// Local returns parameters for a 5 node development cluster. Cert
// paths and peer addresses still need to be filled in.
func Local(nodeID types.NodeID) Config {
	return Config{
		NodeID:            nodeID,
		TotalNodes:        5,
		Threshold:         4,
		RoundTimeout:      30 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		DeadInterval:      6 * time.Second,
		MaxBackoff:        30 * time.Second,
		BanDuration:       10 * time.Minute,
		ReputationWeights: DefaultReputationWeights(),
		BanThreshold:      -100,
		RetryBudget:       5,
		OutboundBuffer:    256,
		ShutdownGrace:     5 * time.Second,
	}
}
