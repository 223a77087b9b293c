// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ratify/types"
)

func validConfig() Config {
	c := Local(1)
	c.ListenAddr = "127.0.0.1:9651"
	c.CACertPath = "ca.pem"
	c.NodeCertPath = "node.pem"
	c.NodeKeyPath = "node.key"
	c.BootstrapPeers = map[types.NodeID]string{
		2: "127.0.0.1:9652",
		3: "127.0.0.1:9653",
		4: "127.0.0.1:9654",
		5: "127.0.0.1:9655",
	}
	return c
}

func TestConfigValid(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		expectedError error
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:          "zero node id",
			mutate:        func(c *Config) { c.NodeID = 0 },
			expectedError: ErrNodeIDZero,
		},
		{
			name:          "node id out of range",
			mutate:        func(c *Config) { c.NodeID = 6 },
			expectedError: ErrNodeIDOutOfRange,
		},
		{
			name:          "missing listen addr",
			mutate:        func(c *Config) { c.ListenAddr = "" },
			expectedError: ErrListenAddrEmpty,
		},
		{
			name:          "missing key path",
			mutate:        func(c *Config) { c.NodeKeyPath = "" },
			expectedError: ErrMissingCertMaterial,
		},
		{
			name: "threshold at half",
			mutate: func(c *Config) {
				// t = n/2 violates n/2 < t for even n.
				c.TotalNodes = 4
				c.Threshold = 2
				delete(c.BootstrapPeers, 5)
			},
			expectedError: ErrThresholdTooLow,
		},
		{
			name:          "threshold above n",
			mutate:        func(c *Config) { c.Threshold = 6 },
			expectedError: ErrThresholdTooHigh,
		},
		{
			name:          "zero round timeout",
			mutate:        func(c *Config) { c.RoundTimeout = 0 },
			expectedError: ErrRoundTimeoutTooLow,
		},
		{
			name:          "dead interval below 3x heartbeat",
			mutate:        func(c *Config) { c.DeadInterval = 5 * time.Second },
			expectedError: ErrDeadIntervalTooLow,
		},
		{
			name:          "zero ban duration",
			mutate:        func(c *Config) { c.BanDuration = 0 },
			expectedError: ErrBanDurationTooLow,
		},
		{
			name:          "missing peer",
			mutate:        func(c *Config) { delete(c.BootstrapPeers, 3) },
			expectedError: ErrPeerSetMismatch,
		},
		{
			name:          "peer set contains self",
			mutate:        func(c *Config) { delete(c.BootstrapPeers, 3); c.BootstrapPeers[1] = "x" },
			expectedError: ErrPeerSetMismatch,
		},
		{
			name:          "zero retry budget",
			mutate:        func(c *Config) { c.RetryBudget = 0 },
			expectedError: ErrRetryBudgetTooLow,
		},
		{
			name:          "zero outbound buffer",
			mutate:        func(c *Config) { c.OutboundBuffer = 0 },
			expectedError: ErrOutboundBufferTooLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			c := validConfig()
			tt.mutate(&c)
			err := c.Valid()
			if tt.expectedError != nil {
				require.ErrorIs(err, tt.expectedError)
			} else {
				require.NoError(err)
			}
		})
	}
}

func TestConfigThresholdOddCluster(t *testing.T) {
	require := require.New(t)

	// n=5: t=3 satisfies n/2 < t, t=2 does not.
	c := validConfig()
	c.Threshold = 3
	require.NoError(c.Valid())

	c.Threshold = 2
	require.ErrorIs(c.Valid(), ErrThresholdTooLow)
}

func TestWeightFallback(t *testing.T) {
	require := require.New(t)

	c := validConfig()
	c.ReputationWeights = map[types.ViolationKind]uint32{
		types.ViolationSilentFailure: 3,
	}
	require.Equal(uint32(3), c.Weight(types.ViolationSilentFailure))
	require.Equal(uint32(40), c.Weight(types.ViolationMinorityAttack))
}
