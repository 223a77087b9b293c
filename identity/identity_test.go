// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package identity_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ratify/identity"
	"github.com/luxfi/ratify/identity/identitytest"
	"github.com/luxfi/ratify/types"
)

func TestVerifyPeer(t *testing.T) {
	require := require.New(t)

	cluster := identitytest.NewCluster(t, 3)
	m1 := cluster.Managers[1]

	// Every member's leaf verifies and maps to its id.
	for id, peer := range cluster.Managers {
		_, cert := peer.OwnIdentity()
		got, err := m1.VerifyPeer([]*x509.Certificate{cert.Leaf})
		require.NoError(err)
		require.Equal(id, got)
	}

	// Empty chain.
	_, err := m1.VerifyPeer(nil)
	require.ErrorIs(err, identity.ErrNoPeerCertificate)

	// Valid chain, unknown common name.
	unknown := cluster.Leaf(t, "node-99")
	_, err = m1.VerifyPeer([]*x509.Certificate{unknown})
	require.ErrorIs(err, identity.ErrUnknownIdentity)

	// Foreign CA.
	foreign := cluster.ForeignLeaf(t, types.NodeID(2).String())
	_, err = m1.VerifyPeer([]*x509.Certificate{foreign})
	require.ErrorIs(err, identity.ErrUntrusted)

	// Expired leaf from the cluster CA.
	expired := cluster.ExpiredLeaf(t, types.NodeID(2).String())
	_, err = m1.VerifyPeer([]*x509.Certificate{expired})
	require.ErrorIs(err, identity.ErrExpired)
}

func TestRegistry(t *testing.T) {
	require := require.New(t)

	pubA, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)
	pubB, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)

	_, err = identity.NewRegistry([]identity.Member{
		{NodeID: 1, CommonName: "node-1", VoteKey: pubA},
		{NodeID: 2, CommonName: "node-1", VoteKey: pubB},
	})
	require.ErrorIs(err, identity.ErrDuplicateMember)

	_, err = identity.NewRegistry([]identity.Member{
		{NodeID: 1, CommonName: "node-1", VoteKey: pubA},
		{NodeID: 1, CommonName: "node-2", VoteKey: pubB},
	})
	require.ErrorIs(err, identity.ErrDuplicateMember)

	_, err = identity.NewRegistry([]identity.Member{
		{NodeID: 1, CommonName: "node-1", VoteKey: pubA[:16]},
	})
	require.ErrorIs(err, identity.ErrBadVoteKey)

	r, err := identity.NewRegistry([]identity.Member{
		{NodeID: 1, CommonName: "node-1", VoteKey: pubA},
		{NodeID: 2, CommonName: "node-2", VoteKey: pubB},
	})
	require.NoError(err)

	key, ok := r.VoteKey(2)
	require.True(ok)
	require.Equal(pubB, key)
	_, ok = r.VoteKey(3)
	require.False(ok)
}

func TestTLSConfigs(t *testing.T) {
	require := require.New(t)

	cluster := identitytest.NewCluster(t, 2)
	m := cluster.Managers[1]

	server := m.ServerTLSConfig()
	require.Equal(uint16(0x0304), server.MinVersion) // TLS 1.3
	require.NotNil(server.ClientCAs)

	client := m.ClientTLSConfig()
	require.Equal(uint16(0x0304), client.MinVersion)
	require.NotNil(client.VerifyPeerCertificate)

	// The custom verifier enforces registry membership.
	unknown := cluster.Leaf(t, "node-77")
	err := client.VerifyPeerCertificate([][]byte{unknown.Raw}, nil)
	require.ErrorIs(err, identity.ErrUnknownIdentity)

	_, cert := cluster.Managers[2].OwnIdentity()
	require.NoError(client.VerifyPeerCertificate([][]byte{cert.Leaf.Raw}, nil))
}
