// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identitytest generates throwaway cluster credentials for
// tests: a CA, per-node TLS certificates, and per-node ed25519 vote
// keys.
package identitytest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ratify/identity"
	"github.com/luxfi/ratify/types"
)

// Cluster is a generated n-node credential set.
type Cluster struct {
	CAPEM    []byte
	Registry *identity.Registry

	// Managers is indexed by NodeID.
	Managers map[types.NodeID]*identity.Manager

	// VoteKeys holds each node's ed25519 signing key, for forging
	// votes in tests.
	VoteKeys map[types.NodeID]ed25519.PrivateKey

	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCluster generates credentials for nodes 1..n with common names
// "node-<i>".
func NewCluster(t *testing.T, n int) *Cluster {
	require := require.New(t)

	caPEM, caCert, caKey := newCA(t)

	members := make([]identity.Member, 0, n)
	voteKeys := make(map[types.NodeID]ed25519.PrivateKey, n)
	certs := make(map[types.NodeID][2][]byte, n)
	for i := 1; i <= n; i++ {
		id := types.NodeID(i)
		votePub, votePriv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(err)
		voteKeys[id] = votePriv
		members = append(members, identity.Member{
			NodeID:     id,
			CommonName: id.String(),
			VoteKey:    votePub,
		})
		certPEM, keyPEM := newLeaf(t, caCert, caKey, id.String())
		certs[id] = [2][]byte{certPEM, keyPEM}
	}

	registry, err := identity.NewRegistry(members)
	require.NoError(err)

	managers := make(map[types.NodeID]*identity.Manager, n)
	for id, pair := range certs {
		m, err := identity.New(id, caPEM, pair[0], pair[1], registry)
		require.NoError(err)
		managers[id] = m
	}

	return &Cluster{
		CAPEM:    caPEM,
		Registry: registry,
		Managers: managers,
		VoteKeys: voteKeys,
		caCert:   caCert,
		caKey:    caKey,
	}
}

// ExpiredLeaf issues a certificate from the cluster CA whose validity
// window has already closed, for exercising the ErrExpired path.
func (c *Cluster) ExpiredLeaf(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	certPEM, _ := newLeafWithWindow(t, c.caCert, c.caKey, cn,
		time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	return parseLeaf(t, certPEM)
}

// ForeignLeaf issues a certificate with a valid window but an issuer
// outside the cluster CA, for exercising the ErrUntrusted path.
func (c *Cluster) ForeignLeaf(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	_, caCert, caKey := newCA(t)
	certPEM, _ := newLeaf(t, caCert, caKey, cn)
	return parseLeaf(t, certPEM)
}

// Leaf issues an extra certificate from the cluster CA, for common
// names outside the registry.
func (c *Cluster) Leaf(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	certPEM, _ := newLeaf(t, c.caCert, c.caKey, cn)
	return parseLeaf(t, certPEM)
}

func parseLeaf(t *testing.T, certPEM []byte) *x509.Certificate {
	block, _ := pem.Decode(certPEM)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return leaf
}

// SignedVote builds and signs a vote with node's generated key.
func (c *Cluster) SignedVote(node types.NodeID, tx types.TxID, round types.RoundID, approve bool, value uint64) types.Vote {
	v := types.Vote{
		TxID:    tx,
		Round:   round,
		Voter:   node,
		Approve: approve,
		Value:   value,
	}
	v.Sign(c.VoteKeys[node])
	return v
}

func newCA(t *testing.T) (caPEM []byte, caCert *x509.Certificate, caKey ed25519.PrivateKey) {
	require := require.New(t)

	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ratify-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	require.NoError(err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), cert, key
}

func newLeaf(t *testing.T, caCert *x509.Certificate, caKey ed25519.PrivateKey, cn string) (certPEM, keyPEM []byte) {
	return newLeafWithWindow(t, caCert, caKey, cn,
		time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
}

func newLeafWithWindow(t *testing.T, caCert *x509.Certificate, caKey ed25519.PrivateKey, cn string, notBefore, notAfter time.Time) (certPEM, keyPEM []byte) {
	require := require.New(t)

	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(err)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{fmt.Sprintf("%s.ratify.test", cn)},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, pub, caKey)
	require.NoError(err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
