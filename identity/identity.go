// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity is the single choke point between X.509 and the
// rest of the core: it loads the CA and this node's credentials, and
// maps authenticated peer certificates to stable NodeIDs. Higher
// layers never see raw certificates, only NodeIDs.
package identity

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/luxfi/ratify/types"
)

var (
	ErrUntrusted         = errors.New("certificate chain does not verify against the cluster CA")
	ErrExpired           = errors.New("certificate expired or not yet valid")
	ErrUnknownIdentity   = errors.New("certificate common name is not a cluster member")
	ErrNoPeerCertificate = errors.New("peer presented no certificate")
	ErrDuplicateMember   = errors.New("duplicate member in registry")
	ErrBadVoteKey        = errors.New("vote key is not ed25519 sized")
)

// Member describes one cluster node in the startup registry: the
// common name its TLS certificate must carry and the long-term ed25519
// key its votes are signed with.
type Member struct {
	NodeID     types.NodeID
	CommonName string
	VoteKey    ed25519.PublicKey
}

// Registry is the startup-time member table. It is immutable after
// construction; peers are enumerated at startup only.
type Registry struct {
	byCN     map[string]types.NodeID
	voteKeys map[types.NodeID]ed25519.PublicKey
}

// NewRegistry builds a registry from the member list.
func NewRegistry(members []Member) (*Registry, error) {
	r := &Registry{
		byCN:     make(map[string]types.NodeID, len(members)),
		voteKeys: make(map[types.NodeID]ed25519.PublicKey, len(members)),
	}
	for _, m := range members {
		if _, ok := r.byCN[m.CommonName]; ok {
			return nil, fmt.Errorf("%w: common name %q", ErrDuplicateMember, m.CommonName)
		}
		if _, ok := r.voteKeys[m.NodeID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.NodeID)
		}
		if len(m.VoteKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: %s", ErrBadVoteKey, m.NodeID)
		}
		r.byCN[m.CommonName] = m.NodeID
		r.voteKeys[m.NodeID] = m.VoteKey
	}
	return r, nil
}

// VoteKey returns the registered ed25519 key for a member.
func (r *Registry) VoteKey(id types.NodeID) (ed25519.PublicKey, bool) {
	key, ok := r.voteKeys[id]
	return key, ok
}

// Manager holds this node's credentials and verifies peers.
type Manager struct {
	nodeID   types.NodeID
	cert     tls.Certificate
	caPool   *x509.CertPool
	registry *Registry
}

// Load reads the three PEM artifacts from disk and builds a Manager.
// The local certificate is verified against the CA here; an untrusted
// local cert is a startup-fatal error.
func Load(nodeID types.NodeID, caPath, certPath, keyPath string, registry *Registry) (*Manager, error) {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading node certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading node key: %w", err)
	}
	return New(nodeID, caPEM, certPEM, keyPEM, registry)
}

// New builds a Manager from PEM bytes.
func New(nodeID types.NodeID, caPEM, certPEM, keyPEM []byte, registry *Registry) (*Manager, error) {
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: no usable CA certificate in PEM", ErrUntrusted)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing node keypair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing node certificate: %w", err)
	}
	cert.Leaf = leaf

	m := &Manager{
		nodeID:   nodeID,
		cert:     cert,
		caPool:   caPool,
		registry: registry,
	}

	// The local cert must verify and map back to our own NodeID.
	ownID, err := m.VerifyPeer([]*x509.Certificate{leaf})
	if err != nil {
		return nil, fmt.Errorf("local certificate rejected: %w", err)
	}
	if ownID != nodeID {
		return nil, fmt.Errorf("%w: certificate is for %s, configured as %s",
			ErrUnknownIdentity, ownID, nodeID)
	}
	return m, nil
}

// VerifyPeer validates a presented chain against the cluster CA and
// maps the leaf's common name to a NodeID. Errors are distinguishable:
// ErrUntrusted, ErrExpired, ErrUnknownIdentity.
func (m *Manager) VerifyPeer(chain []*x509.Certificate) (types.NodeID, error) {
	if len(chain) == 0 {
		return 0, ErrNoPeerCertificate
	}
	leaf := chain[0]

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         m.caPool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		var invalid x509.CertificateInvalidError
		if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
			return 0, fmt.Errorf("%w: %s", ErrExpired, leaf.Subject.CommonName)
		}
		return 0, fmt.Errorf("%w: %s", ErrUntrusted, err)
	}

	id, ok := m.registry.byCN[leaf.Subject.CommonName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownIdentity, leaf.Subject.CommonName)
	}
	return id, nil
}

// OwnIdentity returns this node's id and TLS credential.
func (m *Manager) OwnIdentity() (types.NodeID, tls.Certificate) {
	return m.nodeID, m.cert
}

// VoteKey returns the registered ed25519 key for a member.
func (m *Manager) VoteKey(id types.NodeID) (ed25519.PublicKey, bool) {
	return m.registry.VoteKey(id)
}

// ServerTLSConfig returns the listen-side TLS 1.3 configuration with
// mandatory client certificate verification against the cluster CA.
func (m *Manager) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{m.cert},
		ClientCAs:    m.caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
}

// ClientTLSConfig returns the dial-side TLS 1.3 configuration. Server
// name verification is disabled in favor of the chain + registry check
// the transport performs via VerifyPeer; the peer set is certificate
// pinned, not DNS named.
func (m *Manager) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{m.cert},
		RootCAs:            m.caPool,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			chain, err := parseRawChain(rawCerts)
			if err != nil {
				return err
			}
			_, err = m.VerifyPeer(chain)
			return err
		},
	}
}

func parseRawChain(rawCerts [][]byte) ([]*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, ErrNoPeerCertificate
	}
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing peer certificate: %w", err)
		}
		chain = append(chain, c)
	}
	return chain, nil
}
