// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"
)

var (
	ErrNoSignature      = errors.New("vote carries no signature")
	ErrBadSignatureSize = errors.New("signature is not ed25519 sized")
)

// Vote is one peer's signed ballot for a (TxID, RoundID) pair. Votes
// are immutable once received; the signature covers the canonical byte
// encoding produced by SignedBytes.
type Vote struct {
	TxID    TxID    `cbor:"1,keyasint"`
	Round   RoundID `cbor:"2,keyasint"`
	Voter   NodeID  `cbor:"3,keyasint"`
	Approve bool    `cbor:"4,keyasint"`
	Value   uint64  `cbor:"5,keyasint"`

	// Timestamp is unix nanoseconds at signing time. It must fall
	// inside the round's acceptance window.
	Timestamp int64 `cbor:"6,keyasint"`

	// Signature is an ed25519 signature over SignedBytes under the
	// voter's registered long-term key.
	Signature []byte `cbor:"7,keyasint"`
}

// signedBytesLen: 2 (len) + 32 (tx) + 8 (round) + 4 (voter) +
// 1 (approve) + 8 (value) + 8 (timestamp).
const signedBytesLen = 2 + 32 + 8 + 4 + 1 + 8 + 8

// SignedBytes returns the frozen canonical encoding the signature is
// computed over. The layout is fixed-width big-endian with no optional
// fields:
//
//	len(tx_id):u16 | tx_id | round:u64 | voter:u32 | approve:u8 | value:u64 | timestamp:i64
//
// Any change here invalidates every signature in the cluster; the
// layout is pinned by golden vectors in vote_test.go.
func (v *Vote) SignedBytes() []byte {
	buf := make([]byte, 0, signedBytesLen)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(v.TxID)))
	buf = append(buf, v.TxID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.Round))
	buf = binary.BigEndian.AppendUint32(buf, uint32(v.Voter))
	if v.Approve {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, v.Value)
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.Timestamp))
	return buf
}

// Sign stamps the vote with now, unless a timestamp is already set, and
// signs it with the voter's key.
func (v *Vote) Sign(key ed25519.PrivateKey) {
	if v.Timestamp == 0 {
		v.Timestamp = time.Now().UnixNano()
	}
	v.Signature = ed25519.Sign(key, v.SignedBytes())
}

// VerifySignature checks the signature under the given public key.
func (v *Vote) VerifySignature(key ed25519.PublicKey) error {
	if len(v.Signature) == 0 {
		return ErrNoSignature
	}
	if len(v.Signature) != ed25519.SignatureSize {
		return ErrBadSignatureSize
	}
	if !ed25519.Verify(key, v.SignedBytes(), v.Signature) {
		return errors.New("ed25519 verification failed")
	}
	return nil
}

// SamePayload reports whether two votes agree on every signed field
// except the timestamp. A re-delivered vote has the same payload; a
// double vote does not.
func (v *Vote) SamePayload(o *Vote) bool {
	return v.TxID == o.TxID &&
		v.Round == o.Round &&
		v.Voter == o.Voter &&
		v.Approve == o.Approve &&
		v.Value == o.Value
}
