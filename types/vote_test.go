// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

// TestSignedBytesFrozen pins the canonical signed encoding. If this
// test fails, every deployed signature breaks; do not update the golden
// bytes without a cluster-wide key ceremony.
func TestSignedBytesFrozen(t *testing.T) {
	require := require.New(t)

	tx := ids.ID{0xde, 0xad}
	v := Vote{
		TxID:      tx,
		Round:     7,
		Voter:     3,
		Approve:   true,
		Value:     42,
		Timestamp: 0x0102030405060708,
	}

	golden := "0020" + // len(tx_id) = 32
		"dead000000000000000000000000000000000000000000000000000000000000" +
		"0000000000000007" + // round
		"00000003" + // voter
		"01" + // approve
		"000000000000002a" + // value
		"0102030405060708" // timestamp
	require.Equal(golden, hex.EncodeToString(v.SignedBytes()))

	v.Approve = false
	require.Equal("00", hex.EncodeToString(v.SignedBytes()[2+32+8+4:2+32+8+4+1]))
}

func TestVoteSignVerify(t *testing.T) {
	require := require.New(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)

	v := Vote{
		TxID:    ids.GenerateTestID(),
		Round:   1,
		Voter:   2,
		Approve: true,
		Value:   99,
	}
	v.Sign(priv)
	require.NotZero(v.Timestamp)
	require.NoError(v.VerifySignature(pub))

	// Tampering with any signed field must break verification.
	tampered := v
	tampered.Value = 100
	require.Error(tampered.VerifySignature(pub))

	tampered = v
	tampered.Round = 2
	require.Error(tampered.VerifySignature(pub))

	tampered = v
	tampered.Timestamp++
	require.Error(tampered.VerifySignature(pub))

	// A different key must not verify.
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)
	require.Error(v.VerifySignature(otherPub))

	// Missing or malformed signatures are rejected outright.
	unsigned := v
	unsigned.Signature = nil
	require.ErrorIs(unsigned.VerifySignature(pub), ErrNoSignature)

	short := v
	short.Signature = short.Signature[:16]
	require.ErrorIs(short.VerifySignature(pub), ErrBadSignatureSize)
}

func TestSamePayload(t *testing.T) {
	require := require.New(t)

	tx := ids.GenerateTestID()
	a := Vote{TxID: tx, Round: 1, Voter: 4, Approve: true, Value: 7, Timestamp: 10}
	b := a
	b.Timestamp = 20 // re-signed duplicate, still the same ballot
	require.True(a.SamePayload(&b))

	c := a
	c.Value = 8
	require.False(a.SamePayload(&c))

	d := a
	d.Approve = false
	require.False(a.SamePayload(&d))
}

func TestRoundStateTransitions(t *testing.T) {
	require := require.New(t)

	require.True(RoundOpen.ValidTransition(RoundThresholdReached))
	require.True(RoundOpen.ValidTransition(RoundRejected))
	require.True(RoundOpen.ValidTransition(RoundTimedOut))
	require.False(RoundOpen.ValidTransition(RoundApproved))

	require.True(RoundThresholdReached.ValidTransition(RoundApproved))
	require.False(RoundThresholdReached.ValidTransition(RoundOpen))
	require.False(RoundThresholdReached.ValidTransition(RoundRejected))

	for _, s := range []RoundState{RoundApproved, RoundRejected, RoundTimedOut} {
		require.True(s.Terminal())
		for next := RoundOpen; next <= RoundTimedOut; next++ {
			require.False(s.ValidTransition(next))
		}
	}

	for _, s := range []RoundState{RoundOpen, RoundThresholdReached, RoundApproved, RoundRejected, RoundTimedOut} {
		parsed, err := ParseRoundState(s.String())
		require.NoError(err)
		require.Equal(s, parsed)
	}
	_, err := ParseRoundState("bogus")
	require.Error(err)
}
