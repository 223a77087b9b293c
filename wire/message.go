// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire defines the peer-to-peer frame format: a tagged CBOR
// envelope carried in length-prefixed frames.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/luxfi/ratify/types"
)

// Op tags the payload carried by an envelope.
type Op uint8

const (
	OpVoteRequest Op = iota + 1
	OpVote
	OpRoundResult
	OpHeartbeat
	OpByzantineAlert
)

func (op Op) String() string {
	switch op {
	case OpVoteRequest:
		return "VoteRequest"
	case OpVote:
		return "Vote"
	case OpRoundResult:
		return "RoundResult"
	case OpHeartbeat:
		return "Heartbeat"
	case OpByzantineAlert:
		return "ByzantineAlert"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(op))
	}
}

// Envelope is the outer frame. Sender must match the NodeID the
// transport authenticated on the channel; mismatching frames are
// dropped before reaching any handler.
type Envelope struct {
	Op      Op           `cbor:"1,keyasint"`
	Sender  types.NodeID `cbor:"2,keyasint"`
	Payload []byte       `cbor:"3,keyasint"`
}

// VoteRequest asks the cluster to vote on a transaction in a round the
// opener just created or re-opened.
type VoteRequest struct {
	TxID      types.TxID    `cbor:"1,keyasint"`
	Round     types.RoundID `cbor:"2,keyasint"`
	OpenerSig []byte        `cbor:"3,keyasint"`
}

// RoundResult announces a round reaching threshold or a terminal
// outcome so peers need not poll the coordination store.
type RoundResult struct {
	TxID          types.TxID       `cbor:"1,keyasint"`
	Round         types.RoundID    `cbor:"2,keyasint"`
	Outcome       types.RoundState `cbor:"3,keyasint"`
	MajorityValue *uint64          `cbor:"4,keyasint,omitempty"`
}

// Heartbeat is the per-channel liveness frame. It bypasses the
// outbound buffer's drop policy.
type Heartbeat struct {
	Sender types.NodeID `cbor:"1,keyasint"`
	Seq    uint64       `cbor:"2,keyasint"`
	TS     int64        `cbor:"3,keyasint"`
}

// encMode is the deterministic encoder shared by all marshaling. The
// envelope itself is not part of the signature boundary (votes sign
// their own frozen encoding), but deterministic frames keep byte-level
// logs and metrics comparable across nodes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes a payload with the deterministic encoder.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a payload.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// NewEnvelope marshals payload and wraps it with the given op and
// sender.
func NewEnvelope(op Op, sender types.NodeID, payload any) (*Envelope, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", op, err)
	}
	return &Envelope{Op: op, Sender: sender, Payload: raw}, nil
}
