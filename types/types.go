// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the identifiers, vote records, and state enums
// shared by the ratification core.
package types

import (
	"fmt"

	"github.com/luxfi/ids"
)

// NodeID identifies a cluster member. Values are in [1, TotalNodes] and
// stable for the process lifetime; they are derived from the peer's
// certificate common name at connection time.
type NodeID uint32

func (n NodeID) String() string {
	return fmt.Sprintf("node-%d", uint32(n))
}

// TxID is the opaque key of a voting subject. It is globally unique per
// voting round family.
type TxID = ids.ID

// RoundID is a monotone per-TxID round counter starting at 1.
type RoundID uint64

// RoundState is the closed set of voting round states.
type RoundState uint8

const (
	RoundOpen RoundState = iota
	RoundThresholdReached
	RoundApproved
	RoundRejected
	RoundTimedOut
)

func (s RoundState) String() string {
	switch s {
	case RoundOpen:
		return "Open"
	case RoundThresholdReached:
		return "ThresholdReached"
	case RoundApproved:
		return "Approved"
	case RoundRejected:
		return "Rejected"
	case RoundTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible.
// ThresholdReached is not terminal: it still moves forward to Approved
// once the signing handoff completes.
func (s RoundState) Terminal() bool {
	return s == RoundApproved || s == RoundRejected || s == RoundTimedOut
}

// Decided reports whether the round has left Open.
func (s RoundState) Decided() bool {
	return s != RoundOpen
}

// ValidTransition reports whether s -> next is a legal state machine
// edge. Transitions are forward-only; no reversal past ThresholdReached.
func (s RoundState) ValidTransition(next RoundState) bool {
	switch s {
	case RoundOpen:
		return next == RoundThresholdReached || next == RoundRejected || next == RoundTimedOut
	case RoundThresholdReached:
		return next == RoundApproved
	default:
		return false
	}
}

// ParseRoundState is the inverse of String, used when reading state
// back from the coordination store.
func ParseRoundState(s string) (RoundState, error) {
	switch s {
	case "Open":
		return RoundOpen, nil
	case "ThresholdReached":
		return RoundThresholdReached, nil
	case "Approved":
		return RoundApproved, nil
	case "Rejected":
		return RoundRejected, nil
	case "TimedOut":
		return RoundTimedOut, nil
	default:
		return 0, fmt.Errorf("unknown round state %q", s)
	}
}

// PeerStatus is the detector's view of a peer. Within a ban window the
// status only moves Active -> Suspect -> Banned, never back.
type PeerStatus uint8

const (
	PeerActive PeerStatus = iota
	PeerSuspect
	PeerBanned
)

func (s PeerStatus) String() string {
	switch s {
	case PeerActive:
		return "Active"
	case PeerSuspect:
		return "Suspect"
	case PeerBanned:
		return "Banned"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// ViolationKind classifies Byzantine behavior attributable to a signed
// message (or its absence) from an identified peer.
type ViolationKind uint8

const (
	ViolationDoubleVote ViolationKind = iota
	ViolationInvalidSignature
	ViolationMinorityAttack
	ViolationSilentFailure
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationDoubleVote:
		return "DoubleVote"
	case ViolationInvalidSignature:
		return "InvalidSignature"
	case ViolationMinorityAttack:
		return "MinorityAttack"
	case ViolationSilentFailure:
		return "SilentFailure"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Outcome is the structured result of submitting a vote.
type Outcome uint8

const (
	OutcomeAccepted Outcome = iota
	OutcomeAlreadyVoted
	OutcomeStaleRound
	OutcomeInvalid
	OutcomePeerBanned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "Accepted"
	case OutcomeAlreadyVoted:
		return "AlreadyVoted"
	case OutcomeStaleRound:
		return "StaleRound"
	case OutcomeInvalid:
		return "Invalid"
	case OutcomePeerBanned:
		return "PeerBanned"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}
