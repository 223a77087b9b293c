// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package detector

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ratify/types"
)

var (
	ErrEvidenceShape      = errors.New("evidence has the wrong number of votes for its kind")
	ErrEvidenceMismatch   = errors.New("evidence votes do not match the claimed violation")
	ErrUnknownVoter       = errors.New("no registered key for voter")
	ErrEvidenceUnverified = errors.New("evidence signature does not verify")
)

// KeyLookup resolves a member's registered ed25519 vote key.
type KeyLookup func(types.NodeID) (ed25519.PublicKey, bool)

// Evidence is a self-contained, signature-verifiable record justifying
// a punishment decision to any later observer. For DoubleVote it holds
// the two conflicting signed votes; for InvalidSignature and
// MinorityAttack the single offending signed vote; for SilentFailure
// the signed votes of the peers that did vote in time, proving the
// round existed and the offender's ballot is absent.
type Evidence struct {
	Kind       types.ViolationKind `cbor:"1,keyasint"`
	TxID       types.TxID          `cbor:"2,keyasint"`
	Round      types.RoundID       `cbor:"3,keyasint"`
	Offender   types.NodeID        `cbor:"4,keyasint"`
	ObservedAt time.Time           `cbor:"5,keyasint"`
	Votes      []types.Vote        `cbor:"6,keyasint"`

	// MajorityValue is set for MinorityAttack: the ratified value the
	// offending vote contradicts.
	MajorityValue uint64 `cbor:"7,keyasint,omitempty"`
}

// Verify checks the evidence independently of any local state: every
// embedded vote must carry a valid signature, and the votes must
// actually exhibit the claimed violation.
func (e *Evidence) Verify(keys KeyLookup) error {
	switch e.Kind {
	case types.ViolationDoubleVote:
		return e.verifyDoubleVote(keys)
	case types.ViolationInvalidSignature:
		return e.verifyInvalidSignature(keys)
	case types.ViolationMinorityAttack:
		return e.verifyMinorityAttack(keys)
	case types.ViolationSilentFailure:
		return e.verifySilentFailure(keys)
	default:
		return fmt.Errorf("unknown violation kind %d", e.Kind)
	}
}

func (e *Evidence) verifyDoubleVote(keys KeyLookup) error {
	if len(e.Votes) != 2 {
		return fmt.Errorf("%w: DoubleVote needs the two original votes", ErrEvidenceShape)
	}
	a, b := &e.Votes[0], &e.Votes[1]
	for _, v := range []*types.Vote{a, b} {
		if v.Voter != e.Offender || v.TxID != e.TxID || v.Round != e.Round {
			return fmt.Errorf("%w: vote is for a different voter or round", ErrEvidenceMismatch)
		}
		if err := e.verifySigned(v, keys); err != nil {
			return err
		}
	}
	if a.SamePayload(b) {
		return fmt.Errorf("%w: the two votes agree", ErrEvidenceMismatch)
	}
	return nil
}

func (e *Evidence) verifyInvalidSignature(keys KeyLookup) error {
	if len(e.Votes) != 1 {
		return fmt.Errorf("%w: InvalidSignature needs the offending vote", ErrEvidenceShape)
	}
	v := &e.Votes[0]
	if v.Voter != e.Offender || v.TxID != e.TxID || v.Round != e.Round {
		return fmt.Errorf("%w: vote is for a different voter or round", ErrEvidenceMismatch)
	}
	key, ok := keys(v.Voter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, v.Voter)
	}
	// The violation is precisely that the signature does NOT verify.
	if v.VerifySignature(key) == nil {
		return fmt.Errorf("%w: signature verifies, no violation", ErrEvidenceMismatch)
	}
	return nil
}

func (e *Evidence) verifyMinorityAttack(keys KeyLookup) error {
	if len(e.Votes) != 1 {
		return fmt.Errorf("%w: MinorityAttack needs the offending vote", ErrEvidenceShape)
	}
	v := &e.Votes[0]
	if v.Voter != e.Offender || v.TxID != e.TxID || v.Round != e.Round {
		return fmt.Errorf("%w: vote is for a different voter or round", ErrEvidenceMismatch)
	}
	if err := e.verifySigned(v, keys); err != nil {
		return err
	}
	if v.Approve && v.Value == e.MajorityValue {
		return fmt.Errorf("%w: vote agrees with the ratified value", ErrEvidenceMismatch)
	}
	return nil
}

func (e *Evidence) verifySilentFailure(keys KeyLookup) error {
	if len(e.Votes) == 0 {
		return fmt.Errorf("%w: SilentFailure needs the timely voters' votes", ErrEvidenceShape)
	}
	for i := range e.Votes {
		v := &e.Votes[i]
		if v.Voter == e.Offender {
			return fmt.Errorf("%w: offender is among the timely voters", ErrEvidenceMismatch)
		}
		if v.TxID != e.TxID || v.Round != e.Round {
			return fmt.Errorf("%w: vote is for a different round", ErrEvidenceMismatch)
		}
		if err := e.verifySigned(v, keys); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evidence) verifySigned(v *types.Vote, keys KeyLookup) error {
	key, ok := keys(v.Voter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, v.Voter)
	}
	if err := v.VerifySignature(key); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrEvidenceUnverified, v.Voter, err)
	}
	return nil
}

// TimelyVoters lists the voters whose votes back a SilentFailure.
func (e *Evidence) TimelyVoters() []types.NodeID {
	voters := make([]types.NodeID, 0, len(e.Votes))
	for i := range e.Votes {
		voters = append(voters, e.Votes[i].Voter)
	}
	return voters
}
