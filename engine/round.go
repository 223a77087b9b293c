// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"time"

	"github.com/luxfi/ratify/types"
	"github.com/luxfi/ratify/utils/bag"
)

// round is one voting attempt for a tx. The engine is the sole writer;
// all access is guarded by the owning txState's lock.
type round struct {
	id       types.RoundID
	state    types.RoundState
	votes    map[types.NodeID]types.Vote
	majority *uint64
	openedAt time.Time
	closesAt time.Time
}

func newRound(id types.RoundID, now time.Time, timeout time.Duration) *round {
	return &round{
		id:       id,
		state:    types.RoundOpen,
		votes:    make(map[types.NodeID]types.Vote),
		openedAt: now,
		closesAt: now.Add(timeout),
	}
}

// tally groups approving votes by value and returns the majority value
// (mode, ties broken by lowest value), its count, and whether the mode
// is tied. With n/2 < t, a tie is only possible below threshold.
func (r *round) tally() (value uint64, count int, tied bool) {
	var approvals bag.Bag[uint64]
	for _, v := range r.votes {
		if v.Approve {
			approvals.Add(v.Value)
		}
	}
	modes, count := approvals.Modes()
	if len(modes) == 0 {
		return 0, 0, false
	}
	value = modes[0]
	for _, m := range modes[1:] {
		if m < value {
			value = m
		}
	}
	return value, count, len(modes) > 1
}

// rejectable reports whether approvals can no longer mathematically
// reach t: even if every outstanding voter approves the current best
// value, the threshold stays out of reach.
func (r *round) rejectable(t, n int) bool {
	_, best, _ := r.tally()
	outstanding := n - len(r.votes)
	return best+outstanding < t
}

// voters returns the accepted voter set.
func (r *round) voters() []types.NodeID {
	out := make([]types.NodeID, 0, len(r.votes))
	for id := range r.votes {
		out = append(out, id)
	}
	return out
}

// voteList returns the accepted votes.
func (r *round) voteList() []types.Vote {
	out := make([]types.Vote, 0, len(r.votes))
	for _, v := range r.votes {
		out = append(out, v)
	}
	return out
}

// RoundSnapshot is a read-only operator view of one round.
type RoundSnapshot struct {
	TxID    types.TxID
	Round   types.RoundID
	State   types.RoundState
	Voters  []types.NodeID
	OpenedAt time.Time
	ClosesAt time.Time

	// MajorityValue is nil until the round reaches threshold. The
	// running mode of an open round is deliberately not exposed: it
	// can still flip, and nothing downstream may act on it.
	MajorityValue *uint64
}

func (r *round) snapshot(tx types.TxID) RoundSnapshot {
	var majority *uint64
	if r.majority != nil && r.state != types.RoundOpen {
		m := *r.majority
		majority = &m
	}
	return RoundSnapshot{
		TxID:          tx,
		Round:         r.id,
		State:         r.state,
		Voters:        r.voters(),
		OpenedAt:      r.openedAt,
		ClosesAt:      r.closesAt,
		MajorityValue: majority,
	}
}
