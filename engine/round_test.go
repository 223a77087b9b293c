// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ratify/types"
)

func addVote(r *round, node types.NodeID, approve bool, value uint64) {
	r.votes[node] = types.Vote{
		TxID:    ids.Empty,
		Round:   r.id,
		Voter:   node,
		Approve: approve,
		Value:   value,
	}
}

func TestTally(t *testing.T) {
	require := require.New(t)

	r := newRound(1, time.Now(), time.Minute)
	_, count, tied := r.tally()
	require.Zero(count)
	require.False(tied)

	addVote(r, 1, true, 7)
	addVote(r, 2, true, 7)
	addVote(r, 3, true, 9)
	addVote(r, 4, false, 7) // disapprovals never count toward a group

	value, count, tied := r.tally()
	require.Equal(uint64(7), value)
	require.Equal(2, count)
	require.False(tied)
}

func TestTallyTieBreaksLow(t *testing.T) {
	require := require.New(t)

	r := newRound(1, time.Now(), time.Minute)
	addVote(r, 1, true, 20)
	addVote(r, 2, true, 20)
	addVote(r, 3, true, 10)
	addVote(r, 4, true, 10)

	value, count, tied := r.tally()
	require.Equal(uint64(10), value)
	require.Equal(2, count)
	require.True(tied)
}

func TestRejectable(t *testing.T) {
	require := require.New(t)

	// n=5, t=4.
	r := newRound(1, time.Now(), time.Minute)
	require.False(r.rejectable(4, 5)) // 0 votes, 5 outstanding

	addVote(r, 1, false, 0)
	require.False(r.rejectable(4, 5)) // best 0 + 4 outstanding

	addVote(r, 2, false, 0)
	require.True(r.rejectable(4, 5)) // best 0 + 3 outstanding < 4

	// Split approvals: 2@7, 1@9, 1 disapproval, 1 outstanding. Best
	// case 2+1=3 < 4.
	r = newRound(1, time.Now(), time.Minute)
	addVote(r, 1, true, 7)
	addVote(r, 2, true, 7)
	addVote(r, 3, true, 9)
	addVote(r, 4, false, 0)
	require.True(r.rejectable(4, 5))

	// Same split but nobody disapproved yet: 2+2=4 can still make it.
	r = newRound(1, time.Now(), time.Minute)
	addVote(r, 1, true, 7)
	addVote(r, 2, true, 7)
	addVote(r, 3, true, 9)
	require.False(r.rejectable(4, 5))
}

func TestSnapshotHidesOpenMajority(t *testing.T) {
	require := require.New(t)

	r := newRound(1, time.Now(), time.Minute)
	addVote(r, 1, true, 7)
	addVote(r, 2, true, 7)

	snap := r.snapshot(ids.Empty)
	require.Equal(types.RoundOpen, snap.State)
	require.Nil(snap.MajorityValue)
	require.Len(snap.Voters, 2)

	v := uint64(7)
	r.state = types.RoundThresholdReached
	r.majority = &v
	snap = r.snapshot(ids.Empty)
	require.NotNil(snap.MajorityValue)
	require.Equal(uint64(7), *snap.MajorityValue)
}
