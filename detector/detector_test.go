// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package detector

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ratify/audit"
	"github.com/luxfi/ratify/config"
	"github.com/luxfi/ratify/store"
	"github.com/luxfi/ratify/types"
)

type harness struct {
	det   *Detector
	store *store.Memory
	sink  *audit.MemorySink
	keys  map[types.NodeID]ed25519.PrivateKey
	cfg   *config.Config
}

func newHarness(t *testing.T) *harness {
	require := require.New(t)

	cfg := config.Local(1)
	cfg.BanDuration = 200 * time.Millisecond
	cfg.RetryBudget = 2
	cfg.MaxBackoff = 10 * time.Millisecond

	priv := make(map[types.NodeID]ed25519.PrivateKey)
	pub := make(map[types.NodeID]ed25519.PublicKey)
	for i := types.NodeID(1); i <= 5; i++ {
		p, k, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(err)
		priv[i], pub[i] = k, p
	}
	lookup := func(id types.NodeID) (ed25519.PublicKey, bool) {
		k, ok := pub[id]
		return k, ok
	}

	st := store.NewMemory()
	sink := audit.NewMemorySink()
	writer := audit.NewWriter(log.NewNoOpLogger(), sink, cfg.RetryBudget, cfg.MaxBackoff, func(err error) {
		t.Fatalf("audit fatal: %v", err)
	})

	det, err := New(log.NewNoOpLogger(), &cfg, st, writer, lookup, prometheus.NewRegistry())
	require.NoError(err)
	return &harness{det: det, store: st, sink: sink, keys: priv, cfg: &cfg}
}

func (h *harness) vote(node types.NodeID, tx types.TxID, round types.RoundID, approve bool, value uint64) types.Vote {
	v := types.Vote{TxID: tx, Round: round, Voter: node, Approve: approve, Value: value}
	v.Sign(h.keys[node])
	return v
}

// Double voting is an instant ban: evidence first, then the TTL-backed
// global ban record, then the ban event the transport consumes.
func TestDoubleVoteInstantBan(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	tx := ids.GenerateTestID()
	first := h.vote(3, tx, 1, true, 10)
	second := h.vote(3, tx, 1, true, 20)

	require.Equal(types.PeerActive, h.det.Status(3))
	require.NoError(h.det.RecordDoubleVote(ctx, first, second))
	require.Equal(types.PeerBanned, h.det.Status(3))

	// Evidence was durably recorded and is independently verifiable.
	require.Equal(1, h.sink.KindCount(audit.KindDoubleVote))
	rec := h.det.Report(3)
	require.Len(rec.Violations, 1)
	require.NoError(rec.Violations[0].Verify(func(id types.NodeID) (ed25519.PublicKey, bool) {
		return h.keys[id].Public().(ed25519.PublicKey), true
	}))

	// The transport hears about it.
	select {
	case ev := <-h.det.Bans():
		require.Equal(types.NodeID(3), ev.Node)
		require.Equal(types.ViolationDoubleVote, ev.Reason)
	default:
		t.Fatal("no ban event emitted")
	}

	// The global ban record exists with a TTL.
	_, found, err := h.store.Get(ctx, store.PeerBanKey(3))
	require.NoError(err)
	require.True(found)
}

func TestBanExpiry(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	tx := ids.GenerateTestID()
	require.NoError(h.det.RecordDoubleVote(ctx,
		h.vote(2, tx, 1, true, 1),
		h.vote(2, tx, 1, true, 2)))
	require.Equal(types.PeerBanned, h.det.Status(2))

	time.Sleep(h.cfg.BanDuration + 50*time.Millisecond)
	require.Equal(types.PeerActive, h.det.Status(2))
}

// A minority attack decrements reputation and marks the peer Suspect,
// but does not ban on the first offense.
func TestMinorityAttack(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	tx := ids.GenerateTestID()
	offending := h.vote(3, tx, 1, true, 99)
	require.NoError(h.det.RecordMinorityAttack(ctx, offending, 42))

	rec := h.det.Report(3)
	require.Equal(types.PeerSuspect, rec.Status)
	require.Equal(-int(h.cfg.Weight(types.ViolationMinorityAttack)), rec.Reputation)
	require.Equal(1, h.sink.KindCount(audit.KindMinorityAttack))

	ev := rec.Violations[0]
	require.Equal(uint64(42), ev.MajorityValue)
	require.NoError(ev.Verify(h.det.keys))
}

func TestInvalidSignature(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	tx := ids.GenerateTestID()
	v := h.vote(2, tx, 1, true, 7)
	v.Value = 8 // breaks the signature

	require.Error(h.det.CheckSignature(&v))
	require.NoError(h.det.RecordInvalidSignature(ctx, v))

	rec := h.det.Report(2)
	require.Equal(types.PeerSuspect, rec.Status)
	require.Equal(1, h.sink.KindCount(audit.KindInvalidSignature))
	require.NoError(rec.Violations[0].Verify(h.det.keys))
}

// Repeated violations push reputation to the ban threshold.
func TestReputationBan(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.BanThreshold = -60

	tx := ids.GenerateTestID()
	for round := types.RoundID(1); round <= 2; round++ {
		v := h.vote(4, tx, round, true, 99)
		require.NoError(h.det.RecordMinorityAttack(ctx, v, 42))
	}
	// 2 x 40 = 80 below zero, past the -60 threshold.
	require.Equal(types.PeerBanned, h.det.Status(4))

	select {
	case ev := <-h.det.Bans():
		require.Equal(types.NodeID(4), ev.Node)
	default:
		t.Fatal("no ban event emitted")
	}
}

func TestSilentFailureEvidence(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	tx := ids.GenerateTestID()
	timely := []types.Vote{
		h.vote(1, tx, 1, true, 7),
		h.vote(2, tx, 1, true, 7),
		h.vote(3, tx, 1, true, 7),
	}
	require.NoError(h.det.RecordSilentFailure(ctx, tx, 1, 5, timely))

	rec := h.det.Report(5)
	require.Equal(types.PeerSuspect, rec.Status)
	ev := rec.Violations[0]
	require.Equal(types.ViolationSilentFailure, ev.Kind)
	require.ElementsMatch([]types.NodeID{1, 2, 3}, ev.TimelyVoters())
	require.NoError(ev.Verify(h.det.keys))
}

// Alerts from peers are verified before they punish, and re-delivery
// never double-punishes.
func TestObserveAlert(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	tx := ids.GenerateTestID()
	ev := Evidence{
		Kind:     types.ViolationDoubleVote,
		TxID:     tx,
		Round:    1,
		Offender: 3,
		Votes:    []types.Vote{h.vote(3, tx, 1, true, 10), h.vote(3, tx, 1, true, 20)},
	}
	require.NoError(h.det.ObserveAlert(ctx, ev))
	require.Equal(types.PeerBanned, h.det.Status(3))
	require.Len(h.det.Report(3).Violations, 1)

	// Re-delivery is a no-op.
	require.NoError(h.det.ObserveAlert(ctx, ev))
	require.Len(h.det.Report(3).Violations, 1)
	require.Equal(1, h.sink.KindCount(audit.KindDoubleVote))

	// Forged evidence is dropped.
	forged := ev
	forged.Votes = []types.Vote{h.vote(3, tx, 1, true, 10), h.vote(3, tx, 1, true, 10)}
	require.Error(h.det.ObserveAlert(ctx, forged))
}

func TestEvidenceVerifyRejectsTampering(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	tx := ids.GenerateTestID()

	// Wrong offender attribution.
	ev := Evidence{
		Kind:     types.ViolationDoubleVote,
		TxID:     tx,
		Round:    1,
		Offender: 4,
		Votes:    []types.Vote{h.vote(3, tx, 1, true, 10), h.vote(3, tx, 1, true, 20)},
	}
	require.ErrorIs(ev.Verify(h.det.keys), ErrEvidenceMismatch)

	// InvalidSignature evidence whose vote actually verifies.
	good := h.vote(2, tx, 1, true, 5)
	ev = Evidence{
		Kind:     types.ViolationInvalidSignature,
		TxID:     tx,
		Round:    1,
		Offender: 2,
		Votes:    []types.Vote{good},
	}
	require.ErrorIs(ev.Verify(h.det.keys), ErrEvidenceMismatch)

	// MinorityAttack evidence that agrees with the majority.
	agree := h.vote(2, tx, 1, true, 42)
	ev = Evidence{
		Kind:          types.ViolationMinorityAttack,
		TxID:          tx,
		Round:         1,
		Offender:      2,
		Votes:         []types.Vote{agree},
		MajorityValue: 42,
	}
	require.ErrorIs(ev.Verify(h.det.keys), ErrEvidenceMismatch)

	// SilentFailure listing the offender as timely.
	ev = Evidence{
		Kind:     types.ViolationSilentFailure,
		TxID:     tx,
		Round:    1,
		Offender: 1,
		Votes:    []types.Vote{h.vote(1, tx, 1, true, 7)},
	}
	require.ErrorIs(ev.Verify(h.det.keys), ErrEvidenceMismatch)
}
