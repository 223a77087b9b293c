// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	require := require.New(t)

	tx := ids.ID{0x01}
	txStr := tx.String()

	require.Equal("/ratify/tx/"+txStr+"/round", RoundKey(tx))
	require.Equal("/ratify/tx/"+txStr+"/round/2/state", StateKey(tx, 2))
	require.Equal("/ratify/tx/"+txStr+"/round/2/votes/5", VoteKey(tx, 2, 5))
	require.Equal("/ratify/tx/"+txStr+"/round/2/count", CountKey(tx, 2))
	require.Equal("/ratify/peer/3/status", PeerStatusKey(3))
	require.Equal("/ratify/peer/3/ban", PeerBanKey(3))
	require.Equal("/ratify/locks/tx/"+txStr, TxLockKey(tx))
	require.Equal("/ratify/locks/signing/"+txStr, SigningLockKey(tx))
}
