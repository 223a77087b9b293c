// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"

	"github.com/luxfi/ratify/types"
)

// Stable key layout under the /ratify namespace. The layout is part of
// the cluster's external interface; changing it breaks mixed-version
// deployments.
const (
	namespace = "/ratify"

	ThresholdKey  = namespace + "/cluster/threshold"
	TotalNodesKey = namespace + "/cluster/total_nodes"
)

// RoundKey holds the current round id for a tx.
func RoundKey(tx types.TxID) string {
	return fmt.Sprintf("%s/tx/%s/round", namespace, tx)
}

// StateKey holds the round state enum.
func StateKey(tx types.TxID, round types.RoundID) string {
	return fmt.Sprintf("%s/tx/%s/round/%d/state", namespace, tx, round)
}

// VoteKey holds one voter's serialized vote for cross-node aggregation.
func VoteKey(tx types.TxID, round types.RoundID, voter types.NodeID) string {
	return fmt.Sprintf("%s/tx/%s/round/%d/votes/%d", namespace, tx, round, voter)
}

// CountKey is the round's atomic vote counter.
func CountKey(tx types.TxID, round types.RoundID) string {
	return fmt.Sprintf("%s/tx/%s/round/%d/count", namespace, tx, round)
}

// PeerStatusKey is the TTL-backed liveness key for a member.
func PeerStatusKey(id types.NodeID) string {
	return fmt.Sprintf("%s/peer/%d/status", namespace, id)
}

// PeerBanKey is the TTL-backed global ban record for a member.
func PeerBanKey(id types.NodeID) string {
	return fmt.Sprintf("%s/peer/%d/ban", namespace, id)
}

// TxLockKey is the mutex guarding threshold evaluation for a tx.
func TxLockKey(tx types.TxID) string {
	return fmt.Sprintf("%s/locks/tx/%s", namespace, tx)
}

// ScannerLockKey guards the cluster-wide timeout scanner.
const ScannerLockKey = namespace + "/locks/scanner"

// SigningLockKey guards the signing handoff for a tx.
func SigningLockKey(tx types.TxID) string {
	return fmt.Sprintf("%s/locks/signing/%s", namespace, tx)
}
