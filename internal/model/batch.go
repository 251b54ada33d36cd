package model

import (
	"time"

	"anchorScope/internal/merkle"
)

// BatchStatus is the commit state of a batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchBuilding  BatchStatus = "building"
	BatchSigned    BatchStatus = "signed"
	BatchBroadcast BatchStatus = "broadcast"
	BatchConfirmed BatchStatus = "confirmed"
	BatchFailed    BatchStatus = "failed"
)

// CommitBatch is a set of events committed under a single Merkle root.
// A signed batch carries its ledger transaction in SignedTx and its txid in
// Txid before the transaction is sent.
type CommitBatch struct {
	ID           string       `json:"id"`
	EventCount   int          `json:"event_count"`
	MerkleRoot   string       `json:"merkle_root"`
	MerkleTree   *merkle.Tree `json:"merkle_tree"`
	Status       BatchStatus  `json:"status"`
	Txid         *string      `json:"txid,omitempty"`
	SignedTx     []byte       `json:"-"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	Attempts     int          `json:"attempts"`
	CreatedAt    time.Time    `json:"created_at"`
	BroadcastAt  *time.Time   `json:"broadcast_at,omitempty"`
	ConfirmedAt  *time.Time   `json:"confirmed_at,omitempty"`
}

// EventIDs returns member event ids in leaf order.
func (b *CommitBatch) EventIDs() []string {
	if b == nil || b.MerkleTree == nil {
		return nil
	}
	return b.MerkleTree.EventIDs()
}
