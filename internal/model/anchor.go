package model

import "time"

// AnchorMapping links an external event to the ledger transaction that committed it.
// LedgerTxid and LedgerVout are stored in the bsv_txid and bsv_vout columns.
type AnchorMapping struct {
	Source       Source     `json:"source"`
	ExternalID   string     `json:"external_id"`
	ExternalType string     `json:"external_type"`
	LedgerTxid   string     `json:"bsv_txid"`
	LedgerVout   int        `json:"bsv_vout"`
	BatchID      string     `json:"batch_id"`
	MerkleRoot   string     `json:"merkle_root,omitempty"`
	ContentHash  string     `json:"content_hash,omitempty"`
	Verified     bool       `json:"verified"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Stats summarises pipeline state.
type Stats struct {
	Events             map[EventStatus]int `json:"events"`
	Batches            map[BatchStatus]int `json:"batches"`
	ActiveBatchedTotal int                 `json:"active_batched_total"`
	Anchors            int                 `json:"anchors"`
	VerifiedAnchors    int                 `json:"verified_anchors"`
}

// InFlightEvents is the number of events that are batched or committed.
func (s Stats) InFlightEvents() int {
	return s.Events[EventBatched] + s.Events[EventCommitted]
}
