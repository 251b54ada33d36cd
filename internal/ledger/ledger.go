// Package ledger defines the ledger writer boundary and the anchor payload format.
package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"anchorScope/internal/canonical"
	"anchorScope/internal/model"
)

// SignedTx is a transaction ready to send. Raw is persisted on the batch
// before the first send so every later attempt, in any process, resubmits
// the same bytes.
type SignedTx struct {
	Txid string
	Raw  []byte
}

// Writer signs and sends anchor payloads and reports whether a transaction
// exists. Sign and Send return a *model.BroadcastError for failures they can
// classify. Sending a transaction the ledger already holds succeeds with its
// txid.
type Writer interface {
	Sign(ctx context.Context, payload []byte) (*SignedTx, error)
	Send(ctx context.Context, tx *SignedTx) (string, error)
	TransactionExists(ctx context.Context, txid string) (bool, error)
}

// Broadcast signs payload and sends it once.
func Broadcast(ctx context.Context, w Writer, payload []byte) (string, error) {
	tx, err := w.Sign(ctx, payload)
	if err != nil {
		return "", err
	}
	return w.Send(ctx, tx)
}

const (
	// Magic prefixes every anchor payload.
	Magic = "ANCHOR1"

	Protocol   = "anchor-batch-v1"
	CommitType = "merkle_commit"
)

// Metadata is the JSON trailer of an anchor payload.
type Metadata struct {
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
	MerkleRoot string `json:"merkle_root"`
	EventCount int    `json:"event_count"`
	BatchID    string `json:"batch_id"`
}

// Payload is a decoded anchor payload.
type Payload struct {
	Root     [32]byte
	Metadata Metadata
}

// EncodePayload builds the deterministic payload committed for a batch:
// the magic, the raw 32-byte root, then canonical JSON metadata.
func EncodePayload(batch *model.CommitBatch) ([]byte, error) {
	if batch == nil {
		return nil, errors.New("encode payload: nil batch")
	}
	root, err := hex.DecodeString(batch.MerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("encode payload: decode root: %w", err)
	}
	if len(root) != 32 {
		return nil, fmt.Errorf("encode payload: root is %d bytes", len(root))
	}
	meta, err := canonical.Marshal(Metadata{
		Protocol:   Protocol,
		Type:       CommitType,
		MerkleRoot: batch.MerkleRoot,
		EventCount: batch.EventCount,
		BatchID:    batch.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	buf := make([]byte, 0, len(Magic)+len(root)+len(meta))
	buf = append(buf, Magic...)
	buf = append(buf, root...)
	buf = append(buf, meta...)
	return buf, nil
}

// DecodePayload parses a payload produced by EncodePayload.
func DecodePayload(data []byte) (*Payload, error) {
	if !bytes.HasPrefix(data, []byte(Magic)) {
		return nil, errors.New("decode payload: missing magic")
	}
	rest := data[len(Magic):]
	if len(rest) < 32 {
		return nil, errors.New("decode payload: truncated root")
	}

	var p Payload
	copy(p.Root[:], rest[:32])
	if err := json.Unmarshal(rest[32:], &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode payload: metadata: %w", err)
	}
	if p.Metadata.Protocol != Protocol {
		return nil, fmt.Errorf("decode payload: unsupported protocol %q", p.Metadata.Protocol)
	}
	if p.Metadata.MerkleRoot != hex.EncodeToString(p.Root[:]) {
		return nil, errors.New("decode payload: metadata root does not match payload root")
	}
	return &p, nil
}
