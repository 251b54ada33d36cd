// Package proof builds inclusion proofs for committed events and verifies
// anchors against the ledger.
package proof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"anchorScope/internal/ledger"
	"anchorScope/internal/merkle"
	"anchorScope/internal/model"
	"anchorScope/internal/storage"
)

// Store is the storage the proof service reads and the anchor flag it writes.
type Store interface {
	storage.EventStore
	storage.BatchStore
	storage.AnchorStore
}

// MerkleProof is an inclusion proof for one committed event.
type MerkleProof struct {
	EventID   string   `json:"event_id"`
	BatchID   string   `json:"batch_id"`
	EventHash string   `json:"event_hash"`
	Proof     []string `json:"proof"`
	Root      string   `json:"root"`
	Txid      string   `json:"txid"`
}

// VerificationResult is the outcome of VerifyAnchor.
type VerificationResult struct {
	Found      bool       `json:"found"`
	Valid      bool       `json:"valid"`
	Source     string     `json:"source"`
	ExternalID string     `json:"external_id"`
	Txid       string     `json:"txid,omitempty"`
	BatchID    string     `json:"batch_id,omitempty"`
	TxExists   bool       `json:"tx_exists"`
	ProofValid bool       `json:"proof_valid"`
	Reason     string     `json:"reason,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

const (
	ReasonNoAnchor = "no anchor found"
	ReasonNoTx     = "ledger transaction not found"
)

type Service struct {
	store  Store
	writer ledger.Writer
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, writer ledger.Writer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, writer: writer, logger: logger, now: time.Now}
}

// GetMerkleProof returns the inclusion proof for a committed event, or nil
// when the event is unknown or not committed yet.
func (s *Service) GetMerkleProof(ctx context.Context, eventID string) (*MerkleProof, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev.Status != model.EventCommitted || ev.BatchID == nil || ev.CommitTxid == nil {
		return nil, nil
	}

	batch, err := s.store.GetBatch(ctx, *ev.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	if batch.MerkleTree.RootHash() != batch.MerkleRoot {
		return nil, fmt.Errorf("batch %s tree root does not match stored root", batch.ID)
	}
	path, err := batch.MerkleTree.ProofFor(ev.ID)
	if err != nil {
		return nil, fmt.Errorf("build proof: %w", err)
	}
	return &MerkleProof{
		EventID:   ev.ID,
		BatchID:   batch.ID,
		EventHash: ev.ContentHash,
		Proof:     path,
		Root:      batch.MerkleRoot,
		Txid:      *ev.CommitTxid,
	}, nil
}

// VerifyMerkleProof folds proof over leafHash and compares with root.
func VerifyMerkleProof(leafHash string, proof []string, root string) bool {
	return merkle.Verify(leafHash, proof, root)
}

// VerifyAnchor checks that the anchored transaction exists on the ledger and
// that the event's proof reaches the anchored root. Only when both hold is
// the anchor marked verified. A missing anchor is reported, not an error.
func (s *Service) VerifyAnchor(ctx context.Context, source model.Source, externalID string) (*VerificationResult, error) {
	result := &VerificationResult{Source: string(source), ExternalID: externalID}

	anchor, err := s.store.GetAnchor(ctx, source, externalID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			result.Reason = ReasonNoAnchor
			return result, nil
		}
		return nil, fmt.Errorf("load anchor: %w", err)
	}
	result.Found = true
	result.Txid = anchor.LedgerTxid
	result.BatchID = anchor.BatchID

	exists, err := s.writer.TransactionExists(ctx, anchor.LedgerTxid)
	if err != nil {
		return nil, fmt.Errorf("check ledger transaction: %w", err)
	}
	result.TxExists = exists

	if anchor.ContentHash != "" && anchor.MerkleRoot != "" {
		if err := s.checkInclusion(ctx, anchor); err != nil {
			var mismatch *model.AnchorMismatchError
			if errors.As(err, &mismatch) {
				s.logger.Error("anchor verification mismatch",
					zap.String("source", string(source)),
					zap.String("external_id", externalID),
					zap.String("batch_id", anchor.BatchID),
					zap.String("expected", mismatch.Expected),
					zap.String("computed", mismatch.Computed),
					zap.String("reason", mismatch.Reason),
				)
			}
			return nil, err
		}
		result.ProofValid = true
	}

	if !exists {
		result.Reason = ReasonNoTx
		return result, nil
	}

	at := s.now().UTC()
	if err := s.store.MarkAnchorVerified(ctx, source, externalID, at); err != nil {
		return nil, fmt.Errorf("mark anchor verified: %w", err)
	}
	result.Valid = true
	result.VerifiedAt = &at
	return result, nil
}

func (s *Service) checkInclusion(ctx context.Context, anchor *model.AnchorMapping) error {
	mismatch := func(expected, computed, reason string) error {
		return &model.AnchorMismatchError{
			Source:     anchor.Source,
			ExternalID: anchor.ExternalID,
			Expected:   expected,
			Computed:   computed,
			Reason:     reason,
		}
	}

	batch, err := s.store.GetBatch(ctx, anchor.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch.MerkleRoot != anchor.MerkleRoot {
		return mismatch(anchor.MerkleRoot, batch.MerkleRoot, "anchor root differs from batch root")
	}
	if err := batch.MerkleTree.Validate(); err != nil {
		return mismatch(batch.MerkleRoot, batch.MerkleTree.RootHash(), fmt.Sprintf("stored tree is inconsistent: %v", err))
	}
	if batch.MerkleTree.RootHash() != batch.MerkleRoot {
		return mismatch(batch.MerkleRoot, batch.MerkleTree.RootHash(), "tree root differs from batch root")
	}

	ev, err := s.store.GetEventBySource(ctx, anchor.Source, anchor.ExternalID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if ev.ContentHash != anchor.ContentHash {
		return mismatch(anchor.ContentHash, ev.ContentHash, "event content hash differs from anchor")
	}
	path, err := batch.MerkleTree.ProofFor(ev.ID)
	if err != nil {
		return mismatch(anchor.MerkleRoot, "", fmt.Sprintf("event not in batch tree: %v", err))
	}
	if !merkle.Verify(anchor.ContentHash, path, anchor.MerkleRoot) {
		return mismatch(anchor.MerkleRoot, foldProof(anchor.ContentHash, path), "proof does not reach anchored root")
	}
	return nil
}

func foldProof(leaf string, path []string) string {
	current := leaf
	for _, sibling := range path {
		current = merkle.HashPair(current, sibling)
	}
	return current
}
