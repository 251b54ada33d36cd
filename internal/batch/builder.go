// Package batch groups normalised events into Merkle-committed batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anchorScope/internal/merkle"
	"anchorScope/internal/model"
	"anchorScope/internal/retry"
	"anchorScope/internal/storage"
)

// Config holds batch formation settings.
type Config struct {
	MaxEvents    int
	ClaimRetries int
	RetryBackoff time.Duration
}

// Builder claims pending events and persists batches over them.
type Builder struct {
	cfg    Config
	store  storage.BatchStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewBuilder(cfg Config, store storage.BatchStore, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimRetries <= 0 {
		cfg.ClaimRetries = 3
	}
	return &Builder{cfg: cfg, store: store, logger: logger, now: time.Now, newID: uuid.NewString}
}

// CreateBatch claims up to maxEvents normalised events, oldest first, and
// returns the new pending batch. It returns nil when nothing is pending.
// A maxEvents <= 0 uses the configured default.
func (b *Builder) CreateBatch(ctx context.Context, maxEvents int) (*model.CommitBatch, error) {
	if maxEvents <= 0 {
		maxEvents = b.cfg.MaxEvents
	}
	if maxEvents <= 0 {
		return nil, fmt.Errorf("max events must be greater than zero")
	}

	var batch *model.CommitBatch
	err := retry.DoIf(ctx, b.cfg.ClaimRetries, b.cfg.RetryBackoff, isClaimConflict, func(ctx context.Context) error {
		var err error
		batch, err = b.store.ClaimBatch(ctx, b.newID(), maxEvents, b.now().UTC(), b.buildTree)
		if isClaimConflict(err) {
			b.logger.Debug("batch claim conflict, retrying")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	if batch == nil {
		return nil, nil
	}

	b.logger.Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.Int("events", batch.EventCount),
		zap.String("merkle_root", batch.MerkleRoot),
	)
	return batch, nil
}

func (b *Builder) buildTree(claimed []model.CapturedEvent) (*merkle.Tree, error) {
	leaves := make([]merkle.Leaf, len(claimed))
	for i, ev := range claimed {
		if ev.ContentHash == "" {
			return nil, fmt.Errorf("event %s has no content hash", ev.ID)
		}
		leaves[i] = merkle.Leaf{Hash: ev.ContentHash, EventID: ev.ID}
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}
	if dups := tree.DuplicateHashes(); len(dups) > 0 {
		b.logger.Warn("batch contains duplicate content hashes", zap.Strings("content_hashes", dups))
	}
	return tree, nil
}

func isClaimConflict(err error) bool {
	return errors.Is(err, model.ErrBatchClaimConflict)
}
