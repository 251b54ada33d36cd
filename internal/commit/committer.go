// Package commit anchors batch roots on the ledger and tracks their confirmation.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anchorScope/internal/ledger"
	"anchorScope/internal/model"
	"anchorScope/internal/retry"
	"anchorScope/internal/storage"
)

// Config controls broadcast retries.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
	// FailOnExhausted fails the batch when transient retries run out
	// instead of leaving it for recovery.
	FailOnExhausted bool
	// Lease bounds how long one commit attempt holds a batch. A committer
	// that dies mid-attempt blocks the batch until the lease runs out.
	Lease time.Duration
}

const defaultLease = 5 * time.Minute

// Committer moves batches from pending through building and signed to broadcast.
type Committer struct {
	cfg    Config
	store  storage.BatchStore
	writer ledger.Writer
	logger *zap.Logger
	now    func() time.Time
}

func NewCommitter(cfg Config, store storage.BatchStore, writer ledger.Writer, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	return &Committer{cfg: cfg, store: store, writer: writer, logger: logger, now: time.Now}
}

// CommitBatch broadcasts the batch root and records the txid on the batch,
// its events and their anchor mappings. Broadcast and confirmed batches are
// returned unchanged.
//
// The signed transaction is stored on the batch before it is first sent, so
// every later attempt resends those bytes and a batch is anchored at most once.
func (c *Committer) CommitBatch(ctx context.Context, batchID string) (*model.CommitBatch, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	switch batch.Status {
	case model.BatchBroadcast, model.BatchConfirmed:
		return batch, nil
	case model.BatchFailed:
		return nil, fmt.Errorf("commit batch %s: batch failed: %w", batchID, model.ErrInvalidTransition)
	}

	now := c.now().UTC()
	token := uuid.NewString()
	batch, err = c.store.MarkBuilding(ctx, batchID, storage.CommitClaim{Token: token, Now: now, Until: now.Add(c.cfg.Lease)})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			if current, getErr := c.store.GetBatch(ctx, batchID); getErr == nil &&
				(current.Status == model.BatchBroadcast || current.Status == model.BatchConfirmed) {
				return current, nil
			}
		}
		return nil, err
	}

	logger := c.logger.With(zap.String("batch_id", batchID), zap.Int("attempt", batch.Attempts))

	signed, err := c.signed(ctx, logger, batch, token)
	if err != nil {
		return nil, c.abandon(ctx, logger, batchID, token, err)
	}

	var txid string
	err = retry.DoIf(ctx, c.cfg.MaxRetries, c.cfg.RetryBackoff, isTransient, func(ctx context.Context) error {
		var err error
		txid, err = c.writer.Send(ctx, signed)
		if err != nil && isTransient(err) && ctx.Err() == nil {
			logger.Warn("broadcast failed, retrying", zap.String("txid", signed.Txid), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, c.abandon(ctx, logger, batchID, token, err)
	}

	// The transaction is out; record it even if the caller gave up meanwhile.
	recordCtx := context.WithoutCancel(ctx)
	if err := c.store.MarkBroadcast(recordCtx, batchID, txid, c.now().UTC()); err != nil {
		logger.Error("record broadcast", zap.String("txid", txid), zap.Error(err))
		if relErr := c.store.ReleaseBatch(recordCtx, batchID, token, err.Error()); relErr != nil {
			logger.Error("release batch", zap.Error(relErr))
		}
		return nil, fmt.Errorf("commit batch %s: %w", batchID, err)
	}

	logger.Info("batch broadcast",
		zap.String("txid", txid),
		zap.Int("events", batch.EventCount),
		zap.String("merkle_root", batch.MerkleRoot),
	)
	return c.store.GetBatch(recordCtx, batchID)
}

// signed returns the batch's stored transaction, signing and storing one
// first when the batch has none.
func (c *Committer) signed(ctx context.Context, logger *zap.Logger, batch *model.CommitBatch, token string) (*ledger.SignedTx, error) {
	if len(batch.SignedTx) > 0 {
		tx := &ledger.SignedTx{Raw: batch.SignedTx}
		if batch.Txid != nil {
			tx.Txid = *batch.Txid
		}
		logger.Debug("resending stored transaction", zap.String("txid", tx.Txid))
		return tx, nil
	}

	payload, err := ledger.EncodePayload(batch)
	if err != nil {
		return nil, &model.BroadcastError{Fatal: true, Err: err}
	}

	var tx *ledger.SignedTx
	err = retry.DoIf(ctx, c.cfg.MaxRetries, c.cfg.RetryBackoff, isTransient, func(ctx context.Context) error {
		var err error
		tx, err = c.writer.Sign(ctx, payload)
		if err != nil && isTransient(err) && ctx.Err() == nil {
			logger.Warn("sign failed, retrying", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := c.store.MarkSigned(ctx, batch.ID, token, tx.Txid, tx.Raw); err != nil {
		return nil, fmt.Errorf("store signed transaction: %w", err)
	}
	logger.Debug("transaction signed", zap.String("txid", tx.Txid))
	return tx, nil
}

// abandon ends a failed attempt. Cancellation and exhausted transient
// errors leave the batch for recovery; fatal errors fail it.
func (c *Committer) abandon(ctx context.Context, logger *zap.Logger, batchID, token string, cause error) error {
	releaseCtx := context.WithoutCancel(ctx)
	switch {
	case ctx.Err() != nil:
		logger.Warn("commit interrupted, batch left for recovery", zap.Error(ctx.Err()))
		if err := c.store.ReleaseBatch(releaseCtx, batchID, token, ctx.Err().Error()); err != nil {
			logger.Error("release batch", zap.Error(err))
		}
		return fmt.Errorf("commit batch %s: %w", batchID, ctx.Err())
	case model.IsFatalBroadcast(cause) || c.cfg.FailOnExhausted && isBroadcastError(cause):
		c.fail(releaseCtx, logger, batchID, cause)
	default:
		if err := c.store.ReleaseBatch(releaseCtx, batchID, token, cause.Error()); err != nil {
			logger.Error("release batch", zap.Error(err))
		}
		logger.Warn("commit attempt failed, batch left for recovery", zap.Error(cause))
	}
	return fmt.Errorf("commit batch %s: %w", batchID, cause)
}

func (c *Committer) fail(ctx context.Context, logger *zap.Logger, batchID string, cause error) {
	if err := c.store.MarkFailed(ctx, batchID, cause.Error()); err != nil {
		logger.Error("mark batch failed", zap.Error(err))
		return
	}
	logger.Error("batch failed, events released", zap.Error(cause))
}

// Recover re-commits every pending, building or signed batch and returns how
// many reached broadcast. Batches leased by another committer are skipped.
func (c *Committer) Recover(ctx context.Context) (int, error) {
	batches, err := c.store.ListBatches(ctx, model.BatchPending, model.BatchBuilding, model.BatchSigned)
	if err != nil {
		return 0, fmt.Errorf("list unfinished batches: %w", err)
	}

	var (
		committed int
		errs      []error
	)
	for _, b := range batches {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := c.CommitBatch(ctx, b.ID); err != nil {
			if errors.Is(err, model.ErrBatchLeased) {
				c.logger.Debug("batch leased elsewhere, skipped", zap.String("batch_id", b.ID))
				continue
			}
			errs = append(errs, err)
			continue
		}
		committed++
	}
	if len(batches) > 0 {
		c.logger.Info("recovery pass", zap.Int("batches", len(batches)), zap.Int("committed", committed))
	}
	return committed, errors.Join(errs...)
}

// Confirm marks broadcast batches confirmed once the ledger reports their
// transaction, and returns how many were confirmed.
func (c *Committer) Confirm(ctx context.Context) (int, error) {
	batches, err := c.store.ListBatches(ctx, model.BatchBroadcast)
	if err != nil {
		return 0, fmt.Errorf("list broadcast batches: %w", err)
	}

	var (
		confirmed int
		errs      []error
	)
	for _, b := range batches {
		if b.Txid == nil {
			continue
		}
		exists, err := c.writer.TransactionExists(ctx, *b.Txid)
		if err != nil {
			errs = append(errs, fmt.Errorf("check batch %s transaction: %w", b.ID, err))
			continue
		}
		if !exists {
			continue
		}
		if err := c.store.MarkConfirmed(ctx, b.ID, c.now().UTC()); err != nil {
			errs = append(errs, err)
			continue
		}
		confirmed++
		c.logger.Info("batch confirmed", zap.String("batch_id", b.ID), zap.String("txid", *b.Txid))
	}
	return confirmed, errors.Join(errs...)
}

func isTransient(err error) bool {
	return !model.IsFatalBroadcast(err)
}

func isBroadcastError(err error) bool {
	var be *model.BroadcastError
	return errors.As(err, &be)
}
