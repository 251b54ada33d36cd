// Package pipeline drives periodic rounds of normalisation, batching,
// commitment, recovery and confirmation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"anchorScope/internal/model"
	"anchorScope/internal/normalise"
)

// Normaliser sweeps captured events.
type Normaliser interface {
	Sweep(ctx context.Context, limit int) (normalise.SweepResult, error)
}

// BatchCreator forms batches from normalised events.
type BatchCreator interface {
	CreateBatch(ctx context.Context, maxEvents int) (*model.CommitBatch, error)
}

// Committer anchors batches and tracks confirmation.
type Committer interface {
	CommitBatch(ctx context.Context, batchID string) (*model.CommitBatch, error)
	Recover(ctx context.Context) (int, error)
	Confirm(ctx context.Context) (int, error)
}

// RunConfig holds runtime settings for the pipeline.
type RunConfig struct {
	Interval   time.Duration
	Once       bool
	SweepLimit int
	MaxEvents  int
	// MaxBatchesPerRound caps batch creation per round; 0 means no cap.
	MaxBatchesPerRound int
}

// RoundResult counts the work done in one round.
type RoundResult struct {
	Normalised      int
	NormaliseFailed int
	Recovered       int
	Batches         int
	Committed       int
	Confirmed       int
}

// Runner repeats pipeline rounds until its context ends.
type Runner struct {
	cfg        RunConfig
	normaliser Normaliser
	builder    BatchCreator
	committer  Committer
	logger     *zap.Logger
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, normaliser Normaliser, builder BatchCreator, committer Committer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, normaliser: normaliser, builder: builder, committer: committer, logger: logger}
}

// Run executes rounds every Interval. With Once set it runs a single round
// and returns its error. Otherwise round errors are logged and the loop
// continues until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.normaliser == nil || r.builder == nil || r.committer == nil {
		return fmt.Errorf("pipeline dependencies are not configured")
	}
	if r.cfg.MaxEvents <= 0 {
		return fmt.Errorf("max events must be greater than zero")
	}
	if r.cfg.MaxBatchesPerRound < 0 {
		return fmt.Errorf("max batches per round must not be negative")
	}
	if !r.cfg.Once && r.cfg.Interval <= 0 {
		return fmt.Errorf("interval must be greater than zero")
	}

	for {
		res, err := r.Round(ctx)
		r.logRound(res)
		if r.cfg.Once {
			return err
		}
		if err != nil && ctx.Err() == nil {
			r.logger.Error("pipeline round failed", zap.Error(err))
		}

		timer := time.NewTimer(r.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Round runs sweep, recovery, batch creation with commit, and confirmation
// once. A failing stage does not prevent later stages.
func (r *Runner) Round(ctx context.Context) (RoundResult, error) {
	var (
		res  RoundResult
		errs []error
	)

	if r.cfg.SweepLimit > 0 {
		sweep, err := r.normaliser.Sweep(ctx, r.cfg.SweepLimit)
		res.Normalised, res.NormaliseFailed = sweep.Normalised, sweep.Failed
		if err != nil {
			errs = append(errs, fmt.Errorf("normalise sweep: %w", err))
		}
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	recovered, err := r.committer.Recover(ctx)
	res.Recovered = recovered
	if err != nil {
		errs = append(errs, fmt.Errorf("recover batches: %w", err))
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	for r.cfg.MaxBatchesPerRound <= 0 || res.Batches < r.cfg.MaxBatchesPerRound {
		b, err := r.builder.CreateBatch(ctx, r.cfg.MaxEvents)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if b == nil {
			break
		}
		res.Batches++
		if _, err := r.committer.CommitBatch(ctx, b.ID); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			// Released events wait for the next round.
			break
		}
		res.Committed++
	}

	confirmed, err := r.committer.Confirm(ctx)
	res.Confirmed = confirmed
	if err != nil {
		errs = append(errs, fmt.Errorf("confirm batches: %w", err))
	}

	return res, errors.Join(errs...)
}

func (r *Runner) logRound(res RoundResult) {
	if res == (RoundResult{}) {
		r.logger.Debug("pipeline round idle")
		return
	}
	r.logger.Info("pipeline round complete",
		zap.Int("normalised", res.Normalised),
		zap.Int("normalise_failed", res.NormaliseFailed),
		zap.Int("recovered", res.Recovered),
		zap.Int("batches", res.Batches),
		zap.Int("committed", res.Committed),
		zap.Int("confirmed", res.Confirmed),
	)
}
