package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anchorScope/internal/normalise"
	"anchorScope/internal/pipeline"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			a.logger.Info("schema migrated", zap.String("store", a.cfg.Store))
			return nil
		},
	}
}

func newNormaliseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalise [event-id...]",
		Short: "Normalise events by id, or sweep captured events",
		RunE:  runNormalise,
	}
	cmd.Flags().Int("sweep-limit", 500, "events to normalise when no ids are given")
	cmd.Flags().Bool("worker", false, "consume event ids from the queue until interrupted")
	cmd.Flags().Int("workers", 4, "concurrent queue consumers")
	return cmd
}

func runNormalise(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := a.normaliseService()

	if worker, _ := cmd.Flags().GetBool("worker"); worker {
		q, err := a.openQueue(ctx)
		if err != nil {
			return err
		}
		if q == nil {
			return errors.New("worker mode requires a queue")
		}
		err = normalise.NewWorker(q, svc, a.cfg.Workers, a.logger).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if len(args) > 0 {
		for _, id := range args {
			ev, err := svc.NormaliseEvent(ctx, id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, ev); err != nil {
				return err
			}
		}
		return nil
	}

	res, err := svc.Sweep(ctx, a.cfg.SweepLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Create one batch from pending normalised events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.batchBuilder().CreateBatch(ctx, a.cfg.MaxEvents)
			if err != nil {
				return err
			}
			if b == nil {
				a.logger.Info("no pending events")
				return nil
			}
			return printJSON(cmd, b)
		},
	}
	cmd.Flags().Int("max-events", 1000, "maximum events per batch")
	return cmd
}

func newCommitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit [batch-id...]",
		Short: "Commit batches to the ledger; without ids, recover every unfinished batch",
		Long: `Commit batches to the ledger. Without ids, every pending, building or
signed batch is recovered. A signed batch resends its stored transaction.

With the memory ledger the transactions vanish when the command exits and
later confirm or verify commands cannot see them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			writer, err := a.ledgerWriter(ctx)
			if err != nil {
				return err
			}
			c := a.committer(writer)

			if len(args) == 0 {
				n, err := c.Recover(ctx)
				a.logger.Info("recovery complete", zap.Int("committed", n))
				return err
			}
			for _, id := range args {
				b, err := c.CommitBatch(ctx, id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, b); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("fail-on-exhausted", false, "fail batches whose broadcast retries run out")
	cmd.Flags().Duration("commit-lease", 5*time.Minute, "how long one commit attempt holds a batch")
	return cmd
}

func newConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm",
		Short: "Confirm broadcast batches whose transaction exists on the ledger",
		Long:  "Confirm broadcast batches whose transaction exists on the ledger.\n\n" + memoryLedgerNote,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			writer, err := a.ledgerReader(ctx)
			if err != nil {
				return err
			}
			n, err := a.committer(writer).Confirm(ctx)
			a.logger.Info("confirm complete", zap.Int("confirmed", n))
			return err
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline loop",
		RunE:  runPipeline,
	}
	cmd.Flags().Bool("once", false, "run a single round and exit")
	cmd.Flags().Duration("interval", 30*time.Second, "time between rounds")
	cmd.Flags().Int("max-events", 1000, "maximum events per batch")
	cmd.Flags().Int("max-batches-per-round", 10, "maximum batches created per round (0 for no cap)")
	cmd.Flags().Int("sweep-limit", 500, "captured events normalised per round")
	cmd.Flags().Int("workers", 4, "concurrent queue consumers")
	cmd.Flags().Bool("fail-on-exhausted", false, "fail batches whose broadcast retries run out")
	cmd.Flags().Duration("commit-lease", 5*time.Minute, "how long one commit attempt holds a batch")
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	writer, err := a.ledgerWriter(ctx)
	if err != nil {
		return err
	}
	once, _ := cmd.Flags().GetBool("once")
	svc := a.normaliseService()

	runner := pipeline.NewRunner(pipeline.RunConfig{
		Interval:           a.cfg.Interval,
		Once:               once,
		SweepLimit:         a.cfg.SweepLimit,
		MaxEvents:          a.cfg.MaxEvents,
		MaxBatchesPerRound: a.cfg.MaxBatchesPerRound,
	}, svc, a.batchBuilder(), a.committer(writer), a.logger)

	a.logger.Info("pipeline start",
		zap.String("store", a.cfg.Store),
		zap.String("queue", a.cfg.Queue),
		zap.String("ledger", a.cfg.Ledger),
		zap.Bool("once", once),
		zap.Duration("interval", a.cfg.Interval),
		zap.Int("max_events", a.cfg.MaxEvents),
	)

	if once {
		return runner.Run(ctx)
	}

	q, err := a.openQueue(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if q != nil {
		g.Go(func() error {
			return normalise.NewWorker(q, svc, a.cfg.Workers, a.logger).Run(ctx)
		})
	}
	g.Go(func() error {
		return runner.Run(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("pipeline stopped")
		return nil
	}
	return err
}
