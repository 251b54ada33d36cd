package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"anchorScope/internal/model"
	"anchorScope/internal/proof"
	"anchorScope/internal/storage"
)

func newProofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proof <event-id>",
		Short: "Print the Merkle inclusion proof of a committed event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.proofService(nil).GetMerkleProof(ctx, args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("event %s: %w", args[0], model.ErrProofNotFound)
			}
			return printJSON(cmd, p)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <source> <external-id>",
		Short: "Verify an anchor against the ledger and its Merkle proof",
		Long:  "Verify an anchor against the ledger and its Merkle proof.\n\n" + memoryLedgerNote,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			source, err := model.ParseSource(args[0])
			if err != nil {
				return err
			}
			writer, err := a.ledgerReader(ctx)
			if err != nil {
				return err
			}
			res, err := a.proofService(writer).VerifyAnchor(ctx, source, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print event, batch and anchor counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}
			if stats.ActiveBatchedTotal != stats.InFlightEvents() {
				a.logger.Error("batched event count disagrees with batch totals",
					zap.Int("batch_event_total", stats.ActiveBatchedTotal),
					zap.Int("in_flight_events", stats.InFlightEvents()),
				)
			}
			return printJSON(cmd, stats)
		},
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export anchor mappings as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, _ := cmd.Flags().GetString("out")
			limit, _ := cmd.Flags().GetInt("limit")
			withProofs, _ := cmd.Flags().GetBool("with-proofs")
			checkpointPath, _ := cmd.Flags().GetString("checkpoint")

			var sink storage.AnchorSink
			if out == "-" {
				sink = storage.NewJsonlWriter(cmd.OutOrStdout())
			} else {
				sink = storage.NewJsonlStorage(out)
			}

			checkpoint := storage.NewCheckpointStore(checkpointPath)
			opts := proof.ExportOptions{Limit: limit, WithProofs: withProofs}
			if cp, ok, err := checkpoint.Load(); err != nil {
				return err
			} else if ok {
				opts.After = cp.After
				a.logger.Info("resume export from checkpoint",
					zap.Time("after_created_at", cp.After.CreatedAt),
					zap.String("after_external_id", cp.After.ExternalID),
					zap.Int("previously_exported", cp.Exported),
				)
			}

			res, err := a.proofService(nil).ExportAnchors(ctx, sink, opts)
			if err != nil {
				return err
			}
			if res.Records > 0 {
				if err := checkpoint.Save(res.Last, res.Records); err != nil {
					return err
				}
			}
			a.logger.Info("anchors exported", zap.Int("records", res.Records), zap.String("out", out))
			return nil
		},
	}
	cmd.Flags().String("out", "-", "output JSONL path, - for stdout")
	cmd.Flags().Int("limit", 0, "maximum records, 0 for all")
	cmd.Flags().Bool("with-proofs", false, "include Merkle inclusion proofs")
	cmd.Flags().String("checkpoint", "", "checkpoint file for incremental exports")
	return cmd
}
