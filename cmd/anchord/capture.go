package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"anchorScope/internal/config"
	"anchorScope/internal/model"
	"anchorScope/internal/queue"
)

func newCaptureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one external event",
		RunE:  runCapture,
	}
	cmd.Flags().String("source", "", "event source ("+sourceList()+")")
	cmd.Flags().String("source-id", "", "external event id")
	cmd.Flags().String("type", "", "event type")
	cmd.Flags().String("file", "-", "JSON payload file, - for stdin")
	cmd.Flags().String("timestamp", "", "capture time (RFC3339), defaults to now")
	return cmd
}

func runCapture(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sourceArg, _ := cmd.Flags().GetString("source")
	sourceID, _ := cmd.Flags().GetString("source-id")
	eventType, _ := cmd.Flags().GetString("type")
	file, _ := cmd.Flags().GetString("file")
	tsArg, _ := cmd.Flags().GetString("timestamp")

	source, err := model.ParseSource(sourceArg)
	if err != nil {
		return err
	}

	var ts *time.Time
	if tsArg != "" {
		parsed, err := time.Parse(time.RFC3339Nano, tsArg)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		ts = &parsed
	}

	payload, err := readPayload(cmd, file)
	if err != nil {
		return err
	}

	// An in-process queue has no consumer here; only external queues are published to.
	var producer queue.Producer
	if a.cfg.Queue == config.QueueRedis || a.cfg.Queue == config.QueueRabbitMQ {
		q, err := a.openQueue(ctx)
		if err != nil {
			return err
		}
		producer = q
	}

	ev, err := a.captureService(producer).Capture(ctx, source, sourceID, eventType, payload, ts)
	if err != nil {
		return err
	}

	a.logger.Info("event captured", zap.String("event_id", ev.ID), zap.String("status", string(ev.Status)))
	return printJSON(cmd, ev)
}

func readPayload(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}
	return data, nil
}

func sourceList() string {
	names := make([]string, 0, len(model.Sources()))
	for _, s := range model.Sources() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
