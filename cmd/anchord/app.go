package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"anchorScope/internal/batch"
	"anchorScope/internal/capture"
	"anchorScope/internal/chain"
	"anchorScope/internal/commit"
	"anchorScope/internal/config"
	"anchorScope/internal/ledger"
	"anchorScope/internal/normalise"
	"anchorScope/internal/proof"
	"anchorScope/internal/queue"
	"anchorScope/internal/storage"
	"anchorScope/internal/storage/postgres"
	"anchorScope/internal/storage/sqlite"
)

// app holds the dependencies shared by commands.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   storage.Store
	closers []func()
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	a.closers = append(a.closers, store.Close)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, nil
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
}

// openQueue returns the configured queue, or nil when none is configured.
func (a *app) openQueue(ctx context.Context) (queue.Queue, error) {
	var (
		q   queue.Queue
		err error
	)
	switch a.cfg.Queue {
	case config.QueueMemory:
		q = queue.NewMemoryQueue(a.cfg.SweepLimit, a.logger)
	case config.QueueRedis:
		q, err = queue.NewRedisQueue(ctx, queue.RedisConfig{
			Address:  a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			Queue:    a.cfg.RedisQueue,
		}, a.logger)
	case config.QueueRabbitMQ:
		q, err = queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      a.cfg.AMQPURL,
			Queue:    a.cfg.AMQPQueue,
			Prefetch: a.cfg.AMQPPrefetch,
		}, a.logger)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = q.Close() })
	return q, nil
}

const memoryLedgerNote = `The memory ledger forgets its transactions when the command exits, so
this command refuses it. Use --ledger ethereum, or let "run" confirm
batches within one process.`

// errEphemeralLedger is returned by commands that look up transactions sent
// by an earlier process.
var errEphemeralLedger = errors.New("the memory ledger does not persist between commands; use --ledger ethereum or the run command")

// ledgerReader returns a writer for commands that only look up transactions
// sent earlier, which the memory ledger can never answer.
func (a *app) ledgerReader(ctx context.Context) (ledger.Writer, error) {
	if a.cfg.Ledger != config.LedgerEthereum {
		return nil, errEphemeralLedger
	}
	return a.ledgerWriter(ctx)
}

func (a *app) ledgerWriter(ctx context.Context) (ledger.Writer, error) {
	if a.cfg.Ledger != config.LedgerEthereum {
		a.logger.Warn("using in-memory ledger; anchors do not outlive this process")
		return ledger.NewMemoryWriter(true), nil
	}

	key, err := chain.ParsePrivateKey(a.cfg.LedgerKey)
	if err != nil {
		return nil, err
	}
	to, err := chain.ParseAddress(a.cfg.LedgerTo)
	if err != nil {
		return nil, err
	}
	client, err := chain.NewClient(ctx, a.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	w := chain.NewWriter(client, key, chain.WriterConfig{To: to, GasLimit: a.cfg.LedgerGasLimit}, a.logger)
	a.logger.Info("ethereum ledger writer ready", zap.String("from", w.From().Hex()))
	return w, nil
}

func (a *app) captureService(producer queue.Producer) *capture.Service {
	return capture.NewService(a.store, producer, a.logger)
}

func (a *app) normaliseService() *normalise.Service {
	return normalise.NewService(a.store, normalise.DefaultRegistry(), a.logger)
}

func (a *app) batchBuilder() *batch.Builder {
	return batch.NewBuilder(batch.Config{
		MaxEvents:    a.cfg.MaxEvents,
		ClaimRetries: a.cfg.MaxRetries,
		RetryBackoff: a.cfg.RetryBackoff,
	}, a.store, a.logger)
}

func (a *app) committer(writer ledger.Writer) *commit.Committer {
	return commit.NewCommitter(commit.Config{
		MaxRetries:      a.cfg.MaxRetries,
		RetryBackoff:    a.cfg.RetryBackoff,
		FailOnExhausted: a.cfg.FailOnExhausted,
		Lease:           a.cfg.CommitLease,
	}, a.store, writer, a.logger)
}

func (a *app) proofService(writer ledger.Writer) *proof.Service {
	return proof.NewService(a.store, writer, a.logger)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
