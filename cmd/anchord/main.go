package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "anchord",
		Short:        "Event anchoring pipeline: capture, normalise, batch, commit, prove",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("store", "sqlite", "store backend (postgres, sqlite)")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("sqlite-path", "./data/anchor.db", "SQLite database file")
	flags.String("queue", "none", "normalise queue (none, memory, redis, rabbitmq)")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")
	flags.String("redis-queue", "anchor:normalise", "Redis list key")
	flags.String("amqp-url", "", "RabbitMQ URL")
	flags.String("amqp-queue", "anchor.normalise", "RabbitMQ queue name")
	flags.String("ledger", "memory", "ledger writer (memory, ethereum)")
	flags.String("rpc", "", "Ethereum RPC URL")
	flags.String("ledger-key", "", "hex private key used to sign anchor transactions")
	flags.String("ledger-to", "", "recipient of anchor transactions (defaults to the signer)")
	flags.Int("max-retries", 5, "maximum broadcast retry attempts")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")

	root.AddCommand(
		newMigrateCmd(),
		newCaptureCmd(),
		newNormaliseCmd(),
		newBatchCmd(),
		newCommitCmd(),
		newConfirmCmd(),
		newRunCmd(),
		newProofCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newExportCmd(),
	)
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
