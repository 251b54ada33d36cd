package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Queue backends.
const (
	QueueNone     = "none"
	QueueMemory   = "memory"
	QueueRedis    = "redis"
	QueueRabbitMQ = "rabbitmq"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerEthereum = "ethereum"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel string

	Store      string
	PGDSN      string
	SQLitePath string

	Queue         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisQueue    string
	AMQPURL       string
	AMQPQueue     string
	AMQPPrefetch  int

	Ledger         string
	RPCURL         string
	LedgerKey      string
	LedgerTo       string
	LedgerGasLimit uint64

	MaxEvents int
	// MaxBatchesPerRound of 0 leaves batch creation per round uncapped.
	MaxBatchesPerRound int
	Interval           time.Duration
	SweepLimit         int
	Workers            int
	MaxRetries         int
	RetryBackoff       time.Duration
	FailOnExhausted    bool
	CommitLease        time.Duration
}

// Load merges config file, environment variables, and flags into Config.
// Environment variables use the ANCHOR_ prefix with dashes as underscores.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANCHOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("store", StoreSQLite)
	v.SetDefault("sqlite-path", "./data/anchor.db")
	v.SetDefault("queue", QueueNone)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("redis-db", 0)
	v.SetDefault("redis-queue", "anchor:normalise")
	v.SetDefault("amqp-queue", "anchor.normalise")
	v.SetDefault("amqp-prefetch", 16)
	v.SetDefault("ledger", LedgerMemory)
	v.SetDefault("max-events", 1000)
	v.SetDefault("max-batches-per-round", 10)
	v.SetDefault("interval", 30*time.Second)
	v.SetDefault("sweep-limit", 500)
	v.SetDefault("workers", 4)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("fail-on-exhausted", false)
	v.SetDefault("commit-lease", 5*time.Minute)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel:           v.GetString("log-level"),
		Store:              strings.ToLower(v.GetString("store")),
		PGDSN:              v.GetString("pg-dsn"),
		SQLitePath:         v.GetString("sqlite-path"),
		Queue:              strings.ToLower(v.GetString("queue")),
		RedisAddr:          v.GetString("redis-addr"),
		RedisPassword:      v.GetString("redis-password"),
		RedisDB:            v.GetInt("redis-db"),
		RedisQueue:         v.GetString("redis-queue"),
		AMQPURL:            v.GetString("amqp-url"),
		AMQPQueue:          v.GetString("amqp-queue"),
		AMQPPrefetch:       v.GetInt("amqp-prefetch"),
		Ledger:             strings.ToLower(v.GetString("ledger")),
		RPCURL:             v.GetString("rpc"),
		LedgerKey:          v.GetString("ledger-key"),
		LedgerTo:           v.GetString("ledger-to"),
		LedgerGasLimit:     v.GetUint64("ledger-gas-limit"),
		MaxEvents:          v.GetInt("max-events"),
		MaxBatchesPerRound: v.GetInt("max-batches-per-round"),
		Interval:           v.GetDuration("interval"),
		SweepLimit:         v.GetInt("sweep-limit"),
		Workers:            v.GetInt("workers"),
		MaxRetries:         v.GetInt("max-retries"),
		RetryBackoff:       v.GetDuration("retry-backoff"),
		FailOnExhausted:    v.GetBool("fail-on-exhausted"),
		CommitLease:        v.GetDuration("commit-lease"),
	}

	return cfg, nil
}

// Validate checks backend selections and the settings they require.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite-path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	switch c.Queue {
	case "", QueueNone, QueueMemory:
	case QueueRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis queue")
		}
	case QueueRabbitMQ:
		if c.AMQPURL == "" {
			return fmt.Errorf("amqp-url is required for the rabbitmq queue")
		}
	default:
		return fmt.Errorf("unknown queue %q", c.Queue)
	}

	switch c.Ledger {
	case LedgerMemory:
	case LedgerEthereum:
		if c.RPCURL == "" {
			return fmt.Errorf("rpc is required for the ethereum ledger")
		}
		if c.LedgerKey == "" {
			return fmt.Errorf("ledger-key is required for the ethereum ledger")
		}
	default:
		return fmt.Errorf("unknown ledger %q", c.Ledger)
	}

	if c.MaxEvents <= 0 {
		return fmt.Errorf("max-events must be greater than zero")
	}
	if c.MaxBatchesPerRound < 0 {
		return fmt.Errorf("max-batches-per-round must not be negative")
	}
	if c.CommitLease <= 0 {
		return fmt.Errorf("commit-lease must be greater than zero")
	}
	return nil
}
