package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RedisConfig holds connection settings for the Redis list queue.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue is a Redis list: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	logger *zap.Logger
}

func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisQueue(client, cfg, logger), nil
}

func newRedisQueue(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "anchor:normalise"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, logger: logger}
}

func (q *RedisQueue) Publish(ctx context.Context, eventID string) error {
	if err := q.client.LPush(ctx, q.queue, eventID).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Consume drops ids whose handler fails; the normalise sweep retries them
// from the store. It returns once every worker has stopped.
func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				values, err := q.client.BRPop(gctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
						return err
					}
					return fmt.Errorf("redis consume: %w", err)
				}
				if len(values) != 2 {
					continue
				}
				if err := handler(gctx, values[1]); err != nil {
					q.logger.Warn("queue handler failed", zap.String("event_id", values[1]), zap.Error(err))
				}
			}
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
