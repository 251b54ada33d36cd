package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConfig holds connection settings for the AMQP queue.
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// amqpChannel is the part of *amqp.Channel the queue uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQQueue publishes ids to a durable queue and consumes with manual acks.
type RabbitMQQueue struct {
	conn   *amqp.Connection
	ch     amqpChannel
	queue  string
	logger *zap.Logger
}

func NewRabbitMQQueue(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "anchor.normalise"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set rabbitmq qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	return newRabbitMQQueue(conn, ch, queue, logger), nil
}

func newRabbitMQQueue(conn *amqp.Connection, ch amqpChannel, queue string, logger *zap.Logger) *RabbitMQQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, logger: logger}
}

func (q *RabbitMQQueue) Publish(ctx context.Context, eventID string) error {
	if q == nil || q.ch == nil {
		return ErrClosed
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(eventID),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Consume acks every delivery. Failed ids are left to the normalise sweep.
func (q *RabbitMQQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if q == nil || q.ch == nil {
		return ErrClosed
	}
	if workers <= 0 {
		workers = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("subscribe rabbitmq queue: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					id := string(msg.Body)
					if err := handler(ctx, id); err != nil {
						q.logger.Warn("queue handler failed", zap.String("event_id", id), zap.Error(err))
					}
					if err := msg.Ack(false); err != nil {
						q.logger.Warn("rabbitmq ack failed", zap.String("event_id", id), zap.Error(err))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
