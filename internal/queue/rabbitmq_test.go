package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	acked      []uint64
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	c.deliveries <- amqp.Delivery{
		Acknowledger: c,
		DeliveryTag:  uint64(len(c.published)),
		RoutingKey:   key,
		Body:         msg.Body,
	}
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, tag)
	return nil
}

func (c *fakeChannel) Nack(uint64, bool, bool) error { return errors.New("unexpected nack") }

func (c *fakeChannel) Reject(uint64, bool) error { return errors.New("unexpected reject") }

func TestRabbitMQQueueAcksEveryDelivery(t *testing.T) {
	ch := newFakeChannel()
	q := newRabbitMQQueue(nil, ch, "anchor.test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := []string{"evt-1", "evt-2", "evt-3", "evt-4"}
	for _, id := range want {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	for _, msg := range ch.published {
		if msg.DeliveryMode != amqp.Persistent {
			t.Fatalf("delivery mode = %d, want persistent", msg.DeliveryMode)
		}
	}

	var mu sync.Mutex
	var got []string
	err := q.Consume(ctx, 2, func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, id)
		if len(got) == len(want) {
			cancel()
		}
		if id == "evt-3" {
			return errors.New("handler failure is logged, not fatal")
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("consume error = %v, want context.Canceled", err)
	}
	sort.Strings(got)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if len(ch.acked) != len(want) {
		t.Fatalf("acked %v, want %d deliveries", ch.acked, len(want))
	}

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed {
		t.Fatalf("channel not closed")
	}
}

func TestRabbitMQQueueClosed(t *testing.T) {
	var q *RabbitMQQueue
	if err := q.Publish(context.Background(), "evt-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish on nil queue = %v", err)
	}
}
