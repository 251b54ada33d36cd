// Package queue hands captured event ids from capture to normalisation.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Handler processes one event id taken from the queue.
type Handler func(ctx context.Context, eventID string) error

// Producer publishes event ids.
type Producer interface {
	Publish(ctx context.Context, eventID string) error
	Close() error
}

// Consumer delivers event ids to a handler with a pool of workers.
// Consume blocks until ctx is done or the queue fails.
type Consumer interface {
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// Queue is both ends of the hand-off.
type Queue interface {
	Producer
	Consumer
}
