package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryQueue is a buffered channel queue for single-process runs and tests.
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
	logger *zap.Logger
}

func NewMemoryQueue(size int, logger *zap.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{ch: make(chan string, size), logger: logger}
}

func (q *MemoryQueue) Publish(ctx context.Context, eventID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- eventID:
		return nil
	}
}

// Consume returns nil once the queue is closed and drained.
func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
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
				case id, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, id); err != nil {
						q.logger.Warn("queue handler failed", zap.String("event_id", id), zap.Error(err))
					}
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		<-done
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Len reports the number of buffered ids.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
