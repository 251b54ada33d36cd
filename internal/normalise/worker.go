package normalise

import (
	"context"

	"go.uber.org/zap"

	"anchorScope/internal/queue"
)

// Worker normalises event ids delivered by a queue.
type Worker struct {
	consumer queue.Consumer
	service  *Service
	workers  int
	logger   *zap.Logger
}

func NewWorker(consumer queue.Consumer, service *Service, workers int, logger *zap.Logger) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{consumer: consumer, service: service, workers: workers, logger: logger}
}

// Run blocks until ctx is done or the consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("normalise worker started", zap.Int("workers", w.workers))
	return w.consumer.Consume(ctx, w.workers, func(ctx context.Context, eventID string) error {
		_, err := w.service.NormaliseEvent(ctx, eventID)
		return err
	})
}
