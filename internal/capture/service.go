// Package capture is the single ingestion entry point. Capturing is
// idempotent on (source, source id) so producers may re-deliver freely.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anchorScope/internal/model"
	"anchorScope/internal/queue"
	"anchorScope/internal/storage"
)

// Service stores raw events and hands new ones to the normalise queue.
type Service struct {
	store    storage.EventStore
	producer queue.Producer
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewService builds a capture service. producer may be nil, in which case
// new events are left for the normalise sweep.
func NewService(store storage.EventStore, producer queue.Producer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		producer: producer,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Capture records an event. An existing (source, sourceID) row is returned
// unchanged. ts overrides the capture time when non-nil.
func (s *Service) Capture(ctx context.Context, source model.Source, sourceID, eventType string, payload []byte, ts *time.Time) (*model.CapturedEvent, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("capture %q: %w", source, model.ErrUnknownSource)
	}
	if sourceID == "" {
		return nil, errors.New("capture: source id is required")
	}
	if eventType == "" {
		return nil, errors.New("capture: event type is required")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("capture %s/%s: payload is not valid json", source, sourceID)
	}

	capturedAt := s.now().UTC()
	if ts != nil && !ts.IsZero() {
		capturedAt = ts.UTC()
	}
	ev := &model.CapturedEvent{
		ID:         s.newID(),
		Source:     source,
		SourceID:   sourceID,
		EventType:  eventType,
		RawPayload: json.RawMessage(payload),
		Status:     model.EventCaptured,
		CapturedAt: capturedAt,
	}

	inserted, err := s.store.InsertEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("capture event: %w", err)
	}
	if !inserted {
		existing, err := s.store.GetEventBySource(ctx, source, sourceID)
		if err != nil {
			return nil, fmt.Errorf("load existing event: %w", err)
		}
		s.logger.Debug(model.ErrDuplicateCapture.Error(),
			zap.String("source", string(source)),
			zap.String("source_id", sourceID),
			zap.String("event_id", existing.ID),
		)
		return existing, nil
	}

	stored, err := s.store.GetEvent(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("load captured event: %w", err)
	}
	s.logger.Info("event captured",
		zap.String("event_id", stored.ID),
		zap.String("source", string(source)),
		zap.String("source_id", sourceID),
	)
	s.publish(ctx, stored.ID)
	return stored, nil
}

func (s *Service) publish(ctx context.Context, eventID string) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, eventID); err != nil {
		s.logger.Warn("publish to normalise queue failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
