package normalise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"anchorScope/internal/canonical"
	"anchorScope/internal/model"
	"anchorScope/internal/storage"
)

// Service normalises captured events in the store.
type Service struct {
	store   storage.EventStore
	mappers Registry
	logger  *zap.Logger
	now     func() time.Time
}

// NewService builds a normaliser. A nil registry uses DefaultRegistry.
func NewService(store storage.EventStore, mappers Registry, logger *zap.Logger) *Service {
	if mappers == nil {
		mappers = DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, mappers: mappers, logger: logger, now: time.Now}
}

// Canonicalize maps ev and returns the canonical JSON bytes and their hash.
func (s *Service) Canonicalize(ev *model.CapturedEvent) ([]byte, string, error) {
	out, err := s.mappers.Map(ev)
	if err != nil {
		return nil, "", &model.NormalisationError{EventID: ev.ID, Source: ev.Source, Err: err}
	}
	payload, err := canonical.Marshal(out)
	if err != nil {
		return nil, "", &model.NormalisationError{EventID: ev.ID, Source: ev.Source, Err: err}
	}
	return payload, canonical.HashBytes(payload), nil
}

// NormaliseEvent normalises one event. Captured and normalised events are
// (re)written; batched and committed events are only checked against their
// stored hash, since that hash is already part of a tree.
func (s *Service) NormaliseEvent(ctx context.Context, eventID string) (*model.CapturedEvent, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	payload, hash, err := s.Canonicalize(ev)
	if err != nil {
		s.logger.Warn("normalisation failed",
			zap.String("event_id", ev.ID),
			zap.String("source", string(ev.Source)),
			zap.Error(err),
		)
		return nil, err
	}

	switch ev.Status {
	case model.EventCaptured, model.EventNormalised:
		err := s.store.SaveNormalised(ctx, ev.ID, payload, hash, s.now().UTC())
		if errors.Is(err, model.ErrInvalidTransition) {
			// batched between the read and the write
			ev, err = s.store.GetEvent(ctx, eventID)
			if err != nil {
				return nil, err
			}
			return s.checkFrozen(ev, hash)
		}
		if err != nil {
			return nil, err
		}
		s.logger.Debug("event normalised", zap.String("event_id", ev.ID), zap.String("content_hash", hash))
		return s.store.GetEvent(ctx, eventID)
	case model.EventBatched, model.EventCommitted:
		return s.checkFrozen(ev, hash)
	default:
		return nil, fmt.Errorf("normalise event %s in status %s: %w", ev.ID, ev.Status, model.ErrInvalidTransition)
	}
}

func (s *Service) checkFrozen(ev *model.CapturedEvent, hash string) (*model.CapturedEvent, error) {
	if ev.ContentHash == hash {
		return ev, nil
	}
	err := &model.AnchorMismatchError{
		Source:     ev.Source,
		ExternalID: ev.SourceID,
		Expected:   ev.ContentHash,
		Computed:   hash,
		Reason:     "content hash changed after batching",
	}
	s.logger.Error("normalised hash differs from batched hash",
		zap.String("event_id", ev.ID),
		zap.String("status", string(ev.Status)),
		zap.Error(err),
	)
	return nil, err
}

// SweepResult counts the outcome of a sweep.
type SweepResult struct {
	Normalised int
	Failed     int
}

// Sweep normalises captured events oldest first until limit events succeed
// or none remain. Events that fail stay captured and are skipped.
func (s *Service) Sweep(ctx context.Context, limit int) (SweepResult, error) {
	var result SweepResult
	if limit <= 0 {
		return result, nil
	}

	var cursor storage.Cursor
	for result.Normalised < limit {
		page, err := s.store.ListCaptured(ctx, cursor, limit)
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			cursor = storage.CursorAfter(ev)
			if _, err := s.NormaliseEvent(ctx, ev.ID); err != nil {
				var nerr *model.NormalisationError
				if !errors.As(err, &nerr) && !errors.Is(err, model.ErrInvalidTransition) {
					return result, err
				}
				result.Failed++
				continue
			}
			result.Normalised++
			if result.Normalised >= limit {
				break
			}
		}
		if len(page) < limit {
			break
		}
	}

	if result.Normalised > 0 || result.Failed > 0 {
		s.logger.Info("normalise sweep complete", zap.Int("normalised", result.Normalised), zap.Int("failed", result.Failed))
	}
	return result, nil
}
