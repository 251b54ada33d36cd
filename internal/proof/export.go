package proof

import (
	"context"
	"fmt"

	"anchorScope/internal/storage"
)

// ExportOptions selects which anchors ExportAnchors writes.
type ExportOptions struct {
	After      storage.AnchorCursor
	Limit      int
	WithProofs bool
}

// ExportResult reports what was written and where the next export resumes.
type ExportResult struct {
	Records int
	Last    storage.AnchorCursor
}

// ExportAnchors writes anchor mappings after opts.After to sink in creation
// order. With WithProofs set each record carries its event's inclusion proof.
func (s *Service) ExportAnchors(ctx context.Context, sink storage.AnchorSink, opts ExportOptions) (ExportResult, error) {
	res := ExportResult{Last: opts.After}

	anchors, err := s.store.ListAnchors(ctx, opts.After, opts.Limit)
	if err != nil {
		return res, fmt.Errorf("list anchors: %w", err)
	}

	records := make([]storage.ExportRecord, 0, len(anchors))
	for _, a := range anchors {
		rec := storage.ExportRecord{AnchorMapping: a}
		if opts.WithProofs {
			ev, err := s.store.GetEventBySource(ctx, a.Source, a.ExternalID)
			if err != nil {
				return res, fmt.Errorf("load event %s/%s: %w", a.Source, a.ExternalID, err)
			}
			p, err := s.GetMerkleProof(ctx, ev.ID)
			if err != nil {
				return res, err
			}
			if p != nil {
				rec.Proof = p.Proof
			}
		}
		records = append(records, rec)
	}

	if err := sink.PutAnchors(records); err != nil {
		return res, fmt.Errorf("write anchors: %w", err)
	}
	res.Records = len(records)
	if len(anchors) > 0 {
		res.Last = storage.AnchorCursorAfter(anchors[len(anchors)-1])
	}
	return res, nil
}
