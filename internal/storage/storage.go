// Package storage defines persistence for captured events, commit batches and
// anchor mappings. Implementations live in the postgres and sqlite packages.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"anchorScope/internal/merkle"
	"anchorScope/internal/model"
)

// BatchBuildFunc builds the Merkle tree over events claimed for a batch.
// Events are passed in claim order. Returning an error aborts the claim.
type BatchBuildFunc func(claimed []model.CapturedEvent) (*merkle.Tree, error)

// EventStore persists captured events.
type EventStore interface {
	// InsertEvent inserts ev unless (source, source_id) exists.
	// It reports whether a row was written.
	InsertEvent(ctx context.Context, ev *model.CapturedEvent) (bool, error)
	GetEvent(ctx context.Context, id string) (*model.CapturedEvent, error)
	GetEventBySource(ctx context.Context, source model.Source, sourceID string) (*model.CapturedEvent, error)
	// SaveNormalised stores the canonical payload of a captured or normalised event.
	SaveNormalised(ctx context.Context, id string, payload json.RawMessage, contentHash string, at time.Time) error
	// ListCaptured returns the oldest events still in captured status that
	// sort after cursor. A zero cursor starts from the beginning.
	ListCaptured(ctx context.Context, after Cursor, limit int) ([]model.CapturedEvent, error)
}

// BatchStore persists commit batches and drives their state transitions.
type BatchStore interface {
	// ClaimBatch atomically assigns up to maxEvents normalised, unbatched
	// events to a new batch. It returns nil when nothing is pending.
	ClaimBatch(ctx context.Context, batchID string, maxEvents int, createdAt time.Time, build BatchBuildFunc) (*model.CommitBatch, error)
	GetBatch(ctx context.Context, id string) (*model.CommitBatch, error)
	ListBatches(ctx context.Context, statuses ...model.BatchStatus) ([]*model.CommitBatch, error)
	// MarkBuilding claims a pending, building or signed batch for one commit
	// attempt and counts the attempt. Pending batches move to building;
	// signed batches stay signed. It fails with model.ErrBatchLeased while
	// another claim is unexpired.
	MarkBuilding(ctx context.Context, id string, claim CommitClaim) (*model.CommitBatch, error)
	// MarkSigned stores the signed transaction of a building batch held by
	// token and moves it to signed.
	MarkSigned(ctx context.Context, id, token, txid string, raw []byte) error
	// ReleaseBatch records the last error and drops the claim held by token
	// without changing status.
	ReleaseBatch(ctx context.Context, id, token, message string) error
	// MarkBroadcast records txid, commits member events and writes their
	// anchor mappings in one transaction.
	MarkBroadcast(ctx context.Context, id, txid string, at time.Time) error
	// MarkFailed fails the batch and releases its events back to normalised.
	MarkFailed(ctx context.Context, id, message string) error
	MarkConfirmed(ctx context.Context, id string, at time.Time) error
}

// AnchorStore reads and verifies anchor mappings.
type AnchorStore interface {
	GetAnchor(ctx context.Context, source model.Source, externalID string) (*model.AnchorMapping, error)
	// ListAnchors returns mappings after cursor ordered by (created_at,
	// source, external_id). A limit <= 0 returns all.
	ListAnchors(ctx context.Context, after AnchorCursor, limit int) ([]model.AnchorMapping, error)
	MarkAnchorVerified(ctx context.Context, source model.Source, externalID string, at time.Time) error
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	EventStore
	BatchStore
	AnchorStore
	Stats(ctx context.Context) (model.Stats, error)
	Migrate(ctx context.Context) error
	Close()
}

// CommitClaim identifies one commit attempt. The claim lapses at Until so a
// crashed committer does not hold the batch forever.
type CommitClaim struct {
	Token string
	Now   time.Time
	Until time.Time
}

// ClaimRefused explains why MarkBuilding could not claim b.
func ClaimRefused(b *model.CommitBatch) error {
	switch b.Status {
	case model.BatchPending, model.BatchBuilding, model.BatchSigned:
		return fmt.Errorf("mark batch %s building: %w", b.ID, model.ErrBatchLeased)
	}
	return fmt.Errorf("mark batch %s building from %s: %w", b.ID, b.Status, model.ErrInvalidTransition)
}

// Cursor is a keyset position over (captured_at, id).
type Cursor struct {
	CapturedAt time.Time
	ID         string
}

// IsZero reports whether the cursor is at the start.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CapturedAt.IsZero()
}

// CursorAfter returns the position just after ev.
func CursorAfter(ev model.CapturedEvent) Cursor {
	return Cursor{CapturedAt: ev.CapturedAt, ID: ev.ID}
}

// AnchorCursor is a keyset position over (created_at, source, external_id).
type AnchorCursor struct {
	CreatedAt  time.Time    `json:"created_at"`
	Source     model.Source `json:"source"`
	ExternalID string       `json:"external_id"`
}

// IsZero reports whether the cursor is at the start.
func (c AnchorCursor) IsZero() bool {
	return c.ExternalID == "" && c.Source == "" && c.CreatedAt.IsZero()
}

// AnchorCursorAfter returns the position just after a.
func AnchorCursorAfter(a model.AnchorMapping) AnchorCursor {
	return AnchorCursor{CreatedAt: a.CreatedAt, Source: a.Source, ExternalID: a.ExternalID}
}

// SortClaimed orders claimed events by capture time then id, the order the
// claim query selected them in. RETURNING does not guarantee that order.
func SortClaimed(events []model.CapturedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CapturedAt.Equal(events[j].CapturedAt) {
			return events[i].CapturedAt.Before(events[j].CapturedAt)
		}
		return events[i].ID < events[j].ID
	})
}

// NewStats returns Stats with every status present and zeroed.
func NewStats() model.Stats {
	stats := model.Stats{
		Events:  make(map[model.EventStatus]int),
		Batches: make(map[model.BatchStatus]int),
	}
	for _, s := range []model.EventStatus{model.EventCaptured, model.EventNormalised, model.EventBatched, model.EventCommitted, model.EventFailed} {
		stats.Events[s] = 0
	}
	for _, s := range []model.BatchStatus{model.BatchPending, model.BatchBuilding, model.BatchSigned, model.BatchBroadcast, model.BatchConfirmed, model.BatchFailed} {
		stats.Batches[s] = 0
	}
	return stats
}
