package model

import (
	"encoding/json"
	"time"
)

// EventStatus is the lifecycle state of a captured event.
type EventStatus string

const (
	EventCaptured   EventStatus = "captured"
	EventNormalised EventStatus = "normalised"
	EventBatched    EventStatus = "batched"
	EventCommitted  EventStatus = "committed"
	EventFailed     EventStatus = "failed"
)

// HasContentHash reports whether events in this status carry a content hash.
func (s EventStatus) HasContentHash() bool {
	return s == EventNormalised || s == EventBatched || s == EventCommitted
}

// HasBatch reports whether events in this status belong to a batch.
func (s EventStatus) HasBatch() bool {
	return s == EventBatched || s == EventCommitted
}

// CapturedEvent is a stored external event keyed by (Source, SourceID).
type CapturedEvent struct {
	ID                string          `json:"id"`
	Source            Source          `json:"source"`
	SourceID          string          `json:"source_id"`
	EventType         string          `json:"event_type"`
	RawPayload        json.RawMessage `json:"raw_payload"`
	NormalisedPayload json.RawMessage `json:"normalised_payload,omitempty"`
	ContentHash       string          `json:"content_hash,omitempty"`
	Status            EventStatus     `json:"status"`
	BatchID           *string         `json:"batch_id,omitempty"`
	CommitTxid        *string         `json:"commit_txid,omitempty"`
	CapturedAt        time.Time       `json:"captured_at"`
	NormalisedAt      *time.Time      `json:"normalised_at,omitempty"`
	CommittedAt       *time.Time      `json:"committed_at,omitempty"`
}

// CanonicalEvent is the source-agnostic shape produced by normalisation.
// Amounts are decimal strings in major units.
type CanonicalEvent struct {
	Source    Source            `json:"source"`
	SourceID  string            `json:"source_id"`
	EventType string            `json:"event_type"`
	Amount    string            `json:"amount,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp string            `json:"timestamp"`
}
