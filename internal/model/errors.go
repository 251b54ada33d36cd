package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownSource is returned for sources outside the supported set.
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateCapture marks a re-delivered event. It is informational only.
	ErrDuplicateCapture = errors.New("duplicate capture ignored")
	// ErrBatchClaimConflict is a transient failure to claim events for a batch.
	ErrBatchClaimConflict = errors.New("batch claim conflict")
	// ErrProofNotFound means the event has no committed batch yet.
	ErrProofNotFound = errors.New("proof not found")
	// ErrInvalidTransition is returned when a batch or event is not in a state that allows the update.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrBatchLeased means another committer holds an unexpired claim on the batch.
	ErrBatchLeased = errors.New("batch leased by another committer")
)

// NormalisationError reports an event that could not be mapped to a CanonicalEvent.
type NormalisationError struct {
	EventID string
	Source  Source
	Err     error
}

func (e *NormalisationError) Error() string {
	return fmt.Sprintf("normalise event %s (%s): %v", e.EventID, e.Source, e.Err)
}

func (e *NormalisationError) Unwrap() error {
	return e.Err
}

// BroadcastError wraps a ledger broadcast failure.
// Fatal errors are not retried and fail the batch.
type BroadcastError struct {
	Fatal bool
	Err   error
}

func (e *BroadcastError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("ledger broadcast fatal: %v", e.Err)
	}
	return fmt.Sprintf("ledger broadcast: %v", e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// IsFatalBroadcast reports whether err is a non-retryable broadcast failure.
func IsFatalBroadcast(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be) && be.Fatal
}

// AnchorMismatchError signals stored proof data that no longer matches.
// It indicates corruption and must never be treated as a soft failure.
type AnchorMismatchError struct {
	Source     Source
	ExternalID string
	Expected   string
	Computed   string
	Reason     string
}

func (e *AnchorMismatchError) Error() string {
	return fmt.Sprintf("anchor verification mismatch for %s/%s: %s (expected %s, computed %s)",
		e.Source, e.ExternalID, e.Reason, e.Expected, e.Computed)
}
