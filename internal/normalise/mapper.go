// Package normalise maps raw source payloads to the canonical event shape and
// computes their content hashes.
package normalise

import (
	"errors"
	"fmt"
	"time"

	"anchorScope/internal/model"
)

// Input is the immutable part of a captured event that a mapper may read.
type Input struct {
	SourceID   string
	EventType  string
	Raw        []byte
	CapturedAt time.Time
}

// Mapper converts one source's payload shape into a CanonicalEvent.
// Implementations must be pure: equal input always yields an equal result.
type Mapper interface {
	Source() model.Source
	Map(in Input) (*model.CanonicalEvent, error)
}

// Registry dispatches on event source.
type Registry map[model.Source]Mapper

// DefaultRegistry returns a mapper for every supported source.
func DefaultRegistry() Registry {
	return NewRegistry(
		PaymentAMapper{},
		PaymentBMapper{},
		NewChainEthMapper(),
		ChainSolMapper{},
		ChainNativeMapper{},
		GenericWebhookMapper{},
		AgentMapper{},
	)
}

func NewRegistry(mappers ...Mapper) Registry {
	r := make(Registry, len(mappers))
	for _, m := range mappers {
		r[m.Source()] = m
	}
	return r
}

// Map normalises ev with the mapper registered for its source. Identity
// fields always come from the stored row; a missing timestamp falls back to
// the capture time.
func (r Registry) Map(ev *model.CapturedEvent) (*model.CanonicalEvent, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	m, ok := r[ev.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownSource, ev.Source)
	}
	out, err := m.Map(Input{
		SourceID:   ev.SourceID,
		EventType:  ev.EventType,
		Raw:        ev.RawPayload,
		CapturedAt: ev.CapturedAt,
	})
	if err != nil {
		return nil, err
	}
	out.Source = ev.Source
	out.SourceID = ev.SourceID
	out.EventType = ev.EventType
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if out.Timestamp == "" {
		out.Timestamp = formatTimestamp(ev.CapturedAt)
	}
	return out, nil
}
