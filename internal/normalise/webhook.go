package normalise

import (
	"errors"

	"anchorScope/internal/model"
)

var genericKnownFields = map[string]bool{
	"amount": true, "currency": true, "sender": true, "recipient": true, "timestamp": true,
}

// GenericWebhookMapper reads the canonical fields directly and keeps every
// other scalar as metadata.
type GenericWebhookMapper struct{}

func (GenericWebhookMapper) Source() model.Source { return model.SourceGenericWebhook }

func (GenericWebhookMapper) Map(in Input) (*model.CanonicalEvent, error) {
	f, err := decodeFields(in.Raw)
	if err != nil {
		return nil, err
	}
	out := &model.CanonicalEvent{
		Currency:  normaliseCurrency(f.str("currency")),
		Sender:    f.str("sender"),
		Recipient: f.str("recipient"),
		Metadata:  map[string]string{},
	}
	amount, ok, err := f.decimal("amount")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Amount = formatAmount(amount)
	}
	ts, ok, err := f.timestamp("timestamp")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Timestamp = formatTimestamp(ts)
	}
	flatten("", f, out.Metadata, genericKnownFields)
	return out, nil
}

var agentKnownFields = map[string]bool{
	"agentId": true, "action": true, "target": true, "cost": true, "currency": true, "timestamp": true,
}

// AgentMapper handles autonomous-agent actions. The agent is the sender and
// the action target the recipient.
type AgentMapper struct{}

func (AgentMapper) Source() model.Source { return model.SourceAgent }

func (AgentMapper) Map(in Input) (*model.CanonicalEvent, error) {
	f, err := decodeFields(in.Raw)
	if err != nil {
		return nil, err
	}
	agentID := f.str("agentId")
	if agentID == "" {
		return nil, errors.New("missing agentId")
	}
	action := f.str("action")
	if action == "" {
		return nil, errors.New("missing action")
	}

	out := &model.CanonicalEvent{
		Sender:    agentID,
		Recipient: f.str("target"),
		Currency:  normaliseCurrency(f.str("currency")),
		Metadata:  map[string]string{"action": action},
	}
	cost, ok, err := f.decimal("cost")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Amount = formatAmount(cost)
	}
	ts, ok, err := f.timestamp("timestamp")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Timestamp = formatTimestamp(ts)
	}
	flatten("", f, out.Metadata, agentKnownFields)
	return out, nil
}
