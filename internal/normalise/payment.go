package normalise

import (
	"errors"
	"fmt"

	"anchorScope/internal/model"
)

// PaymentAMapper handles card-processor webhooks shaped as
// {id, type, created, account?, data: {object: {...}}} with minor-unit amounts.
type PaymentAMapper struct{}

func (PaymentAMapper) Source() model.Source { return model.SourcePaymentA }

func (PaymentAMapper) Map(in Input) (*model.CanonicalEvent, error) {
	f, err := decodeFields(in.Raw)
	if err != nil {
		return nil, err
	}
	obj := f.object("data").object("object")
	if obj == nil {
		return nil, errors.New("missing data.object")
	}

	out := &model.CanonicalEvent{Metadata: map[string]string{}}
	out.Currency = normaliseCurrency(obj.str("currency"))
	for _, key := range []string{"amount", "amount_total", "amount_received"} {
		minor, ok, err := obj.decimal(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if out.Currency == "" {
			return nil, fmt.Errorf("field %s: amount without currency", key)
		}
		out.Amount = fromMinorUnits(minor, out.Currency)
		break
	}
	out.Sender = obj.str("customer", "customer_email", "receipt_email")
	out.Recipient = f.str("account")

	setIfPresent(out.Metadata, "provider_event_id", f.str("id"))
	setIfPresent(out.Metadata, "provider_event_type", f.str("type"))
	setIfPresent(out.Metadata, "object_id", obj.str("id"))
	setIfPresent(out.Metadata, "object_type", obj.str("object"))
	setIfPresent(out.Metadata, "status", obj.str("status"))
	flatten("metadata", map[string]any(obj.object("metadata")), out.Metadata, nil)

	ts, ok, err := f.timestamp("created")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Timestamp = formatTimestamp(ts)
	}
	return out, nil
}

// PaymentBMapper handles wallet-processor webhooks shaped as
// {id, event_type, create_time, resource: {amount, payer, payee}} with
// major-unit amounts.
type PaymentBMapper struct{}

func (PaymentBMapper) Source() model.Source { return model.SourcePaymentB }

func (PaymentBMapper) Map(in Input) (*model.CanonicalEvent, error) {
	f, err := decodeFields(in.Raw)
	if err != nil {
		return nil, err
	}
	res := f.object("resource")
	if res == nil {
		return nil, errors.New("missing resource")
	}

	out := &model.CanonicalEvent{Metadata: map[string]string{}}
	if amt := res.object("amount"); amt != nil {
		out.Currency = normaliseCurrency(amt.str("currency_code", "currency"))
		for _, key := range []string{"value", "total"} {
			d, ok, err := amt.decimal(key)
			if err != nil {
				return nil, err
			}
			if ok {
				out.Amount = formatAmount(d)
				break
			}
		}
		if out.Amount != "" && out.Currency == "" {
			return nil, errors.New("resource.amount: amount without currency")
		}
	}

	payer := res.object("payer")
	out.Sender = payer.str("email_address", "payer_id")
	if out.Sender == "" {
		out.Sender = payer.object("payer_info").str("email", "payer_id")
	}
	out.Recipient = res.object("payee").str("email_address", "merchant_id")

	setIfPresent(out.Metadata, "provider_event_id", f.str("id"))
	setIfPresent(out.Metadata, "provider_event_type", f.str("event_type"))
	setIfPresent(out.Metadata, "resource_type", f.str("resource_type"))
	setIfPresent(out.Metadata, "resource_id", res.str("id"))
	setIfPresent(out.Metadata, "status", res.str("status", "state"))

	ts, ok, err := f.timestamp("create_time")
	if err != nil {
		return nil, err
	}
	if !ok {
		if ts, ok, err = res.timestamp("create_time"); err != nil {
			return nil, err
		}
	}
	if ok {
		out.Timestamp = formatTimestamp(ts)
	}
	return out, nil
}
