package model

import "fmt"

// Source identifies the producer family of a captured event.
type Source string

const (
	SourcePaymentA       Source = "payment-processor-A"
	SourcePaymentB       Source = "payment-processor-B"
	SourceChainEth       Source = "chain-eth"
	SourceChainSol       Source = "chain-sol"
	SourceChainNative    Source = "chain-native"
	SourceGenericWebhook Source = "generic-webhook"
	SourceAgent          Source = "agent"
)

// Sources returns every supported source in a stable order.
func Sources() []Source {
	return []Source{
		SourcePaymentA,
		SourcePaymentB,
		SourceChainEth,
		SourceChainSol,
		SourceChainNative,
		SourceGenericWebhook,
		SourceAgent,
	}
}

// Valid reports whether s is one of the supported sources.
func (s Source) Valid() bool {
	for _, known := range Sources() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSource converts a raw string into a Source.
func ParseSource(input string) (Source, error) {
	s := Source(input)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, input)
	}
	return s, nil
}
