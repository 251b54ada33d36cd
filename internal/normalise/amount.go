package normalise

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose smallest unit is the major unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// Currencies with three minor digits.
var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "JOD": true, "KWD": true, "OMR": true, "TND": true,
}

const (
	weiDecimals     = 18
	lamportDecimals = 9
	satoshiDecimals = 8
)

func normaliseCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// minorExponent returns the number of minor-unit digits of currency.
func minorExponent(currency string) int32 {
	switch {
	case zeroDecimalCurrencies[currency]:
		return 0
	case threeDecimalCurrencies[currency]:
		return 3
	default:
		return 2
	}
}

// fromMinorUnits converts an amount in minor units to a major-unit string.
func fromMinorUnits(minor decimal.Decimal, currency string) string {
	return minor.Shift(-minorExponent(currency)).String()
}

// fromBaseUnits scales an integer amount by 10^-decimals.
func fromBaseUnits(v *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(v, -decimals).String()
}

func formatAmount(d decimal.Decimal) string {
	return d.String()
}
