package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

var minorUnits = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"IDR": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// MinorUnits returns the number of decimal places of currency, default 2.
func MinorUnits(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return places
	}
	return 2
}

// Round applies banker's rounding at the currency minor unit.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.RoundBank(MinorUnits(currency))
}
