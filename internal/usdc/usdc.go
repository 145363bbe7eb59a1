// Package usdc converts between human USDC amounts and 6-decimal base units.
package usdc

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// Parse converts a decimal string ("1.50") to base units (1500000).
// Empty input is zero. Negative or malformed input returns ok=false, and
// digits past the sixth decimal place are truncated.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") || strings.ContainsAny(s, "eE") {
		return nil, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	return ToBaseUnits(d), true
}

// ToBaseUnits truncates d to 6 decimals and returns it in base units.
func ToBaseUnits(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).Truncate(0).BigInt()
}

// FromBaseUnits returns the decimal value of a base-unit amount.
func FromBaseUnits(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -Decimals)
}

// Format renders base units with exactly 6 decimal places ("1.500000").
func Format(amount *big.Int) string {
	return FromBaseUnits(amount).StringFixed(Decimals)
}
