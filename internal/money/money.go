// Package money converts between human amounts and ledger minor units.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places the ledger keeps
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Limits bounds ledger amounts, in minor units
type Limits struct {
	Max int64
}

// NewLimits parses a major-unit maximum such as "1000000"
func NewLimits(maxMajor string) (Limits, error) {
	d, err := decimal.NewFromString(maxMajor)
	if err != nil {
		return Limits{}, fmt.Errorf("invalid ledger max amount %q: %w", maxMajor, err)
	}
	if !d.IsPositive() {
		return Limits{}, fmt.Errorf("ledger max amount must be positive, got %s", maxMajor)
	}
	return Limits{Max: ToMinor(d)}, nil
}

// Clamp bounds a minor-unit amount to [0, Max]
func (l Limits) Clamp(amount int64) int64 {
	if amount < 0 {
		return 0
	}
	if l.Max > 0 && amount > l.Max {
		return l.Max
	}
	return amount
}

// ClampDecimal rounds d to the ledger scale and bounds it. Out of range
// values are clamped, not rejected.
func (l Limits) ClampDecimal(d decimal.Decimal) int64 {
	return l.Clamp(ToMinor(d))
}

// ToMinor rounds a major-unit decimal to minor units
func ToMinor(d decimal.Decimal) int64 {
	return d.Round(Scale).Mul(hundred).IntPart()
}

// ParseMinor parses a major-unit string like "12.345" into minor units (1235)
func ParseMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return ToMinor(d), nil
}

// Format renders minor units as a major-unit string with two decimals
func Format(minor int64) string {
	return decimal.New(minor, -Scale).StringFixed(Scale)
}

// ApplyDiscount returns amount reduced by percent, rounded half up to minor units
func ApplyDiscount(amount int64, percent int) int64 {
	if percent <= 0 {
		return amount
	}
	if percent >= 100 {
		return 0
	}
	d := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(100 - percent))).
		Div(hundred).
		Round(0)
	return d.IntPart()
}
