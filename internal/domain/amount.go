package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the number of decimal places in one whole coin. Amounts are
// always carried as integer base units (10^9 per coin).
const AmountDecimals = 9

// Amount is a fixed-point quantity in base units.
type Amount int64

// ParseAmount converts a human decimal string such as "1.5" into base units.
// It rejects values with more precision than AmountDecimals.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount: parse %q: %w", s, err)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a whole-coin decimal into base units.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	units := d.Shift(AmountDecimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount: %s has more than %d decimal places", d.String(), AmountDecimals)
	}
	if units.GreaterThan(decimal.NewFromInt(int64(MaxStake))) || units.LessThan(decimal.NewFromInt(-int64(MaxStake))) {
		return 0, fmt.Errorf("amount: %s out of range", d.String())
	}
	return Amount(units.IntPart()), nil
}

// MaxStake is the largest stake whose pot (2 × stake) still fits an int64.
const MaxStake = Amount(math.MaxInt64 / 2)

// Decimal returns the amount in whole coins.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -AmountDecimals)
}

// String renders the amount in whole coins without trailing zeros.
func (a Amount) String() string {
	return a.Decimal().String()
}

// MulFloor multiplies by rate and rounds toward zero.
func (a Amount) MulFloor(rate decimal.Decimal) Amount {
	return Amount(decimal.NewFromInt(int64(a)).Mul(rate).Floor().IntPart())
}
