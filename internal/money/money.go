// Package money holds the decimal helpers shared by the reconciliation packages.
package money

import "github.com/shopspring/decimal"

// Tolerance is the rounding slack accepted when comparing amounts.
var Tolerance = decimal.New(1, -2)

// Round normalises an amount to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Covers reports whether available is enough for requested within tolerance.
func Covers(available, requested decimal.Decimal) bool {
	return requested.LessThanOrEqual(available.Add(Tolerance))
}

// Equal compares two amounts within tolerance.
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Positive reports whether d is strictly above zero after rounding.
func Positive(d decimal.Decimal) bool {
	return Round(d).GreaterThan(decimal.Zero)
}

// Sum adds the given amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Max returns the larger amount.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller amount.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
