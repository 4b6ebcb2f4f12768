package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Format renders minor units as a decimal amount with two places.
func Format(amount int64, currency string) string {
	return decimal.New(amount, -2).StringFixed(2) + " " + currency
}

// ParseRate parses a VAT rate expressed as a fraction, e.g. "0.25".
func ParseRate(rate string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vat rate %q: %w", rate, err)
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("vat rate %q must be in [0, 1)", rate)
	}
	return r, nil
}

// SplitVAT splits a VAT-inclusive total into base and VAT:
// base = total / (1 + rate) rounded to whole minor units, vat = total - base.
func SplitVAT(total int64, rate string) (base int64, vat int64, err error) {
	r, err := ParseRate(rate)
	if err != nil {
		return 0, 0, err
	}
	b := decimal.NewFromInt(total).Div(decimal.NewFromInt(1).Add(r)).Round(0)
	base = b.IntPart()
	return base, total - base, nil
}
