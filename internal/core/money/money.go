// Package money implements integer-cent financial arithmetic. Amounts are
// int64 cents everywhere; percentages are decimals so intermediate math stays
// exact and no operation ever rounds through a float.
package money

import (
	"github.com/shopspring/decimal"

	errors "github.com/renolink/escrow/internal"
)

var oneHundred = decimal.NewFromInt(100)

// Apportion splits total cents across the given percentages. Every share but
// the last is truncated toward zero and the full rounding remainder lands on
// the last share, so the shares always sum to exactly total.
func Apportion(total int64, percentages []decimal.Decimal) ([]int64, error) {
	if total < 0 {
		return nil, errors.ErrInvalidAmount.WithDetails("total cannot be negative")
	}
	if len(percentages) == 0 {
		return nil, errors.ErrInvalidAmount.WithDetails("at least one percentage is required")
	}

	shares := make([]int64, len(percentages))
	totalDec := decimal.NewFromInt(total)

	var allocated int64
	for i, pct := range percentages {
		if pct.IsNegative() {
			return nil, errors.ErrInvalidAmount.WithDetails("percentage cannot be negative")
		}
		if i == len(percentages)-1 {
			break
		}
		share := totalDec.Mul(pct).Div(oneHundred).Truncate(0).IntPart()
		shares[i] = share
		allocated += share
	}

	shares[len(shares)-1] = total - allocated
	return shares, nil
}

// PercentageOf returns pct percent of amount in cents, rounded half-up.
func PercentageOf(amount int64, pct decimal.Decimal) (int64, error) {
	if amount < 0 {
		return 0, errors.ErrInvalidAmount.WithDetails("amount cannot be negative")
	}
	if pct.IsNegative() {
		return 0, errors.ErrInvalidAmount.WithDetails("percentage cannot be negative")
	}

	// decimal.Round rounds half away from zero, which is half-up for the
	// non-negative amounts allowed here.
	return decimal.NewFromInt(amount).Mul(pct).Div(oneHundred).Round(0).IntPart(), nil
}
