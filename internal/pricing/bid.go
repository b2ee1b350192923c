// Package pricing computes order prices from market quotes.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidParameter is returned for a balance outside [0, 1] or a non-positive quote.
var ErrInvalidParameter = errors.New("invalid parameter")

// ValidateBalance checks that the ask/last balance is within [0, 1].
func ValidateBalance(balance decimal.Decimal) error {
	if balance.IsNegative() || balance.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: ask/last balance %s outside [0, 1]", ErrInvalidParameter, balance)
	}
	return nil
}

// TargetBid interpolates between the best ask (balance 0) and the last trade (balance 1).
// The result is not clamped to the ask when last is above it.
func TargetBid(ask, last, balance decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateBalance(balance); err != nil {
		return decimal.Zero, err
	}
	if !ask.IsPositive() || !last.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: ask %s and last %s must be positive", ErrInvalidParameter, ask, last)
	}
	return ask.Add(balance.Mul(last.Sub(ask))), nil
}
