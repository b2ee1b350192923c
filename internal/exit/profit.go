package exit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidPrice is returned when a price handed to the profit calculator is not positive.
var ErrInvalidPrice = errors.New("invalid price")

var one = decimal.NewFromInt(1)

// ProfitRatio returns the fractional return of selling at current after fees, relative to entry.
//
//	ratio = current * (1 - fee) / entry - 1
func ProfitRatio(entry, current, fee decimal.Decimal) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: entry price %s", ErrInvalidPrice, entry)
	}
	if !current.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: current price %s", ErrInvalidPrice, current)
	}
	net := current.Mul(one.Sub(fee))
	return net.DivRound(entry, 16).Sub(one), nil
}
