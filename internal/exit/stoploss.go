package exit

import "github.com/shopspring/decimal"

// Stoploss is an optional loss threshold. The zero value is disabled.
type Stoploss struct {
	threshold decimal.Decimal
	enabled   bool
}

// NewStoploss returns an enabled stoploss at the given signed ratio, e.g. -0.10.
func NewStoploss(threshold decimal.Decimal) Stoploss {
	return Stoploss{threshold: threshold, enabled: true}
}

// Enabled reports whether a threshold is configured.
func (s Stoploss) Enabled() bool { return s.enabled }

// Threshold returns the configured ratio; only meaningful when Enabled.
func (s Stoploss) Threshold() decimal.Decimal { return s.threshold }

// Triggered reports whether profit has fallen to or below the threshold.
func (s Stoploss) Triggered(profit decimal.Decimal) bool {
	return s.enabled && profit.LessThanOrEqual(s.threshold)
}
