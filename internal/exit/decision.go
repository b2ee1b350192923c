package exit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason names why a position is being exited.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonStoploss   Reason = "stop_loss"
	ReasonROI        Reason = "roi"
	ReasonSellSignal Reason = "sell_signal"
	ReasonForceExit  Reason = "force_exit"
)

// Rules bundles the immutable exit configuration.
type Rules struct {
	Ladder   Ladder
	Stoploss Stoploss
	Fee      decimal.Decimal

	// Scope restricts which rules are evaluated. The zero value evaluates everything.
	Scope Scope
}

// Scope selects a subset of the exit rules.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeStoplossOnly
)

// Input describes one position at the moment of evaluation.
type Input struct {
	OpenRate    decimal.Decimal
	CurrentRate decimal.Decimal
	OpenedAt    time.Time
	Now         time.Time
}

// Decision is the outcome of evaluating a single position.
type Decision struct {
	Exit    bool
	Reason  Reason
	Profit  decimal.Decimal
	Elapsed time.Duration

	// Step is the ROI rung that applied, if any.
	Step    Step
	HasStep bool
}

// Evaluate computes the profit of a position and runs the stoploss and ROI rules against it.
// Stoploss is checked first and wins when both would trigger.
func (r Rules) Evaluate(in Input) (Decision, error) {
	profit, err := ProfitRatio(in.OpenRate, in.CurrentRate, r.Fee)
	if err != nil {
		return Decision{}, err
	}

	elapsed := in.Now.Sub(in.OpenedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	d := Decision{Profit: profit, Elapsed: elapsed}

	if r.Stoploss.Triggered(profit) {
		d.Exit = true
		d.Reason = ReasonStoploss
		return d, nil
	}
	if r.Scope == ScopeStoplossOnly {
		return d, nil
	}

	triggered, step, ok := r.Ladder.Evaluate(elapsed, profit)
	d.Step, d.HasStep = step, ok
	if triggered {
		d.Exit = true
		d.Reason = ReasonROI
	}
	return d, nil
}
