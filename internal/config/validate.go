package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"roi-trade-bot-go/internal/exit"
	"roi-trade-bot-go/internal/pricing"
)

// ErrInvalidConfig wraps every startup validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Stopped policies decide which exits still run while the bot is stopped.
const (
	StoppedPolicySuspend  = "suspend"
	StoppedPolicyStoploss = "stoploss"
	StoppedPolicyUnwind   = "unwind"
)

// Params are the validated, immutable trading parameters derived from Trading.
type Params struct {
	Ladder         exit.Ladder
	Stoploss       exit.Stoploss
	Fee            decimal.Decimal
	AskLastBalance decimal.Decimal
	StakeAmount    decimal.Decimal
	StakeCurrency  string
	MaxOpenTrades  int
	Interval       time.Duration
	QuoteMaxAge    time.Duration
	StoppedPolicy  string
	Whitelist      []string
	Blacklist      []string
	UseSellSignal  bool
	SellProfitOnly bool
}

// Validate checks the trading section and builds Params. Any error here is fatal at startup.
func (t Trading) Validate() (Params, error) {
	if len(t.MinimalROI) == 0 {
		return Params{}, fmt.Errorf("%w: minimal_roi must not be empty", ErrInvalidConfig)
	}
	ladder, err := exit.ParseLadder(t.MinimalROI)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var stoploss exit.Stoploss
	if t.Stoploss != nil {
		sl := *t.Stoploss
		if sl.LessThanOrEqual(decimal.NewFromInt(-1)) || !sl.IsNegative() {
			return Params{}, fmt.Errorf("%w: stoploss %s must be within (-1, 0)", ErrInvalidConfig, sl)
		}
		stoploss = exit.NewStoploss(sl)
	}

	balance := t.BidStrategy.AskLastBalance
	if err := pricing.ValidateBalance(balance); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if t.FeeRate.IsNegative() || t.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Params{}, fmt.Errorf("%w: fee_rate %s must be within [0, 1)", ErrInvalidConfig, t.FeeRate)
	}
	if t.ProcessInterval <= 0 {
		return Params{}, fmt.Errorf("%w: process_interval must be positive", ErrInvalidConfig)
	}
	if t.QuoteMaxAge <= 0 {
		return Params{}, fmt.Errorf("%w: quote_max_age must be positive", ErrInvalidConfig)
	}
	if t.MaxOpenTrades < 0 {
		return Params{}, fmt.Errorf("%w: max_open_trades must not be negative", ErrInvalidConfig)
	}
	if t.StakeAmount.IsNegative() {
		return Params{}, fmt.Errorf("%w: stake_amount must not be negative", ErrInvalidConfig)
	}

	policy := strings.ToLower(t.StoppedPolicy)
	switch policy {
	case "":
		policy = StoppedPolicySuspend
	case StoppedPolicySuspend, StoppedPolicyStoploss, StoppedPolicyUnwind:
	default:
		return Params{}, fmt.Errorf("%w: unknown stopped_policy %q", ErrInvalidConfig, t.StoppedPolicy)
	}

	return Params{
		Ladder:         ladder,
		Stoploss:       stoploss,
		Fee:            t.FeeRate,
		AskLastBalance: balance,
		StakeAmount:    t.StakeAmount,
		StakeCurrency:  strings.ToUpper(t.StakeCurrency),
		MaxOpenTrades:  t.MaxOpenTrades,
		Interval:       t.ProcessInterval,
		QuoteMaxAge:    t.QuoteMaxAge,
		StoppedPolicy:  policy,
		Whitelist:      upper(t.PairWhitelist),
		Blacklist:      upper(t.PairBlacklist),
		UseSellSignal:  t.Experimental.UseSellSignal,
		SellProfitOnly: t.Experimental.SellProfitOnly,
	}, nil
}

func upper(pairs []string) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, strings.ToUpper(strings.TrimSpace(p)))
	}
	return out
}
