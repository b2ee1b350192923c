package trader

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"roi-trade-bot-go/internal/binance"
	"roi-trade-bot-go/internal/execution"
	"roi-trade-bot-go/internal/models"
	"roi-trade-bot-go/internal/pricing"
)

var (
	// ErrInsufficientBalance is returned when the stake currency balance cannot cover a new trade.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoTradablePair is returned when every whitelisted pair is blacklisted, traded or halted.
	ErrNoTradablePair = errors.New("no tradable pair available")
)

// candidatePairs returns the whitelist minus the blacklist, pairs already traded and pairs
// the exchange does not currently trade.
func candidatePairs(whitelist, blacklist []string, traded map[string]bool, rule func(string) (binance.SymbolInfo, bool)) []string {
	blocked := make(map[string]bool, len(blacklist))
	for _, p := range blacklist {
		blocked[p] = true
	}

	pairs := make([]string, 0, len(whitelist))
	for _, p := range whitelist {
		if blocked[p] || traded[p] {
			continue
		}
		if info, ok := rule(binance.Symbol(p)); ok && !info.Tradable() {
			continue
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// maybeEnter opens at most one position per cycle while below max_open_trades.
func (e *Engine) maybeEnter(ctx context.Context, report *CycleReport) {
	if e.params.StakeAmount.IsZero() {
		return
	}

	open, err := e.store.OpenTrades(ctx)
	if err != nil {
		e.logger.Warn("Could not count open trades", zap.Error(err))
		return
	}
	if e.params.MaxOpenTrades > 0 && len(open) >= e.params.MaxOpenTrades {
		e.logger.Debug("Max open trades reached", zap.Int("open", len(open)))
		return
	}

	traded := make(map[string]bool, len(open))
	for _, t := range open {
		traded[t.Pair] = true
	}

	trade, err := e.createTrade(ctx, traded)
	switch {
	case errors.Is(err, ErrNoTradablePair), errors.Is(err, ErrInsufficientBalance):
		e.logger.Info("Unable to create trade", zap.Error(err))
	case err != nil:
		e.logger.Warn("Failed to create trade", zap.Error(err))
		e.handleExchangeError(ctx, err)
		report.Failures++
	case trade != nil:
		report.Entries = append(report.Entries, trade.ID)
	}
}

// createTrade picks the first candidate pair the strategy wants to buy and places the entry
// order at the interpolated target bid. It returns nil, nil when no pair has a buy signal.
func (e *Engine) createTrade(ctx context.Context, traded map[string]bool) (*models.Trade, error) {
	pairs := candidatePairs(e.params.Whitelist, e.params.Blacklist, traded, e.gate.Rule)
	if len(pairs) == 0 {
		return nil, ErrNoTradablePair
	}

	var pair string
	for _, p := range pairs {
		buy, err := e.strategy.BuySignal(ctx, p)
		if err != nil {
			e.logger.Warn("Buy signal unavailable", zap.String("pair", p), zap.Error(err))
			continue
		}
		if buy {
			pair = p
			break
		}
	}
	if pair == "" {
		return nil, nil
	}

	if e.gate.Mode() == execution.Production {
		if err := e.checkBalance(ctx); err != nil {
			return nil, err
		}
	}

	quote, err := e.quote(ctx, pair)
	if err != nil {
		return nil, err
	}
	bid, err := pricing.TargetBid(quote.Ask, quote.Last, e.params.AskLastBalance)
	if err != nil {
		return nil, err
	}
	if !bid.IsPositive() {
		return nil, fmt.Errorf("target bid %s for %s is not positive", bid, pair)
	}
	amount := e.params.StakeAmount.DivRound(bid, 16)

	l := e.logger.With(zap.String("pair", pair), zap.Stringer("bid", bid), zap.Stringer("amount", amount))
	l.Info("Executing buy transaction...")

	clientID := execution.NewBuyClientID()
	fill, err := e.gate.Buy(ctx, pair, clientID, bid, amount)
	if errors.Is(err, binance.ErrTransient) {
		fill, err = e.recoverBuy(ctx, pair, clientID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("buy %s failed: %w", pair, err)
	}

	rate := fill.Price
	if rate.IsZero() {
		rate = bid
	}
	trade := &models.Trade{
		Pair:         pair,
		Symbol:       binance.Symbol(pair),
		State:        models.TradeOpen,
		OpenRate:     rate,
		OpenDate:     e.now().UTC(),
		StakeAmount:  e.params.StakeAmount,
		Amount:       fill.Amount,
		FeeRate:      e.params.Fee,
		IsSimulation: fill.Simulated,
	}
	if !fill.Filled {
		trade.OpenOrderID = fill.OrderID
		trade.PendingSide = binance.OrderSideBuy
	}
	if err := e.store.Create(ctx, trade); err != nil {
		return nil, err
	}

	l.Info("Trade created", zap.Uint("trade_id", trade.ID), zap.Bool("filled", fill.Filled))
	e.notify(ctx, fmt.Sprintf("Buying [%s] with limit `%s`%s", pair, rate, modeSuffix(fill.Simulated)))
	return trade, nil
}

// recoverBuy looks up an entry order whose placement failed without an answer. An order the
// exchange did accept is returned so the position gets recorded.
func (e *Engine) recoverBuy(ctx context.Context, pair, clientID string, placeErr error) (*execution.Fill, error) {
	fill, err := e.gate.Lookup(ctx, pair, clientID)
	switch {
	case err == nil:
		e.logger.Warn("Buy order was accepted despite the failed request",
			zap.String("pair", pair),
			zap.String("client_order_id", clientID),
			zap.String("order_id", fill.OrderID),
		)
		return fill, nil
	case errors.Is(err, binance.ErrOrderNotFound):
		return nil, placeErr
	default:
		e.logger.Error("Buy order outcome unknown, check the exchange",
			zap.String("pair", pair),
			zap.String("client_order_id", clientID),
			zap.Error(err),
		)
		return nil, errors.Join(placeErr, err)
	}
}

func (e *Engine) checkBalance(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	balance, err := e.exchange.GetBalance(callCtx, e.params.StakeCurrency)
	if err != nil {
		return err
	}
	if balance.LessThan(e.params.StakeAmount) {
		return fmt.Errorf("%w: %s %s available, stake is %s", ErrInsufficientBalance, balance, e.params.StakeCurrency, e.params.StakeAmount)
	}
	return nil
}

func modeSuffix(simulated bool) string {
	if simulated {
		return " (simulation)"
	}
	return ""
}
