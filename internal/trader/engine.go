package trader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"roi-trade-bot-go/internal/binance"
	"roi-trade-bot-go/internal/config"
	"roi-trade-bot-go/internal/database"
	"roi-trade-bot-go/internal/execution"
	"roi-trade-bot-go/internal/exit"
	"roi-trade-bot-go/internal/metrics"
	"roi-trade-bot-go/internal/models"
	"roi-trade-bot-go/internal/notify"
	"roi-trade-bot-go/internal/state"
)

var (
	// ErrStaleQuote is returned when a quote is older than the configured freshness bound.
	ErrStaleQuote = errors.New("stale quote")
	// ErrInconsistentState is returned when the store disagrees with the loop about a trade.
	ErrInconsistentState = database.ErrInconsistentState

	// errSellUnknown marks a sell the exchange may or may not have accepted. The trade stays
	// claimed until the order is looked up.
	errSellUnknown = errors.New("sell outcome unknown")
)

// TradeStore is the persistence the engine needs for positions.
type TradeStore interface {
	Create(ctx context.Context, trade *models.Trade) error
	OpenTrades(ctx context.Context) ([]models.Trade, error)
	FindByID(ctx context.Context, id uint) (*models.Trade, error)
	ClaimForExit(ctx context.Context, id uint, reason string) error
	ReleaseExit(ctx context.Context, id uint) error
	MarkSellPending(ctx context.Context, id uint, orderID string, rate decimal.Decimal) error
	Close(ctx context.Context, id uint, rate, profit decimal.Decimal, closedAt time.Time) error
	FillBuy(ctx context.Context, id uint, rate, amount decimal.Decimal) error
}

// Dependencies are the collaborators of the Engine.
type Dependencies struct {
	Exchange   binance.RestClientInterface
	Store      TradeStore
	Gate       *execution.Gate
	Controller *state.Controller
	Strategy   Strategy
	Notifier   notify.Notifier
	Scheduler  Scheduler
	Clock      func() time.Time
	// Timeout bounds every exchange call made directly by the engine.
	Timeout time.Duration
}

// Engine is the throttled evaluation loop. One cycle evaluates every open position against
// the exit rules and, while running, opens at most one new position.
type Engine struct {
	UUID      string
	StartTime time.Time

	logger     *zap.Logger
	params     config.Params
	exchange   binance.RestClientInterface
	store      TradeStore
	gate       *execution.Gate
	controller *state.Controller
	strategy   Strategy
	notifier   notify.Notifier
	scheduler  Scheduler
	now        func() time.Time
	timeout    time.Duration

	// cycleMu makes Process single-flight.
	cycleMu sync.Mutex

	statusMu   sync.RWMutex
	lastReport *CycleReport
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, params config.Params, deps Dependencies) *Engine {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Scheduler == nil {
		deps.Scheduler = NewIntervalScheduler(params.Interval)
	}
	if deps.Strategy == nil {
		deps.Strategy = NewManualStrategy()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 10 * time.Second
	}
	return &Engine{
		UUID:       uuid.New().String(),
		StartTime:  deps.Clock(),
		logger:     logger.Named("engine"),
		params:     params,
		exchange:   deps.Exchange,
		store:      deps.Store,
		gate:       deps.Gate,
		controller: deps.Controller,
		strategy:   deps.Strategy,
		notifier:   deps.Notifier,
		scheduler:  deps.Scheduler,
		now:        deps.Clock,
		timeout:    deps.Timeout,
	}
}

// Initialize caches exchange rules, validates the whitelist and prepares the strategy.
func (e *Engine) Initialize(ctx context.Context) error {
	e.logger.Info("Fetching exchange information...")
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	info, err := e.exchange.GetExchangeInfo(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("could not get exchange info: %w", err)
	}
	e.gate.SetRules(info.Symbols)
	e.logger.Info("Cached exchange information for symbols", zap.Int("count", len(info.Symbols)))

	for _, pair := range e.params.Whitelist {
		if _, ok := e.gate.Rule(binance.Symbol(pair)); !ok {
			return fmt.Errorf("pair %s is not available on the exchange", pair)
		}
	}

	if err := e.strategy.Initialize(StrategyContext{Logger: e.logger, Exchange: e.exchange}); err != nil {
		return fmt.Errorf("failed to initialize strategy %s: %w", e.strategy.Name(), err)
	}
	return nil
}

// Run starts the trading engine's main loop and returns when ctx is cancelled.
// A cycle that has started always runs to completion.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Starting evaluation loop",
		zap.Duration("interval", e.params.Interval),
		zap.Stringer("mode", e.gate.Mode()),
		zap.Stringer("state", e.controller.State()),
	)

	for {
		if ctx.Err() != nil {
			e.logger.Info("Stopping trading engine...")
			return
		}

		if _, err := e.Process(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("Cycle failed", zap.Error(err))
		}

		if err := e.scheduler.Wait(ctx); err != nil {
			e.logger.Info("Stopping trading engine...")
			return
		}
	}
}

// PositionDecision is the evaluation result for one trade.
type PositionDecision struct {
	TradeID  uint          `json:"trade_id"`
	Pair     string        `json:"pair"`
	Decision exit.Decision `json:"decision"`
}

// CycleReport summarizes one call to Process.
type CycleReport struct {
	Started   time.Time          `json:"started"`
	State     string             `json:"state"`
	Mode      string             `json:"mode"`
	Skipped   bool               `json:"skipped"`
	Decisions []PositionDecision `json:"decisions"`
	Exits     []uint             `json:"exits"`
	Pending   []uint             `json:"pending"`
	Entries   []uint             `json:"entries"`
	Failures  int                `json:"failures"`
}

// Process runs exactly one evaluation cycle. Concurrent calls are serialized.
func (e *Engine) Process(ctx context.Context) (*CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	started := e.now()
	runState := e.controller.State()
	report := &CycleReport{Started: started, State: runState.String(), Mode: e.gate.Mode().String()}
	metrics.SetRunning(runState == state.Running)
	defer func() {
		metrics.ObserveCycle(e.now().Sub(started).Seconds())
		e.statusMu.Lock()
		e.lastReport = report
		e.statusMu.Unlock()
	}()

	e.processForceExits(ctx, report)

	rules, ok := e.rulesFor(runState)
	if !ok {
		e.logger.Debug("Bot is stopped, skipping evaluation")
		report.Skipped = true
		metrics.IncCycle("skipped")
		return report, nil
	}

	trades, err := e.store.OpenTrades(ctx)
	if err != nil {
		metrics.IncCycle("error")
		return report, fmt.Errorf("could not load open trades: %w", err)
	}

	trades = e.reconcilePending(ctx, trades, report)
	e.evaluateAndExit(ctx, trades, rules, report)

	if runState == state.Running {
		e.maybeEnter(ctx, report)
	}

	if open, err := e.store.OpenTrades(ctx); err == nil {
		metrics.SetOpenTrades(len(open))
	}
	metrics.IncCycle("ok")
	return report, nil
}

// rulesFor returns the exit rules for this cycle and whether evaluation happens at all.
func (e *Engine) rulesFor(runState state.RunState) (exit.Rules, bool) {
	rules := exit.Rules{Ladder: e.params.Ladder, Stoploss: e.params.Stoploss, Fee: e.params.Fee}
	if runState == state.Running {
		return rules, true
	}
	switch e.params.StoppedPolicy {
	case config.StoppedPolicyUnwind:
		return rules, true
	case config.StoppedPolicyStoploss:
		rules.Scope = exit.ScopeStoplossOnly
		return rules, e.params.Stoploss.Enabled()
	default:
		return rules, false
	}
}

type evaluation struct {
	trade    models.Trade
	quote    *binance.Ticker
	decision exit.Decision
	err      error
}

// evaluateAndExit computes decisions for all trades in parallel, then executes exits one by one.
func (e *Engine) evaluateAndExit(ctx context.Context, trades []models.Trade, rules exit.Rules, report *CycleReport) {
	quotes := e.fetchQuotes(ctx, trades)
	now := e.now()

	results := make([]evaluation, len(trades))
	var wg sync.WaitGroup
	for i := range trades {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trade := trades[i]
			res := evaluation{trade: trade}
			q, ok := quotes[trade.Pair]
			if !ok {
				res.err = fmt.Errorf("no usable quote for %s", trade.Pair)
				results[i] = res
				return
			}
			res.quote = q
			r := rules
			r.Fee = e.feeFor(trade)
			res.decision, res.err = r.Evaluate(exit.Input{
				OpenRate:    trade.OpenRate,
				CurrentRate: q.Bid,
				OpenedAt:    trade.OpenDate,
				Now:         now,
			})
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		l := e.logger.With(zap.Uint("trade_id", res.trade.ID), zap.String("pair", res.trade.Pair))
		if res.err != nil {
			l.Warn("Skipping trade this cycle", zap.Error(res.err))
			report.Failures++
			continue
		}

		decision := res.decision
		if !decision.Exit && rules.Scope == exit.ScopeAll && e.params.UseSellSignal {
			decision = e.applySellSignal(ctx, res.trade, decision)
		}
		report.Decisions = append(report.Decisions, PositionDecision{TradeID: res.trade.ID, Pair: res.trade.Pair, Decision: decision})

		if !decision.Exit {
			l.Debug("Holding position", zap.Stringer("profit", decision.Profit), zap.Duration("elapsed", decision.Elapsed))
			continue
		}

		l.Info("Exit triggered", zap.String("reason", string(decision.Reason)), zap.Stringer("profit", decision.Profit))
		metrics.IncExitDecision(string(decision.Reason))
		closed, err := e.executeExit(ctx, res.trade, res.quote, decision.Reason)
		if err != nil {
			l.Warn("Exit failed, will retry next cycle", zap.Error(err))
			report.Failures++
			continue
		}
		if closed {
			report.Exits = append(report.Exits, res.trade.ID)
		} else {
			report.Pending = append(report.Pending, res.trade.ID)
		}
	}
}

func (e *Engine) applySellSignal(ctx context.Context, trade models.Trade, d exit.Decision) exit.Decision {
	if e.params.SellProfitOnly && !d.Profit.IsPositive() {
		return d
	}
	sell, err := e.strategy.SellSignal(ctx, trade.Pair)
	if err != nil {
		e.logger.Warn("Sell signal unavailable", zap.String("pair", trade.Pair), zap.Error(err))
		return d
	}
	if sell {
		d.Exit = true
		d.Reason = exit.ReasonSellSignal
	}
	return d
}

// fetchQuotes loads one fresh quote per pair. Pairs whose quote fails or is stale are absent.
func (e *Engine) fetchQuotes(ctx context.Context, trades []models.Trade) map[string]*binance.Ticker {
	quotes := make(map[string]*binance.Ticker)
	for _, t := range trades {
		if _, seen := quotes[t.Pair]; seen {
			continue
		}
		q, err := e.quote(ctx, t.Pair)
		if err != nil {
			e.logger.Warn("Skipping pair this cycle", zap.String("pair", t.Pair), zap.Error(err))
			e.handleExchangeError(ctx, err)
			continue
		}
		quotes[t.Pair] = q
	}
	return quotes
}

// quote fetches the ticker for pair and rejects it when older than the freshness bound.
func (e *Engine) quote(ctx context.Context, pair string) (*binance.Ticker, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ticker, err := e.exchange.GetTicker(callCtx, binance.Symbol(pair))
	if err != nil {
		return nil, err
	}
	if age := e.now().Sub(ticker.Time()); age > e.params.QuoteMaxAge {
		return nil, fmt.Errorf("%w: %s quote is %s old", ErrStaleQuote, pair, age.Truncate(time.Second))
	}
	return ticker, nil
}

// executeExit claims the trade, sells it through the gate and closes it when filled.
// It reports whether the trade is closed; false with a nil error means the sell order is pending.
func (e *Engine) executeExit(ctx context.Context, trade models.Trade, quote *binance.Ticker, reason exit.Reason) (bool, error) {
	if err := e.store.ClaimForExit(ctx, trade.ID, string(reason)); err != nil {
		return false, err
	}
	trade.State = models.TradeClosing
	trade.ExitReason = string(reason)

	fill, err := e.gate.Sell(ctx, trade.Pair, execution.SellClientID(trade.ID, trade.OpenDate), quote.Bid, trade.Amount)
	if err != nil {
		e.handleExchangeError(ctx, err)
		if errors.Is(err, binance.ErrTransient) {
			return false, fmt.Errorf("sell %s: %w: %w", trade.Pair, errSellUnknown, err)
		}
		if releaseErr := e.store.ReleaseExit(ctx, trade.ID); releaseErr != nil {
			e.logger.Error("Failed to release trade after failed sell", zap.Uint("trade_id", trade.ID), zap.Error(releaseErr))
		}
		return false, fmt.Errorf("sell %s failed: %w", trade.Pair, err)
	}

	return e.recordSell(ctx, trade, fill)
}

// recordSell stores the sell order accepted for a claimed trade and closes the trade when the
// order is filled. Once the order id is stored the trade can only be closed, never released.
func (e *Engine) recordSell(ctx context.Context, trade models.Trade, fill *execution.Fill) (bool, error) {
	reason := exit.Reason(trade.ExitReason)
	if err := e.store.MarkSellPending(ctx, trade.ID, fill.OrderID, fill.Price); err != nil {
		return false, err
	}
	if !fill.Filled {
		e.notify(ctx, fmt.Sprintf("Sell order placed for [%s] with limit `%s` (%s)", trade.Pair, fill.Price, reason))
		return false, nil
	}
	return true, e.closeTrade(ctx, trade, fill.Price, reason)
}

// resolveClaim settles a trade claimed for exit that has no sell order recorded. The sell is
// looked up by its client order id and the trade is released only when the exchange has no
// such order. It reports whether the trade was released.
func (e *Engine) resolveClaim(ctx context.Context, trade models.Trade, report *CycleReport) (bool, error) {
	fill, err := e.gate.Lookup(ctx, trade.Pair, execution.SellClientID(trade.ID, trade.OpenDate))
	switch {
	case errors.Is(err, binance.ErrOrderNotFound):
		if err := e.store.ReleaseExit(ctx, trade.ID); err != nil {
			return false, err
		}
		if exit.Reason(trade.ExitReason) == exit.ReasonForceExit {
			e.controller.RequestForceExit(trade.ID)
		}
		return true, nil
	case err != nil:
		return false, err
	}

	e.logger.Info("Found sell order for claimed trade",
		zap.Uint("trade_id", trade.ID),
		zap.String("order_id", fill.OrderID),
		zap.Bool("filled", fill.Filled),
	)
	closed, err := e.recordSell(ctx, trade, fill)
	if err != nil {
		return false, err
	}
	if closed {
		report.Exits = append(report.Exits, trade.ID)
	} else {
		report.Pending = append(report.Pending, trade.ID)
	}
	return false, nil
}

// feeFor returns the fee recorded at entry, falling back to the configured fee.
func (e *Engine) feeFor(trade models.Trade) decimal.Decimal {
	if trade.FeeRate.IsZero() {
		return e.params.Fee
	}
	return trade.FeeRate
}

func (e *Engine) closeTrade(ctx context.Context, trade models.Trade, rate decimal.Decimal, reason exit.Reason) error {
	profit, err := exit.ProfitRatio(trade.OpenRate, rate, e.feeFor(trade))
	if err != nil {
		return err
	}
	if err := e.store.Close(ctx, trade.ID, rate, profit, e.now()); err != nil {
		return err
	}

	word := "profit"
	if profit.IsNegative() {
		word = "loss"
	}
	e.notify(ctx, fmt.Sprintf("Selling [%s] with limit `%s` (%s: %s%%, %s) reason: %s",
		trade.Pair,
		rate,
		word,
		profit.Mul(decimal.NewFromInt(100)).StringFixed(2),
		profit.Mul(trade.StakeAmount).StringFixed(8),
		reason,
	))
	return nil
}

// processForceExits applies operator force-exit commands queued since the last cycle.
// Already closed or closing trades are left alone.
func (e *Engine) processForceExits(ctx context.Context, report *CycleReport) {
	for _, id := range e.controller.DrainForceExits() {
		l := e.logger.With(zap.Uint("trade_id", id))

		trade, err := e.store.FindByID(ctx, id)
		if err != nil {
			l.Warn("Ignoring force-exit", zap.Error(err))
			continue
		}
		if trade.State != models.TradeOpen || trade.AwaitingBuy() {
			l.Info("Ignoring force-exit for trade that is not open", zap.String("state", string(trade.State)))
			continue
		}

		q, err := e.quote(ctx, trade.Pair)
		if err != nil {
			l.Warn("Force-exit postponed, no usable quote", zap.Error(err))
			e.controller.RequestForceExit(id)
			report.Failures++
			continue
		}

		metrics.IncExitDecision(string(exit.ReasonForceExit))
		closed, err := e.executeExit(ctx, *trade, q, exit.ReasonForceExit)
		switch {
		case errors.Is(err, ErrInconsistentState):
			l.Info("Trade changed state before force-exit", zap.Error(err))
		case errors.Is(err, errSellUnknown):
			l.Warn("Force-exit outcome unknown, checking the order next cycle", zap.Error(err))
			report.Failures++
		case err != nil:
			l.Warn("Force-exit failed, will retry next cycle", zap.Error(err))
			e.controller.RequestForceExit(id)
			report.Failures++
		case closed:
			report.Exits = append(report.Exits, id)
		default:
			report.Pending = append(report.Pending, id)
		}
	}
}

// reconcilePending checks orders left open by earlier cycles and returns the trades that are
// ready for evaluation.
func (e *Engine) reconcilePending(ctx context.Context, trades []models.Trade, report *CycleReport) []models.Trade {
	ready := make([]models.Trade, 0, len(trades))
	for _, trade := range trades {
		l := e.logger.With(zap.Uint("trade_id", trade.ID), zap.String("pair", trade.Pair))

		if trade.OpenOrderID == "" {
			if trade.State == models.TradeClosing {
				// claimed without a recorded sell, e.g. the sell timed out or the process died mid-exit
				released, err := e.resolveClaim(ctx, trade, report)
				if err != nil {
					l.Warn("Could not resolve claimed trade", zap.Error(err))
					e.handleExchangeError(ctx, err)
					report.Failures++
					continue
				}
				if !released {
					continue
				}
				l.Info("Released claimed trade, no sell order exists")
				trade.State = models.TradeOpen
				trade.ExitReason = ""
			}
			ready = append(ready, trade)
			continue
		}

		fill, err := e.gate.OrderStatus(ctx, trade.Pair, trade.OpenOrderID)
		if err != nil {
			l.Warn("Could not check pending order", zap.String("order_id", trade.OpenOrderID), zap.Error(err))
			e.handleExchangeError(ctx, err)
			report.Failures++
			continue
		}
		if !fill.Filled {
			l.Debug("Order still pending", zap.String("order_id", trade.OpenOrderID))
			continue
		}

		switch {
		case trade.AwaitingBuy():
			rate, amount := fill.Price, fill.Amount
			if fill.Simulated || rate.IsZero() {
				rate, amount = trade.OpenRate, trade.Amount
			}
			if err := e.store.FillBuy(ctx, trade.ID, rate, amount); err != nil {
				l.Warn("Could not record buy fill", zap.Error(err))
				continue
			}
			trade.OpenRate, trade.Amount = rate, amount
			trade.OpenOrderID, trade.PendingSide = "", ""
			l.Info("Buy order filled", zap.Stringer("rate", rate))
			ready = append(ready, trade)
		case trade.State == models.TradeClosing:
			rate := fill.Price
			if rate.IsZero() {
				rate = trade.CloseRate
			}
			if rate.IsZero() {
				l.Warn("Filled sell order carries no price, retrying next cycle")
				continue
			}
			if err := e.closeTrade(ctx, trade, rate, exit.Reason(trade.ExitReason)); err != nil {
				l.Warn("Could not close trade", zap.Error(err))
				report.Failures++
				continue
			}
			report.Exits = append(report.Exits, trade.ID)
		default:
			l.Warn("Trade has an order id but no pending side", zap.String("state", string(trade.State)))
		}
	}
	return ready
}

// handleExchangeError stops the bot on failures it cannot recover from by retrying.
func (e *Engine) handleExchangeError(ctx context.Context, err error) {
	if !errors.Is(err, binance.ErrUnauthorized) {
		return
	}
	e.logger.Error("Exchange rejected credentials, stopping bot", zap.Error(err))
	e.controller.Stop(ctx)
	e.notify(ctx, fmt.Sprintf("OperationalException:\n```\n%s```", err))
}

func (e *Engine) notify(ctx context.Context, msg string) {
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.logger.Warn("Failed to send notification", zap.Error(err))
	}
}

// Status is a point-in-time view of the engine for operators.
type Status struct {
	UUID       string       `json:"uuid"`
	Strategy   string       `json:"strategy"`
	State      string       `json:"state"`
	Mode       string       `json:"mode"`
	StartTime  time.Time    `json:"start_time"`
	Uptime     string       `json:"uptime"`
	LastReport *CycleReport `json:"last_cycle,omitempty"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	last := e.lastReport
	e.statusMu.RUnlock()
	return Status{
		UUID:       e.UUID,
		Strategy:   e.strategy.Name(),
		State:      e.controller.State().String(),
		Mode:       e.gate.Mode().String(),
		StartTime:  e.StartTime,
		Uptime:     e.now().Sub(e.StartTime).Truncate(time.Second).String(),
		LastReport: last,
	}
}

// OpenTrades returns every position that is not closed.
func (e *Engine) OpenTrades(ctx context.Context) ([]models.Trade, error) {
	return e.store.OpenTrades(ctx)
}

// RequestBuy queues a force-buy for a whitelisted pair. It fails when the strategy does not
// accept operator buy requests.
func (e *Engine) RequestBuy(pair string) error {
	fb, ok := e.strategy.(ForceBuyer)
	if !ok {
		return fmt.Errorf("strategy %s does not accept force-buy requests", e.strategy.Name())
	}
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if !slices.Contains(e.params.Whitelist, pair) || slices.Contains(e.params.Blacklist, pair) {
		return fmt.Errorf("pair %s is not in the whitelist", pair)
	}
	return fb.RequestBuy(pair)
}
