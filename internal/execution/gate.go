// Package execution routes order placement to the exchange or to a local simulator.
package execution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"roi-trade-bot-go/internal/binance"
	"roi-trade-bot-go/internal/metrics"
)

// Mode decides whether orders move real money.
type Mode int

const (
	Simulation Mode = iota
	Production
)

func (m Mode) String() string {
	if m == Production {
		return "production"
	}
	return "simulation"
}

// ModeFromDryRun maps the dry_run flag to a Mode.
func ModeFromDryRun(dryRun bool) Mode {
	if dryRun {
		return Simulation
	}
	return Production
}

const (
	simulatedPrefix = "dry-run-"
	clientIDPrefix  = "rtb-"
)

// SellClientID is the client order id of the exit order for a trade. It only depends on the
// trade, so a sell whose outcome is unknown can be looked up again later.
func SellClientID(tradeID uint, openedAt time.Time) string {
	return fmt.Sprintf("%s%d-%d-s", clientIDPrefix, tradeID, openedAt.UnixMilli())
}

// NewBuyClientID returns a fresh client order id for an entry order.
func NewBuyClientID() string {
	return clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Fill is the outcome of placing or querying an order.
type Fill struct {
	OrderID   string
	Side      string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    bool
	Simulated bool
	Time      time.Time
}

// Gate places orders according to its fixed Mode.
type Gate struct {
	mode    Mode
	client  binance.RestClientInterface
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	rules     map[string]binance.SymbolInfo
	simulated map[string]Fill
}

// NewGate creates a gate. client may be nil in Simulation mode.
func NewGate(mode Mode, client binance.RestClientInterface, timeout time.Duration, logger *zap.Logger) *Gate {
	return &Gate{
		mode:      mode,
		client:    client,
		timeout:   timeout,
		logger:    logger.Named("gate"),
		now:       time.Now,
		rules:     make(map[string]binance.SymbolInfo),
		simulated: make(map[string]Fill),
	}
}

// Mode returns the execution mode. It never changes.
func (g *Gate) Mode() Mode { return g.mode }

// SetRules caches exchange symbol rules used to round prices and amounts.
func (g *Gate) SetRules(symbols []binance.SymbolInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range symbols {
		g.rules[s.Symbol] = s
	}
}

// Rule returns the cached rule for symbol.
func (g *Gate) Rule(symbol string) (binance.SymbolInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rules[symbol]
	return r, ok
}

// Buy places an entry order for amount at price.
func (g *Gate) Buy(ctx context.Context, pair, clientID string, price, amount decimal.Decimal) (*Fill, error) {
	return g.place(ctx, pair, binance.OrderSideBuy, clientID, price, amount)
}

// Sell places an exit order for amount at price.
func (g *Gate) Sell(ctx context.Context, pair, clientID string, price, amount decimal.Decimal) (*Fill, error) {
	return g.place(ctx, pair, binance.OrderSideSell, clientID, price, amount)
}

// place submits one order. An error wrapping binance.ErrTransient leaves the outcome unknown;
// Lookup with the same clientID tells whether the exchange accepted it.
func (g *Gate) place(ctx context.Context, pair, side, clientID string, price, amount decimal.Decimal) (*Fill, error) {
	symbol := binance.Symbol(pair)
	price, amount, err := g.format(symbol, price, amount)
	if err != nil {
		return nil, err
	}

	l := g.logger.With(
		zap.String("pair", pair),
		zap.String("side", side),
		zap.Stringer("price", price),
		zap.Stringer("amount", amount),
		zap.Stringer("mode", g.mode),
		zap.String("client_order_id", clientID),
	)

	if g.mode == Simulation {
		l.Warn("Dry run enabled. Simulating order fill.")
		metrics.IncOrder(g.mode.String(), side)
		fill := Fill{
			OrderID:   simulatedPrefix + uuid.New().String(),
			Side:      side,
			Price:     price,
			Amount:    amount,
			Filled:    true,
			Simulated: true,
			Time:      g.now().UTC(),
		}
		if clientID != "" {
			g.mu.Lock()
			g.simulated[clientID] = fill
			g.mu.Unlock()
		}
		return &fill, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateOrder(ctx, binance.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Quantity:      amount,
		ClientOrderID: clientID,
	})
	if err != nil {
		l.Error("Failed to place order", zap.Error(err))
		return nil, err
	}
	metrics.IncOrder(g.mode.String(), side)
	l.Info("Order placed on exchange", zap.Int64("order_id", resp.OrderID), zap.String("status", resp.Status))
	return fillFromResponse(resp, g.now()), nil
}

// OrderStatus queries a previously placed order.
// Simulated orders are always reported as filled at their recorded price by the caller.
func (g *Gate) OrderStatus(ctx context.Context, pair, orderID string) (*Fill, error) {
	if strings.HasPrefix(orderID, simulatedPrefix) || g.mode == Simulation {
		return &Fill{OrderID: orderID, Filled: true, Simulated: true, Time: g.now().UTC()}, nil
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.GetOrder(ctx, binance.Symbol(pair), id)
	if err != nil {
		return nil, err
	}
	return fillFromResponse(resp, g.now()), nil
}

// Lookup finds an order by the client id it was placed with. The error wraps
// binance.ErrOrderNotFound when the exchange never accepted it or dropped it unfilled.
func (g *Gate) Lookup(ctx context.Context, pair, clientID string) (*Fill, error) {
	if g.mode == Simulation {
		g.mu.RLock()
		fill, ok := g.simulated[clientID]
		g.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", binance.ErrOrderNotFound, clientID)
		}
		return &fill, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.GetOrderByClientID(ctx, binance.Symbol(pair), clientID)
	if err != nil {
		return nil, err
	}
	if resp.Inactive() && resp.ExecutedQuantity.IsZero() {
		return nil, fmt.Errorf("%w: %s is %s", binance.ErrOrderNotFound, clientID, resp.Status)
	}
	return fillFromResponse(resp, g.now()), nil
}

func (g *Gate) format(symbol string, price, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	rule, ok := g.Rule(symbol)
	if !ok {
		return price, amount, nil
	}
	p, err := rule.FormatPrice(price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	a, err := rule.FormatQuantity(amount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return p, a, nil
}

func fillFromResponse(resp *binance.OrderResponse, now time.Time) *Fill {
	amount := resp.ExecutedQuantity
	if !resp.Filled() || amount.IsZero() {
		amount = resp.OrigQuantity
	}
	return &Fill{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Side:    resp.Side,
		Price:   resp.AveragePrice(),
		Amount:  amount,
		Filled:  resp.Filled(),
		Time:    now.UTC(),
	}
}
