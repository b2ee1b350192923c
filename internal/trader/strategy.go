package trader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"roi-trade-bot-go/internal/binance"
)

// StrategyContext provides the strategy with access to the core components.
type StrategyContext struct {
	Logger   *zap.Logger
	Exchange binance.RestClientInterface
}

// Strategy supplies entry and exit signals to the engine.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Initialize gives the strategy a chance to perform setup tasks.
	Initialize(ctx StrategyContext) error

	// BuySignal reports whether the engine should open a position on pair now.
	BuySignal(ctx context.Context, pair string) (bool, error)

	// SellSignal reports whether an open position on pair should be closed now.
	SellSignal(ctx context.Context, pair string) (bool, error)
}

// ForceBuyer is implemented by strategies that accept operator buy requests.
type ForceBuyer interface {
	RequestBuy(pair string) error
}

// ManualStrategy only enters positions the operator asked for and never signals a sell.
// Exits are left to the ROI ladder, stoploss and force-exit commands.
type ManualStrategy struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// NewManualStrategy creates an empty force-buy queue.
func NewManualStrategy() *ManualStrategy {
	return &ManualStrategy{logger: zap.NewNop(), pending: make(map[string]bool)}
}

func (s *ManualStrategy) Name() string { return "manual" }

func (s *ManualStrategy) Initialize(ctx StrategyContext) error {
	if ctx.Logger != nil {
		s.logger = ctx.Logger.Named("strategy")
	}
	s.logger.Info("Manual strategy ready, waiting for force-buy requests")
	return nil
}

// RequestBuy queues pair ("ETH/BTC") for entry at the next cycle.
func (s *ManualStrategy) RequestBuy(pair string) error {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if !strings.Contains(pair, "/") {
		return fmt.Errorf("pair %q must look like BASE/QUOTE", pair)
	}
	s.mu.Lock()
	s.pending[pair] = true
	s.mu.Unlock()
	s.logger.Info("Force-buy requested", zap.String("pair", pair))
	return nil
}

// BuySignal consumes a queued request for pair.
func (s *ManualStrategy) BuySignal(_ context.Context, pair string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending[pair] {
		return false, nil
	}
	delete(s.pending, pair)
	return true, nil
}

func (s *ManualStrategy) SellSignal(context.Context, string) (bool, error) {
	return false, nil
}

// Pending lists queued force-buy pairs.
func (s *ManualStrategy) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]string, 0, len(s.pending))
	for p := range s.pending {
		pairs = append(pairs, p)
	}
	return pairs
}
