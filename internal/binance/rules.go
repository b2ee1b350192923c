package binance

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const SymbolStatusTrading = "TRADING"

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// LOT_SIZE carries stepSize/minQty, PRICE_FILTER carries tickSize.
type Filter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
}

// Symbol converts a pair such as "ETH/BTC" to the exchange symbol "ETHBTC".
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

func (s SymbolInfo) filter(filterType string) (Filter, bool) {
	for _, f := range s.Filters {
		if f.FilterType == filterType {
			return f, true
		}
	}
	return Filter{}, false
}

// Tradable reports whether the symbol currently accepts orders.
func (s SymbolInfo) Tradable() bool {
	return s.Status == SymbolStatusTrading
}

// FormatQuantity floors quantity to the LOT_SIZE step and enforces minQty.
// Symbols without a LOT_SIZE filter keep the quantity as is.
func (s SymbolInfo) FormatQuantity(quantity decimal.Decimal) (decimal.Decimal, error) {
	lot, ok := s.filter("LOT_SIZE")
	if !ok || lot.StepSize == "" {
		return quantity, nil
	}

	step, err := decimal.NewFromString(lot.StepSize)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stepSize %q for %s: %w", lot.StepSize, s.Symbol, err)
	}
	minQty := decimal.Zero
	if lot.MinQty != "" {
		if minQty, err = decimal.NewFromString(lot.MinQty); err != nil {
			return decimal.Zero, fmt.Errorf("invalid minQty %q for %s: %w", lot.MinQty, s.Symbol, err)
		}
	}

	floored := quantity
	if step.IsPositive() {
		floored = quantity.Div(step).Floor().Mul(step)
	}
	if floored.LessThan(minQty) || !floored.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: quantity %s is less than minQty %s for symbol %s", ErrRejected, floored, minQty, s.Symbol)
	}
	return floored, nil
}

// FormatPrice floors price to the PRICE_FILTER tick size.
func (s SymbolInfo) FormatPrice(price decimal.Decimal) (decimal.Decimal, error) {
	pf, ok := s.filter("PRICE_FILTER")
	if !ok || pf.TickSize == "" {
		return price, nil
	}
	tick, err := decimal.NewFromString(pf.TickSize)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid tickSize %q for %s: %w", pf.TickSize, s.Symbol, err)
	}
	if !tick.IsPositive() {
		return price, nil
	}
	return price.Div(tick).Floor().Mul(tick), nil
}
