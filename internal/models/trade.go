package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeState is the lifecycle state of a position.
type TradeState string

const (
	TradeOpen    TradeState = "open"
	TradeClosing TradeState = "closing"
	TradeClosed  TradeState = "closed"
)

// Trade is a position tracked by the bot from entry to exit.
// Money fields are stored as text to keep decimal precision in sqlite.
type Trade struct {
	gorm.Model
	Pair         string          `gorm:"index;not null" json:"pair"`
	Symbol       string          `gorm:"not null" json:"symbol"`
	State        TradeState      `gorm:"index;not null;default:open" json:"state"`
	OpenRate     decimal.Decimal `gorm:"type:text" json:"open_rate"`
	OpenDate     time.Time       `json:"open_date"`
	StakeAmount  decimal.Decimal `gorm:"type:text" json:"stake_amount"`
	Amount       decimal.Decimal `gorm:"type:text" json:"amount"`
	FeeRate      decimal.Decimal `gorm:"type:text" json:"fee_rate"`
	OpenOrderID  string          `json:"open_order_id,omitempty"`
	PendingSide  string          `json:"pending_side,omitempty"` // "BUY" or "SELL" while OpenOrderID is set
	CloseRate    decimal.Decimal `gorm:"type:text" json:"close_rate"`
	CloseDate    *time.Time      `json:"close_date,omitempty"`
	CloseProfit  decimal.Decimal `gorm:"type:text" json:"close_profit"`
	ExitReason   string          `json:"exit_reason,omitempty"`
	IsSimulation bool            `json:"is_simulation"`
}

// IsOpen reports whether the position still holds the asset.
func (t *Trade) IsOpen() bool {
	return t.State != TradeClosed
}

// AwaitingBuy reports whether the entry order has not been filled yet.
func (t *Trade) AwaitingBuy() bool {
	return t.OpenOrderID != "" && t.PendingSide == "BUY"
}

// AbsoluteProfit returns the closing profit in stake currency.
func (t *Trade) AbsoluteProfit() decimal.Decimal {
	if t.State != TradeClosed {
		return decimal.Zero
	}
	return t.CloseProfit.Mul(t.StakeAmount)
}
