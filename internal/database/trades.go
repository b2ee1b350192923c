package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"roi-trade-bot-go/internal/models"
)

// ErrInconsistentState is returned when a trade is not in the state the caller expected,
// typically because it was closed or claimed elsewhere.
var ErrInconsistentState = errors.New("inconsistent trade state")

// TradeRepository persists positions.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository wraps db.
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create inserts a new trade.
func (r *TradeRepository) Create(ctx context.Context, trade *models.Trade) error {
	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to create trade for %s: %w", trade.Pair, err)
	}
	return nil
}

// OpenTrades returns every trade that is not closed, oldest first.
func (r *TradeRepository) OpenTrades(ctx context.Context) ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("state <> ?", models.TradeClosed).
		Order("id asc").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades: %w", err)
	}
	return trades, nil
}

// FindByID loads a single trade.
func (r *TradeRepository) FindByID(ctx context.Context, id uint) (*models.Trade, error) {
	var trade models.Trade
	if err := r.db.WithContext(ctx).First(&trade, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: trade %d not found", ErrInconsistentState, id)
		}
		return nil, fmt.Errorf("failed to load trade %d: %w", id, err)
	}
	return &trade, nil
}

// transition applies updates only if the trade is currently in state from with no pending order.
func (r *TradeRepository) transition(ctx context.Context, id uint, from models.TradeState, requireNoOrder bool, updates map[string]any) error {
	q := r.db.WithContext(ctx).Model(&models.Trade{}).Where("id = ? AND state = ?", id, from)
	if requireNoOrder {
		q = q.Where("open_order_id = ?", "")
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update trade %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: trade %d is not %s", ErrInconsistentState, id, from)
	}
	return nil
}

// ClaimForExit moves an open trade without pending orders to closing.
// Only one caller can win the claim.
func (r *TradeRepository) ClaimForExit(ctx context.Context, id uint, reason string) error {
	return r.transition(ctx, id, models.TradeOpen, true, map[string]any{
		"state":       models.TradeClosing,
		"exit_reason": reason,
	})
}

// ReleaseExit returns a closing trade to open after a failed sell.
func (r *TradeRepository) ReleaseExit(ctx context.Context, id uint) error {
	return r.transition(ctx, id, models.TradeClosing, true, map[string]any{
		"state":       models.TradeOpen,
		"exit_reason": "",
	})
}

// MarkSellPending records the sell order accepted for a closing trade and its limit rate.
// A trade carrying a sell order can no longer be released.
func (r *TradeRepository) MarkSellPending(ctx context.Context, id uint, orderID string, rate decimal.Decimal) error {
	return r.transition(ctx, id, models.TradeClosing, false, map[string]any{
		"open_order_id": orderID,
		"pending_side":  "SELL",
		"close_rate":    rate,
	})
}

// Close finalizes a closing trade.
func (r *TradeRepository) Close(ctx context.Context, id uint, rate, profit decimal.Decimal, closedAt time.Time) error {
	return r.transition(ctx, id, models.TradeClosing, false, map[string]any{
		"state":         models.TradeClosed,
		"close_rate":    rate,
		"close_profit":  profit,
		"close_date":    closedAt,
		"open_order_id": "",
		"pending_side":  "",
	})
}

// FillBuy records the execution of a pending entry order.
func (r *TradeRepository) FillBuy(ctx context.Context, id uint, rate, amount decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND state = ? AND pending_side = ?", id, models.TradeOpen, "BUY").
		Updates(map[string]any{
			"open_rate":     rate,
			"amount":        amount,
			"open_order_id": "",
			"pending_side":  "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to fill trade %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: trade %d has no pending buy", ErrInconsistentState, id)
	}
	return nil
}

// ClosedTrades returns closed trades, most recent first.
func (r *TradeRepository) ClosedTrades(ctx context.Context) ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("state = ?", models.TradeClosed).
		Order("close_date desc").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load closed trades: %w", err)
	}
	return trades, nil
}
