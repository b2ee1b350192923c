package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"roi-trade-bot-go/internal/models"
)

// TradeSource is the read-only view of the trade store used by the dashboard.
type TradeSource interface {
	OpenTrades(ctx context.Context) ([]models.Trade, error)
	ClosedTrades(ctx context.Context) ([]models.Trade, error)
}

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log    *zap.Logger
	trades TradeSource
	now    func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, trades TradeSource) *APIHandler {
	return &APIHandler{log: log, trades: trades, now: time.Now}
}

// Register mounts the dashboard endpoints on r.
func (h *APIHandler) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.GET("/trades", h.TradesHandler)
	api.GET("/trades/open", h.OpenTradesHandler)
	api.GET("/statistics", h.StatisticsHandler)
}

// TradesHandler returns all closed trades, most recent first.
func (h *APIHandler) TradesHandler(c *gin.Context) {
	trades, err := h.trades.ClosedTrades(c.Request.Context())
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get trades"})
		return
	}
	c.JSON(http.StatusOK, trades)
}

// OpenTradesHandler returns positions that are not closed yet.
func (h *APIHandler) OpenTradesHandler(c *gin.Context) {
	trades, err := h.trades.OpenTrades(c.Request.Context())
	if err != nil {
		h.log.Error("Failed to get open trades from database", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get open trades"})
		return
	}
	c.JSON(http.StatusOK, trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	AverageProfit    decimal.Decimal `json:"average_profit_ratio"`

	sumRatio decimal.Decimal
}

func (s *StatsDetail) add(t models.Trade) {
	s.TotalTrades++
	if t.CloseProfit.IsPositive() {
		s.ProfitableTrades++
	}
	s.TotalProfit = s.TotalProfit.Add(t.AbsoluteProfit())
	s.sumRatio = s.sumRatio.Add(t.CloseProfit)
}

func (s *StatsDetail) finish() {
	if s.TotalTrades == 0 {
		return
	}
	s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	s.AverageProfit = s.sumRatio.Div(decimal.NewFromInt(s.TotalTrades))
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h   StatsDetail `json:"since_24h"`
	AllTime    StatsDetail `json:"all_time"`
	OpenTrades int         `json:"open_trades"`
}

func computeStatistics(closed []models.Trade, now time.Time) StatisticsResponse {
	since24h := now.Add(-24 * time.Hour)

	var resp StatisticsResponse
	for _, trade := range closed {
		resp.AllTime.add(trade)
		if trade.CloseDate != nil && trade.CloseDate.After(since24h) {
			resp.Since24h.add(trade)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()
	return resp
}

// StatisticsHandler calculates and returns trading statistics.
func (h *APIHandler) StatisticsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	closed, err := h.trades.ClosedTrades(ctx)
	if err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to calculate statistics"})
		return
	}
	open, err := h.trades.OpenTrades(ctx)
	if err != nil {
		h.log.Error("Failed to get open trades for statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to calculate statistics"})
		return
	}

	resp := computeStatistics(closed, h.now())
	resp.OpenTrades = len(open)
	c.JSON(http.StatusOK, resp)
}
