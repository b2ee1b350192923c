// Package binancetest provides a testify mock of the Binance REST client.
package binancetest

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"roi-trade-bot-go/internal/binance"
)

// MockRestClient is a mock implementation of the RestClientInterface.
type MockRestClient struct {
	mock.Mock
}

var _ binance.RestClientInterface = (*MockRestClient)(nil)

func (m *MockRestClient) GetServerTime(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRestClient) GetTicker(ctx context.Context, symbol string) (*binance.Ticker, error) {
	args := m.Called(ctx, symbol)
	ticker, _ := args.Get(0).(*binance.Ticker)
	return ticker, args.Error(1)
}

func (m *MockRestClient) GetExchangeInfo(ctx context.Context) (*binance.ExchangeInfoResponse, error) {
	args := m.Called(ctx)
	info, _ := args.Get(0).(*binance.ExchangeInfoResponse)
	return info, args.Error(1)
}

func (m *MockRestClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockRestClient) CreateOrder(ctx context.Context, order binance.OrderRequest) (*binance.OrderResponse, error) {
	args := m.Called(ctx, order)
	resp, _ := args.Get(0).(*binance.OrderResponse)
	return resp, args.Error(1)
}

func (m *MockRestClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*binance.OrderResponse, error) {
	args := m.Called(ctx, symbol, orderID)
	resp, _ := args.Get(0).(*binance.OrderResponse)
	return resp, args.Error(1)
}

func (m *MockRestClient) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*binance.OrderResponse, error) {
	args := m.Called(ctx, symbol, clientOrderID)
	resp, _ := args.Get(0).(*binance.OrderResponse)
	return resp, args.Error(1)
}
