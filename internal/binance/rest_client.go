package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"roi-trade-bot-go/internal/config"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	recvWindow     = "5000" // How long a request is valid in milliseconds

	OrderTypeLimit  = "LIMIT"
	OrderSideBuy    = "BUY"
	OrderSideSell   = "SELL"
	TimeInForceGTC  = "GTC"
	OrderStatusNew  = "NEW"
	OrderStatusFull = "FILLED"
)

var (
	// ErrTransient marks failures worth retrying on the next cycle: network errors,
	// timeouts, rate limiting and server errors.
	ErrTransient = errors.New("transient exchange error")
	// ErrUnauthorized marks credential or permission failures. The bot cannot recover from
	// these on its own.
	ErrUnauthorized = errors.New("exchange rejected credentials")
	// ErrRejected marks requests the exchange refused for a non-transient reason.
	ErrRejected = errors.New("exchange rejected request")
	// ErrOrderNotFound is returned by order queries when the exchange has no such order.
	ErrOrderNotFound = errors.New("order does not exist")
)

// Binance error codes.
const (
	codeNoSuchOrder = -2013
)

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	CreateOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error)
}

// RestClient is a client for the Binance REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	now       func() time.Time
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Exchange, logger *zap.Logger) *RestClient {
	logger = logger.Named("binance")
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
		now:       time.Now,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedQuery adds timestamp, recvWindow and signature to params and returns the encoded query.
func (c *RestClient) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	return query + "&signature=" + c.sign(query)
}

// apiError is the error body Binance returns for rejected requests.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Retries stop when ctx expires; the returned error then wraps ErrTransient.
// POST requests are only retried when the exchange rate limited them. After a server or
// network error their outcome is unknown and the caller has to look the order up.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3
	idempotent := method != http.MethodPost

	req.SetContext(ctx).SetError(&apiError{})

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter wait failed: %v", ErrTransient, err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			switch {
			case statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot:
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			case statusCode >= 500:
				if !idempotent {
					return nil, fmt.Errorf("%w: %s %s outcome unknown: %s", ErrTransient, method, url, resp.Status())
				}
				shouldRetry = true
			case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden || isAuthCode(resp):
				return nil, fmt.Errorf("%w: %s: %s", ErrUnauthorized, resp.Status(), resp.String())
			}
		} else if ctx.Err() == nil && idempotent { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransient, err)
			}
			if apiCode(resp) == codeNoSuchOrder {
				return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, resp.String())
			}
			return nil, fmt.Errorf("%w: request failed with status %s: %s", ErrRejected, resp.Status(), resp.String())
		}

		// Exponential backoff: 1s, 2s, 4s
		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
	}

	if err == nil && resp != nil {
		err = errors.New(resp.Status())
	}
	return nil, fmt.Errorf("%w: request failed after %d attempts: %v", ErrTransient, maxRetries, err)
}

func apiCode(resp *resty.Response) int {
	apiErr, ok := resp.Error().(*apiError)
	if !ok || apiErr == nil {
		return 0
	}
	return apiErr.Code
}

// isAuthCode matches the Binance error codes for invalid keys and signatures.
func isAuthCode(resp *resty.Response) bool {
	switch apiCode(resp) {
	case -1022, -2014, -2015:
		return true
	}
	return false
}

// Ticker is the market quote used for decisions.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bidPrice"`
	Ask       decimal.Decimal `json:"askPrice"`
	Last      decimal.Decimal `json:"lastPrice"`
	CloseTime int64           `json:"closeTime"`
}

// Time returns the quote timestamp.
func (t *Ticker) Time() time.Time {
	return time.UnixMilli(t.CloseTime)
}

// GetTicker fetches the rolling 24h ticker for one symbol, which carries bid, ask and last price.
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&Ticker{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/24hr", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}

	return resp.Result().(*Ticker), nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// GetExchangeInfo fetches exchange trading rules and symbol information.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	var exchangeInfo ExchangeInfoResponse

	req := c.client.R().
		SetResult(&exchangeInfo).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, http.MethodGet, "/exchangeInfo", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	return resp.Result().(*ExchangeInfoResponse), nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// GetBalance returns the free balance of asset.
func (c *RestClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(url.Values{})).
		SetResult(&accountResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/account", req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account balances: %w", err)
	}

	for _, b := range resp.Result().(*accountResponse).Balances {
		if strings.EqualFold(b.Asset, asset) {
			return b.Free, nil
		}
	}
	return decimal.Zero, nil
}

// OrderRequest describes a new order. ClientOrderID lets the order be found again when the
// create call fails without an answer.
type OrderRequest struct {
	Symbol        string
	Side          string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// OrderResponse represents an order as returned by order creation and order queries.
type OrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	Price               decimal.Decimal `json:"price"`
	OrigQuantity        decimal.Decimal `json:"origQty"`
	ExecutedQuantity    decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	TimeInForce         string          `json:"timeInForce"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
}

// Filled reports whether the order is completely executed.
func (o *OrderResponse) Filled() bool {
	return o.Status == OrderStatusFull
}

// Inactive reports whether the order was cancelled, rejected or expired by the exchange.
func (o *OrderResponse) Inactive() bool {
	switch o.Status {
	case "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return true
	}
	return false
}

// AveragePrice returns the average execution price, falling back to the limit price.
func (o *OrderResponse) AveragePrice() decimal.Decimal {
	if o.ExecutedQuantity.IsPositive() && o.CummulativeQuoteQty.IsPositive() {
		return o.CummulativeQuoteQty.Div(o.ExecutedQuantity)
	}
	return o.Price
}

// CreateOrder places a new LIMIT GTC order on Binance.
func (c *RestClient) CreateOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", order.Side)
	params.Set("type", OrderTypeLimit)
	params.Set("timeInForce", TimeInForceGTC)
	params.Set("price", order.Price.String())
	params.Set("quantity", order.Quantity.String())
	params.Set("newOrderRespType", "FULL")
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedQuery(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
			zap.String("client_order_id", order.ClientOrderID),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*OrderResponse)
	c.logger.Info("Successfully created order", zap.Any("order", result))
	return result, nil
}

// GetOrder queries the current status of an order.
func (c *RestClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d for %s: %w", orderID, symbol, err)
	}

	return resp.Result().(*OrderResponse), nil
}

// GetOrderByClientID queries an order by the client id it was created with. It returns an
// error wrapping ErrOrderNotFound when the exchange never accepted the order.
func (c *RestClient) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s for %s: %w", clientOrderID, symbol, err)
	}

	return resp.Result().(*OrderResponse), nil
}
