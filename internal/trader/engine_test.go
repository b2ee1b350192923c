package trader

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"roi-trade-bot-go/internal/binance"
	"roi-trade-bot-go/internal/binance/binancetest"
	"roi-trade-bot-go/internal/config"
	"roi-trade-bot-go/internal/database"
	"roi-trade-bot-go/internal/execution"
	"roi-trade-bot-go/internal/exit"
	"roi-trade-bot-go/internal/models"
	"roi-trade-bot-go/internal/notify"
	"roi-trade-bot-go/internal/state"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// faultyStore fails the next Close or MarkSellPending calls on request.
type faultyStore struct {
	*database.TradeRepository
	failClose atomic.Int32
	failMark  atomic.Int32
}

func (s *faultyStore) Close(ctx context.Context, id uint, rate, profit decimal.Decimal, closedAt time.Time) error {
	if s.failClose.Add(-1) >= 0 {
		return fmt.Errorf("database is locked")
	}
	return s.TradeRepository.Close(ctx, id, rate, profit, closedAt)
}

func (s *faultyStore) MarkSellPending(ctx context.Context, id uint, orderID string, rate decimal.Decimal) error {
	if s.failMark.Add(-1) >= 0 {
		return fmt.Errorf("database is locked")
	}
	return s.TradeRepository.MarkSellPending(ctx, id, orderID, rate)
}

type harness struct {
	engine     *Engine
	store      *database.TradeRepository
	faults     *faultyStore
	client     *binancetest.MockRestClient
	controller *state.Controller
	events     *notify.Memory
	strategy   *ManualStrategy
	now        time.Time
}

func testTrading() config.Trading {
	stoploss := dec("-0.10")
	return config.Trading{
		StakeCurrency:   "BTC",
		StakeAmount:     dec("0.05"),
		MaxOpenTrades:   3,
		FeeRate:         decimal.Zero,
		DryRun:          true,
		ProcessInterval: time.Second,
		QuoteMaxAge:     2 * time.Minute,
		StoppedPolicy:   config.StoppedPolicySuspend,
		MinimalROI:      map[string]float64{"0": 0.04, "20": 0.02, "30": 0.01, "40": 0},
		Stoploss:        &stoploss,
		PairWhitelist:   []string{"ETH/BTC", "LTC/BTC"},
	}
}

func newHarness(t *testing.T, mode execution.Mode, mutate func(*config.Trading)) *harness {
	t.Helper()

	trading := testTrading()
	if mutate != nil {
		mutate(&trading)
	}
	params, err := trading.Validate()
	require.NoError(t, err)

	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)

	h := &harness{
		store:    database.NewTradeRepository(db),
		client:   new(binancetest.MockRestClient),
		events:   notify.NewMemory(50),
		strategy: NewManualStrategy(),
		now:      testNow,
	}
	h.faults = &faultyStore{TradeRepository: h.store}
	h.controller = state.NewController(state.Running, zap.NewNop(), h.events)
	h.engine = NewEngine(zap.NewNop(), params, Dependencies{
		Exchange:   h.client,
		Store:      h.faults,
		Gate:       execution.NewGate(mode, h.client, time.Second, zap.NewNop()),
		Controller: h.controller,
		Strategy:   h.strategy,
		Notifier:   h.events,
		Clock:      func() time.Time { return h.now },
		Timeout:    time.Second,
	})
	return h
}

// openTrade stores an open position entered at rate 1 some minutes ago.
func (h *harness) openTrade(t *testing.T, pair string, minutesAgo int) *models.Trade {
	t.Helper()
	trade := &models.Trade{
		Pair:        pair,
		Symbol:      binance.Symbol(pair),
		State:       models.TradeOpen,
		OpenRate:    dec("1"),
		OpenDate:    h.now.Add(-time.Duration(minutesAgo) * time.Minute),
		StakeAmount: dec("1"),
		Amount:      dec("1"),
	}
	require.NoError(t, h.store.Create(context.Background(), trade))
	return trade
}

func (h *harness) ticker(pair, bid string) *binance.Ticker {
	return &binance.Ticker{
		Symbol:    binance.Symbol(pair),
		Bid:       dec(bid),
		Ask:       dec(bid),
		Last:      dec(bid),
		CloseTime: h.now.UnixMilli(),
	}
}

func (h *harness) quote(pair, bid string) *mock.Call {
	return h.client.On("GetTicker", mock.Anything, binance.Symbol(pair)).Return(h.ticker(pair, bid), nil)
}

func (h *harness) reload(t *testing.T, id uint) *models.Trade {
	t.Helper()
	trade, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return trade
}

func filledSell(price string) *binance.OrderResponse {
	return &binance.OrderResponse{
		OrderID:             42,
		Side:                binance.OrderSideSell,
		Status:              binance.OrderStatusFull,
		Price:               dec(price),
		OrigQuantity:        dec("1"),
		ExecutedQuantity:    dec("1"),
		CummulativeQuoteQty: dec(price),
	}
}

func TestProcessExits(t *testing.T) {
	testCases := []struct {
		name       string
		minutesAgo int
		bid        string
		wantExit   bool
		wantReason exit.Reason
	}{
		{name: "ROI rung reached", minutesAgo: 25, bid: "1.025", wantExit: true, wantReason: exit.ReasonROI},
		{name: "Below young rung", minutesAgo: 5, bid: "1.03", wantExit: false},
		{name: "Stoploss", minutesAgo: 5, bid: "0.85", wantExit: true, wantReason: exit.ReasonStoploss},
		{name: "Stoploss on old position", minutesAgo: 45, bid: "0.90", wantExit: true, wantReason: exit.ReasonStoploss},
		{name: "Oldest rung takes any profit", minutesAgo: 45, bid: "1.0", wantExit: true, wantReason: exit.ReasonROI},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, execution.Simulation, nil)
			trade := h.openTrade(t, "ETH/BTC", tc.minutesAgo)
			h.quote("ETH/BTC", tc.bid)

			report, err := h.engine.Process(context.Background())
			require.NoError(t, err)

			require.Len(t, report.Decisions, 1)
			d := report.Decisions[0].Decision
			assert.Equal(t, tc.wantExit, d.Exit)
			assert.Equal(t, tc.wantReason, d.Reason)

			stored := h.reload(t, trade.ID)
			if tc.wantExit {
				assert.Equal(t, models.TradeClosed, stored.State)
				assert.Equal(t, string(tc.wantReason), stored.ExitReason)
				assert.True(t, dec(tc.bid).Equal(stored.CloseRate))
				assert.Equal(t, []uint{trade.ID}, report.Exits)
			} else {
				assert.Equal(t, models.TradeOpen, stored.State)
				assert.Empty(t, report.Exits)
			}
			h.client.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
		})
	}
}

func TestProcessNotifiesExit(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	h.openTrade(t, "ETH/BTC", 25)
	h.quote("ETH/BTC", "1.025")

	_, err := h.engine.Process(context.Background())
	require.NoError(t, err)

	msgs := h.events.Messages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Contains(t, last, "Selling [ETH/BTC]")
	assert.Contains(t, last, "profit: 2.50%")
	assert.Contains(t, last, "reason: roi")
}

func TestProcessIsIdempotentOnClosedTrades(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	trade := h.openTrade(t, "ETH/BTC", 25)
	h.quote("ETH/BTC", "1.025").Once()

	first, err := h.engine.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint{trade.ID}, first.Exits)

	second, err := h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Decisions)
	assert.Empty(t, second.Exits)
	h.client.AssertNumberOfCalls(t, "GetTicker", 1)
}

func TestStoppedSuspendsEvaluation(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	trade := h.openTrade(t, "ETH/BTC", 5)
	h.controller.Stop(context.Background())

	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Equal(t, "stopped", report.State)
	assert.Equal(t, models.TradeOpen, h.reload(t, trade.ID).State)
	h.client.AssertNotCalled(t, "GetTicker", mock.Anything, mock.Anything)
}

func TestStoppedPolicies(t *testing.T) {
	testCases := []struct {
		name     string
		policy   string
		bid      string
		wantExit bool
	}{
		{name: "Stoploss policy ignores ROI", policy: config.StoppedPolicyStoploss, bid: "1.05", wantExit: false},
		{name: "Stoploss policy honors stoploss", policy: config.StoppedPolicyStoploss, bid: "0.8", wantExit: true},
		{name: "Unwind policy honors ROI", policy: config.StoppedPolicyUnwind, bid: "1.05", wantExit: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, execution.Simulation, func(tr *config.Trading) { tr.StoppedPolicy = tc.policy })
			trade := h.openTrade(t, "ETH/BTC", 5)
			h.quote("ETH/BTC", tc.bid)
			h.controller.Stop(context.Background())

			report, err := h.engine.Process(context.Background())
			require.NoError(t, err)

			assert.False(t, report.Skipped)
			closed := h.reload(t, trade.ID).State == models.TradeClosed
			assert.Equal(t, tc.wantExit, closed)
			assert.Empty(t, report.Entries)
		})
	}
}

func TestStopThenStartBeforeCycleKeepsRunning(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	trade := h.openTrade(t, "ETH/BTC", 25)
	h.quote("ETH/BTC", "1.025")

	h.controller.Stop(context.Background())
	h.controller.Start(context.Background())

	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, []uint{trade.ID}, report.Exits)
}

func TestModesProduceSameDecisions(t *testing.T) {
	run := func(mode execution.Mode) *CycleReport {
		h := newHarness(t, mode, func(tr *config.Trading) { tr.DryRun = mode == execution.Simulation })
		h.openTrade(t, "ETH/BTC", 25)
		h.openTrade(t, "LTC/BTC", 5)
		h.quote("ETH/BTC", "1.025")
		h.quote("LTC/BTC", "1.01")
		h.client.On("CreateOrder", mock.Anything, mock.Anything).Return(filledSell("1.025"), nil)

		report, err := h.engine.Process(context.Background())
		require.NoError(t, err)
		if mode == execution.Simulation {
			h.client.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
		} else {
			h.client.AssertNumberOfCalls(t, "CreateOrder", 1)
		}
		return report
	}

	sim := run(execution.Simulation)
	prod := run(execution.Production)

	require.Len(t, prod.Decisions, len(sim.Decisions))
	for i := range sim.Decisions {
		assert.Equal(t, sim.Decisions[i].Pair, prod.Decisions[i].Pair)
		assert.Equal(t, sim.Decisions[i].Decision.Exit, prod.Decisions[i].Decision.Exit)
		assert.Equal(t, sim.Decisions[i].Decision.Reason, prod.Decisions[i].Decision.Reason)
		assert.True(t, sim.Decisions[i].Decision.Profit.Equal(prod.Decisions[i].Decision.Profit))
	}
	assert.Equal(t, len(sim.Exits), len(prod.Exits))
}

func TestTransientSellFailureIsLookedUp(t *testing.T) {
	testCases := []struct {
		name        string
		lookup      func(h *harness, call *mock.Call)
		wantState   models.TradeState
		wantCreates int
	}{
		{
			name: "Order never reached the exchange",
			lookup: func(h *harness, call *mock.Call) {
				call.Return(nil, fmt.Errorf("failed to get order: %w", binance.ErrOrderNotFound)).Once()
				h.client.On("CreateOrder", mock.Anything, mock.Anything).Return(filledSell("1.025"), nil).Once()
			},
			wantState:   models.TradeClosed,
			wantCreates: 2,
		},
		{
			name: "Order was filled",
			lookup: func(h *harness, call *mock.Call) {
				call.Return(filledSell("1.025"), nil).Once()
			},
			wantState:   models.TradeClosed,
			wantCreates: 1,
		},
		{
			name: "Exchange still unreachable",
			lookup: func(h *harness, call *mock.Call) {
				call.Return(nil, fmt.Errorf("failed to get order: %w", binance.ErrTransient)).Once()
			},
			wantState:   models.TradeClosing,
			wantCreates: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, execution.Production, func(tr *config.Trading) { tr.DryRun = false })
			trade := h.openTrade(t, "ETH/BTC", 25)
			h.quote("ETH/BTC", "1.025")
			h.client.On("CreateOrder", mock.Anything, mock.MatchedBy(func(o binance.OrderRequest) bool {
				return o.ClientOrderID == execution.SellClientID(trade.ID, trade.OpenDate)
			})).Return(nil, fmt.Errorf("%w: connection reset", binance.ErrTransient)).Once()

			report, err := h.engine.Process(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failures)
			assert.Empty(t, report.Exits)

			// the claim is kept while the outcome is unknown
			stored := h.reload(t, trade.ID)
			assert.Equal(t, models.TradeClosing, stored.State)
			assert.Empty(t, stored.OpenOrderID)
			assert.Equal(t, state.Running, h.controller.State())

			tc.lookup(h, h.client.On("GetOrderByClientID", mock.Anything, "ETHBTC", execution.SellClientID(trade.ID, trade.OpenDate)))
			_, err = h.engine.Process(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tc.wantState, h.reload(t, trade.ID).State)
			h.client.AssertNumberOfCalls(t, "CreateOrder", tc.wantCreates)
		})
	}
}

func TestFailedBookkeepingNeverSellsTwice(t *testing.T) {
	testCases := []struct {
		name   string
		fault  func(*faultyStore)
		expect func(h *harness, trade *models.Trade)
	}{
		{
			name:  "Close fails after the fill",
			fault: func(s *faultyStore) { s.failClose.Store(1) },
			expect: func(h *harness, _ *models.Trade) {
				h.client.On("GetOrder", mock.Anything, "ETHBTC", int64(42)).Return(filledSell("1.025"), nil).Once()
			},
		},
		{
			name:  "Recording the order fails",
			fault: func(s *faultyStore) { s.failMark.Store(1) },
			expect: func(h *harness, trade *models.Trade) {
				h.client.On("GetOrderByClientID", mock.Anything, "ETHBTC", execution.SellClientID(trade.ID, trade.OpenDate)).
					Return(filledSell("1.025"), nil).Once()
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, execution.Production, func(tr *config.Trading) { tr.DryRun = false })
			trade := h.openTrade(t, "ETH/BTC", 25)
			h.quote("ETH/BTC", "1.025")
			h.client.On("CreateOrder", mock.Anything, mock.Anything).Return(filledSell("1.025"), nil)
			tc.fault(h.faults)

			report, err := h.engine.Process(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failures)
			assert.Equal(t, models.TradeClosing, h.reload(t, trade.ID).State)

			tc.expect(h, trade)
			report, err = h.engine.Process(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []uint{trade.ID}, report.Exits)

			stored := h.reload(t, trade.ID)
			assert.Equal(t, models.TradeClosed, stored.State)
			assert.True(t, dec("1.025").Equal(stored.CloseRate), stored.CloseRate.String())
			h.client.AssertNumberOfCalls(t, "CreateOrder", 1)
		})
	}
}

func TestStaleClaimIsReleasedInSimulation(t *testing.T) {
	testCases := []struct {
		name   string
		reason exit.Reason
	}{
		{name: "Rule exit", reason: exit.ReasonROI},
		{name: "Force exit is queued again", reason: exit.ReasonForceExit},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, execution.Simulation, nil)
			trade := h.openTrade(t, "ETH/BTC", 5)
			h.quote("ETH/BTC", "1.0")
			// a claim left behind by a process that died before selling
			require.NoError(t, h.store.ClaimForExit(context.Background(), trade.ID, string(tc.reason)))

			report, err := h.engine.Process(context.Background())
			require.NoError(t, err)
			assert.Len(t, report.Decisions, 1)
			assert.Empty(t, report.Exits)

			stored := h.reload(t, trade.ID)
			assert.Equal(t, models.TradeOpen, stored.State)
			assert.Empty(t, stored.ExitReason)
			if tc.reason == exit.ReasonForceExit {
				assert.Equal(t, []uint{trade.ID}, h.controller.DrainForceExits())
			} else {
				assert.Empty(t, h.controller.DrainForceExits())
			}
		})
	}
}

func TestTransientBuyFailureIsLookedUp(t *testing.T) {
	testCases := []struct {
		name        string
		lookup      []any
		wantEntries int
		wantFailed  int
	}{
		{
			name: "Order was accepted",
			lookup: []any{&binance.OrderResponse{
				OrderID:             43,
				Side:                binance.OrderSideBuy,
				Status:              binance.OrderStatusFull,
				Price:               dec("1"),
				OrigQuantity:        dec("0.05"),
				ExecutedQuantity:    dec("0.05"),
				CummulativeQuoteQty: dec("0.05"),
			}, nil},
			wantEntries: 1,
		},
		{
			name:       "Order never reached the exchange",
			lookup:     []any{nil, fmt.Errorf("failed to get order: %w", binance.ErrOrderNotFound)},
			wantFailed: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, execution.Production, func(tr *config.Trading) { tr.DryRun = false })
			h.client.On("GetBalance", mock.Anything, "BTC").Return(dec("1"), nil)
			h.quote("ETH/BTC", "1")
			var clientID string
			h.client.On("CreateOrder", mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { clientID = args.Get(1).(binance.OrderRequest).ClientOrderID }).
				Return(nil, fmt.Errorf("%w: connection reset", binance.ErrTransient)).Once()
			h.client.On("GetOrderByClientID", mock.Anything, "ETHBTC", mock.Anything).Return(tc.lookup...).Once()
			require.NoError(t, h.engine.RequestBuy("ETH/BTC"))

			report, err := h.engine.Process(context.Background())
			require.NoError(t, err)
			assert.Len(t, report.Entries, tc.wantEntries)
			assert.Equal(t, tc.wantFailed, report.Failures)
			h.client.AssertCalled(t, "GetOrderByClientID", mock.Anything, "ETHBTC", clientID)
			h.client.AssertNumberOfCalls(t, "CreateOrder", 1)

			if tc.wantEntries == 1 {
				trade := h.reload(t, report.Entries[0])
				assert.True(t, dec("1").Equal(trade.OpenRate))
				assert.True(t, dec("0.05").Equal(trade.Amount))
				assert.False(t, trade.AwaitingBuy())
			}
		})
	}
}

func TestStaleQuoteSkipsPosition(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	trade := h.openTrade(t, "ETH/BTC", 25)
	stale := h.ticker("ETH/BTC", "1.5")
	stale.CloseTime = h.now.Add(-10 * time.Minute).UnixMilli()
	h.client.On("GetTicker", mock.Anything, "ETHBTC").Return(stale, nil)

	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Decisions)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, models.TradeOpen, h.reload(t, trade.ID).State)
}

func TestUnauthorizedStopsBot(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	h.openTrade(t, "ETH/BTC", 25)
	h.client.On("GetTicker", mock.Anything, "ETHBTC").
		Return(nil, fmt.Errorf("%w: invalid api key", binance.ErrUnauthorized))

	_, err := h.engine.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, state.Stopped, h.controller.State())
	joined := strings.Join(h.events.Messages(), "\n")
	assert.Contains(t, joined, "Status: stopped")
	assert.Contains(t, joined, "OperationalException")
}

func TestForceExitAppliesWhileStopped(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	trade := h.openTrade(t, "ETH/BTC", 5)
	h.quote("ETH/BTC", "1.001")
	h.controller.Stop(context.Background())
	h.controller.RequestForceExit(trade.ID)
	h.controller.RequestForceExit(trade.ID)

	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Equal(t, []uint{trade.ID}, report.Exits)
	stored := h.reload(t, trade.ID)
	assert.Equal(t, models.TradeClosed, stored.State)
	assert.Equal(t, string(exit.ReasonForceExit), stored.ExitReason)

	// a second request for a closed trade is a no-op
	h.controller.RequestForceExit(trade.ID)
	report, err = h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Exits)
	h.client.AssertNumberOfCalls(t, "GetTicker", 1)
}

func TestForceBuyOpensPositionAtTargetBid(t *testing.T) {
	h := newHarness(t, execution.Simulation, func(tr *config.Trading) { tr.BidStrategy.AskLastBalance = dec("0.5") })
	h.client.On("GetTicker", mock.Anything, "LTCBTC").Return(&binance.Ticker{
		Symbol:    "LTCBTC",
		Bid:       dec("0.0099"),
		Ask:       dec("0.0100"),
		Last:      dec("0.0098"),
		CloseTime: h.now.UnixMilli(),
	}, nil)

	require.NoError(t, h.engine.RequestBuy("ltc/btc"))
	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)

	trade := h.reload(t, report.Entries[0])
	assert.Equal(t, "LTC/BTC", trade.Pair)
	assert.True(t, dec("0.0099").Equal(trade.OpenRate), trade.OpenRate.String())
	assert.True(t, dec("0.05").Equal(trade.StakeAmount))
	assert.True(t, trade.IsSimulation)
	assert.True(t, testNow.Equal(trade.OpenDate))
	assert.Contains(t, strings.Join(h.events.Messages(), "\n"), "Buying [LTC/BTC]")

	// the request was consumed
	report, err = h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Entries)
}

func TestForceBuyRejectsUnlistedPair(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	assert.Error(t, h.engine.RequestBuy("XRP/BTC"))
}

func TestMaxOpenTradesBlocksEntry(t *testing.T) {
	h := newHarness(t, execution.Simulation, func(tr *config.Trading) { tr.MaxOpenTrades = 1 })
	h.openTrade(t, "ETH/BTC", 5)
	h.quote("ETH/BTC", "1.0")
	require.NoError(t, h.engine.RequestBuy("LTC/BTC"))

	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Entries)
	h.client.AssertNotCalled(t, "GetTicker", mock.Anything, "LTCBTC")
}

func TestInsufficientBalanceSkipsEntry(t *testing.T) {
	h := newHarness(t, execution.Production, func(tr *config.Trading) { tr.DryRun = false })
	h.client.On("GetBalance", mock.Anything, "BTC").Return(dec("0.01"), nil)
	require.NoError(t, h.engine.RequestBuy("ETH/BTC"))

	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Entries)
	assert.Zero(t, report.Failures)
	h.client.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestPendingSellIsReconciled(t *testing.T) {
	h := newHarness(t, execution.Production, func(tr *config.Trading) { tr.DryRun = false })
	trade := h.openTrade(t, "ETH/BTC", 25)
	h.quote("ETH/BTC", "1.025")
	h.client.On("CreateOrder", mock.Anything, mock.Anything).Return(&binance.OrderResponse{
		OrderID:      42,
		Side:         binance.OrderSideSell,
		Status:       binance.OrderStatusNew,
		Price:        dec("1.025"),
		OrigQuantity: dec("1"),
	}, nil).Once()

	report, err := h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{trade.ID}, report.Pending)

	stored := h.reload(t, trade.ID)
	assert.Equal(t, models.TradeClosing, stored.State)
	assert.Equal(t, "42", stored.OpenOrderID)

	h.client.On("GetOrder", mock.Anything, "ETHBTC", int64(42)).Return(filledSell("1.025"), nil).Once()
	report, err = h.engine.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{trade.ID}, report.Exits)
	assert.Equal(t, models.TradeClosed, h.reload(t, trade.ID).State)
	h.client.AssertNumberOfCalls(t, "CreateOrder", 1)
}

type sellSignalStrategy struct {
	*ManualStrategy
	calls atomic.Int32
}

func (s *sellSignalStrategy) SellSignal(context.Context, string) (bool, error) {
	s.calls.Add(1)
	return true, nil
}

func TestSellSignal(t *testing.T) {
	testCases := []struct {
		name       string
		profitOnly bool
		bid        string
		wantExit   bool
	}{
		{name: "Signal exits", bid: "0.99", wantExit: true},
		{name: "Profit only blocks loss", profitOnly: true, bid: "0.99", wantExit: false},
		{name: "Profit only allows gain", profitOnly: true, bid: "1.01", wantExit: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, execution.Simulation, func(tr *config.Trading) {
				tr.Experimental.UseSellSignal = true
				tr.Experimental.SellProfitOnly = tc.profitOnly
			})
			h.engine.strategy = &sellSignalStrategy{ManualStrategy: NewManualStrategy()}
			trade := h.openTrade(t, "ETH/BTC", 5)
			h.quote("ETH/BTC", tc.bid)

			report, err := h.engine.Process(context.Background())
			require.NoError(t, err)

			require.Len(t, report.Decisions, 1)
			assert.Equal(t, tc.wantExit, report.Decisions[0].Decision.Exit)
			if tc.wantExit {
				assert.Equal(t, exit.ReasonSellSignal, report.Decisions[0].Decision.Reason)
				assert.Equal(t, models.TradeClosed, h.reload(t, trade.ID).State)
			}
		})
	}
}

type countingScheduler struct {
	waits atomic.Int32
}

func (s *countingScheduler) Wait(ctx context.Context) error {
	s.waits.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunFinishesCycleOnShutdown(t *testing.T) {
	h := newHarness(t, execution.Simulation, nil)
	sched := &countingScheduler{}
	h.engine.scheduler = sched
	trade := h.openTrade(t, "ETH/BTC", 25)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.quote("ETH/BTC", "1.025").Run(func(mock.Arguments) { cancel() })

	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	assert.Equal(t, models.TradeClosed, h.reload(t, trade.ID).State)
	assert.Equal(t, int32(1), sched.waits.Load())
}

func TestIntervalSchedulerHonorsCancel(t *testing.T) {
	s := NewIntervalScheduler(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.Canceled)

	assert.NoError(t, NewIntervalScheduler(time.Millisecond).Wait(context.Background()))
}

func TestCandidatePairs(t *testing.T) {
	rules := map[string]binance.SymbolInfo{
		"ETHBTC": {Symbol: "ETHBTC", Status: binance.SymbolStatusTrading},
		"XRPBTC": {Symbol: "XRPBTC", Status: "BREAK"},
	}
	rule := func(s string) (binance.SymbolInfo, bool) {
		r, ok := rules[s]
		return r, ok
	}

	pairs := candidatePairs(
		[]string{"ETH/BTC", "LTC/BTC", "XRP/BTC", "BNB/BTC"},
		[]string{"BNB/BTC"},
		map[string]bool{"LTC/BTC": true},
		rule,
	)
	assert.Equal(t, []string{"ETH/BTC"}, pairs)
}
