package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"agentfleet/internal/broker"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *stubFeed) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *stubFeed) Tickers(ctx context.Context) ([]broker.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Ticker, 0, len(f.prices))
	for symbol, price := range f.prices {
		out = append(out, broker.Ticker{Symbol: symbol, LastPrice: price, Turnover24h: 1e9})
	}
	return out, nil
}

func (f *stubFeed) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	return broker.Instrument{
		Symbol:      symbol,
		MinOrderQty: decimal.RequireFromString("0.001"),
		QtyStep:     decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.1"),
	}, nil
}

func (f *stubFeed) Ticker(ctx context.Context, symbol string) (broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return broker.Quote{Symbol: symbol, LastPrice: f.prices[symbol], MarkPrice: f.prices[symbol]}, nil
}

func newAccount(price float64) (*Account, *stubFeed) {
	feed := &stubFeed{prices: map[string]float64{"BTCUSDT": price}}
	return New(feed, Config{InitialBalance: 100}), feed
}

func bracket(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

func TestSetLeverageReportsNotModified(t *testing.T) {
	acct, _ := newAccount(50000)
	ctx := context.Background()

	require.NoError(t, acct.SetLeverage(ctx, "BTCUSDT", 10))
	assert.ErrorIs(t, acct.SetLeverage(ctx, "BTCUSDT", 10), broker.ErrLeverageNotModified)
	assert.NoError(t, acct.SetLeverage(ctx, "BTCUSDT", 5))
}

func TestLongTakeProfitTriggersOnPriceRefresh(t *testing.T) {
	acct, feed := newAccount(50000)
	ctx := context.Background()

	_, err := acct.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       broker.Long,
		Qty:        decimal.RequireFromString("0.002"),
		TakeProfit: bracket("55000"),
		StopLoss:   bracket("45000"),
	})
	require.NoError(t, err)

	pos, err := acct.Position(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, broker.Long, pos.Side)

	feed.set("BTCUSDT", 56000)
	pos, err = acct.Position(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos)

	records, err := acct.ClosedPnL(ctx, "BTCUSDT", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, broker.Short, records[0].Side)
	assert.InDelta(t, 55000, records[0].ExitPrice, 1e-9)
	assert.InDelta(t, 10, records[0].RealizedPnL, 1e-9)

	balance, err := acct.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 110, balance.Equity, 1e-9)
}

func TestShortCloseChargesFees(t *testing.T) {
	feed := &stubFeed{prices: map[string]float64{"ETHUSDT": 2000}}
	acct := New(feed, Config{InitialBalance: 100, FeeRate: 0.001})
	ctx := context.Background()

	_, err := acct.PlaceOrder(ctx, broker.OrderRequest{Symbol: "ETHUSDT", Side: broker.Short, Qty: decimal.RequireFromString("0.05")})
	require.NoError(t, err)

	feed.set("ETHUSDT", 1900)
	_, err = acct.ClosePosition(ctx, "ETHUSDT", broker.Short, 0.05)
	require.NoError(t, err)

	records, err := acct.ClosedPnL(ctx, "ETHUSDT", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	// gross 5, entry fee 0.1, exit fee 0.095
	assert.InDelta(t, 4.805, records[0].RealizedPnL, 1e-9)

	balance, err := acct.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 104.805, balance.Equity, 1e-9)
}

func TestReduceOnlyWithoutPositionFails(t *testing.T) {
	acct, _ := newAccount(50000)
	_, err := acct.ClosePosition(context.Background(), "BTCUSDT", broker.Long, 0.002)
	assert.Error(t, err)
}

func TestSecondOpenOnSameSymbolIsRejected(t *testing.T) {
	acct, _ := newAccount(50000)
	ctx := context.Background()
	req := broker.OrderRequest{Symbol: "BTCUSDT", Side: broker.Long, Qty: decimal.RequireFromString("0.002")}

	_, err := acct.PlaceOrder(ctx, req)
	require.NoError(t, err)
	_, err = acct.PlaceOrder(ctx, req)
	assert.Error(t, err)
}

func TestClosedPnLRespectsSince(t *testing.T) {
	acct, _ := newAccount(50000)
	ctx := context.Background()
	_, err := acct.PlaceOrder(ctx, broker.OrderRequest{Symbol: "BTCUSDT", Side: broker.Long, Qty: decimal.RequireFromString("0.002")})
	require.NoError(t, err)
	_, err = acct.ClosePosition(ctx, "BTCUSDT", broker.Long, 0.002)
	require.NoError(t, err)

	records, err := acct.ClosedPnL(ctx, "BTCUSDT", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, records)
}
