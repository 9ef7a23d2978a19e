package md

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"agentfleet/internal/broker"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// DefaultAlpacaUniverse is the crypto set quoted when no universe is configured.
var DefaultAlpacaUniverse = []string{
	"BTC/USD", "ETH/USD", "SOL/USD", "DOGE/USD", "AVAX/USD", "LINK/USD", "LTC/USD",
	"DOT/USD", "UNI/USD", "BCH/USD", "AAVE/USD", "SHIB/USD", "XRP/USD", "XTZ/USD",
	"CRV/USD", "GRT/USD", "MKR/USD", "SUSHI/USD", "YFI/USD", "BAT/USD", "PEPE/USD",
}

// AlpacaFeed quotes crypto snapshots from Alpaca market data. Symbols are
// exposed in exchange form (BTC/USD becomes BTCUSDT).
type AlpacaFeed struct {
	client   *marketdata.Client
	universe []string
}

func NewAlpacaFeed(apiKey, apiSecret string, universe []string) *AlpacaFeed {
	if len(universe) == 0 {
		universe = DefaultAlpacaUniverse
	}
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	return &AlpacaFeed{client: client, universe: universe}
}

func (f *AlpacaFeed) Tickers(ctx context.Context) ([]broker.Ticker, error) {
	snapshots, err := f.client.GetCryptoSnapshots(f.universe, marketdata.GetCryptoSnapshotRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca crypto snapshots: %w", err)
	}
	out := make([]broker.Ticker, 0, len(snapshots))
	for pair, snap := range snapshots {
		ticker, ok := tickerFromSnapshot(pair, snap)
		if ok {
			out = append(out, ticker)
		}
	}
	return out, nil
}

func (f *AlpacaFeed) Ticker(ctx context.Context, symbol string) (broker.Quote, error) {
	pair := ToAlpacaPair(symbol)
	snapshots, err := f.client.GetCryptoSnapshots([]string{pair}, marketdata.GetCryptoSnapshotRequest{})
	if err != nil {
		return broker.Quote{}, fmt.Errorf("alpaca snapshot %s: %w", pair, err)
	}
	snap, found := snapshots[pair]
	if !found {
		return broker.Quote{}, fmt.Errorf("alpaca has no snapshot for %s", pair)
	}
	ticker, ok := tickerFromSnapshot(pair, snap)
	if !ok {
		return broker.Quote{}, fmt.Errorf("alpaca has no price for %s", pair)
	}
	return broker.Quote{Symbol: symbol, LastPrice: ticker.LastPrice}, nil
}

// Instrument derives precision from price magnitude: Alpaca market data does
// not publish contract filters. The step keeps one increment near $10 of
// notional and the tick keeps five significant digits.
func (f *AlpacaFeed) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	quote, err := f.Ticker(ctx, symbol)
	if err != nil {
		return broker.Instrument{}, err
	}
	return DerivedInstrument(symbol, quote.LastPrice)
}

func DerivedInstrument(symbol string, price float64) (broker.Instrument, error) {
	if price <= 0 {
		return broker.Instrument{}, errors.New("price must be positive")
	}
	stepExp := int32(math.Floor(math.Log10(10 / price)))
	tickExp := int32(math.Floor(math.Log10(price))) - 4
	step := decimal.New(1, stepExp)
	return broker.Instrument{
		Symbol:      symbol,
		MinOrderQty: step,
		QtyStep:     step,
		TickSize:    decimal.New(1, tickExp),
	}, nil
}

func tickerFromSnapshot(pair string, snap marketdata.CryptoSnapshot) (broker.Ticker, bool) {
	ticker := broker.Ticker{Symbol: FromAlpacaPair(pair)}
	if snap.LatestTrade != nil {
		ticker.LastPrice = snap.LatestTrade.Price
	}
	if snap.DailyBar != nil {
		if ticker.LastPrice <= 0 {
			ticker.LastPrice = snap.DailyBar.Close
		}
		ticker.Volume24h = snap.DailyBar.Volume
		ticker.Turnover24h = snap.DailyBar.Volume * snap.DailyBar.VWAP
	}
	if snap.PrevDailyBar != nil && snap.PrevDailyBar.Close > 0 && ticker.LastPrice > 0 {
		ticker.Change24h = (ticker.LastPrice - snap.PrevDailyBar.Close) / snap.PrevDailyBar.Close * 100
	}
	return ticker, ticker.LastPrice > 0
}

func ToAlpacaPair(symbol string) string {
	if strings.Contains(symbol, "/") {
		return symbol
	}
	return strings.TrimSuffix(symbol, "USDT") + "/USD"
}

func FromAlpacaPair(pair string) string {
	return strings.ReplaceAll(strings.TrimSuffix(pair, "/USD"), "/", "") + "USDT"
}
