package bybit

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"agentfleet/internal/broker"

	"github.com/shopspring/decimal"
)

type tickerItem struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	MarkPrice    string `json:"markPrice"`
	Price24hPcnt string `json:"price24hPcnt"`
	Volume24h    string `json:"volume24h"`
	Turnover24h  string `json:"turnover24h"`
}

type tickerResult struct {
	List []tickerItem `json:"list"`
}

type instrumentItem struct {
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		MinOrderQty string `json:"minOrderQty"`
		QtyStep     string `json:"qtyStep"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

type instrumentResult struct {
	List []instrumentItem `json:"list"`
}

// Tickers returns every USDT linear perpetual with its 24h statistics.
func (c *Client) Tickers(ctx context.Context) ([]broker.Ticker, error) {
	var result tickerResult
	query := url.Values{"category": {categoryLinear}}
	if err := c.get(ctx, "/v5/market/tickers", query, false, &result); err != nil {
		return nil, err
	}
	tickers := make([]broker.Ticker, 0, len(result.List))
	for _, item := range result.List {
		if !strings.HasSuffix(item.Symbol, "USDT") {
			continue
		}
		tickers = append(tickers, broker.Ticker{
			Symbol:      item.Symbol,
			LastPrice:   parseFloat(item.LastPrice),
			Change24h:   parseFloat(item.Price24hPcnt) * 100,
			Volume24h:   parseFloat(item.Volume24h),
			Turnover24h: parseFloat(item.Turnover24h),
		})
	}
	return tickers, nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (broker.Quote, error) {
	var result tickerResult
	query := url.Values{"category": {categoryLinear}, "symbol": {symbol}}
	if err := c.get(ctx, "/v5/market/tickers", query, false, &result); err != nil {
		return broker.Quote{}, err
	}
	for _, item := range result.List {
		if item.Symbol == symbol {
			return broker.Quote{
				Symbol:    symbol,
				LastPrice: parseFloat(item.LastPrice),
				MarkPrice: parseFloat(item.MarkPrice),
			}, nil
		}
	}
	return broker.Quote{}, fmt.Errorf("bybit ticker not found: %s", symbol)
}

func (c *Client) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	var result instrumentResult
	query := url.Values{"category": {categoryLinear}, "symbol": {symbol}}
	if err := c.get(ctx, "/v5/market/instruments-info", query, false, &result); err != nil {
		return broker.Instrument{}, err
	}
	for _, item := range result.List {
		if item.Symbol != symbol {
			continue
		}
		minQty, err := decimal.NewFromString(item.LotSizeFilter.MinOrderQty)
		if err != nil {
			return broker.Instrument{}, fmt.Errorf("instrument %s minOrderQty: %w", symbol, err)
		}
		step, err := decimal.NewFromString(item.LotSizeFilter.QtyStep)
		if err != nil {
			return broker.Instrument{}, fmt.Errorf("instrument %s qtyStep: %w", symbol, err)
		}
		tick, err := decimal.NewFromString(item.PriceFilter.TickSize)
		if err != nil {
			return broker.Instrument{}, fmt.Errorf("instrument %s tickSize: %w", symbol, err)
		}
		return broker.Instrument{Symbol: symbol, MinOrderQty: minQty, QtyStep: step, TickSize: tick}, nil
	}
	return broker.Instrument{}, fmt.Errorf("bybit instrument not found: %s", symbol)
}
