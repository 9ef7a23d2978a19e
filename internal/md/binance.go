package md

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentfleet/internal/broker"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const instrumentCacheTTL = time.Hour

// BinanceFeed reads public USDT-M futures data. It needs no credentials.
type BinanceFeed struct {
	client *futures.Client

	mu          sync.Mutex
	instruments map[string]broker.Instrument
	loadedAt    time.Time
}

func NewBinanceFeed(baseURL string, timeout time.Duration) *BinanceFeed {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(baseURL); base != "" {
		client.BaseURL = base
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceFeed{client: client}
}

func (f *BinanceFeed) Tickers(ctx context.Context) ([]broker.Ticker, error) {
	stats, err := f.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance 24h stats: %w", err)
	}
	out := make([]broker.Ticker, 0, len(stats))
	for _, s := range stats {
		if s == nil || !strings.HasSuffix(s.Symbol, "USDT") {
			continue
		}
		out = append(out, broker.Ticker{
			Symbol:      s.Symbol,
			LastPrice:   parseFloat(s.LastPrice),
			Change24h:   parseFloat(s.PriceChangePercent),
			Volume24h:   parseFloat(s.Volume),
			Turnover24h: parseFloat(s.QuoteVolume),
		})
	}
	return out, nil
}

func (f *BinanceFeed) Ticker(ctx context.Context, symbol string) (broker.Quote, error) {
	quote := broker.Quote{Symbol: symbol}
	prices, err := f.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return broker.Quote{}, fmt.Errorf("binance price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p != nil && p.Symbol == symbol {
			quote.LastPrice = parseFloat(p.Price)
		}
	}
	marks, err := f.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return broker.Quote{}, fmt.Errorf("binance mark %s: %w", symbol, err)
	}
	for _, m := range marks {
		if m != nil && strings.EqualFold(m.Symbol, symbol) {
			quote.MarkPrice = parseFloat(m.MarkPrice)
		}
	}
	if quote.Reference() <= 0 {
		return broker.Quote{}, fmt.Errorf("binance has no price for %s", symbol)
	}
	return quote, nil
}

func (f *BinanceFeed) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instruments == nil || time.Since(f.loadedAt) > instrumentCacheTTL {
		if err := f.loadInstrumentsLocked(ctx); err != nil {
			return broker.Instrument{}, err
		}
	}
	inst, ok := f.instruments[symbol]
	if !ok {
		return broker.Instrument{}, fmt.Errorf("binance instrument not found: %s", symbol)
	}
	return inst, nil
}

func (f *BinanceFeed) loadInstrumentsLocked(ctx context.Context) error {
	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance exchange info: %w", err)
	}
	instruments := make(map[string]broker.Instrument, len(info.Symbols))
	for _, sym := range info.Symbols {
		lot := sym.LotSizeFilter()
		price := sym.PriceFilter()
		if lot == nil || price == nil {
			continue
		}
		minQty, err1 := decimal.NewFromString(lot.MinQuantity)
		step, err2 := decimal.NewFromString(lot.StepSize)
		tick, err3 := decimal.NewFromString(price.TickSize)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		instruments[sym.Symbol] = broker.Instrument{
			Symbol:      sym.Symbol,
			MinOrderQty: minQty,
			QtyStep:     step,
			TickSize:    tick,
		}
	}
	f.instruments = instruments
	f.loadedAt = time.Now()
	return nil
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return f
}
