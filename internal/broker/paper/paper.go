// Package paper is a simulated broker.Exchange. Prices and contract precision
// come from a live Feed; fills, brackets and realized PnL are simulated in
// memory. Each Account is private to one agent.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"agentfleet/internal/broker"

	"github.com/shopspring/decimal"
)

var _ broker.Exchange = (*Account)(nil)

// Feed supplies market data to a paper account.
type Feed interface {
	Tickers(ctx context.Context) ([]broker.Ticker, error)
	Instrument(ctx context.Context, symbol string) (broker.Instrument, error)
	Ticker(ctx context.Context, symbol string) (broker.Quote, error)
}

type Config struct {
	InitialBalance float64
	// FeeRate is charged on notional for every fill (taker rate).
	FeeRate float64
}

type openPosition struct {
	side       broker.Side
	size       float64
	entry      float64
	entryFee   float64
	takeProfit float64
	stopLoss   float64
	mark       float64
	leverage   int
	openedAt   time.Time
}

type Account struct {
	feed Feed
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	wallet    float64
	leverage  map[string]int
	positions map[string]*openPosition
	closed    []broker.ClosedPnL
	orderSeq  int
}

func New(feed Feed, cfg Config) *Account {
	if cfg.FeeRate < 0 {
		cfg.FeeRate = 0
	}
	return &Account{
		feed:      feed,
		cfg:       cfg,
		now:       time.Now,
		wallet:    cfg.InitialBalance,
		leverage:  map[string]int{},
		positions: map[string]*openPosition{},
	}
}

func (a *Account) Balance(ctx context.Context) (broker.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	equity := a.wallet
	used := 0.0
	for _, pos := range a.positions {
		equity += unrealized(pos, pos.mark)
		lev := pos.leverage
		if lev <= 0 {
			lev = 1
		}
		used += pos.size * pos.entry / float64(lev)
	}
	return broker.Balance{Equity: equity, Available: a.wallet - used}, nil
}

func (a *Account) Tickers(ctx context.Context) ([]broker.Ticker, error) {
	return a.feed.Tickers(ctx)
}

func (a *Account) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	return a.feed.Instrument(ctx, symbol)
}

func (a *Account) Ticker(ctx context.Context, symbol string) (broker.Quote, error) {
	quote, err := a.feed.Ticker(ctx, symbol)
	if err != nil {
		return broker.Quote{}, err
	}
	a.mu.Lock()
	a.applyPrice(symbol, quote.Reference())
	a.mu.Unlock()
	return quote, nil
}

func (a *Account) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("paper: invalid leverage %d", leverage)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leverage[symbol] == leverage {
		return broker.ErrLeverageNotModified
	}
	a.leverage[symbol] = leverage
	return nil
}

func (a *Account) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	qty := req.Qty.InexactFloat64()
	if qty <= 0 {
		return broker.OrderRef{}, errors.New("paper: order qty must be positive")
	}
	quote, err := a.feed.Ticker(ctx, req.Symbol)
	if err != nil {
		return broker.OrderRef{}, fmt.Errorf("paper: price %s: %w", req.Symbol, err)
	}
	price := quote.Reference()
	if price <= 0 {
		return broker.OrderRef{}, fmt.Errorf("paper: no price for %s", req.Symbol)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyPrice(req.Symbol, price)
	a.orderSeq++
	ref := broker.OrderRef{ID: "paper-" + strconv.Itoa(a.orderSeq), ClientOrderID: req.ClientOrderID}

	pos := a.positions[req.Symbol]
	if req.ReduceOnly {
		if pos == nil || pos.side == req.Side {
			return broker.OrderRef{}, fmt.Errorf("paper: reduce-only order for %s has nothing to reduce", req.Symbol)
		}
		a.closeLocked(req.Symbol, pos, min(qty, pos.size), price, ref.ID)
		return ref, nil
	}
	if pos != nil {
		return broker.OrderRef{}, fmt.Errorf("paper: position already open on %s", req.Symbol)
	}

	fee := qty * price * a.cfg.FeeRate
	a.wallet -= fee
	opened := &openPosition{
		side:     req.Side,
		size:     qty,
		entry:    price,
		entryFee: fee,
		mark:     price,
		leverage: a.leverage[req.Symbol],
		openedAt: a.now().UTC(),
	}
	if req.TakeProfit != nil {
		opened.takeProfit = req.TakeProfit.InexactFloat64()
	}
	if req.StopLoss != nil {
		opened.stopLoss = req.StopLoss.InexactFloat64()
	}
	a.positions[req.Symbol] = opened
	slog.Info("paper fill", "order_id", ref.ID, "symbol", req.Symbol, "side", req.Side, "qty", qty, "price", price)
	return ref, nil
}

func (a *Account) Position(ctx context.Context, symbol string) (*broker.Position, error) {
	a.mu.Lock()
	_, tracked := a.positions[symbol]
	a.mu.Unlock()
	if !tracked {
		return nil, nil
	}
	if _, err := a.Ticker(ctx, symbol); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &broker.Position{
		Symbol:        symbol,
		Side:          pos.side,
		Size:          pos.size,
		AvgPrice:      pos.entry,
		MarkPrice:     pos.mark,
		UnrealizedPnL: unrealized(pos, pos.mark),
		OpenedAt:      pos.openedAt,
	}, nil
}

func (a *Account) ClosePosition(ctx context.Context, symbol string, side broker.Side, size float64) (broker.OrderRef, error) {
	return a.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Qty:        decimal.NewFromFloat(size),
		ReduceOnly: true,
	})
}

func (a *Account) ClosedPnL(ctx context.Context, symbol string, since time.Time) ([]broker.ClosedPnL, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]broker.ClosedPnL, 0)
	for i := len(a.closed) - 1; i >= 0; i-- {
		rec := a.closed[i]
		if rec.Symbol != symbol || rec.ClosedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// applyPrice records a new mark and fires any bracket it crosses. Bracket
// fills execute at the trigger level.
func (a *Account) applyPrice(symbol string, price float64) {
	pos, ok := a.positions[symbol]
	if !ok || price <= 0 {
		return
	}
	pos.mark = price
	trigger, hit := bracketHit(pos, price)
	if !hit {
		return
	}
	a.orderSeq++
	orderID := "paper-" + strconv.Itoa(a.orderSeq)
	slog.Info("paper bracket triggered", "symbol", symbol, "side", pos.side, "mark", price, "fill", trigger)
	a.closeLocked(symbol, pos, pos.size, trigger, orderID)
}

func bracketHit(pos *openPosition, price float64) (float64, bool) {
	switch pos.side {
	case broker.Long:
		if pos.takeProfit > 0 && price >= pos.takeProfit {
			return pos.takeProfit, true
		}
		if pos.stopLoss > 0 && price <= pos.stopLoss {
			return pos.stopLoss, true
		}
	case broker.Short:
		if pos.takeProfit > 0 && price <= pos.takeProfit {
			return pos.takeProfit, true
		}
		if pos.stopLoss > 0 && price >= pos.stopLoss {
			return pos.stopLoss, true
		}
	}
	return 0, false
}

func (a *Account) closeLocked(symbol string, pos *openPosition, qty, price float64, orderID string) {
	share := qty / pos.size
	entryFee := pos.entryFee * share
	exitFee := qty * price * a.cfg.FeeRate
	gross := qty * (price - pos.entry)
	if pos.side == broker.Short {
		gross = -gross
	}
	realized := gross - entryFee - exitFee
	// entry fee was already charged to the wallet when the position opened
	a.wallet += gross - exitFee
	a.closed = append(a.closed, broker.ClosedPnL{
		Symbol:      symbol,
		OrderID:     orderID,
		Side:        pos.side.Opposite(),
		Qty:         qty,
		EntryPrice:  pos.entry,
		ExitPrice:   price,
		RealizedPnL: realized,
		ClosedAt:    a.now().UTC(),
	})
	pos.size -= qty
	pos.entryFee -= entryFee
	if pos.size <= 1e-12 {
		delete(a.positions, symbol)
	}
	slog.Info("paper close", "order_id", orderID, "symbol", symbol, "qty", qty, "price", price, "realized_pnl", realized)
}

func unrealized(pos *openPosition, mark float64) float64 {
	diff := (mark - pos.entry) * pos.size
	if pos.side == broker.Short {
		return -diff
	}
	return diff
}
