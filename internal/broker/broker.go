package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "Long"
	Short Side = "Short"
)

// Opposite returns the side that reduces a position held on s.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

func ParseSide(value string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	default:
		return "", false
	}
}

// ErrLeverageNotModified is returned by SetLeverage when the symbol already
// trades at the requested multiplier.
var ErrLeverageNotModified = errors.New("leverage not modified")

type Ticker struct {
	Symbol      string
	LastPrice   float64
	Change24h   float64
	Volume24h   float64
	Turnover24h float64
}

type Quote struct {
	Symbol    string
	LastPrice float64
	MarkPrice float64
}

// Reference is the price used for sizing: mark when the venue reports one.
func (q Quote) Reference() float64 {
	if q.MarkPrice > 0 {
		return q.MarkPrice
	}
	return q.LastPrice
}

type Instrument struct {
	Symbol      string
	MinOrderQty decimal.Decimal
	QtyStep     decimal.Decimal
	TickSize    decimal.Decimal
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	TakeProfit    *decimal.Decimal
	StopLoss      *decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

type OrderRef struct {
	ID            string
	ClientOrderID string
}

type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	AvgPrice      float64
	MarkPrice     float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}

// ClosedPnL is one realized close reported by the exchange. Side is the side
// of the closing order.
type ClosedPnL struct {
	Symbol      string
	OrderID     string
	Side        Side
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	ClosedAt    time.Time
}

type Balance struct {
	Equity    float64
	Available float64
}

// Exchange is the capability set an agent needs from a trading venue. Every
// method may fail with a transport or API error.
type Exchange interface {
	Balance(ctx context.Context) (Balance, error)
	Tickers(ctx context.Context) ([]Ticker, error)
	Instrument(ctx context.Context, symbol string) (Instrument, error)
	Ticker(ctx context.Context, symbol string) (Quote, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)
	// Position returns nil without error when no position is open on symbol.
	Position(ctx context.Context, symbol string) (*Position, error)
	ClosePosition(ctx context.Context, symbol string, side Side, size float64) (OrderRef, error)
	ClosedPnL(ctx context.Context, symbol string, since time.Time) ([]ClosedPnL, error)
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
