// Package risk gates oracle decisions and does the order arithmetic: quantity
// sizing against instrument precision and bracket prices around an entry.
package risk

import (
	"errors"
	"fmt"
	"log/slog"

	"agentfleet/internal/broker"
	"agentfleet/internal/oracle"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected wraps every reason a decision is turned down.
	ErrRejected = errors.New("decision rejected")
	// ErrBelowMinQty means the target notional cannot buy the instrument's
	// minimum order quantity at the current price.
	ErrBelowMinQty = errors.New("quantity below instrument minimum")
)

// RiskContext carries what the gate needs besides the decision. An open
// position never reaches the gate: the state store refuses to leave Holding.
type RiskContext struct {
	Candidates []broker.Ticker
	KillSwitch bool
}

type ApprovedIntent struct {
	Symbol string
	Side   broker.Side
	Reason string
}

type Gate struct{}

// Evaluate checks symbol membership before confidence.
func (g Gate) Evaluate(decision *oracle.Decision, side broker.Side, ctx RiskContext) (ApprovedIntent, error) {
	if decision == nil {
		return ApprovedIntent{}, reject("no_decision")
	}
	slog.Info("risk evaluation", "symbol", decision.Symbol, "confidence", decision.Confidence, "side", side, "candidates", len(ctx.Candidates))

	if ctx.KillSwitch {
		return ApprovedIntent{}, reject("kill_switch_enabled")
	}
	if !isCandidate(decision.Symbol, ctx.Candidates) {
		return ApprovedIntent{}, reject("symbol_not_candidate")
	}
	switch decision.Confidence {
	case oracle.ConfidenceHigh, oracle.ConfidenceMedium:
	case oracle.ConfidenceLow:
		return ApprovedIntent{}, reject("low_confidence")
	default:
		return ApprovedIntent{}, reject("unknown_confidence")
	}

	slog.Info("risk approved", "symbol", decision.Symbol, "side", side, "reason", decision.Reason)
	return ApprovedIntent{Symbol: decision.Symbol, Side: side, Reason: decision.Reason}, nil
}

func reject(reason string) error {
	slog.Info("risk rejected", "reason", reason)
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

func isCandidate(symbol string, candidates []broker.Ticker) bool {
	for _, c := range candidates {
		if c.Symbol == symbol {
			return true
		}
	}
	return false
}

// Notional is the position value funded by margin at the given leverage.
func Notional(margin decimal.Decimal, leverage int) decimal.Decimal {
	return margin.Mul(decimal.NewFromInt(int64(leverage)))
}

// Quantity floors notional/price to the instrument step. The result is a
// multiple of QtyStep and at least MinOrderQty, or ErrBelowMinQty.
func Quantity(notional, price decimal.Decimal, inst broker.Instrument) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price %s for %s", price, inst.Symbol)
	}
	if !inst.QtyStep.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid qty step %s for %s", inst.QtyStep, inst.Symbol)
	}
	raw := notional.Div(price)
	qty := raw.Div(inst.QtyStep).Floor().Mul(inst.QtyStep)
	if !qty.IsPositive() || qty.LessThan(inst.MinOrderQty) {
		return decimal.Zero, fmt.Errorf("%w: %s raw %s floored %s min %s", ErrBelowMinQty, inst.Symbol, raw, qty, inst.MinOrderQty)
	}
	return qty, nil
}

// Brackets returns take-profit and stop-loss at pct away from entry, rounded
// to tick. Long: TP > entry > SL. Short: TP < entry < SL.
func Brackets(entry decimal.Decimal, side broker.Side, pct, tick decimal.Decimal) (takeProfit, stopLoss decimal.Decimal, err error) {
	if !entry.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid entry price %s", entry)
	}
	if !tick.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid tick size %s", tick)
	}
	one := decimal.NewFromInt(1)
	if !pct.IsPositive() || pct.GreaterThanOrEqual(one) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bracket percent %s out of range", pct)
	}
	up := RoundToTick(entry.Mul(one.Add(pct)), tick)
	down := RoundToTick(entry.Mul(one.Sub(pct)), tick)
	above := entry.Div(tick).Floor().Mul(tick).Add(tick)
	below := entry.Div(tick).Ceil().Mul(tick).Sub(tick)
	if up.LessThanOrEqual(entry) {
		up = above
	}
	if down.GreaterThanOrEqual(entry) {
		down = below
	}
	if !down.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bracket below zero for entry %s", entry)
	}

	switch side {
	case broker.Long:
		return up, down, nil
	case broker.Short:
		return down, up, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("unknown side %q", side)
	}
}

func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Round(0).Mul(tick)
}
