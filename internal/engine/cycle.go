package engine

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"agentfleet/internal/broker"
	"agentfleet/internal/oracle"
	"agentfleet/internal/risk"
	"agentfleet/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SelectCandidates keeps tickers with turnover at or above minTurnover, ranks
// them by turnover and returns ranks [skipTop, window).
func SelectCandidates(tickers []broker.Ticker, minTurnover float64, skipTop, window int) []broker.Ticker {
	liquid := make([]broker.Ticker, 0, len(tickers))
	for _, t := range tickers {
		if t.Turnover24h >= minTurnover && t.LastPrice > 0 {
			liquid = append(liquid, t)
		}
	}
	sort.SliceStable(liquid, func(i, j int) bool {
		return liquid[i].Turnover24h > liquid[j].Turnover24h
	})
	if window > len(liquid) {
		window = len(liquid)
	}
	if skipTop >= window {
		return nil
	}
	return liquid[skipTop:window]
}

func (a *Agent) analyze(ctx context.Context) time.Duration {
	if err := a.store.SetState(state.Analyzing); err != nil {
		return a.fail("analyze", err)
	}
	tickers, err := a.exchange.Tickers(ctx)
	if err != nil {
		return a.fail("analyze", err)
	}
	candidates := SelectCandidates(tickers, a.policy.MinTurnoverUSD, a.policy.SkipTop, a.policy.Window)
	if len(candidates) == 0 {
		return a.reject(Decision{Phase: "analyze", Result: "no_candidates"}, "no liquid candidates")
	}

	decision, err := a.oracle.TradeDecision(ctx, a.brief(), candidates)
	if errors.Is(err, oracle.ErrNoDecision) {
		return a.reject(Decision{Phase: "analyze", Result: "no_decision", Candidates: len(candidates)}, err.Error())
	}
	if err != nil {
		return a.fail("analyze", err)
	}

	side := a.strategy.Type.Side()
	intent, err := a.gate.Evaluate(decision, side, risk.RiskContext{
		Candidates: candidates,
		KillSwitch: a.policy.KillSwitch,
	})
	if err != nil {
		d := Decision{Phase: "analyze", Result: "rejected", Candidates: len(candidates), Side: side}
		if decision != nil {
			d.Symbol = decision.Symbol
			d.Confidence = string(decision.Confidence)
		}
		return a.reject(d, err.Error())
	}
	return a.execute(ctx, intent, decision)
}

func (a *Agent) execute(ctx context.Context, intent risk.ApprovedIntent, decision *oracle.Decision) time.Duration {
	if err := a.store.SetState(state.Executing); err != nil {
		return a.fail("execute", err)
	}
	symbol, side := intent.Symbol, intent.Side

	if err := a.exchange.SetLeverage(ctx, symbol, a.policy.Leverage); err != nil && !errors.Is(err, broker.ErrLeverageNotModified) {
		return a.fail("execute", err)
	}
	inst, err := a.exchange.Instrument(ctx, symbol)
	if err != nil {
		return a.fail("execute", err)
	}
	quote, err := a.exchange.Ticker(ctx, symbol)
	if err != nil {
		return a.fail("execute", err)
	}
	price := decimal.NewFromFloat(quote.Reference())
	notional := risk.Notional(decimal.NewFromFloat(a.policy.MarginUSD), a.policy.Leverage)
	qty, err := risk.Quantity(notional, price, inst)
	if errors.Is(err, risk.ErrBelowMinQty) {
		return a.reject(Decision{Phase: "execute", Result: "below_min_qty", Symbol: symbol, Side: side, Price: quote.Reference()}, err.Error())
	}
	if err != nil {
		return a.fail("execute", err)
	}
	takeProfit, stopLoss, err := risk.Brackets(price, side, decimal.NewFromFloat(a.policy.BracketPct), inst.TickSize)
	if err != nil {
		return a.fail("execute", err)
	}

	openedAt := a.now().UTC()
	clientID := uuid.NewString()
	ref, err := a.exchange.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		TakeProfit:    &takeProfit,
		StopLoss:      &stopLoss,
		ClientOrderID: clientID,
	})
	if err != nil {
		return a.fail("execute", err)
	}
	log.Printf("agent=%s order_submitted symbol=%s side=%s qty=%s tp=%s sl=%s order_id=%s", a.ID(), symbol, side, qty, takeProfit, stopLoss, ref.ID)

	pos := state.Position{
		ID:          uuid.NewString(),
		AgentID:     a.ID(),
		Symbol:      symbol,
		Side:        side,
		EntryPrice:  quote.Reference(),
		Size:        qty.InexactFloat64(),
		MarkPrice:   quote.Reference(),
		TakeProfit:  takeProfit.InexactFloat64(),
		StopLoss:    stopLoss.InexactFloat64(),
		OrderID:     ref.ID,
		Provisional: true,
		OpenedAt:    openedAt,
	}
	// The order is live from here on; every path below tracks the position.
	if err := a.sleep(ctx, a.policy.SettleDelay); err != nil {
		log.Printf("agent=%s settle wait interrupted: %v", a.ID(), err)
	}
	live, err := a.exchange.Position(ctx, symbol)
	switch {
	case err != nil:
		log.Printf("agent=%s position read-back failed, tracking provisional: %v", a.ID(), err)
	case live == nil:
		log.Printf("agent=%s position not visible yet, tracking provisional symbol=%s", a.ID(), symbol)
	default:
		pos.EntryPrice = live.AvgPrice
		pos.Size = live.Size
		pos.MarkPrice = live.MarkPrice
		pos.UnrealizedPnL = live.UnrealizedPnL
		pos.Provisional = false
	}
	a.store.SetPosition(pos)
	a.marks.Reset()
	a.marks.Add(pos.MarkPrice)

	reason := ""
	if decision != nil {
		reason = decision.Reason
	}
	a.journal(Decision{
		Phase:         "execute",
		Result:        "order_submitted",
		Symbol:        symbol,
		Side:          side,
		Confidence:    confidenceOf(decision),
		Qty:           qty.String(),
		Price:         pos.EntryPrice,
		TakeProfit:    takeProfit.String(),
		StopLoss:      stopLoss.String(),
		Reason:        reason,
		OrderID:       ref.ID,
		ClientOrderID: clientID,
	})
	return a.policy.HoldRecheck
}

func (a *Agent) hold(ctx context.Context, pos state.Position) time.Duration {
	live, err := a.exchange.Position(ctx, pos.Symbol)
	if err != nil {
		return a.fail("hold", err)
	}
	if live == nil || live.Side != pos.Side {
		return a.reconcile(ctx)
	}

	a.store.UpdatePosition(func(p *state.Position) {
		p.MarkPrice = live.MarkPrice
		p.UnrealizedPnL = live.UnrealizedPnL
		p.Size = live.Size
		if p.Provisional {
			p.EntryPrice = live.AvgPrice
			p.Provisional = false
		}
	})
	a.marks.Add(live.MarkPrice)
	now := a.now()

	if pos.CloseRequested() {
		if now.Sub(pos.CloseRequestedAt) >= a.policy.CloseRetry {
			return a.requestClose(ctx, pos, live.Size, "close_retry")
		}
		return a.policy.CloseRecheck
	}

	heldFor := now.Sub(pos.OpenedAt)
	if a.policy.MaxHold > 0 && heldFor >= a.policy.MaxHold {
		log.Printf("agent=%s max hold exceeded symbol=%s held=%s", a.ID(), pos.Symbol, heldFor.Round(time.Second))
		return a.requestClose(ctx, pos, live.Size, "max_hold")
	}

	verdict, err := a.oracle.HoldDecision(ctx, a.brief(), oracle.HoldContext{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryPrice:    live.AvgPrice,
		MarkPrice:     live.MarkPrice,
		Size:          live.Size,
		UnrealizedPnL: live.UnrealizedPnL,
		HeldFor:       heldFor,
		AverageMark:   a.averageMark(),
		Market:        a.marketStats(ctx, pos.Symbol),
	})
	if err != nil {
		return a.fail("hold", err)
	}
	if verdict == oracle.VerdictClose {
		return a.requestClose(ctx, pos, live.Size, "oracle_close")
	}
	a.journal(Decision{Phase: "hold", Result: "hold", Symbol: pos.Symbol, Side: pos.Side, Verdict: string(verdict), Price: live.MarkPrice})
	return a.policy.HoldRecheck
}

// averageMark is the mean of up to MarkWindow recent marks, or zero before
// there are two to average.
func (a *Agent) averageMark() float64 {
	n := a.marks.Len()
	if n > a.policy.MarkWindow {
		n = a.policy.MarkWindow
	}
	if n < 2 {
		return 0
	}
	avg, err := a.marks.SMA(n)
	if err != nil {
		return 0
	}
	return avg
}

// marketStats reads the held symbol's 24h stats. The hold check goes ahead
// without them when the read fails.
func (a *Agent) marketStats(ctx context.Context, symbol string) *broker.Ticker {
	tickers, err := a.exchange.Tickers(ctx)
	if err != nil {
		log.Printf("agent=%s market stats unavailable symbol=%s: %v", a.ID(), symbol, err)
		return nil
	}
	for _, t := range tickers {
		if t.Symbol == symbol {
			return &t
		}
	}
	return nil
}

func (a *Agent) requestClose(ctx context.Context, pos state.Position, size float64, reason string) time.Duration {
	ref, err := a.exchange.ClosePosition(ctx, pos.Symbol, pos.Side, size)
	if err != nil {
		return a.fail("close", err)
	}
	a.store.UpdatePosition(func(p *state.Position) {
		p.CloseRequestedAt = a.now().UTC()
	})
	log.Printf("agent=%s close_requested symbol=%s side=%s size=%g reason=%s order_id=%s", a.ID(), pos.Symbol, pos.Side, size, reason, ref.ID)
	a.journal(Decision{Phase: "close", Result: "close_requested", Symbol: pos.Symbol, Side: pos.Side, Reason: reason, OrderID: ref.ID})
	return a.policy.CloseRecheck
}

// reconcile runs once the exchange shows no position. The tracked position is
// cleared before any further I/O.
func (a *Agent) reconcile(ctx context.Context) time.Duration {
	cleared, ok := a.store.ClearPosition()
	if !ok {
		_ = a.store.SetState(state.Cooldown)
		return a.policy.Cooldown
	}
	a.marks.Reset()

	since := cleared.OpenedAt.Add(-a.policy.ReconcileSkew)
	records, err := a.exchange.ClosedPnL(ctx, cleared.Symbol, since)
	if err != nil {
		log.Printf("agent=%s reconcile gap symbol=%s position=%s: closed pnl query failed: %v", a.ID(), cleared.Symbol, cleared.ID, err)
		a.journal(Decision{Phase: "reconcile", Result: "gap", Symbol: cleared.Symbol, Side: cleared.Side, Reason: err.Error()})
		return a.policy.Cooldown
	}
	closed, ok := aggregateCloses(records, cleared, since)
	if !ok {
		log.Printf("agent=%s reconcile gap symbol=%s position=%s: no closed pnl yet", a.ID(), cleared.Symbol, cleared.ID)
		a.journal(Decision{Phase: "reconcile", Result: "gap", Symbol: cleared.Symbol, Side: cleared.Side})
		return a.policy.Cooldown
	}

	timestamp := closed.closedAt
	if timestamp.IsZero() {
		timestamp = a.now().UTC()
	}
	entry := cleared.EntryPrice
	if closed.entryPrice > 0 {
		entry = closed.entryPrice
	}
	rec := state.TradeRecord{
		ID:          uuid.NewString(),
		PositionID:  cleared.ID,
		Timestamp:   timestamp,
		AgentID:     a.ID(),
		Symbol:      cleared.Symbol,
		Side:        cleared.Side,
		Size:        closed.qty,
		EntryPrice:  entry,
		ClosePrice:  closed.exitPrice,
		RealizedPnL: closed.pnl,
	}
	if err := a.store.RecordTrade(rec); err != nil {
		log.Printf("agent=%s record trade: %v", a.ID(), err)
		return a.policy.Cooldown
	}
	for _, sink := range a.sinks {
		if err := sink.WriteTrade(ctx, rec); err != nil {
			log.Printf("agent=%s trade sink: %v", a.ID(), err)
		}
	}
	log.Printf("agent=%s trade_recorded symbol=%s side=%s size=%g entry=%g exit=%g pnl=%.4f", a.ID(), rec.Symbol, rec.Side, rec.Size, rec.EntryPrice, rec.ClosePrice, rec.RealizedPnL)
	pnl := rec.RealizedPnL
	a.journal(Decision{Phase: "reconcile", Result: "trade_recorded", Symbol: rec.Symbol, Side: rec.Side, Price: rec.ClosePrice, RealizedPnL: &pnl})
	return a.policy.Cooldown
}

type closedSummary struct {
	qty        float64
	entryPrice float64
	exitPrice  float64
	pnl        float64
	closedAt   time.Time
}

// aggregateCloses sums the closes that belong to pos: closing side opposite
// to the held side, closed inside the position's window. Prices are
// qty-weighted; entryPrice stays zero unless every close reports one.
func aggregateCloses(records []broker.ClosedPnL, pos state.Position, since time.Time) (closedSummary, bool) {
	var out closedSummary
	closing := pos.Side.Opposite()
	notional, entryNotional := 0.0, 0.0
	entryKnown := true
	for _, r := range records {
		if r.Symbol != "" && r.Symbol != pos.Symbol {
			continue
		}
		if r.Side != closing || r.ClosedAt.Before(since) {
			continue
		}
		out.qty += r.Qty
		out.pnl += r.RealizedPnL
		notional += r.Qty * r.ExitPrice
		if r.EntryPrice > 0 {
			entryNotional += r.Qty * r.EntryPrice
		} else {
			entryKnown = false
		}
		if r.ClosedAt.After(out.closedAt) {
			out.closedAt = r.ClosedAt
		}
	}
	if out.qty <= 0 {
		return closedSummary{}, false
	}
	out.exitPrice = notional / out.qty
	if entryKnown {
		out.entryPrice = entryNotional / out.qty
	}
	return out, true
}

// reject routes a decision rejection or sizing infeasibility to Cooldown.
func (a *Agent) reject(d Decision, reason string) time.Duration {
	if err := a.store.SetState(state.Cooldown); err != nil {
		return a.fail(d.Phase, err)
	}
	d.Reason = reason
	log.Printf("agent=%s %s %s: %s", a.ID(), d.Phase, d.Result, reason)
	a.journal(d)
	return a.policy.RejectCooldown
}

// fail records a transient failure. Without a position the agent enters
// Error; with one it keeps Holding and retries the hold check.
func (a *Agent) fail(phase string, err error) time.Duration {
	st := a.store.Fail(err)
	log.Printf("agent=%s %s failed state=%s: %v", a.ID(), phase, st, err)
	a.journal(Decision{Phase: phase, Result: "error", Reason: err.Error()})
	return a.policy.ErrorRetry
}

func confidenceOf(d *oracle.Decision) string {
	if d == nil {
		return ""
	}
	return string(d.Confidence)
}
