package risk

import (
	"errors"
	"testing"

	"agentfleet/internal/broker"
	"agentfleet/internal/oracle"

	"github.com/shopspring/decimal"
)

var btc = broker.Instrument{
	Symbol:      "BTCUSDT",
	MinOrderQty: decimal.RequireFromString("0.001"),
	QtyStep:     decimal.RequireFromString("0.001"),
	TickSize:    decimal.RequireFromString("0.1"),
}

func candidates(symbols ...string) []broker.Ticker {
	out := make([]broker.Ticker, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, broker.Ticker{Symbol: s})
	}
	return out
}

func TestGateRejectsSymbolOutsideCandidatesBeforeConfidence(t *testing.T) {
	gate := Gate{}
	decision := &oracle.Decision{Symbol: "PEPEUSDT", Confidence: oracle.ConfidenceLow}

	_, err := gate.Evaluate(decision, broker.Long, RiskContext{Candidates: candidates("BTCUSDT")})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := err.Error(); got != "decision rejected: symbol_not_candidate" {
		t.Fatalf("expected membership rejection first, got %q", got)
	}
}

func TestGateRejectsLowConfidence(t *testing.T) {
	gate := Gate{}
	decision := &oracle.Decision{Symbol: "BTCUSDT", Confidence: oracle.ConfidenceLow}

	if _, err := gate.Evaluate(decision, broker.Long, RiskContext{Candidates: candidates("BTCUSDT")}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected low confidence rejection, got %v", err)
	}
}

func TestGateRejectsNilDecisionAndKillSwitch(t *testing.T) {
	gate := Gate{}
	if _, err := gate.Evaluate(nil, broker.Long, RiskContext{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected nil decision rejection, got %v", err)
	}
	decision := &oracle.Decision{Symbol: "BTCUSDT", Confidence: oracle.ConfidenceHigh}
	if _, err := gate.Evaluate(decision, broker.Long, RiskContext{Candidates: candidates("BTCUSDT"), KillSwitch: true}); err == nil {
		t.Fatalf("expected kill switch rejection")
	}
}

func TestGateApprovesMediumConfidenceCandidate(t *testing.T) {
	gate := Gate{}
	decision := &oracle.Decision{Symbol: "ETHUSDT", Confidence: oracle.ConfidenceMedium, Reason: "breakout"}

	approved, err := gate.Evaluate(decision, broker.Short, RiskContext{Candidates: candidates("BTCUSDT", "ETHUSDT")})
	if err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	if approved.Symbol != "ETHUSDT" || approved.Side != broker.Short {
		t.Fatalf("unexpected intent %+v", approved)
	}
}

func TestQuantityFloorsToStep(t *testing.T) {
	notional := Notional(decimal.NewFromInt(10), 10)
	qty, err := Quantity(notional, decimal.NewFromInt(50000), btc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("expected qty 0.002, got %s", qty)
	}

	qty, err = Quantity(notional, decimal.NewFromInt(30000), btc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.Equal(decimal.RequireFromString("0.003")) {
		t.Fatalf("expected qty 0.003, got %s", qty)
	}
	if !qty.Mod(btc.QtyStep).IsZero() {
		t.Fatalf("expected multiple of step, got %s", qty)
	}
}

func TestQuantityBelowMinimum(t *testing.T) {
	_, err := Quantity(decimal.NewFromInt(100), decimal.NewFromInt(200000), btc)
	if !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("expected ErrBelowMinQty, got %v", err)
	}
}

func TestQuantityRejectsBadInputs(t *testing.T) {
	if _, err := Quantity(decimal.NewFromInt(100), decimal.Zero, btc); err == nil {
		t.Fatalf("expected error for zero price")
	}
	noStep := btc
	noStep.QtyStep = decimal.Zero
	if _, err := Quantity(decimal.NewFromInt(100), decimal.NewFromInt(1), noStep); err == nil {
		t.Fatalf("expected error for zero step")
	}
}

func TestBracketsLongAndShort(t *testing.T) {
	pct := decimal.RequireFromString("0.1")
	entry := decimal.NewFromInt(50000)

	tp, sl, err := Brackets(entry, broker.Long, pct, btc.TickSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tp.Equal(decimal.NewFromInt(55000)) || !sl.Equal(decimal.NewFromInt(45000)) {
		t.Fatalf("expected TP 55000 SL 45000, got %s %s", tp, sl)
	}

	tp, sl, err = Brackets(entry, broker.Short, pct, btc.TickSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tp.Equal(decimal.NewFromInt(45000)) || !sl.Equal(decimal.NewFromInt(55000)) {
		t.Fatalf("expected TP 45000 SL 55000, got %s %s", tp, sl)
	}
}

func TestBracketsRoundToTickAndStayOnCorrectSide(t *testing.T) {
	tick := decimal.RequireFromString("0.01")
	cases := []struct {
		entry string
		pct   string
		side  broker.Side
	}{
		{"0.0123", "0.1", broker.Long},
		{"0.0123", "0.1", broker.Short},
		{"1.234567", "0.001", broker.Long},
		{"1.234567", "0.001", broker.Short},
		{"2345.6789", "0.05", broker.Long},
	}
	for _, tc := range cases {
		entry := decimal.RequireFromString(tc.entry)
		tp, sl, err := Brackets(entry, tc.side, decimal.RequireFromString(tc.pct), tick)
		if err != nil {
			t.Fatalf("%s %s: unexpected error: %v", tc.entry, tc.side, err)
		}
		if !tp.Mod(tick).IsZero() || !sl.Mod(tick).IsZero() {
			t.Fatalf("%s %s: levels not on tick: %s %s", tc.entry, tc.side, tp, sl)
		}
		switch tc.side {
		case broker.Long:
			if !(tp.GreaterThan(entry) && sl.LessThan(entry)) {
				t.Fatalf("%s long: expected TP > entry > SL, got %s %s", tc.entry, tp, sl)
			}
		case broker.Short:
			if !(tp.LessThan(entry) && sl.GreaterThan(entry)) {
				t.Fatalf("%s short: expected TP < entry < SL, got %s %s", tc.entry, tp, sl)
			}
		}
	}
}

func TestBracketsRejectsOutOfRangePercent(t *testing.T) {
	if _, _, err := Brackets(decimal.NewFromInt(100), broker.Long, decimal.NewFromInt(1), btc.TickSize); err == nil {
		t.Fatalf("expected error for 100%% bracket")
	}
}
