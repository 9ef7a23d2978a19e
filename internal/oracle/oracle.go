// Package oracle asks a language model for trade and hold decisions and turns
// its answers into validated, typed values.
package oracle

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentfleet/internal/broker"
)

// ErrNoDecision is returned when the model answered but produced nothing usable.
var ErrNoDecision = errors.New("oracle returned no decision")

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func ParseConfidence(value string) (Confidence, bool) {
	switch Confidence(strings.ToLower(strings.TrimSpace(value))) {
	case ConfidenceHigh:
		return ConfidenceHigh, true
	case ConfidenceMedium:
		return ConfidenceMedium, true
	case ConfidenceLow:
		return ConfidenceLow, true
	default:
		return "", false
	}
}

type Decision struct {
	Symbol     string     `json:"symbol"`
	Reason     string     `json:"reason"`
	Confidence Confidence `json:"confidence"`
}

// Verdict is the answer to a hold check. The zero value means the model gave
// no usable verdict.
type Verdict string

const (
	VerdictNone  Verdict = ""
	VerdictHold  Verdict = "HOLD"
	VerdictClose Verdict = "CLOSE"
)

// HoldContext describes an open position for a hold check.
type HoldContext struct {
	Symbol        string
	Side          broker.Side
	EntryPrice    float64
	MarkPrice     float64
	Size          float64
	UnrealizedPnL float64
	HeldFor       time.Duration
	// AverageMark is the mean of the marks observed while holding; zero
	// before the second sample.
	AverageMark float64
	// Market holds the symbol's 24h stats; nil when they could not be read.
	Market *broker.Ticker
}

// Brief is the strategy side of a request: who is asking and with what bias.
type Brief struct {
	Strategy string
	Side     broker.Side
	Prompt   string
}

type Oracle interface {
	// TradeDecision picks one candidate to open. An unusable answer is
	// reported as ErrNoDecision; transport failures are returned as is.
	TradeDecision(ctx context.Context, brief Brief, candidates []broker.Ticker) (*Decision, error)
	// HoldDecision returns VerdictNone with a nil error when the model gave
	// no usable verdict.
	HoldDecision(ctx context.Context, brief Brief, hold HoldContext) (Verdict, error)
}
