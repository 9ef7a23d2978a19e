package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentfleet/internal/broker"
	"agentfleet/internal/state"
)

// ndjson appends one JSON document per line and flushes after each write so
// a crash loses at most the line being written.
type ndjson struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

func openNDJSON(path string) (*ndjson, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &ndjson{file: file, buf: bufio.NewWriter(file)}, nil
}

func (n *ndjson) write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	return n.buf.Flush()
}

func (n *ndjson) close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	flushErr := n.buf.Flush()
	if err := n.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// Decision is one journal line: the outcome of a single agent cycle phase.
type Decision struct {
	RunID         string           `json:"run_id"`
	Timestamp     time.Time        `json:"timestamp"`
	AgentID       string           `json:"agent_id"`
	Phase         string           `json:"phase"`
	State         state.AgentState `json:"state"`
	Symbol        string           `json:"symbol,omitempty"`
	Side          broker.Side      `json:"side,omitempty"`
	Confidence    string           `json:"confidence,omitempty"`
	Verdict       string           `json:"verdict,omitempty"`
	Candidates    int              `json:"candidates,omitempty"`
	Qty           string           `json:"qty,omitempty"`
	Price         float64          `json:"price,omitempty"`
	TakeProfit    string           `json:"take_profit,omitempty"`
	StopLoss      string           `json:"stop_loss,omitempty"`
	RealizedPnL   *float64         `json:"realized_pnl,omitempty"`
	Result        string           `json:"result"`
	Reason        string           `json:"reason,omitempty"`
	OrderID       string           `json:"order_id,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// DecisionLogger journals Decisions stamped with the run id. A nil logger
// drops entries.
type DecisionLogger struct {
	runID string
	out   *ndjson
}

func NewDecisionLogger(path string, runID string) (*DecisionLogger, error) {
	out, err := openNDJSON(path)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	return &DecisionLogger{runID: runID, out: out}, nil
}

func (d *DecisionLogger) RunID() string {
	if d == nil {
		return ""
	}
	return d.runID
}

// Append never fails the caller; a journal problem is logged and the cycle
// carries on.
func (d *DecisionLogger) Append(decision Decision) {
	if d == nil {
		return
	}
	decision.RunID = d.runID
	if err := d.out.write(decision); err != nil {
		slog.Warn("decision journal write failed", "agent", decision.AgentID, "phase", decision.Phase, "err", err)
	}
}

func (d *DecisionLogger) Close() error {
	if d == nil {
		return nil
	}
	return d.out.close()
}

// TradeSink receives each TradeRecord once, after it has been applied to the
// agent's balance. Sinks are write-only audit trails.
type TradeSink interface {
	WriteTrade(ctx context.Context, rec state.TradeRecord) error
}

// TradeLog is a TradeSink writing one NDJSON line per record.
type TradeLog struct {
	out *ndjson
}

func NewTradeLog(path string) (*TradeLog, error) {
	out, err := openNDJSON(path)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	return &TradeLog{out: out}, nil
}

func (t *TradeLog) WriteTrade(_ context.Context, rec state.TradeRecord) error {
	if err := t.out.write(rec); err != nil {
		return fmt.Errorf("write trade %s: %w", rec.PositionID, err)
	}
	return nil
}

func (t *TradeLog) Close() error {
	return t.out.close()
}
