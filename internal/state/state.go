// Package state holds one agent's mutable bookkeeping: lifecycle state, the
// open position, realized balance and the trade journal. Every read is a copy
// taken under the lock so reporters never see a torn update.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"agentfleet/internal/broker"
)

type AgentState string

const (
	Stopped   AgentState = "STOPPED"
	Disabled  AgentState = "DISABLED"
	Analyzing AgentState = "ANALYZING"
	Executing AgentState = "EXECUTING"
	Holding   AgentState = "HOLDING"
	Cooldown  AgentState = "COOLDOWN"
	Error     AgentState = "ERROR"
)

var (
	ErrDuplicateTrade = errors.New("trade already recorded for position")
	ErrInvalidState   = errors.New("invalid state transition")
)

type Position struct {
	ID            string      `json:"id"`
	AgentID       string      `json:"agent_id"`
	Symbol        string      `json:"symbol"`
	Side          broker.Side `json:"side"`
	EntryPrice    float64     `json:"entry_price"`
	Size          float64     `json:"size"`
	MarkPrice     float64     `json:"mark_price"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	TakeProfit    float64     `json:"take_profit"`
	StopLoss      float64     `json:"stop_loss"`
	OrderID       string      `json:"order_id,omitempty"`
	// Provisional is set when the order was accepted but the exchange had not
	// reported the position yet; fill data comes from the request.
	Provisional      bool      `json:"provisional,omitempty"`
	OpenedAt         time.Time `json:"opened_at"`
	CloseRequestedAt time.Time `json:"close_requested_at,omitempty"`
}

func (p Position) CloseRequested() bool {
	return !p.CloseRequestedAt.IsZero()
}

type TradeRecord struct {
	ID          string      `json:"id"`
	PositionID  string      `json:"position_id"`
	Timestamp   time.Time   `json:"timestamp"`
	AgentID     string      `json:"agent_id"`
	Symbol      string      `json:"symbol"`
	Side        broker.Side `json:"side"`
	Size        float64     `json:"size"`
	EntryPrice  float64     `json:"entry_price"`
	ClosePrice  float64     `json:"close_price"`
	RealizedPnL float64     `json:"realized_pnl"`
}

type Status struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	State       AgentState `json:"state"`
	Balance     float64    `json:"balance"`
	PnL         float64    `json:"pnl"`
	TradesToday int        `json:"trades_today"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Snapshot is a status and open position read in one critical section.
type Snapshot struct {
	Status   Status    `json:"status"`
	Position *Position `json:"position,omitempty"`
}

type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	status      Status
	position    *Position
	trades      []TradeRecord
	recorded    map[string]struct{}
	tradesDay   string
	tradesCount int
}

func NewStore(id, name, strategyType string, balance float64) *Store {
	s := &Store{
		now:      time.Now,
		recorded: map[string]struct{}{},
	}
	s.status = Status{
		ID:        id,
		Name:      name,
		Type:      strategyType,
		State:     Stopped,
		Balance:   balance,
		UpdatedAt: s.now().UTC(),
	}
	return s
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Status: s.statusLocked(), Position: s.positionLocked()}
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Store) Position() *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionLocked()
}

func (s *Store) State() AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

func (s *Store) statusLocked() Status {
	status := s.status
	if s.tradesDay != dayKey(s.now()) {
		status.TradesToday = 0
	} else {
		status.TradesToday = s.tradesCount
	}
	return status
}

func (s *Store) positionLocked() *Position {
	if s.position == nil {
		return nil
	}
	copy := *s.position
	return &copy
}

// SetState moves to a state that carries no position. Holding is entered only
// through SetPosition; Stopped and Disabled are allowed at any time.
func (s *Store) SetState(to AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case to == Holding:
		return fmt.Errorf("%w: holding requires a position", ErrInvalidState)
	case s.position != nil && to != Stopped && to != Disabled:
		return fmt.Errorf("%w: %s while position %s is open", ErrInvalidState, to, s.position.Symbol)
	}
	s.status.State = to
	if to != Error {
		s.status.LastError = ""
	}
	s.touchLocked()
	return nil
}

// Fail records err. Without a position the agent enters Error; with one it
// stays Holding since the exchange exposure is still live.
func (s *Store) Fail(err error) AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status.LastError = err.Error()
	}
	if s.position == nil {
		s.status.State = Error
	} else {
		s.status.State = Holding
	}
	s.touchLocked()
	return s.status.State
}

func (s *Store) SetPosition(position Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := position
	s.position = &copy
	s.status.State = Holding
	s.status.LastError = ""
	s.touchLocked()
}

// UpdatePosition applies fn to the open position. It reports false when
// there is none.
func (s *Store) UpdatePosition(fn func(p *Position)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		return false
	}
	fn(s.position)
	s.touchLocked()
	return true
}

// ClearPosition drops the open position and enters Cooldown in one step,
// returning what was held.
func (s *Store) ClearPosition() (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		return Position{}, false
	}
	cleared := *s.position
	s.position = nil
	s.status.State = Cooldown
	s.status.LastError = ""
	s.touchLocked()
	return cleared, true
}

// RecordTrade appends rec and applies its PnL to balance and pnl together.
func (s *Store) RecordTrade(rec TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.PositionID == "" {
		return errors.New("trade record without position id")
	}
	if _, ok := s.recorded[rec.PositionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, rec.PositionID)
	}
	s.recorded[rec.PositionID] = struct{}{}
	s.trades = append(s.trades, rec)
	s.status.Balance += rec.RealizedPnL
	s.status.PnL += rec.RealizedPnL

	day := dayKey(rec.Timestamp)
	if day != s.tradesDay {
		s.tradesDay = day
		s.tradesCount = 0
	}
	s.tradesCount++
	s.touchLocked()
	return nil
}

func (s *Store) Trades() []TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TradeRecord, len(s.trades))
	copy(out, s.trades)
	return out
}

func (s *Store) touchLocked() {
	s.status.UpdatedAt = s.now().UTC()
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
