package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"agentfleet/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(now time.Time) *Store {
	store := NewStore("agent-1", "Momentum", "PROFIT", 100)
	store.now = func() time.Time { return now }
	return store
}

func TestSetPositionEntersHolding(t *testing.T) {
	store := newTestStore(time.Now())
	store.SetPosition(Position{ID: "p1", Symbol: "BTCUSDT", Side: broker.Long, Size: 0.002})

	snap := store.Snapshot()
	assert.Equal(t, Holding, snap.Status.State)
	require.NotNil(t, snap.Position)
	assert.Equal(t, "BTCUSDT", snap.Position.Symbol)

	snap.Position.Size = 5
	assert.InDelta(t, 0.002, store.Position().Size, 1e-12)
}

func TestSetStateGuardsHoldingInvariant(t *testing.T) {
	store := newTestStore(time.Now())
	assert.ErrorIs(t, store.SetState(Holding), ErrInvalidState)

	store.SetPosition(Position{ID: "p1", Symbol: "BTCUSDT"})
	assert.ErrorIs(t, store.SetState(Cooldown), ErrInvalidState)
	assert.Equal(t, Holding, store.State())

	require.NoError(t, store.SetState(Stopped))
	assert.Equal(t, Stopped, store.State())
	assert.NotNil(t, store.Position())
}

func TestFailKeepsHoldingWhilePositionOpen(t *testing.T) {
	store := newTestStore(time.Now())
	assert.Equal(t, Error, store.Fail(errors.New("boom")))
	assert.Equal(t, "boom", store.Status().LastError)

	store.SetPosition(Position{ID: "p1", Symbol: "ETHUSDT"})
	assert.Equal(t, Holding, store.Fail(errors.New("timeout")))
	assert.Equal(t, "timeout", store.Status().LastError)
}

func TestClearPositionEntersCooldownWithoutTouchingBalance(t *testing.T) {
	store := newTestStore(time.Now())
	store.SetPosition(Position{ID: "p1", Symbol: "BTCUSDT"})

	cleared, ok := store.ClearPosition()
	require.True(t, ok)
	assert.Equal(t, "p1", cleared.ID)

	snap := store.Snapshot()
	assert.Nil(t, snap.Position)
	assert.Equal(t, Cooldown, snap.Status.State)
	assert.InDelta(t, 100, snap.Status.Balance, 1e-9)

	_, ok = store.ClearPosition()
	assert.False(t, ok)
}

func TestRecordTradeRejectsDuplicatePosition(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(now)
	rec := TradeRecord{ID: "t1", PositionID: "p1", Timestamp: now, RealizedPnL: 2.5}

	require.NoError(t, store.RecordTrade(rec))
	err := store.RecordTrade(TradeRecord{ID: "t2", PositionID: "p1", Timestamp: now, RealizedPnL: 2.5})
	assert.ErrorIs(t, err, ErrDuplicateTrade)

	status := store.Status()
	assert.InDelta(t, 102.5, status.Balance, 1e-9)
	assert.InDelta(t, 2.5, status.PnL, 1e-9)
	assert.Equal(t, 1, status.TradesToday)
	assert.Len(t, store.Trades(), 1)
}

func TestTradesTodayRollsOverAtUTCMidnight(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	store := newTestStore(day1)
	require.NoError(t, store.RecordTrade(TradeRecord{PositionID: "p1", Timestamp: day1}))
	require.NoError(t, store.RecordTrade(TradeRecord{PositionID: "p2", Timestamp: day1}))
	assert.Equal(t, 2, store.Status().TradesToday)

	day2 := day1.Add(2 * time.Hour)
	store.now = func() time.Time { return day2 }
	assert.Equal(t, 0, store.Status().TradesToday)

	require.NoError(t, store.RecordTrade(TradeRecord{PositionID: "p3", Timestamp: day2}))
	assert.Equal(t, 1, store.Status().TradesToday)
	assert.Len(t, store.Trades(), 3)
}

func TestSnapshotIsNeverTorn(t *testing.T) {
	store := NewStore("agent-1", "Momentum", "PROFIT", 100)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := store.Snapshot()
			if (snap.Position != nil) != (snap.Status.State == Holding) {
				t.Errorf("torn snapshot: state %s position %v", snap.Status.State, snap.Position)
				return
			}
		}
	}()

	for i := 0; i < 500; i++ {
		store.SetPosition(Position{ID: "p", Symbol: "BTCUSDT"})
		store.ClearPosition()
	}
	close(stop)
	wg.Wait()
}
