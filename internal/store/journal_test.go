package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"agentfleet/internal/broker"
	"agentfleet/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "db", "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func record(id, position, agent string, pnl float64, at time.Time) state.TradeRecord {
	return state.TradeRecord{
		ID:          id,
		PositionID:  position,
		Timestamp:   at,
		AgentID:     agent,
		Symbol:      "BTCUSDT",
		Side:        broker.Long,
		Size:        0.002,
		EntryPrice:  50000,
		ClosePrice:  50000 + pnl/0.002,
		RealizedPnL: pnl,
	}
}

func TestJournalRoundTripOrderedByClose(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, j.WriteTrade(ctx, record("t2", "p2", "a1", -1, base.Add(time.Hour))))
	require.NoError(t, j.WriteTrade(ctx, record("t1", "p1", "a1", 4, base)))
	require.NoError(t, j.WriteTrade(ctx, record("t3", "p3", "a2", 2, base)))

	trades, err := j.Trades(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "p1", trades[0].PositionID)
	assert.Equal(t, broker.Long, trades[0].Side)
	assert.True(t, trades[0].Timestamp.Equal(base))

	latest, err := j.Trades(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "p2", latest[1].PositionID, "limit keeps the newest trades")
	assert.True(t, latest[0].Timestamp.Equal(base))
}

func TestJournalIgnoresReplayedPosition(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, j.WriteTrade(ctx, record("t1", "p1", "a1", 3, now)))
	require.NoError(t, j.WriteTrade(ctx, record("t9", "p1", "a1", 3, now)))

	trades, err := j.Trades(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].ID)
}

func TestJournalSummaries(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, j.WriteTrade(ctx, record("t1", "p1", "a1", 3, now)))
	require.NoError(t, j.WriteTrade(ctx, record("t2", "p2", "a1", -1, now)))
	require.NoError(t, j.WriteTrade(ctx, record("t3", "p3", "a2", 5, now)))

	sums, err := j.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, Summary{AgentID: "a1", Trades: 2, RealizedPnL: 2, Wins: 1}, sums[0])
	assert.Equal(t, int64(1), sums[1].Trades)
	assert.InDelta(t, 5, sums[1].RealizedPnL, 1e-9)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
