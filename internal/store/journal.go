// Package store persists recorded trades to SQLite through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentfleet/internal/broker"
	"agentfleet/internal/state"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// tradeModel is the trades table. PositionID is unique so a replayed write
// cannot book the same lifecycle twice.
type tradeModel struct {
	ID          string    `gorm:"primaryKey;size:36"`
	PositionID  string    `gorm:"uniqueIndex;size:36;not null"`
	AgentID     string    `gorm:"index;size:64;not null"`
	Symbol      string    `gorm:"size:32;not null"`
	Side        string    `gorm:"size:8;not null"`
	Size        float64   `gorm:"not null"`
	EntryPrice  float64   `gorm:"not null"`
	ClosePrice  float64   `gorm:"not null"`
	RealizedPnL float64   `gorm:"column:realized_pnl;not null"`
	ClosedAt    time.Time `gorm:"index;not null"`
	CreatedAt   time.Time
}

func (tradeModel) TableName() string { return "trades" }

// Journal is a TradeSink backed by SQLite.
type Journal struct {
	db *gorm.DB
}

// Open creates the database file (and its directory) when missing and
// migrates the schema. ":memory:" opens a private in-memory database.
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("trade journal path is empty")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open trade journal: %w", err)
	}
	if err := db.AutoMigrate(&tradeModel{}); err != nil {
		return nil, fmt.Errorf("migrate trade journal: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one writer; agents reconcile rarely
	sqlDB.SetMaxOpenConns(1)
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WriteTrade inserts rec. A record whose position was already journaled is
// ignored.
func (j *Journal) WriteTrade(ctx context.Context, rec state.TradeRecord) error {
	row := tradeModel{
		ID:          rec.ID,
		PositionID:  rec.PositionID,
		AgentID:     rec.AgentID,
		Symbol:      rec.Symbol,
		Side:        string(rec.Side),
		Size:        rec.Size,
		EntryPrice:  rec.EntryPrice,
		ClosePrice:  rec.ClosePrice,
		RealizedPnL: rec.RealizedPnL,
		ClosedAt:    rec.Timestamp.UTC(),
	}
	err := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "position_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("journal trade %s: %w", rec.PositionID, err)
	}
	return nil
}

// Trades returns the most recent limit journaled trades of agentID, oldest
// first. An empty agentID returns every agent's trades; limit <= 0 returns
// the whole history.
func (j *Journal) Trades(ctx context.Context, agentID string, limit int) ([]state.TradeRecord, error) {
	q := j.db.WithContext(ctx).Order("closed_at DESC").Order("id DESC")
	if agentID != "" {
		q = q.Where("agent_id = ?", agentID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	out := make([]state.TradeRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, state.TradeRecord{
			ID:          r.ID,
			PositionID:  r.PositionID,
			Timestamp:   r.ClosedAt,
			AgentID:     r.AgentID,
			Symbol:      r.Symbol,
			Side:        broker.Side(r.Side),
			Size:        r.Size,
			EntryPrice:  r.EntryPrice,
			ClosePrice:  r.ClosePrice,
			RealizedPnL: r.RealizedPnL,
		})
	}
	return out, nil
}

// Summary aggregates an agent's journaled history.
type Summary struct {
	AgentID     string  `json:"agent_id"`
	Trades      int64   `json:"trades"`
	RealizedPnL float64 `json:"realized_pnl" gorm:"column:realized_pnl"`
	Wins        int64   `json:"wins"`
}

func (j *Journal) Summaries(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := j.db.WithContext(ctx).Model(&tradeModel{}).
		Select("agent_id, COUNT(*) AS trades, COALESCE(SUM(realized_pnl), 0) AS realized_pnl, SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END) AS wins").
		Group("agent_id").
		Order("agent_id").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("summarize trades: %w", err)
	}
	return out, nil
}
