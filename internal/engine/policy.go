package engine

import "time"

// Policy holds the tunable timings and sizing constants shared by all agents.
type Policy struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	RejectCooldown time.Duration `mapstructure:"reject_cooldown"`
	ErrorRetry     time.Duration `mapstructure:"error_retry"`
	HoldRecheck    time.Duration `mapstructure:"hold_recheck"`
	CloseRecheck   time.Duration `mapstructure:"close_recheck"`
	CloseRetry     time.Duration `mapstructure:"close_retry"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	MaxHold        time.Duration `mapstructure:"max_hold"`
	StartStagger   time.Duration `mapstructure:"start_stagger"`
	CycleTimeout   time.Duration `mapstructure:"cycle_timeout"`
	// ReconcileSkew widens the closed-PnL window before the local open time
	// to absorb clock drift against the exchange.
	ReconcileSkew time.Duration `mapstructure:"reconcile_skew"`

	MarginUSD      float64 `mapstructure:"margin_usd"`
	Leverage       int     `mapstructure:"leverage"`
	BracketPct     float64 `mapstructure:"bracket_pct"`
	MinTurnoverUSD float64 `mapstructure:"min_turnover_usd"`
	SkipTop        int     `mapstructure:"skip_top"`
	Window         int     `mapstructure:"window"`
	MarkWindow     int     `mapstructure:"mark_window"`
	KillSwitch     bool    `mapstructure:"kill_switch"`
}

func DefaultPolicy() Policy {
	return Policy{
		Cooldown:       60 * time.Second,
		RejectCooldown: 30 * time.Second,
		ErrorRetry:     10 * time.Second,
		HoldRecheck:    60 * time.Second,
		CloseRecheck:   5 * time.Second,
		CloseRetry:     30 * time.Second,
		SettleDelay:    2 * time.Second,
		MaxHold:        4 * time.Hour,
		StartStagger:   5 * time.Second,
		CycleTimeout:   2 * time.Minute,
		ReconcileSkew:  5 * time.Second,
		MarginUSD:      10,
		Leverage:       10,
		BracketPct:     0.10,
		MinTurnoverUSD: 10_000_000,
		SkipTop:        5,
		Window:         20,
		MarkWindow:     5,
	}
}
