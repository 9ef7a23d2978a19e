// Package app assembles the fleet from configuration and runs it.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"agentfleet/internal/api"
	"agentfleet/internal/broker"
	"agentfleet/internal/broker/bybit"
	"agentfleet/internal/broker/paper"
	"agentfleet/internal/config"
	"agentfleet/internal/engine"
	"agentfleet/internal/llm"
	"agentfleet/internal/llm/ollama"
	"agentfleet/internal/llm/openai"
	"agentfleet/internal/md"
	"agentfleet/internal/oracle"
	"agentfleet/internal/risk"
	"agentfleet/internal/store"
	"agentfleet/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// LookupEnv resolves credential variables; os.LookupEnv in production.
type LookupEnv func(string) (string, bool)

type App struct {
	cfg       config.Config
	RunID     string
	Fleet     *engine.Fleet
	server    *api.Server
	journal   *store.Journal
	decisions *engine.DecisionLogger
	tradeLog  *engine.TradeLog
}

// New builds every agent without starting any. Strategies whose exchange
// credentials are missing are registered as disabled.
func New(ctx context.Context, cfg config.Config, lookup LookupEnv) (*App, error) {
	strategies, err := strategy.Load(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, RunID: generateRunID(), Fleet: engine.NewFleet(cfg.Policy.StartStagger)}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if cfg.Log.Decisions != "" {
		if a.decisions, err = engine.NewDecisionLogger(cfg.Log.Decisions, a.RunID); err != nil {
			return nil, fmt.Errorf("decision log: %w", err)
		}
	}
	var sinks []engine.TradeSink
	if cfg.Log.Trades != "" {
		if a.tradeLog, err = engine.NewTradeLog(cfg.Log.Trades); err != nil {
			return nil, fmt.Errorf("trade log: %w", err)
		}
		sinks = append(sinks, a.tradeLog)
	}
	if cfg.Log.Journal != "" {
		if a.journal, err = store.Open(cfg.Log.Journal); err != nil {
			return nil, err
		}
		sinks = append(sinks, a.journal)
	}

	decider, err := buildOracle(ctx, cfg)
	if err != nil {
		return nil, err
	}
	newExchange, err := exchangeFactory(cfg, lookup)
	if err != nil {
		return nil, err
	}

	balance, policy := cfg.InitialBalance, cfg.Policy
	if cfg.Exchange.Mode == config.ModePaper {
		balance = cfg.Paper.InitialBalance
		if cfg.Paper.Feed == "alpaca" {
			policy = alpacaPolicy(policy, len(alpacaUniverse(cfg)))
			slog.Info("candidate filter fitted to alpaca universe", "skip_top", policy.SkipTop, "window", policy.Window, "min_turnover_usd", policy.MinTurnoverUSD)
		}
	}
	for _, s := range strategies {
		ex, reason := newExchange(s)
		if ex == nil {
			a.Fleet.AddDisabled(s, reason)
			continue
		}
		a.Fleet.Add(engine.NewAgent(s, engine.Deps{
			Exchange:       ex,
			Oracle:         decider,
			Gate:           risk.Gate{},
			Policy:         policy,
			Decisions:      a.decisions,
			Sinks:          sinks,
			InitialBalance: balance,
		}))
	}

	if cfg.HTTPAddr != "" {
		var journal api.Journal
		if a.journal != nil {
			journal = a.journal
		}
		a.server = api.NewServer(ctx, cfg.HTTPAddr, a.Fleet, journal)
	}
	ok = true
	return a, nil
}

func buildOracle(ctx context.Context, cfg config.Config) (*oracle.LLM, error) {
	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "openai":
		client, err := openai.New(ctx, openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		provider = client
	case "ollama":
		provider = ollama.New(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	return oracle.NewLLM(llm.New(provider), oracle.Options{
		SystemPromptPath: cfg.Prompts.System,
		TradePromptPath:  cfg.Prompts.Trade,
		HoldPromptPath:   cfg.Prompts.Hold,
		Timeout:          cfg.LLM.Timeout,
		Temperature:      cfg.LLM.Temperature,
	}), nil
}

// exchangeFactory returns the per-strategy exchange constructor. A nil
// exchange comes with the reason the strategy is disabled.
func exchangeFactory(cfg config.Config, lookup LookupEnv) (func(strategy.Strategy) (broker.Exchange, string), error) {
	if cfg.Exchange.Mode == config.ModePaper {
		feed, err := paperFeed(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("paper trading", "feed", cfg.Paper.Feed, "balance", cfg.Paper.InitialBalance)
		return func(s strategy.Strategy) (broker.Exchange, string) {
			return paper.New(feed, paper.Config{InitialBalance: cfg.Paper.InitialBalance, FeeRate: cfg.Paper.FeeRate}), ""
		}, nil
	}
	return func(s strategy.Strategy) (broker.Exchange, string) {
		key, secret, ok := s.ResolveCredentials(lookup)
		if !ok {
			return nil, fmt.Sprintf("missing credentials %s/%s", s.Credentials.KeyEnv, s.Credentials.SecretEnv)
		}
		return bybit.New(bybit.Config{
			APIKey:     key,
			APISecret:  secret,
			Testnet:    cfg.Exchange.Mode == config.ModeTestnet,
			BaseURL:    cfg.Exchange.BaseURL,
			RecvWindow: cfg.Exchange.RecvWindow,
			Timeout:    cfg.Exchange.Timeout,
		}), ""
	}, nil
}

func paperFeed(cfg config.Config) (paper.Feed, error) {
	switch cfg.Paper.Feed {
	case "bybit":
		// public market endpoints need no keys
		return bybit.New(bybit.Config{BaseURL: cfg.Paper.FeedURL, Timeout: cfg.Exchange.Timeout}), nil
	case "binance":
		return md.NewBinanceFeed(cfg.Paper.FeedURL, cfg.Exchange.Timeout), nil
	case "alpaca":
		return md.NewAlpacaFeed(cfg.Paper.AlpacaKey, cfg.Paper.AlpacaSecret, alpacaUniverse(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown paper feed %q", cfg.Paper.Feed)
	}
}

// alpacaMinTurnoverUSD is the turnover floor on Alpaca's crypto venue, where
// volume runs two orders of magnitude below the perpetual exchanges.
const alpacaMinTurnoverUSD = 100_000

func alpacaUniverse(cfg config.Config) []string {
	if len(cfg.Paper.Universe) > 0 {
		return cfg.Paper.Universe
	}
	return md.DefaultAlpacaUniverse
}

// alpacaPolicy scales the candidate filter to a universe of size pairs: at
// most a fifth of it is skipped as the most crowded, and the window and
// turnover floor never exceed what the venue can supply.
func alpacaPolicy(p engine.Policy, size int) engine.Policy {
	if limit := size / 5; p.SkipTop > limit {
		p.SkipTop = limit
	}
	if p.Window > size {
		p.Window = size
	}
	if p.MinTurnoverUSD > alpacaMinTurnoverUSD {
		p.MinTurnoverUSD = alpacaMinTurnoverUSD
	}
	return p
}

// Run serves the API and, when configured, starts every agent. It returns
// after ctx is cancelled and all agents are stopped.
func (a *App) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Run(ctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		if a.cfg.AutoStart {
			n := a.Fleet.StartAll(ctx)
			slog.Info("fleet started", "run_id", a.RunID, "agents", n, "stagger", a.cfg.Policy.StartStagger)
		}
		<-ctx.Done()
		a.Fleet.StopAll()
		return nil
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() error {
	var errs []error
	if a.decisions != nil {
		errs = append(errs, a.decisions.Close())
	}
	if a.tradeLog != nil {
		errs = append(errs, a.tradeLog.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return timestamp
	}
	return timestamp + "-" + hex.EncodeToString(randomBytes)
}

// OSLookup is the production credential resolver.
var OSLookup LookupEnv = os.LookupEnv
