package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"agentfleet/internal/engine"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Mode string

const (
	ModeLive    Mode = "live"
	ModeTestnet Mode = "testnet"
	ModePaper   Mode = "paper"
)

const EnvPrefix = "AGENTFLEET"

type ExchangeConfig struct {
	Mode       Mode          `mapstructure:"mode"`
	BaseURL    string        `mapstructure:"base_url"`
	RecvWindow time.Duration `mapstructure:"recv_window"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PaperConfig drives the simulated account used in paper mode.
type PaperConfig struct {
	Feed           string   `mapstructure:"feed"`
	FeedURL        string   `mapstructure:"feed_url"`
	InitialBalance float64  `mapstructure:"initial_balance"`
	FeeRate        float64  `mapstructure:"fee_rate"`
	Universe       []string `mapstructure:"universe"`
	AlpacaKey      string   `mapstructure:"alpaca_key"`
	AlpacaSecret   string   `mapstructure:"alpaca_secret"`
}

type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
}

type PromptConfig struct {
	System string `mapstructure:"system"`
	Trade  string `mapstructure:"trade"`
	Hold   string `mapstructure:"hold"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Decisions string `mapstructure:"decisions"`
	Trades    string `mapstructure:"trades"`
	Journal   string `mapstructure:"journal"`
}

type Config struct {
	Exchange       ExchangeConfig `mapstructure:"exchange"`
	Paper          PaperConfig    `mapstructure:"paper"`
	LLM            LLMConfig      `mapstructure:"llm"`
	Prompts        PromptConfig   `mapstructure:"prompts"`
	Strategies     string         `mapstructure:"strategies"`
	Policy         engine.Policy  `mapstructure:"policy"`
	Log            LogConfig      `mapstructure:"log"`
	HTTPAddr       string         `mapstructure:"http_addr"`
	AutoStart      bool           `mapstructure:"auto_start"`
	InitialBalance float64        `mapstructure:"initial_balance"`
}

// Flags registers the command-line overrides on fs. Load binds them above
// env and file values.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	fs.String("mode", string(ModePaper), "exchange mode: live, testnet or paper")
	fs.String("strategies", "", "strategy catalog (embedded default when empty)")
	fs.String("http-addr", ":8080", "HTTP listen address, empty disables the API")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("llm-provider", "ollama", "LLM provider: ollama or openai")
	fs.String("llm-model", "", "LLM model name")
	fs.Bool("kill-switch", false, "reject every trade decision")
	fs.Bool("auto-start", true, "start all agents at boot")
}

var flagKeys = map[string]string{
	"mode":         "exchange.mode",
	"strategies":   "strategies",
	"http-addr":    "http_addr",
	"log-level":    "log.level",
	"llm-provider": "llm.provider",
	"llm-model":    "llm.model",
	"kill-switch":  "policy.kill_switch",
	"auto-start":   "auto_start",
}

func setDefaults(v *viper.Viper) {
	policy := engine.DefaultPolicy()
	v.SetDefault("exchange.mode", string(ModePaper))
	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.recv_window", 5*time.Second)
	v.SetDefault("exchange.timeout", 10*time.Second)

	v.SetDefault("paper.feed", "bybit")
	v.SetDefault("paper.feed_url", "")
	v.SetDefault("paper.initial_balance", 1000.0)
	v.SetDefault("paper.fee_rate", 0.00055)
	v.SetDefault("paper.universe", []string{})
	v.SetDefault("paper.alpaca_key", "")
	v.SetDefault("paper.alpaca_secret", "")

	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.model", "qwen2.5:14b")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", 90*time.Second)
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("prompts.system", "")
	v.SetDefault("prompts.trade", "")
	v.SetDefault("prompts.hold", "")
	v.SetDefault("strategies", "")

	v.SetDefault("policy.cooldown", policy.Cooldown)
	v.SetDefault("policy.reject_cooldown", policy.RejectCooldown)
	v.SetDefault("policy.error_retry", policy.ErrorRetry)
	v.SetDefault("policy.hold_recheck", policy.HoldRecheck)
	v.SetDefault("policy.close_recheck", policy.CloseRecheck)
	v.SetDefault("policy.close_retry", policy.CloseRetry)
	v.SetDefault("policy.settle_delay", policy.SettleDelay)
	v.SetDefault("policy.max_hold", policy.MaxHold)
	v.SetDefault("policy.start_stagger", policy.StartStagger)
	v.SetDefault("policy.cycle_timeout", policy.CycleTimeout)
	v.SetDefault("policy.reconcile_skew", policy.ReconcileSkew)
	v.SetDefault("policy.margin_usd", policy.MarginUSD)
	v.SetDefault("policy.leverage", policy.Leverage)
	v.SetDefault("policy.bracket_pct", policy.BracketPct)
	v.SetDefault("policy.min_turnover_usd", policy.MinTurnoverUSD)
	v.SetDefault("policy.skip_top", policy.SkipTop)
	v.SetDefault("policy.window", policy.Window)
	v.SetDefault("policy.mark_window", policy.MarkWindow)
	v.SetDefault("policy.kill_switch", policy.KillSwitch)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.decisions", "decisions.ndjson")
	v.SetDefault("log.trades", "trades.ndjson")
	v.SetDefault("log.journal", "data/trades.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("auto_start", true)
	v.SetDefault("initial_balance", 0.0)
}

// Load resolves the configuration. Precedence, highest first: flags that
// were set, AGENTFLEET_* environment, the config file, defaults. fs may be
// nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	envFile := ".env"
	configPath := ""
	if fs != nil {
		if f := fs.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
		if f := fs.Lookup("config"); f != nil {
			configPath = f.Value.String()
		}
	}
	if err := loadDotEnvIfPresent(envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyWellKnownEnv(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyWellKnownEnv fills secrets from the variables their SDKs document
// when the prefixed keys are unset.
func applyWellKnownEnv(cfg *Config) {
	fill := func(dst *string, names ...string) {
		if *dst != "" {
			return
		}
		for _, name := range names {
			if value := strings.TrimSpace(os.Getenv(name)); value != "" {
				*dst = value
				return
			}
		}
	}
	fill(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	fill(&cfg.Paper.AlpacaKey, "APCA_API_KEY_ID")
	fill(&cfg.Paper.AlpacaSecret, "APCA_API_SECRET_KEY")
}

func loadDotEnvIfPresent(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return loadDotEnv(path)
}

// loadDotEnv sets variables from path without overriding ones already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func validate(cfg Config) error {
	switch cfg.Exchange.Mode {
	case ModeLive, ModeTestnet, ModePaper:
	default:
		return fmt.Errorf("invalid exchange mode: %q", cfg.Exchange.Mode)
	}
	if cfg.Exchange.Mode == ModePaper {
		switch cfg.Paper.Feed {
		case "bybit", "binance":
		case "alpaca":
			if cfg.Paper.AlpacaKey == "" || cfg.Paper.AlpacaSecret == "" {
				return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required for the alpaca feed")
			}
		default:
			return fmt.Errorf("invalid paper feed: %q", cfg.Paper.Feed)
		}
		if cfg.Paper.InitialBalance <= 0 {
			return fmt.Errorf("paper.initial_balance must be > 0")
		}
		if cfg.Paper.FeeRate < 0 {
			return fmt.Errorf("paper.fee_rate must be >= 0")
		}
	}
	switch cfg.LLM.Provider {
	case "ollama":
	case "openai":
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key (or OPENAI_API_KEY) is required for the openai provider")
		}
	default:
		return fmt.Errorf("invalid llm provider: %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model must be set")
	}
	if cfg.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	return validatePolicy(cfg.Policy)
}

func validatePolicy(p engine.Policy) error {
	if p.MarginUSD <= 0 {
		return fmt.Errorf("policy.margin_usd must be > 0")
	}
	if p.Leverage <= 0 {
		return fmt.Errorf("policy.leverage must be > 0")
	}
	if p.BracketPct <= 0 || p.BracketPct >= 1 {
		return fmt.Errorf("policy.bracket_pct must be in (0, 1)")
	}
	if p.SkipTop < 0 || p.Window <= p.SkipTop {
		return fmt.Errorf("policy.window must be > policy.skip_top >= 0")
	}
	if p.MarkWindow <= 0 {
		return fmt.Errorf("policy.mark_window must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"cooldown":        p.Cooldown,
		"reject_cooldown": p.RejectCooldown,
		"error_retry":     p.ErrorRetry,
		"hold_recheck":    p.HoldRecheck,
		"close_recheck":   p.CloseRecheck,
		"close_retry":     p.CloseRetry,
	} {
		if d <= 0 {
			return fmt.Errorf("policy.%s must be > 0", name)
		}
	}
	if p.SettleDelay < 0 || p.MaxHold < 0 || p.StartStagger < 0 || p.CycleTimeout < 0 || p.ReconcileSkew < 0 {
		return fmt.Errorf("policy delays must be >= 0")
	}
	return nil
}
