package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"github.com/vitos/crypto_risk_gate/internal/usecase"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config/config.yaml"

	ModePaper = "paper"
	ModeLive  = "live"

	EnvAPIKey    = "BYBIT_API_KEY"
	EnvAPISecret = "BYBIT_API_SECRET"
)

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Execution ExecutionConfig `yaml:"execution"`
	Account   AccountConfig   `yaml:"account"`
	Risk      RiskConfig      `yaml:"risk"`
	Loop      LoopConfig      `yaml:"loop"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file,omitempty"`
	AuditFile string `yaml:"audit_file,omitempty"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type ExchangeConfig struct {
	Name         string   `yaml:"name"`
	APIKey       string   `yaml:"api_key,omitempty"`
	APISecret    string   `yaml:"api_secret,omitempty"`
	RESTEndpoint string   `yaml:"rest_endpoint"`
	WSEndpoint   string   `yaml:"ws_endpoint"`
	Symbols      []string `yaml:"symbols"`
}

type ExecutionConfig struct {
	Mode string `yaml:"mode"`
}

type AccountConfig struct {
	InitialEquity decimal.Decimal `yaml:"initial_equity"`
}

type BoundsConfig struct {
	Min decimal.Decimal `yaml:"min"`
	Max decimal.Decimal `yaml:"max"`
}

type RiskConfig struct {
	// Profile picks MaxTradeRisk when it is left at zero.
	Profile              string          `yaml:"profile"`
	MaxTradeRisk         decimal.Decimal `yaml:"max_trade_risk"`
	MaxPortfolioRisk     decimal.Decimal `yaml:"max_portfolio_risk"`
	DailyLossLimit       decimal.Decimal `yaml:"daily_loss_limit"`
	ConsecutiveLossLimit int             `yaml:"consecutive_loss_limit"`
	MinRewardRisk        decimal.Decimal `yaml:"min_reward_risk"`
	RiskBounds           BoundsConfig    `yaml:"risk_bounds"`
	DefaultRisk          decimal.Decimal `yaml:"default_risk"`
	ClampToBalance       bool            `yaml:"clamp_to_balance"`
}

type PhaseConfig struct {
	Observe time.Duration `yaml:"observe"`
	Orient  time.Duration `yaml:"orient"`
	Decide  time.Duration `yaml:"decide"`
	Act     time.Duration `yaml:"act"`
}

type LoopConfig struct {
	MarketDataMaxAge time.Duration   `yaml:"market_data_max_age"`
	MaxSpread        decimal.Decimal `yaml:"max_spread"`
	PhaseTimeouts    PhaseConfig     `yaml:"phase_timeouts"`
	PhaseBudgets     PhaseConfig     `yaml:"phase_budgets"`
	CycleBudget      time.Duration   `yaml:"cycle_budget"`
	HistorySize      int             `yaml:"history_size"`
}

func Default() *Config {
	rules := usecase.DefaultRuleConfig()
	loop := usecase.DefaultLoopConfig()
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{Path: "riskgate.db"},
		Exchange: ExchangeConfig{
			Name:         "bybit",
			RESTEndpoint: "https://api.bybit.com",
			WSEndpoint:   "wss://stream.bybit.com/v5/public/linear",
			Symbols:      []string{"BTCUSDT", "ETHUSDT"},
		},
		Execution: ExecutionConfig{Mode: ModePaper},
		Account:   AccountConfig{InitialEquity: decimal.NewFromInt(10000)},
		Risk: RiskConfig{
			Profile:              "standard",
			MaxPortfolioRisk:     rules.MaxPortfolioRisk,
			DailyLossLimit:       rules.DailyLossLimit,
			ConsecutiveLossLimit: rules.ConsecutiveLossLimit,
			MinRewardRisk:        rules.MinRewardRisk,
			RiskBounds:           BoundsConfig{Min: loop.RiskBounds.Min, Max: loop.RiskBounds.Max},
			DefaultRisk:          loop.DefaultRisk,
		},
		Loop: LoopConfig{
			MarketDataMaxAge: loop.MarketDataMaxAge,
			MaxSpread:        loop.MaxSpread,
			PhaseTimeouts:    phaseConfig(loop.Timeouts),
			PhaseBudgets:     phaseConfig(loop.Budgets),
			CycleBudget:      loop.CycleBudget,
			HistorySize:      usecase.DefaultHistorySize,
		},
	}
}

func phaseConfig(d usecase.PhaseDurations) PhaseConfig {
	return PhaseConfig{Observe: d.Observe, Orient: d.Orient, Decide: d.Decide, Act: d.Act}
}

// Load reads the YAML file over the defaults and applies secrets from the
// environment, falling back to the given .env files (".env" when none).
// A missing .env file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	dotenv := make(map[string]string)
	for _, file := range envFiles {
		vars, err := godotenv.Read(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		for k, v := range vars {
			if _, seen := dotenv[k]; !seen {
				dotenv[k] = v
			}
		}
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if v := lookup(EnvAPIKey); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := lookup(EnvAPISecret); v != "" {
		cfg.Exchange.APISecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config without exchange credentials.
func (c *Config) Save(path string) error {
	clean := *c
	clean.Exchange.APIKey = ""
	clean.Exchange.APISecret = ""

	data, err := yaml.Marshal(&clean)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	one := decimal.NewFromInt(1)

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Storage.Path != "", "storage.path is required")

	switch c.Execution.Mode {
	case ModePaper:
	case ModeLive:
		check(c.Exchange.APIKey != "" && c.Exchange.APISecret != "",
			"execution.mode live needs %s and %s", EnvAPIKey, EnvAPISecret)
	default:
		errs = append(errs, fmt.Errorf("execution.mode %q: want paper or live", c.Execution.Mode))
	}

	check(c.Account.InitialEquity.IsPositive(), "account.initial_equity must be > 0")

	r := c.Risk
	if _, err := usecase.ProfileTradeRisk(r.Profile); err != nil {
		errs = append(errs, fmt.Errorf("risk.profile: %w", err))
	}
	check(!r.MaxTradeRisk.IsNegative() && r.MaxTradeRisk.LessThan(one), "risk.max_trade_risk must be in [0, 1)")
	check(r.MaxPortfolioRisk.IsPositive() && r.MaxPortfolioRisk.LessThanOrEqual(one), "risk.max_portfolio_risk must be in (0, 1]")
	check(!r.DailyLossLimit.IsNegative(), "risk.daily_loss_limit must be >= 0")
	check(r.ConsecutiveLossLimit > 0, "risk.consecutive_loss_limit must be > 0")
	check(!r.MinRewardRisk.IsNegative(), "risk.min_reward_risk must be >= 0")
	check(r.RiskBounds.Min.IsPositive() && r.RiskBounds.Min.LessThanOrEqual(r.RiskBounds.Max) && r.RiskBounds.Max.LessThan(one),
		"risk.risk_bounds must satisfy 0 < min <= max < 1")
	check(r.DefaultRisk.GreaterThanOrEqual(r.RiskBounds.Min) && r.DefaultRisk.LessThanOrEqual(r.RiskBounds.Max),
		"risk.default_risk %s outside risk_bounds", r.DefaultRisk)

	l := c.Loop
	check(l.MarketDataMaxAge > 0, "loop.market_data_max_age must be > 0")
	check(l.MaxSpread.IsPositive(), "loop.max_spread must be > 0")
	for name, d := range map[string]time.Duration{
		"observe": l.PhaseTimeouts.Observe, "orient": l.PhaseTimeouts.Orient,
		"decide": l.PhaseTimeouts.Decide, "act": l.PhaseTimeouts.Act,
	} {
		check(d > 0, "loop.phase_timeouts.%s must be > 0", name)
	}
	check(l.CycleBudget >= 0, "loop.cycle_budget must be >= 0")
	check(l.HistorySize >= 0, "loop.history_size must be >= 0")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// TradeRisk resolves the per-trade cap from the explicit value or the profile.
func (c *Config) TradeRisk() decimal.Decimal {
	if c.Risk.MaxTradeRisk.IsPositive() {
		return c.Risk.MaxTradeRisk
	}
	risk, err := usecase.ProfileTradeRisk(c.Risk.Profile)
	if err != nil {
		return usecase.StandardTradeRisk
	}
	return risk
}

func (c *Config) RuleConfig() usecase.RuleConfig {
	return usecase.RuleConfig{
		MaxTradeRisk:         c.TradeRisk(),
		MaxPortfolioRisk:     c.Risk.MaxPortfolioRisk,
		DailyLossLimit:       c.Risk.DailyLossLimit,
		ConsecutiveLossLimit: c.Risk.ConsecutiveLossLimit,
		MinRewardRisk:        c.Risk.MinRewardRisk,
		ClampToBalance:       c.Risk.ClampToBalance,
	}
}

func (c *Config) ProtocolConfig() (usecase.ProtocolConfig, error) {
	equity, err := domain.NewAccountEquity(c.Account.InitialEquity)
	if err != nil {
		return usecase.ProtocolConfig{}, fmt.Errorf("account.initial_equity: %w", err)
	}
	rules := c.RuleConfig()
	return usecase.ProtocolConfig{
		Rules:                usecase.DefaultRules(rules),
		MaxPortfolioRisk:     rules.MaxPortfolioRisk,
		DailyLossLimit:       rules.DailyLossLimit,
		ConsecutiveLossLimit: rules.ConsecutiveLossLimit,
		ClampToBalance:       rules.ClampToBalance,
		InitialEquity:        equity,
	}, nil
}

func (c *Config) LoopConfig() usecase.LoopConfig {
	t, b := c.Loop.PhaseTimeouts, c.Loop.PhaseBudgets
	return usecase.LoopConfig{
		MarketDataMaxAge: c.Loop.MarketDataMaxAge,
		MaxSpread:        c.Loop.MaxSpread,
		DefaultRisk:      c.Risk.DefaultRisk,
		RiskBounds:       domain.RiskBounds{Min: c.Risk.RiskBounds.Min, Max: c.Risk.RiskBounds.Max},
		ClampToBalance:   c.Risk.ClampToBalance,
		Timeouts:         usecase.PhaseDurations{Observe: t.Observe, Orient: t.Orient, Decide: t.Decide, Act: t.Act},
		Budgets:          usecase.PhaseDurations{Observe: b.Observe, Orient: b.Orient, Decide: b.Decide, Act: b.Act},
		CycleBudget:      c.Loop.CycleBudget,
	}
}

// Symbols returns the configured symbols, uppercased.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Exchange.Symbols))
	for _, s := range c.Exchange.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
