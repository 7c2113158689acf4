package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rustyeddy/riskengine/market"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredential is returned by Validate when an enabled integration
// has no credential available.
var ErrMissingCredential = errors.New("missing credential")

// Config represents the complete engine configuration. Policy constants
// (leverage tiers, profit lock, hold limits) live here as data.
type Config struct {
	Account     AccountConfig      `json:"account" yaml:"account"`
	Symbols     []string           `json:"symbols" yaml:"symbols"`
	Instruments []InstrumentConfig `json:"instruments,omitempty" yaml:"instruments,omitempty"`
	Sizing      SizingConfig       `json:"sizing" yaml:"sizing"`
	Exits       ExitConfig         `json:"exits" yaml:"exits"`
	Trailing    TrailingConfig     `json:"trailing" yaml:"trailing"`
	Reconcile   ReconcileConfig    `json:"reconcile" yaml:"reconcile"`
	Store       StoreConfig        `json:"store" yaml:"store"`
	Journal     JournalConfig      `json:"journal" yaml:"journal"`
	Lock        LockConfig         `json:"lock" yaml:"lock"`
	Invocation  InvocationConfig   `json:"invocation" yaml:"invocation"`
	Advisor     AdvisorConfig      `json:"advisor" yaml:"advisor"`
	Signals     SignalsConfig      `json:"signals" yaml:"signals"`
	Broker      BrokerConfig       `json:"broker" yaml:"broker"`
	Logging     LoggingConfig      `json:"logging" yaml:"logging"`
	Tracing     TracingConfig      `json:"tracing" yaml:"tracing"`
	Metrics     MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// AccountConfig contains account level risk parameters
type AccountConfig struct {
	ID       string `json:"id" yaml:"id"`
	Currency string `json:"currency" yaml:"currency"`
	// Capital overrides the broker balance when positive.
	Capital                  float64 `json:"capital" yaml:"capital"`
	MaxPortfolioRiskFraction float64 `json:"max_portfolio_risk_fraction" yaml:"max_portfolio_risk_fraction"`
}

type InstrumentConfig struct {
	Symbol      string  `json:"symbol" yaml:"symbol"`
	AssetClass  string  `json:"asset_class" yaml:"asset_class"`
	MinNotional float64 `json:"min_notional" yaml:"min_notional"`
	QtyStep     float64 `json:"qty_step" yaml:"qty_step"`
	MaxLeverage int     `json:"max_leverage" yaml:"max_leverage"`
}

type LeverageTier struct {
	MinScore int `json:"min_score" yaml:"min_score"`
	Leverage int `json:"leverage" yaml:"leverage"`
}

// SizingConfig holds the position sizer policy.
type SizingConfig struct {
	MaxConcurrentSlots      int            `json:"max_concurrent_slots" yaml:"max_concurrent_slots"`
	LeverageTiers           []LeverageTier `json:"leverage_tiers" yaml:"leverage_tiers"`
	MaxLeverage             int            `json:"max_leverage" yaml:"max_leverage"`
	MaxRiskPerTradeFraction float64        `json:"max_risk_per_trade_fraction" yaml:"max_risk_per_trade_fraction"`
	MaxLossPerTradeUSD      float64        `json:"max_loss_per_trade_usd" yaml:"max_loss_per_trade_usd"`
	MaxNotionalPerPosition  float64        `json:"max_notional_per_position" yaml:"max_notional_per_position"`
	LiquidityFraction       float64        `json:"liquidity_fraction" yaml:"liquidity_fraction"`
	DailyLossFraction       float64        `json:"daily_loss_fraction" yaml:"daily_loss_fraction"`
	MinStopDistancePct      float64        `json:"min_stop_distance_pct" yaml:"min_stop_distance_pct"`
	MinStopATRMult          float64        `json:"min_stop_atr_mult" yaml:"min_stop_atr_mult"`
	MinNotional             float64        `json:"min_notional" yaml:"min_notional"`
}

// ExitConfig holds exit thresholds. All percentages are fractions
// (0.015 == 1.5%); zero disables a rule.
type ExitConfig struct {
	MaxHold                map[string]Duration `json:"max_hold" yaml:"max_hold"`
	LeveragedTakeProfitPct float64             `json:"leveraged_take_profit_pct" yaml:"leveraged_take_profit_pct"`
	LeveragedMaxLossPct    float64             `json:"leveraged_max_loss_pct" yaml:"leveraged_max_loss_pct"`
	ProfitLockPct          float64             `json:"profit_lock_pct" yaml:"profit_lock_pct"`
	TrendOverrideADX       float64             `json:"trend_override_adx" yaml:"trend_override_adx"`
}

type TrailingConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	BreakEvenTriggerPct float64 `json:"break_even_trigger_pct" yaml:"break_even_trigger_pct"`
	TrailActivatePct    float64 `json:"trail_activate_pct" yaml:"trail_activate_pct"`
	TrailPct            float64 `json:"trail_pct" yaml:"trail_pct"`
}

type ReconcileConfig struct {
	OrphanStopPct             float64 `json:"orphan_stop_pct" yaml:"orphan_stop_pct"`
	OrphanTakeProfitPct       float64 `json:"orphan_take_profit_pct" yaml:"orphan_take_profit_pct"`
	// AdoptMaxPortfolioFraction only triggers a warning; adopted risk is
	// always booked.
	AdoptMaxPortfolioFraction float64 `json:"adopt_max_portfolio_fraction" yaml:"adopt_max_portfolio_fraction"`
	HealLedgerDrift           bool    `json:"heal_ledger_drift" yaml:"heal_ledger_drift"`
	DriftTolerance            float64 `json:"drift_tolerance" yaml:"drift_tolerance"`
	// DriftWarnCount logs a warning when orphans+ghosts in a single pass reach it.
	DriftWarnCount int `json:"drift_warn_count" yaml:"drift_warn_count"`
}

type StoreConfig struct {
	Driver      string   `json:"driver" yaml:"driver"` // "sqlite3" (cgo) or "sqlite" (pure Go)
	Path        string   `json:"path" yaml:"path"`
	BusyTimeout Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type       string   `json:"type" yaml:"type"` // "csv" or "sqlite"
	TradesFile string   `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	SkipsFile  string   `json:"skips_file,omitempty" yaml:"skips_file,omitempty"`
	SkipTTL    Duration `json:"skip_ttl" yaml:"skip_ttl"`
}

type LockConfig struct {
	TTL Duration `json:"ttl" yaml:"ttl"`
}

// InvocationConfig bounds a single scheduled run.
type InvocationConfig struct {
	Budget                 Duration `json:"budget" yaml:"budget"`
	SafetyMargin           Duration `json:"safety_margin" yaml:"safety_margin"`
	PollInterval           Duration `json:"poll_interval" yaml:"poll_interval"`
	MonitorWindow          Duration `json:"monitor_window" yaml:"monitor_window"`
	MaxParallelFetch       int      `json:"max_parallel_fetch" yaml:"max_parallel_fetch"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	Cycles                 int      `json:"cycles" yaml:"cycles"`
}

type AdvisorConfig struct {
	Provider  string   `json:"provider" yaml:"provider"` // "noop" or "openai"
	Model     string   `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL   string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKeyEnv string   `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`

	APIKey string `json:"-" yaml:"-"`
}

type SignalsConfig struct {
	Source      string   `json:"source" yaml:"source"` // "file", "technical" or "none"
	File        string   `json:"file,omitempty" yaml:"file,omitempty"`
	Granularity string   `json:"granularity" yaml:"granularity"`
	CandleCount int      `json:"candle_count" yaml:"candle_count"`
	EMAFast     int      `json:"ema_fast" yaml:"ema_fast"`
	EMASlow     int      `json:"ema_slow" yaml:"ema_slow"`
	ADXPeriod   int      `json:"adx_period" yaml:"adx_period"`
	ATRPeriod   int      `json:"atr_period" yaml:"atr_period"`
	MinADX      float64  `json:"min_adx" yaml:"min_adx"`
	StopATRMult float64  `json:"stop_atr_mult" yaml:"stop_atr_mult"`
	RRTarget    float64  `json:"rr_target" yaml:"rr_target"`
	MaxAge      Duration `json:"max_age" yaml:"max_age"`

	// Candles picks the feed behind the technical source: "broker" or "oanda".
	Candles       string `json:"candles" yaml:"candles"`
	OandaPractice bool   `json:"oanda_practice" yaml:"oanda_practice"`
	OandaBaseURL  string `json:"oanda_base_url,omitempty" yaml:"oanda_base_url,omitempty"`
	OandaTokenEnv string `json:"oanda_token_env,omitempty" yaml:"oanda_token_env,omitempty"`

	OandaToken string `json:"-" yaml:"-"`
}

type BrokerConfig struct {
	Type        string             `json:"type" yaml:"type"` // "paper"
	StateFile   string             `json:"state_file,omitempty" yaml:"state_file,omitempty"`
	SlippageBps float64            `json:"slippage_bps" yaml:"slippage_bps"`
	Prices      map[string]float64 `json:"prices,omitempty" yaml:"prices,omitempty"`
	Volumes     map[string]float64 `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`
	Format   string `json:"format" yaml:"format"`
	Detailed bool   `json:"detailed" yaml:"detailed"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	PrettyPrint bool   `json:"pretty_print" yaml:"pretty_print"`
}

type MetricsConfig struct {
	PushgatewayURL string `json:"pushgateway_url,omitempty" yaml:"pushgateway_url,omitempty"`
	Job            string `json:"job" yaml:"job"`
}

// Load reads the file, applies the environment overlay and validates.
func Load(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (YAML or JSON) without the
// environment overlay.
func LoadFromFile(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Unset fields keep their defaults.
	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnv overlays values taken from the process environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RISKENGINE_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RISKENGINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RISKENGINE_CAPITAL"); v != "" {
		var capital float64
		if _, err := fmt.Sscanf(v, "%g", &capital); err == nil {
			c.Account.Capital = capital
		}
	}
	keyEnv := c.Advisor.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ADVISOR_API_KEY"
	}
	if v := os.Getenv(keyEnv); v != "" {
		c.Advisor.APIKey = v
	}
	if v := os.Getenv(c.oandaTokenEnv()); v != "" {
		c.Signals.OandaToken = v
	}
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Capital < 0 {
		return fmt.Errorf("account.capital must not be negative")
	}
	if c.Account.MaxPortfolioRiskFraction <= 0 || c.Account.MaxPortfolioRiskFraction > 1 {
		return fmt.Errorf("account.max_portfolio_risk_fraction must be between 0 and 1")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	for _, ic := range c.Instruments {
		if ic.Symbol == "" {
			return fmt.Errorf("instruments: symbol is required")
		}
		if _, err := market.ParseAssetClass(ic.AssetClass); err != nil {
			return fmt.Errorf("instruments[%s]: %w", ic.Symbol, err)
		}
	}
	if err := c.Sizing.validate(); err != nil {
		return err
	}
	if err := c.Exits.validate(); err != nil {
		return err
	}
	if c.Trailing.Enabled && c.Trailing.TrailActivatePct > 0 && c.Trailing.TrailPct <= 0 {
		return fmt.Errorf("trailing.trail_pct must be positive when trailing is active")
	}
	if c.Reconcile.OrphanStopPct <= 0 || c.Reconcile.OrphanStopPct >= 1 {
		return fmt.Errorf("reconcile.orphan_stop_pct must be between 0 and 1")
	}
	if c.Reconcile.OrphanTakeProfitPct <= 0 {
		return fmt.Errorf("reconcile.orphan_take_profit_pct must be positive")
	}
	if c.Reconcile.AdoptMaxPortfolioFraction < c.Account.MaxPortfolioRiskFraction {
		return fmt.Errorf("reconcile.adopt_max_portfolio_fraction must be at least account.max_portfolio_risk_fraction")
	}
	if c.Store.Driver != "sqlite3" && c.Store.Driver != "sqlite" {
		return fmt.Errorf("store.driver must be 'sqlite3' or 'sqlite'")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Journal.Type != "csv" && c.Journal.Type != "sqlite" {
		return fmt.Errorf("journal.type must be 'csv' or 'sqlite'")
	}
	if c.Journal.Type == "csv" && (c.Journal.TradesFile == "" || c.Journal.SkipsFile == "") {
		return fmt.Errorf("journal trades_file and skips_file required for CSV type")
	}
	if c.Lock.TTL.Duration <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if err := c.Invocation.validate(); err != nil {
		return err
	}
	switch c.Advisor.Provider {
	case "", "noop":
	case "openai":
		if c.Advisor.APIKey == "" {
			return fmt.Errorf("advisor.provider openai: %w (set %s)", ErrMissingCredential, c.advisorKeyEnv())
		}
	default:
		return fmt.Errorf("advisor.provider must be 'noop' or 'openai'")
	}
	switch c.Signals.Source {
	case "none", "technical":
	case "file":
		if c.Signals.File == "" {
			return fmt.Errorf("signals.file required for file source")
		}
	default:
		return fmt.Errorf("signals.source must be 'file', 'technical' or 'none'")
	}
	if c.Signals.Source == "technical" {
		if err := c.Signals.validateTechnical(); err != nil {
			return err
		}
	}
	switch c.Signals.Candles {
	case "", "broker":
	case "oanda":
		if c.Signals.Source == "technical" && c.Signals.OandaToken == "" {
			return fmt.Errorf("signals.candles oanda: %w (set %s)", ErrMissingCredential, c.oandaTokenEnv())
		}
	default:
		return fmt.Errorf("signals.candles must be 'broker' or 'oanda'")
	}
	if c.Broker.Type != "paper" {
		return fmt.Errorf("broker.type must be 'paper'")
	}
	return nil
}

func (s SignalsConfig) validateTechnical() error {
	for _, p := range []struct {
		name string
		v    int
	}{
		{"ema_fast", s.EMAFast},
		{"ema_slow", s.EMASlow},
		{"adx_period", s.ADXPeriod},
		{"atr_period", s.ATRPeriod},
		{"candle_count", s.CandleCount},
	} {
		if p.v <= 0 {
			return fmt.Errorf("signals.%s must be positive", p.name)
		}
	}
	if s.EMAFast >= s.EMASlow {
		return fmt.Errorf("signals.ema_fast must be less than signals.ema_slow")
	}
	if s.StopATRMult <= 0 {
		return fmt.Errorf("signals.stop_atr_mult must be positive")
	}
	return nil
}

func (c *Config) oandaTokenEnv() string {
	if c.Signals.OandaTokenEnv != "" {
		return c.Signals.OandaTokenEnv
	}
	return "OANDA_API_TOKEN"
}

func (c *Config) advisorKeyEnv() string {
	if c.Advisor.APIKeyEnv != "" {
		return c.Advisor.APIKeyEnv
	}
	return "ADVISOR_API_KEY"
}

func (s SizingConfig) validate() error {
	if s.MaxConcurrentSlots <= 0 {
		return fmt.Errorf("sizing.max_concurrent_slots must be positive")
	}
	if len(s.LeverageTiers) == 0 {
		return fmt.Errorf("sizing.leverage_tiers must not be empty")
	}
	tiers := s.SortedTiers()
	for i := 1; i < len(tiers); i++ {
		if tiers[i].MinScore == tiers[i-1].MinScore {
			return fmt.Errorf("sizing.leverage_tiers: duplicate min_score %d", tiers[i].MinScore)
		}
		if tiers[i].Leverage > tiers[i-1].Leverage {
			return fmt.Errorf("sizing.leverage_tiers: leverage must not decrease as score rises (score %d)", tiers[i-1].MinScore)
		}
	}
	for _, t := range tiers {
		if t.Leverage < 1 {
			return fmt.Errorf("sizing.leverage_tiers: leverage must be >= 1")
		}
	}
	if s.MaxLeverage < 1 {
		return fmt.Errorf("sizing.max_leverage must be >= 1")
	}
	if s.MaxRiskPerTradeFraction <= 0 || s.MaxRiskPerTradeFraction > 1 {
		return fmt.Errorf("sizing.max_risk_per_trade_fraction must be between 0 and 1")
	}
	if s.LiquidityFraction < 0 || s.LiquidityFraction > 1 {
		return fmt.Errorf("sizing.liquidity_fraction must be between 0 and 1")
	}
	if s.DailyLossFraction <= 0 || s.DailyLossFraction > 1 {
		return fmt.Errorf("sizing.daily_loss_fraction must be between 0 and 1")
	}
	if s.MinStopDistancePct < 0 || s.MinStopATRMult < 0 {
		return fmt.Errorf("sizing stop distance floors must not be negative")
	}
	return nil
}

// SortedTiers returns the tiers ordered from the highest min score down.
func (s SizingConfig) SortedTiers() []LeverageTier {
	tiers := append([]LeverageTier(nil), s.LeverageTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinScore > tiers[j].MinScore })
	return tiers
}

func (e ExitConfig) validate() error {
	for class, d := range e.MaxHold {
		if _, err := market.ParseAssetClass(class); err != nil {
			return fmt.Errorf("exits.max_hold: %w", err)
		}
		if d.Duration < 0 {
			return fmt.Errorf("exits.max_hold[%s] must not be negative", class)
		}
	}
	if e.LeveragedTakeProfitPct < 0 || e.LeveragedMaxLossPct < 0 || e.ProfitLockPct < 0 {
		return fmt.Errorf("exits thresholds must not be negative")
	}
	return nil
}

func (i InvocationConfig) validate() error {
	if i.Budget.Duration <= 0 {
		return fmt.Errorf("invocation.budget must be positive")
	}
	if i.SafetyMargin.Duration < 0 || i.SafetyMargin.Duration >= i.Budget.Duration {
		return fmt.Errorf("invocation.safety_margin must be less than invocation.budget")
	}
	if i.MonitorWindow.Duration > 0 && i.PollInterval.Duration <= 0 {
		return fmt.Errorf("invocation.poll_interval must be positive when monitoring")
	}
	if i.MaxParallelFetch <= 0 {
		return fmt.Errorf("invocation.max_parallel_fetch must be positive")
	}
	if i.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("invocation.max_consecutive_failures must be positive")
	}
	return nil
}

// Registry builds the instrument registry with configured overrides.
func (c *Config) Registry() *market.Registry {
	metas := make([]market.InstrumentMeta, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		class, _ := market.ParseAssetClass(ic.AssetClass)
		metas = append(metas, market.InstrumentMeta{
			Symbol:      ic.Symbol,
			AssetClass:  class,
			MinNotional: ic.MinNotional,
			QtyStep:     ic.QtyStep,
			MaxLeverage: ic.MaxLeverage,
		})
	}
	return market.NewRegistry(metas...)
}
