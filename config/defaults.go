package config

import "time"

// Default returns a configuration with sensible defaults for paper trading.
// The numeric policy values are starting points owned by the operator.
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			ID:                       "PAPER-001",
			Currency:                 "USD",
			Capital:                  10000,
			MaxPortfolioRiskFraction: 0.06,
		},
		Symbols: []string{"BTC/USDT:USDT", "ETH/USDT:USDT", "EUR_USD"},
		Sizing: SizingConfig{
			MaxConcurrentSlots: 3,
			LeverageTiers: []LeverageTier{
				{MinScore: 90, Leverage: 5},
				{MinScore: 80, Leverage: 4},
				{MinScore: 70, Leverage: 3},
				{MinScore: 60, Leverage: 2},
				{MinScore: 0, Leverage: 1},
			},
			MaxLeverage:             10,
			MaxRiskPerTradeFraction: 0.02,
			MaxLossPerTradeUSD:      0,
			MaxNotionalPerPosition:  25000,
			LiquidityFraction:       0.001,
			DailyLossFraction:       0.05,
			MinStopDistancePct:      0.002,
			MinStopATRMult:          0.5,
			MinNotional:             5,
		},
		Exits: ExitConfig{
			MaxHold: map[string]Duration{
				"crypto":      D(6 * time.Hour),
				"forex":       D(24 * time.Hour),
				"indices":     D(12 * time.Hour),
				"commodities": D(24 * time.Hour),
			},
			LeveragedTakeProfitPct: 0.10,
			LeveragedMaxLossPct:    0.08,
			ProfitLockPct:          0.015,
			TrendOverrideADX:       25,
		},
		Trailing: TrailingConfig{
			Enabled:             true,
			BreakEvenTriggerPct: 0.008,
			TrailActivatePct:    0.012,
			TrailPct:            0.006,
		},
		Reconcile: ReconcileConfig{
			OrphanStopPct:             0.03,
			OrphanTakeProfitPct:       0.06,
			AdoptMaxPortfolioFraction: 1.0,
			HealLedgerDrift:           true,
			DriftTolerance:            0.01,
			DriftWarnCount:            3,
		},
		Store: StoreConfig{
			Driver:      "sqlite3",
			Path:        "./riskengine.sqlite",
			BusyTimeout: D(5 * time.Second),
		},
		Journal: JournalConfig{
			Type:    "sqlite",
			SkipTTL: D(24 * time.Hour),
		},
		Lock: LockConfig{
			TTL: D(90 * time.Second),
		},
		Invocation: InvocationConfig{
			Budget:                 D(5 * time.Minute),
			SafetyMargin:           D(20 * time.Second),
			PollInterval:           D(5 * time.Second),
			MonitorWindow:          D(0),
			MaxParallelFetch:       4,
			MaxConsecutiveFailures: 3,
			Cycles:                 1,
		},
		Advisor: AdvisorConfig{
			Provider:  "noop",
			Model:     "gpt-4o-mini",
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "ADVISOR_API_KEY",
			Timeout:   D(15 * time.Second),
		},
		Signals: SignalsConfig{
			Source:      "none",
			Granularity: "15m",
			CandleCount: 120,
			EMAFast:     9,
			EMASlow:     21,
			ADXPeriod:   14,
			ATRPeriod:   14,
			MinADX:      20,
			StopATRMult: 1.5,
			RRTarget:    2,
			MaxAge:      D(30 * time.Minute),

			Candles:       "broker",
			OandaPractice: true,
		},
		Broker: BrokerConfig{
			Type:        "paper",
			StateFile:   "./paper-broker.json",
			SlippageBps: 2,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "riskengine",
		},
		Metrics: MetricsConfig{
			Job: "riskengine",
		},
	}
}
