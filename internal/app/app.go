// Package app assembles one invocation: configuration, the shared database,
// the broker, signal and advisor sources, observability and the
// orchestrator that ties them together.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/joho/godotenv"

	"github.com/rustyeddy/riskengine/advisor"
	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/broker/brokerobs"
	"github.com/rustyeddy/riskengine/broker/oanda"
	"github.com/rustyeddy/riskengine/broker/sim"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/engine"
	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/internal/trace"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/metrics"
	"github.com/rustyeddy/riskengine/pkg/id"
	"github.com/rustyeddy/riskengine/positions"
	"github.com/rustyeddy/riskengine/reconcile"
	"github.com/rustyeddy/riskengine/signals"
	"github.com/rustyeddy/riskengine/store"
)

// Version is reported in traces and by the version command.
var Version = "dev"

// Options select the config file and override a few of its values from
// the command line.
type Options struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	// Stdout receives log lines; nil means os.Stdout.
	Stdout io.Writer
}

// App is everything one invocation owns. Close releases it.
type App struct {
	Config   *config.Config
	Owner    string
	DB       *sql.DB
	Paper    *sim.Engine
	Broker   broker.Broker
	Store    *positions.Store
	Ledger   *ledger.Ledger
	Locker   *store.Locker
	Journal  journal.Journal
	Trades   *journal.SQLite
	Registry *market.Registry
	Metrics  *metrics.Metrics
	Log      *logger.Logger
	Tracer   *trace.Provider

	signals signals.Source
	regimes signals.RegimeSource
	advisor advisor.Oracle
	closers []func() error
}

// LoadConfig reads .env, then the config file when one is given, then the
// environment overlay.
func LoadConfig(opts Options) (*config.Config, error) {
	_ = godotenv.Load()

	var cfg *config.Config
	if opts.ConfigPath != "" {
		c, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
		cfg.ApplyEnv()
	}
	if opts.DBPath != "" {
		cfg.Store.Path = opts.DBPath
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Open builds the App. Every external resource is opened here so a bad
// credential or unreachable database fails before any cycle starts.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	a := &App{
		Config:   cfg,
		Owner:    id.Owner(),
		Registry: cfg.Registry(),
		Metrics:  metrics.New(),
	}
	a.Log = logger.NewWithWriter(logger.LogConfig{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		DetailedLogging: cfg.Logging.Detailed,
	}, out).With("invocation", a.Owner)

	a.Tracer, err = trace.New(trace.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		PrettyPrint: cfg.Tracing.PrettyPrint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.Tracer.Shutdown(context.Background()) })

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBroker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openSources(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	db, err := store.Open(ctx, store.Options{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout.D(),
	})
	if err != nil {
		return err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	a.Store = positions.NewStore(db, a.Log).WithFallbackCounter(a.Metrics.ScanFallback)
	a.Ledger = ledger.New(db)
	a.Locker = store.NewLocker(db, cfg.Lock.TTL.D(), a.Owner)

	a.Trades, err = journal.NewSQLite(ctx, db)
	if err != nil {
		return err
	}
	a.Journal = a.Trades
	if cfg.Journal.Type == "csv" {
		csvj, err := journal.NewCSV(cfg.Journal.TradesFile, cfg.Journal.SkipsFile)
		if err != nil {
			return err
		}
		a.Journal = csvj
		a.closers = append(a.closers, csvj.Close)
	}
	return nil
}

// openBroker loads the paper exchange from its state file and seeds quotes
// the file does not have yet.
func (a *App) openBroker(ctx context.Context) error {
	cfg := a.Config
	if cfg.Broker.Type != "" && cfg.Broker.Type != "paper" {
		return fmt.Errorf("broker type %q is not supported", cfg.Broker.Type)
	}
	a.Paper = sim.NewEngine(sim.Options{
		Currency:    cfg.Account.Currency,
		Cash:        broker.Dec(cfg.Account.Capital),
		SlippageBps: cfg.Broker.SlippageBps,
	})
	if cfg.Broker.StateFile != "" {
		if err := a.Paper.Load(cfg.Broker.StateFile); err != nil {
			return err
		}
	}
	for sym, price := range cfg.Broker.Prices {
		if _, err := a.Paper.FetchTicker(ctx, sym); err == nil {
			continue
		}
		a.Paper.Mark(sym, price, cfg.Broker.Volumes[sym])
	}
	a.Broker = brokerobs.Wrap(a.Paper, a.Tracer, a.Log)
	return nil
}

func (a *App) openSources() error {
	cfg := a.Config
	switch cfg.Signals.Source {
	case "file":
		f := signals.NewFile(cfg.Signals.File, cfg.Signals.MaxAge.D(), cfg.Signals.RRTarget)
		a.signals, a.regimes = f, f
	case "technical":
		var candles broker.CandleSource
		if cfg.Signals.Candles == "oanda" {
			candles = oanda.NewClient(cfg.Signals.OandaToken, cfg.Signals.OandaPractice).
				WithBaseURL(cfg.Signals.OandaBaseURL)
		} else if cs, ok := a.Broker.(broker.CandleSource); ok {
			candles = cs
		} else {
			return errors.New("technical signals need a broker with candles")
		}
		t := signals.NewTechnical(candles, cfg.Signals)
		a.signals, a.regimes = t, t
	default:
		a.signals, a.regimes = signals.None{}, signals.None{}
	}

	var oracle advisor.Oracle = advisor.Noop{}
	if cfg.Advisor.Provider == "openai" {
		o, err := advisor.NewOpenAI(cfg.Advisor)
		if err != nil {
			return err
		}
		oracle = o
	}
	a.advisor = advisor.Observe(oracle, a.Tracer, a.Log)
	return nil
}

// Reconciler is the service the orchestrator uses, exposed for the
// standalone reconcile command.
func (a *App) Reconciler() *reconcile.Service {
	return reconcile.NewService(a.Store, a.Ledger, a.Journal, a.Registry, a.Config.Reconcile, a.Log).
		WithMetrics(a.Metrics).
		WithLocker(a.Locker).
		WithQuoter(a.Broker)
}

// Reconcile runs one standalone pass over the configured symbols plus every
// symbol with a local record.
func (a *App) Reconcile(ctx context.Context) (reconcile.Report, error) {
	local, err := a.Store.LoadAllOpen(ctx)
	if err != nil {
		return reconcile.Report{}, err
	}
	watch := append([]string(nil), a.Config.Symbols...)
	for sym := range local {
		if !slices.Contains(watch, sym) {
			watch = append(watch, sym)
		}
	}
	slices.Sort(watch)

	live, err := a.Broker.FetchPositions(ctx, watch)
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("fetch positions: %w", err)
	}
	capital, err := a.Capital(ctx)
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("capital: %w", err)
	}
	return a.Reconciler().Run(ctx, live, local, capital)
}

func (a *App) Orchestrator() (*engine.Orchestrator, error) {
	return engine.New(a.Config, engine.Deps{
		Broker:     a.Broker,
		Store:      a.Store,
		Ledger:     a.Ledger,
		Locker:     a.Locker,
		Journal:    a.Journal,
		Reconciler: a.Reconciler(),
		Signals:    a.signals,
		Regimes:    a.regimes,
		Advisor:    a.advisor,
		Registry:   a.Registry,
		Metrics:    a.Metrics,
		Log:        a.Log,
		Tracer:     a.Tracer,
	})
}

// Capital is the configured override or the broker balance.
func (a *App) Capital(ctx context.Context) (float64, error) {
	if a.Config.Account.Capital > 0 {
		return a.Config.Account.Capital, nil
	}
	bal, err := a.Broker.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	return bal.Total.InexactFloat64(), nil
}

// Close persists the paper book, pushes metrics and releases resources in
// reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	ctx := context.Background()
	if a.Paper != nil && a.Config.Broker.StateFile != "" {
		if err := a.Paper.Save(a.Config.Broker.StateFile); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Metrics != nil {
		if err := a.Metrics.Push(ctx, a.Config.Metrics.PushgatewayURL, a.Config.Metrics.Job, a.Owner); err != nil {
			a.Log.Warn(ctx, "Failed to push metrics", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
