package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ohlcv-merge/internal/alerting"
	"ohlcv-merge/internal/cache"
	"ohlcv-merge/internal/calendar"
	"ohlcv-merge/internal/config"
	"ohlcv-merge/internal/export"
	"ohlcv-merge/internal/fetcher"
	"ohlcv-merge/internal/merge"
	"ohlcv-merge/internal/metrics"
	"ohlcv-merge/internal/scheduler"
	"ohlcv-merge/internal/service"
	"ohlcv-merge/internal/storage"
	"ohlcv-merge/internal/symbol"
	"ohlcv-merge/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; logs never go there.
	Out io.Writer

	storeOnce sync.Once
	store     *storage.Store
	storeErr  error
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// Close releases the database pool when one was opened.
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// openStore dials PostgreSQL once. It returns nil without error when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}

	a.storeOnce.Do(func() {
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			a.storeErr = err
			return
		}
		store := storage.NewStore(pool)
		if a.Config.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				a.storeErr = err
				return
			}
		}
		a.store = store
	})
	return a.store, a.storeErr
}

func (a *App) openBarSource(ctx context.Context) (fetcher.BarSource, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("database.dsn 未配置，database provider 不可用")
	}
	return store, nil
}

func (a *App) newProviders() ([]fetcher.Provider, error) {
	names := a.Config.ProviderOrder()
	providers := make([]fetcher.Provider, 0, len(names))
	for _, name := range names {
		pc := a.Config.Providers.Sources[name]
		base, err := a.newProvider(name, pc)
		if err != nil {
			return nil, err
		}

		p := fetcher.WithRateLimit(base, pc.RatePerSec, pc.Burst)
		p = fetcher.WithRetry(p, fetcher.RetryOptions{Attempts: pc.Retries + 1, Backoff: pc.RetryBackoff}, a.Logger)
		p = fetcher.WithBreaker(p, fetcher.BreakerOptions{Failures: pc.BreakerFailures, Timeout: pc.BreakerTimeout}, a.Logger)
		providers = append(providers, p)
	}
	return providers, nil
}

func (a *App) newProvider(name string, pc config.ProviderConfig) (fetcher.Provider, error) {
	switch pc.Kind {
	case config.KindHTTP, config.KindTushare:
		dialect := fetcher.DialectREST
		if pc.Kind == config.KindTushare {
			dialect = fetcher.DialectTushare
		}
		return fetcher.NewHTTP(fetcher.HTTPOptions{
			Name:        name,
			BaseURL:     pc.BaseURL,
			Dialect:     dialect,
			Token:       pc.Token,
			SymbolStyle: symbol.Style(pc.SymbolStyle),
			Timeout:     pc.Timeout,
			UserAgent:   version.UserAgent(),
		}, a.Logger), nil
	case config.KindCSV:
		return fetcher.NewCSVDir(fetcher.CSVDirOptions{Name: name, Dir: pc.Dir}, a.Logger), nil
	case config.KindDatabase:
		return fetcher.NewDatabase(fetcher.DatabaseOptions{Name: name, Timeout: pc.Timeout}, a.openBarSource, a.Logger), nil
	case config.KindStub:
		return fetcher.NewStub(fetcher.StubOptions{Name: name, Seed: pc.Seed, Bias: pc.Bias}), nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported kind %q", name, pc.Kind)
	}
}

func (a *App) newCache() *cache.Store {
	if !a.Config.Cache.Enabled {
		return nil
	}
	return cache.New(a.Config.Cache.Root, a.Logger)
}

// serviceDeps overrides parts of the service wiring.
type serviceDeps struct {
	providers []fetcher.Provider
	recorder  *metrics.Recorder
	exporter  *export.Writer
	workers   int
	noCache   bool
	noAudit   bool
}

func (a *App) newService(ctx context.Context, deps serviceDeps) (*service.Service, error) {
	cal, err := calendar.Get(a.Config.Calendar.Default)
	if err != nil {
		return nil, err
	}

	providers := deps.providers
	if providers == nil {
		if providers, err = a.newProviders(); err != nil {
			return nil, err
		}
	}
	if len(providers) == 0 {
		a.Logger.Warn().Msg("no providers configured; every query returns an empty table")
	}

	var audit storage.MergeAuditStore
	if a.Config.Database.Audit && !deps.noAudit {
		store, err := a.openStore(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("database unavailable; merge audit disabled")
		} else if store != nil {
			audit = store
		}
	}

	var store *cache.Store
	if !deps.noCache {
		store = a.newCache()
	}

	opts := service.Options{
		Providers:    providers,
		Calendar:     cal,
		DefaultVenue: a.Config.Symbols.DefaultVenue,
		Merge: merge.Options{
			Priority:               a.Config.Providers.Priority,
			ConflictTolerance:      a.Config.Merge.ConflictTolerance,
			FreshnessTolerance:     a.Config.Merge.FreshnessTolerance,
			AllowOverrideOnInvalid: a.Config.Merge.AllowOverrideOnInvalid,
		},
		FillLeading:     a.Config.Align.FillLeading,
		CacheEnabled:    store != nil,
		CacheTTL:        a.Config.Cache.TTL,
		ProviderTimeout: a.Config.Providers.Timeout,
		ExportWorkers:   a.Config.ResolveWorkers(deps.workers),
		Exporter:        deps.exporter,
	}
	return service.New(opts, store, audit, deps.recorder, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) refreshOptions() service.RefreshOptions {
	return service.RefreshOptions{
		Watchlist:    a.Config.Scheduler.Watchlist,
		LookbackDays: a.Config.Scheduler.LookbackDays,
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		AlertsOn:     a.Config.Alerting.Enabled,
		MinConflicts: a.Config.Alerting.MinConflicts,
		Channels:     a.Config.Alerting.Channels,
	}
}

// Run executes the long-running watchlist refresh service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Scheduler.Watchlist) == 0 {
		return errors.New("scheduler.watchlist 为空，无需运行")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	svc, err := a.newService(ctx, serviceDeps{recorder: rec})
	if err != nil {
		return err
	}
	cal, err := calendar.Get(a.Config.Calendar.Default)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("database unavailable; advisory lock disabled")
	}
	var locker storage.AdvisoryLocker
	if store != nil {
		locker = store
	}

	schedOpts := scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}
	if a.Config.Scheduler.SessionsOnly {
		schedOpts.Active = func(bucket time.Time) bool {
			return cal.IsSession(cal.Today(bucket))
		}
	}
	sched := scheduler.New(schedOpts, a.Logger)

	if a.Config.Metrics.Addr != "" {
		stop := a.serveMetrics(reg)
		defer stop()
	}

	refresher := service.NewRefresher(svc, sched, locker, a.newNotifier(), a.refreshOptions(), a.Logger)

	a.Logger.Info().Strs("watchlist", a.Config.Scheduler.Watchlist).Msg("starting refresh service")
	err = refresher.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("refresh service stopped")
	return nil
}

func (a *App) serveMetrics(reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
