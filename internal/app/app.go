package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ves-rates/internal/alerting"
	"ves-rates/internal/api"
	"ves-rates/internal/cache"
	"ves-rates/internal/config"
	"ves-rates/internal/events"
	"ves-rates/internal/fetcher"
	"ves-rates/internal/metrics"
	"ves-rates/internal/scheduler"
	"ves-rates/internal/service"
	"ves-rates/internal/storage"
	"ves-rates/internal/version"
)

var errDatabaseNotConfigured = errors.New("database.dsn not configured")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newAdapters() []fetcher.Adapter {
	src := a.Config.Sources
	var adapters []fetcher.Adapter

	if src.BCV.Enabled {
		adapters = append(adapters, fetcher.NewBCV(fetcher.BCVOptions{
			URL:                src.BCV.URL,
			Timeout:            src.BCV.Timeout,
			UserAgent:          src.BCV.UserAgent,
			InsecureSkipVerify: src.BCV.InsecureSkipVerify,
			Retries:            src.BCV.Retries,
		}, a.Logger))
	}
	if src.Binance.Enabled {
		adapters = append(adapters, fetcher.NewBinance(fetcher.BinanceOptions{
			URL:           src.Binance.URL,
			Timeout:       src.Binance.Timeout,
			UserAgent:     src.Binance.UserAgent,
			Retries:       src.Binance.Retries,
			Fiat:          src.Binance.Fiat,
			Asset:         src.Binance.Asset,
			Rows:          src.Binance.Rows,
			PublisherType: src.Binance.PublisherType,
			PayTypes:      src.Binance.PayTypes,
		}, a.Logger))
	}
	if src.Italcambios.Enabled {
		adapters = append(adapters, fetcher.NewItalcambios(fetcher.ItalcambiosOptions{
			URL:       src.Italcambios.URL,
			Timeout:   src.Italcambios.Timeout,
			UserAgent: src.Italcambios.UserAgent,
			Retries:   src.Italcambios.Retries,
		}, a.Logger))
	}

	return adapters
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	var notifier alerting.Notifier = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	if a.Config.Alerting.Cooldown > 0 {
		notifier = alerting.NewCooldown(notifier, a.Config.Alerting.Cooldown)
	}
	return notifier
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errDatabaseNotConfigured
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// runtime holds the wired collaborators shared by run, serve and sync.
type runtime struct {
	store     *storage.Store
	reader    storage.QuoteReader
	rates     *cache.Rates
	publisher *events.KafkaPublisher
	metrics   *metrics.SyncMetrics
	orch      *service.Orchestrator
	closers   []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (a *App) buildRuntime(ctx context.Context) (*runtime, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store, reader: store, closers: []func(){closeStore}}

	if a.Config.Metrics.Enabled {
		rt.metrics = metrics.NewSyncMetrics()
	}

	opts := service.Options{
		AdapterTimeout:  a.Config.Scheduler.AdapterTimeout,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		Metrics:         rt.metrics,
	}

	if a.Config.Redis.Enabled {
		client := cache.NewClient(a.Config.Redis)
		rt.rates = cache.NewRates(store, client, a.Config.Redis, a.Logger)
		rt.reader = rt.rates
		opts.Cache = rt.rates
		rt.closers = append(rt.closers, func() {
			if err := client.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis client")
			}
		})
		if err := rt.rates.Ping(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("redis unreachable; reads fall back to postgres")
		}
	}

	if a.Config.Kafka.Enabled {
		rt.publisher = events.NewKafkaPublisher(a.Config.Kafka)
		opts.Publisher = rt.publisher
		rt.closers = append(rt.closers, func() {
			if err := rt.publisher.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		})
	}

	if notifier := a.newNotifier(); notifier != nil {
		opts.Notifier = notifier
	}

	adapters := a.newAdapters()
	if len(adapters) == 0 {
		rt.close()
		return nil, errors.New("no rate sources enabled")
	}
	rt.orch = service.New(adapters, store, opts, a.Logger)
	return rt, nil
}

func (a *App) newHTTPServer(rt *runtime) *api.HTTPServer {
	deps := api.Deps{
		Rates:     rt.reader,
		Exchanges: rt.store,
		Syncer:    rt.orch,
		Health:    rt.store,
	}
	if rt.metrics != nil {
		deps.Metrics = rt.metrics.Handler()
	}
	server := api.NewServer(deps, a.Logger)
	router := api.NewRouter(server, a.Config.API, a.Config.Metrics.Path)
	return api.NewHTTPServer(a.Config.API, router, a.Logger)
}

// Run executes the long-running sync service: the sync and cleanup
// schedulers plus the read API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Database.MigrateOnStart {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	syncSched := scheduler.New(scheduler.Options{
		Name:         "sync",
		Interval:     a.Config.Scheduler.SyncInterval,
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		RunOnStart:   a.Config.Scheduler.RunOnStartup,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	cleanupSched := scheduler.New(scheduler.Options{
		Name:         "cleanup",
		Interval:     a.Config.Scheduler.CleanupInterval,
		AlignToStart: true,
		Offset:       a.Config.Scheduler.CleanupOffset,
	}, a.Logger)

	httpServer := a.newHTTPServer(rt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncSched.Run(gctx, rt.orch.SyncTick)
	})
	g.Go(func() error {
		return cleanupSched.Run(gctx, rt.orch.CleanupTick(a.Config.Scheduler.RetentionDays))
	})
	g.Go(func() error {
		return httpServer.Run(gctx)
	})

	a.Logger.Info().
		Str("version", version.Version).
		Dur("sync_interval", a.Config.Scheduler.SyncInterval).
		Dur("cleanup_interval", a.Config.Scheduler.CleanupInterval).
		Int("retention_days", a.Config.Scheduler.RetentionDays).
		Msg("starting rate sync service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate sync service stopped")
	return nil
}

// Serve runs the read API without the schedulers.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	return a.newHTTPServer(rt).Run(ctx)
}

// Cleanup deletes history older than days, falling back to the configured retention.
func (a *App) Cleanup(ctx context.Context, days int) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	days = a.Config.ResolveRetentionDays(days)
	orch := service.New(nil, store, service.Options{}, a.Logger)
	_, err = orch.Cleanup(ctx, days)
	return err
}

// Migrate applies the schema and seeds the exchanges registry.
func (a *App) Migrate(ctx context.Context) error {
	if err := storage.Migrate(ctx, a.Config.Database.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	seeded, err := store.SeedExchanges(ctx)
	if err != nil {
		return fmt.Errorf("seed exchanges: %w", err)
	}
	a.Logger.Info().Int64("seeded_exchanges", seeded).Msg("schema up to date")
	return nil
}

// ExportOptions hold parameters for exporting a market's history.
type ExportOptions struct {
	ExchangeCode string
	CurrencyPair string
	From         *time.Time
	To           *time.Time
	PNGPath      string
	CSVPath      string
	MaxPoints    int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	ExchangeCode string
	CurrencyPair string
	Days         int
	Interval     storage.Interval
}

// SyncOptions configure a one-off sync.
type SyncOptions struct {
	DryRun bool
}
