package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/usage-governor/internal/api"
	"github.com/NikhilSetiya/usage-governor/internal/cache"
	"github.com/NikhilSetiya/usage-governor/internal/database"
	"github.com/NikhilSetiya/usage-governor/internal/governor"
	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/alerting"
	"github.com/NikhilSetiya/usage-governor/pkg/config"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

// App is the wired usage governor: the ledger, the monitor, the governor
// that charges through them and the ops API in front of them.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
	Ledger   *ledger.Ledger
	Breakers *resilience.BreakerSet
	Notifier *alerting.Service
	Monitor  *monitoring.Service
	Governor *governor.Governor
	Router   *gin.Engine
	Checks   map[string]api.HealthChecker

	alertLogger *zap.Logger
	collector   *metrics.MetricsCollector
	stop        context.CancelFunc
	closers     []func() error
}

// Option configures New
type Option func(*App)

// WithLogger replaces the logger built from the logging config
func WithLogger(logger *logging.Logger) Option {
	return func(a *App) { a.Logger = logger }
}

// WithAlertLogger replaces the zap logger used by alert channels
func WithAlertLogger(logger *zap.Logger) Option {
	return func(a *App) { a.alertLogger = logger }
}

// New connects the configured stores and wires every service. Call
// Shutdown to release connections even when Start is never called.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config: cfg,
		Checks: make(map[string]api.HealthChecker),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initObservability(); err != nil {
		return nil, err
	}

	store, costs, costCache, collect, err := a.initStores()
	if err != nil {
		a.closeAll()
		return nil, err
	}

	ledgerConfig := ledger.DefaultConfig()
	ledgerConfig.WelcomeBonus = cfg.Ledger.WelcomeBonus
	a.Ledger = ledger.New(store.tokens, costs,
		ledger.WithConfig(ledgerConfig),
		ledger.WithUnlimitedResolver(store.unlimited),
		ledger.WithLogger(a.Logger),
		ledger.WithMetrics(a.Metrics),
		ledger.WithTracer(a.Tracer),
	)

	a.Breakers = resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig("provider"), cfg.Monitoring.Providers...)

	a.Notifier = alerting.NewService(a.alertLogger, alerting.DefaultConfig())
	a.Notifier.AddChannel(alerting.NewLogChannel(a.alertLogger))
	if cfg.Alerting.SlackWebhookURL != "" {
		a.Notifier.AddChannel(alerting.NewSlackChannel(cfg.Alerting.SlackWebhookURL, cfg.Alerting.SlackChannel, a.alertLogger))
	}
	if cfg.Alerting.WebhookURL != "" {
		a.Notifier.AddChannel(alerting.NewWebhookChannel(cfg.Alerting.WebhookURL, nil))
	}

	monitorConfig, err := monitoringConfig(cfg)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.Monitor = monitoring.NewService(monitorConfig,
		monitoring.WithLogger(a.Logger),
		monitoring.WithMetrics(a.Metrics),
		monitoring.WithNotifier(a.Notifier),
		monitoring.WithProviderAvailability(a.Breakers),
	)

	providers := cfg.Monitoring.Providers
	defaultProvider := "default"
	if len(providers) > 0 {
		defaultProvider = providers[0]
	}
	a.Governor = governor.New(a.Ledger, a.Monitor,
		governor.WithConfig(&governor.Config{
			DefaultProvider: defaultProvider,
			RetryPolicy: resilience.RetryPolicy{
				MaxAttempts:       cfg.Retry.MaxAttempts,
				InitialDelay:      cfg.Retry.InitialDelay,
				MaxDelay:          cfg.Retry.MaxDelay,
				BackoffMultiplier: cfg.Retry.BackoffMultiplier,
				Jitter:            true,
			},
		}),
		governor.WithBreakers(a.Breakers),
		governor.WithLogger(a.Logger),
		governor.WithMetrics(a.Metrics),
		governor.WithTracer(a.Tracer),
	)

	a.collector = metrics.NewMetricsCollector(a.Metrics, 15*time.Second, collect...)

	deps := api.Dependencies{
		Config:   cfg,
		Ledger:   a.Ledger,
		Monitor:  a.Monitor,
		Checks:   a.Checks,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
		Tracer:   a.Tracer,
		Breakers: a.Breakers,
	}
	if costCache != nil {
		deps.CostCache = costCache
	}
	a.Router = api.NewRouter(deps)

	return a, nil
}

func (a *App) initObservability() error {
	cfg := a.Config

	if a.Logger == nil {
		logger, err := logging.NewLogger(&logging.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Output:      cfg.Logging.Output,
			ServiceName: "usage-governor",
			Version:     api.Version,
		})
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		a.Logger = logger
	}

	if a.alertLogger == nil {
		alertLogger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("failed to create alert logger: %w", err)
		}
		a.alertLogger = alertLogger
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	}, a.Registry)

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "usage-governor",
		ServiceVersion: api.Version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.Tracer = tracer
	return nil
}

type ledgerStores struct {
	tokens    ledger.Store
	unlimited ledger.UnlimitedResolver
}

func (a *App) initStores() (ledgerStores, ledger.FeatureCostSource, *cache.FeatureCostCache, []metrics.CollectFunc, error) {
	cfg := a.Config

	var (
		stores  ledgerStores
		costs   ledger.FeatureCostSource
		lister  cache.FeatureCostLister
		collect []metrics.CollectFunc
	)

	switch cfg.Ledger.StoreDriver {
	case "postgres":
		db, err := database.New(&cfg.Database)
		if err != nil {
			return stores, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		db.SetMetrics(a.Metrics)
		db.SetTracer(a.Tracer)
		db.SetLogger(a.Logger)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.Health(ctx)
		cancel()
		if err != nil {
			return stores, nil, nil, nil, fmt.Errorf("database health check failed: %w", err)
		}

		migrator, err := database.NewMigrator(&cfg.Database)
		if err != nil {
			return stores, nil, nil, nil, fmt.Errorf("failed to create migrator: %w", err)
		}
		err = migrator.Up()
		migrator.Close()
		if err != nil {
			return stores, nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		repos := database.NewRepositories(db)
		stores = ledgerStores{tokens: repos.Tokens, unlimited: repos.Entitlements}
		costs = repos.FeatureCosts
		lister = repos.FeatureCosts
		a.Checks["database"] = db
		collect = append(collect, db.CollectStats)

		a.Logger.Info("Database connection established", "host", cfg.Database.Host, "name", cfg.Database.Name)
	default:
		stores = ledgerStores{tokens: ledger.NewMemoryStore(), unlimited: ledger.StaticUnlimited{}}
		costs = ledger.StaticFeatureCosts(cfg.Ledger.FeatureCosts)
		a.Logger.Warn("Using in-memory ledger store; balances are lost on restart")
	}

	if !cfg.Redis.Enabled {
		return stores, costs, nil, collect, nil
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return stores, nil, nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.closers = append(a.closers, redisClient.Close)

	cacheConfig := cache.DefaultConfig()
	cacheConfig.FeatureCostTTL = cfg.Redis.FeatureCostTTL
	costCache := cache.NewFeatureCostCache(cache.NewService(redisClient.Client(), cacheConfig), costs, a.Logger, a.Metrics)
	costCache.SetTracer(a.Tracer)

	if lister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if warmed, err := costCache.Warm(ctx, lister); err != nil {
			a.Logger.WithError(err).Warn("Feature cost cache warm-up failed")
		} else {
			a.Logger.Info("Feature cost cache warmed", "features", warmed)
		}
		cancel()
	}

	a.Checks["redis"] = redisClient
	a.Logger.Info("Redis connection established", "addr", cfg.RedisAddr())
	return stores, costCache, costCache, collect, nil
}

func monitoringConfig(cfg *config.Config) (*monitoring.Config, error) {
	location, err := time.LoadLocation(cfg.Monitoring.ResetLocation)
	if err != nil {
		return nil, fmt.Errorf("invalid monitoring reset location: %w", err)
	}

	monitorConfig := monitoring.DefaultConfig()
	monitorConfig.DailyBudget = cfg.Monitoring.DailyBudget
	monitorConfig.Location = location
	monitorConfig.DedupWindow = cfg.Monitoring.AlertDedupWindow
	monitorConfig.ErrorThreshold = int64(cfg.Monitoring.ErrorAlertThreshold)
	monitorConfig.SlowResponseThreshold = cfg.Monitoring.SlowResponseThreshold
	monitorConfig.Providers = cfg.Monitoring.Providers
	return monitorConfig, nil
}

// Start launches the monitor's periodic checks and the metrics collector.
// Both stop when ctx is done or Shutdown is called.
func (a *App) Start(ctx context.Context) error {
	if a.stop != nil {
		return fmt.Errorf("usage governor is already started")
	}

	ctx, stop := context.WithCancel(ctx)
	if err := a.Monitor.Start(ctx); err != nil {
		stop()
		return fmt.Errorf("failed to start monitoring: %w", err)
	}
	a.stop = stop
	go a.collector.Start(ctx)
	return nil
}

// Shutdown stops background work, waits for in-flight alerts, flushes
// traces and closes store connections. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	if a.stop != nil {
		a.collector.Stop()
		if err := a.Monitor.Stop(); err != nil {
			a.Logger.WithError(err).Warn("Monitoring did not stop cleanly")
		}
		a.stop()
		a.stop = nil
	}
	a.Notifier.Wait()

	var firstErr error
	if err := a.Tracer.Shutdown(ctx); err != nil {
		a.Logger.WithError(err).Warn("Failed to flush traces")
		firstErr = err
	}
	if err := a.closeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = a.alertLogger.Sync()
	return firstErr
}

func (a *App) closeAll() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
