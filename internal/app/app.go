// Package app provides the application lifecycle management for the
// gopost service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/gopost/internal/api"
	"github.com/jonesrussell/gopost/internal/config"
	"github.com/jonesrussell/gopost/internal/dedup"
	"github.com/jonesrussell/gopost/internal/logger"
	"github.com/jonesrussell/gopost/internal/metrics"
	"github.com/jonesrussell/gopost/internal/orchestrator"
	"github.com/jonesrussell/gopost/internal/publish"
	"github.com/jonesrussell/gopost/internal/quota"
	"github.com/jonesrussell/gopost/internal/review"
	"github.com/jonesrussell/gopost/internal/schedule"
	"github.com/jonesrussell/gopost/internal/store"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second

	redisPingTimeout = 5 * time.Second
)

// App represents the gopost application with all its dependencies
type App struct {
	config       *config.Config
	logger       logger.Logger
	redisClient  redis.UniversalClient
	db           *sqlx.DB
	repo         *store.ContentRepository
	orchestrator *orchestrator.Orchestrator
	httpServer   *http.Server
	version      string
	configPath   string
}

// Options contains configuration for creating a new App
type Options struct {
	ConfigPath string
	Version    string

	// Adapters override the platform adapter set. When empty the app
	// registers dry-run adapters for every configured platform, which is
	// also what Service.DryRun forces regardless of this field.
	Adapters []publish.Adapter
}

// New creates a new App instance with all dependencies initialized
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	appLogger = appLogger.With(
		logger.String("service", "gopost"),
		logger.String("version", opts.Version),
	)

	// Redis is shared between the dedup guard and the quota tracker
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to Redis: %w", pingErr)
	}

	db, err := store.NewPostgresConnection(store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	repo := store.NewContentRepository(db)
	loc := cfg.Location()

	guard := dedup.NewGuard(redisClient, cfg.Service.DedupWindow, appLogger)
	tracker := quota.NewTracker(redisClient, loc, appLogger)
	scheduler := schedule.New(loc, cfg.Service.LeadOffset, cfg.Service.Jitter)

	executor := publish.NewExecutor(
		resolveAdapters(cfg, opts.Adapters),
		repo,
		publish.Config{
			MaxAttempts: cfg.Publish.MaxAttempts,
			BackoffBase: cfg.Publish.BackoffBase,
			BackoffCap:  cfg.Publish.BackoffCap,
		},
		appLogger,
	)

	gate := review.NewGate(cfg.Review.Timeout, review.Policy(cfg.Review.Policy))
	appMetrics := metrics.New(prometheus.DefaultRegisterer)

	orch := orchestrator.New(orchestrator.Options{
		Store:         repo,
		Guard:         guard,
		Quota:         tracker,
		Scheduler:     scheduler,
		Executor:      executor,
		Gate:          gate,
		Metrics:       appMetrics,
		Logger:        appLogger,
		Platforms:     cfg.Platforms,
		ReviewEnabled: cfg.Review.Enabled,
		QuotaMaxWait:  cfg.Service.QuotaMaxWait,
		CycleInterval: cfg.Service.CycleInterval,
	})

	router := api.NewRouter(repo, redisClient, orch, cfg, appLogger)

	return &App{
		config:       cfg,
		logger:       appLogger,
		redisClient:  redisClient,
		db:           db,
		repo:         repo,
		orchestrator: orch,
		httpServer:   router.NewServer(),
		version:      opts.Version,
		configPath:   opts.ConfigPath,
	}, nil
}

// resolveAdapters returns the adapter set the executor publishes through.
// Dry-run mode replaces whatever was supplied; otherwise missing adapters
// fall back to dry-run so a half-configured deployment degrades loudly in
// logs instead of failing every item.
func resolveAdapters(cfg *config.Config, supplied []publish.Adapter) []publish.Adapter {
	if !cfg.Service.DryRun && len(supplied) > 0 {
		return supplied
	}

	adapters := make([]publish.Adapter, 0, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		adapters = append(adapters, publish.NewDryRunAdapter(p.Name, p.MaxPerDay))
	}
	return adapters
}

// Run starts the orchestrator and the HTTP API and blocks until a
// shutdown signal arrives or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting gopost",
		logger.String("config_path", a.configPath),
		logger.Bool("debug", a.config.Debug),
		logger.Bool("dry_run", a.config.Service.DryRun),
		logger.Bool("review_enabled", a.config.Review.Enabled),
	)

	a.orchestrator.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening",
			logger.String("address", a.config.Server.Address))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	return a.waitForShutdown(serverErr)
}

// RunOnce executes a single orchestrator cycle and returns. Intended for
// cron-style deployments and smoke testing.
func (a *App) RunOnce(ctx context.Context) error {
	a.logger.Info("running single cycle",
		logger.String("config_path", a.configPath))
	a.orchestrator.RunCycle(ctx)
	return nil
}

// RunAPI serves only the HTTP API, without the orchestrator loop.
func (a *App) RunAPI(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening",
			logger.String("address", a.config.Server.Address))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	return a.waitForShutdown(serverErr)
}

// waitForShutdown handles graceful shutdown
func (a *App) waitForShutdown(serverErr chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdownErr error

	select {
	case sig := <-sigChan:
		a.logger.Info("shutting down gracefully",
			logger.String("signal", sig.String()))
	case err := <-serverErr:
		a.logger.Error("HTTP server error", logger.Error(err))
		shutdownErr = err
	}

	// Stop the cycle loop first; in-flight publish attempts complete.
	a.orchestrator.Stop()
	a.shutdownHTTPServer()

	a.logger.Info("service stopped")
	return shutdownErr
}

// shutdownHTTPServer gracefully shuts down the HTTP server
func (a *App) shutdownHTTPServer() {
	if a.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown error", logger.Error(err))
	} else {
		a.logger.Info("HTTP server stopped")
	}
}

// Close cleans up resources
func (a *App) Close() error {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", logger.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close Redis client", logger.Error(err))
		}
	}
	return a.logger.Sync()
}

// Logger returns the application logger
func (a *App) Logger() logger.Logger {
	return a.logger
}
