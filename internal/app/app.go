package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/zapcast/internal/api"
	"github.com/foxzi/zapcast/internal/campaign"
	"github.com/foxzi/zapcast/internal/config"
	"github.com/foxzi/zapcast/internal/db"
	"github.com/foxzi/zapcast/internal/dispatcher"
	"github.com/foxzi/zapcast/internal/guard"
	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/provider"
	"github.com/foxzi/zapcast/internal/queue"
	"github.com/foxzi/zapcast/internal/ratelimit"
	"github.com/foxzi/zapcast/internal/repository"
	"github.com/foxzi/zapcast/internal/scheduler"
	"github.com/foxzi/zapcast/internal/stats"
	"github.com/foxzi/zapcast/internal/tracker"
	"github.com/foxzi/zapcast/internal/webhook"
)

// Version is set at build time
var Version = "dev"

// App is the main application
type App struct {
	config        *config.Config
	db            *db.DB
	storage       *queue.BoltStorage
	processor     *queue.Processor
	cleaner       *queue.Cleaner
	rateLimiter   *ratelimit.Limiter
	scheduler     *scheduler.Scheduler
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging).With("instance", cfg.Server.Name)

	// Relational store
	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	repos := repository.New(database.DB)

	// Job queue storage
	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:  cfg,
		db:      database,
		storage: storage,
		logger:  logger,
	}

	// Metrics are global so deep call sites can record without plumbing
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(storage.DB(), m, storage, cfg.Queue.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	// Create rate limiter if enabled
	var limiter dispatcher.Limiter
	if cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(storage.DB(), rateLimitConfig(cfg.RateLimit))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		limiter = a.rateLimiter
		logger.Info("rate limiting enabled", "per_second", cfg.RateLimit.PerSecond)
	}

	resolver := provider.NewResolver(repos.Connections, provider.Defaults{
		CloudBaseURL:    cfg.Providers.Cloud.BaseURL,
		CloudAPIVersion: cfg.Providers.Cloud.APIVersion,
		CloudTimeout:    cfg.Providers.Cloud.Timeout,
		InstanceBaseURL: cfg.Providers.Instance.BaseURL,
		InstanceTimeout: cfg.Providers.Instance.Timeout,
	})

	checker := guard.New(guard.Policy{RequireOptIn: cfg.Dispatch.RequireOptIn}, repos.Contacts, repos.Conversations)

	disp := dispatcher.New(
		repos.Campaigns,
		repos.Messages,
		dispatcher.NewContactSource(repos.Contacts),
		checker,
		resolver,
		limiter,
		dispatcher.Config{
			MaxAttempts:  cfg.Dispatch.MaxAttempts,
			RetryBackoff: cfg.Dispatch.RetryBackoff,
			MaxBackoff:   cfg.Dispatch.MaxBackoff,
			SendTimeout:  cfg.Dispatch.SendTimeout,
		},
		logger,
	)

	// Create queue processor; dispatch runs until the campaign ends or pauses
	a.processor = queue.NewProcessor(
		storage,
		queue.ProcessorConfig{
			Workers:         cfg.Queue.Workers,
			RetryInterval:   cfg.Queue.RetryInterval,
			MaxRetries:      cfg.Queue.MaxRetries,
			ProcessInterval: cfg.Queue.ProcessInterval,
		},
		dispatcher.IsRetryable,
		logger.With("component", "processor"),
	)
	a.processor.Subscribe(dispatcher.JobType, disp.Handle, 0)

	a.cleaner = queue.NewCleaner(storage, queue.CleanerConfig{
		DoneMaxAge:   cfg.Retention.DoneMaxAge,
		DoneInterval: cfg.Retention.CleanupInterval,
		DLQMaxAge:    cfg.DLQ.MaxAge,
		DLQMaxCount:  cfg.DLQ.MaxCount,
		DLQInterval:  cfg.DLQ.CleanupInterval,
	}, logger.With("component", "cleaner"))

	campaigns := campaign.NewService(
		repos.Campaigns,
		repos.Messages,
		stats.New(repos.Campaigns, repos.Messages),
		a.processor,
		logger,
	)

	if cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(campaigns, cfg.Scheduler.Spec, logger)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	hooks := webhook.New(
		repos.Connections,
		resolver,
		tracker.New(repos.Messages, logger),
		repos.Contacts,
		repos.Conversations,
		webhook.Config{
			SessionWindow:  cfg.Dispatch.SessionWindow,
			OptOutKeywords: cfg.Webhook.OptOutKeywords,
			OptInKeywords:  cfg.Webhook.OptInKeywords,
			MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
		},
		logger,
	)

	deps := api.Deps{
		Campaigns:   campaigns,
		Contacts:    repos.Contacts,
		Connections: repos.Connections,
		Queue:       storage,
		Webhooks:    hooks.Routes(),
	}
	if a.rateLimiter != nil {
		deps.RateLimits = a.rateLimiter
	}

	a.apiServer, err = api.NewServer(deps, &cfg.API, Version, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting zapcast",
		"version", Version,
		"api_addr", a.config.API.ListenAddr,
		"database", a.config.Database.Driver,
		"queue", a.config.Queue.Path,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Jobs left running by a crash are picked up again
	recovered, err := a.storage.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover running jobs: %w", err)
	}
	if recovered > 0 {
		a.logger.Info("recovered interrupted jobs", "count", recovered)
	}

	// Start queue processor
	a.processor.Start(ctx)
	a.cleaner.Start(ctx)

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// Stop processor (in-flight dispatches leave their rows pending)
	a.processor.Stop()
	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases stores in reverse order of creation
func (a *App) close() {
	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

func rateLimitConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	rl := &ratelimit.Config{
		PerSecond:     cfg.PerSecond,
		Burst:         cfg.Burst,
		FlushInterval: cfg.FlushInterval,
	}
	limit := func(v *config.LimitValues) *ratelimit.LimitConfig {
		if v == nil {
			return nil
		}
		return &ratelimit.LimitConfig{MessagesPerHour: v.MessagesPerHour, MessagesPerDay: v.MessagesPerDay}
	}
	rl.Global = limit(cfg.Global)
	rl.DefaultTenant = limit(cfg.DefaultTenant)
	rl.DefaultConnection = limit(cfg.DefaultConnection)
	return rl
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
