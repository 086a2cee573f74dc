// Package app wires the application components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pulsecast/pulsecast/internal/api"
	"github.com/pulsecast/pulsecast/internal/backoff"
	"github.com/pulsecast/pulsecast/internal/campaign"
	"github.com/pulsecast/pulsecast/internal/config"
	"github.com/pulsecast/pulsecast/internal/db"
	"github.com/pulsecast/pulsecast/internal/dispatch"
	"github.com/pulsecast/pulsecast/internal/gateway"
	"github.com/pulsecast/pulsecast/internal/metrics"
	"github.com/pulsecast/pulsecast/internal/ratelimit"
	"github.com/pulsecast/pulsecast/internal/repository"
)

// App is the main application
type App struct {
	config        *config.Config
	database      *db.DB
	quotaDB       *bolt.DB
	limiter       *ratelimit.Limiter
	campaigns     *campaign.Service
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	quotaDB, err := bolt.Open(cfg.Storage.QuotaPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quota store: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(quotaDB, ratelimit.Config{
		FlushInterval: cfg.RateLimit.FlushInterval,
		Retention:     cfg.RateLimit.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	m := metrics.New()
	metrics.SetGlobal(m)

	bo := backoff.NewController(backoff.Config{
		Initial:        cfg.Backoff.Initial,
		Factor:         cfg.Backoff.Factor,
		Max:            cfg.Backoff.Max,
		PauseThreshold: cfg.Backoff.PauseThreshold,
	})

	sender := gateway.NewSimulated(gateway.SimulatedConfig{
		SimulateErrors:   cfg.Gateway.SimulateErrors,
		ErrorProbability: cfg.Gateway.ErrorProbability,
		Latency:          cfg.Gateway.Latency,
		RatePerSec:       cfg.Gateway.RatePerSec,
	}, logger)

	sessions := repository.NewSessionRepository(database.DB)
	campaigns := campaign.NewService(
		repository.NewCampaignRepository(database.DB),
		repository.NewMemberRepository(database.DB),
		repository.NewSendRepository(database.DB),
		sessions,
		sender,
		limiter,
		bo,
		dispatch.RunnerConfig{
			SendTimeout:  cfg.Dispatch.SendTimeout,
			MaxDeferrals: cfg.Dispatch.MaxDeferrals,
		},
		logger,
	)

	apiServer := api.NewServer(campaigns, sessions, limiter, &cfg.API, logger.With("component", "api"))

	a := &App{
		config:    cfg,
		database:  database,
		quotaDB:   quotaDB,
		limiter:   limiter,
		campaigns: campaigns,
		apiServer: apiServer,
		logger:    logger,
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
	}

	return a, nil
}

// Run starts all components and blocks until a shutdown signal
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting pulsecast",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Pause running campaigns first so no new sends start
	a.campaigns.Shutdown()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.limiter.Stop()
	if err := a.quotaDB.Close(); err != nil {
		a.logger.Error("quota store close error", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

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
