package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daimoniac/vulnhash/internal/api"
	"github.com/daimoniac/vulnhash/internal/config"
	"github.com/daimoniac/vulnhash/internal/observability"
	"github.com/daimoniac/vulnhash/internal/scheduler"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lookup API with periodic feed synchronization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger := observability.NewLogger(cfg.Observability.LogLevel)
	logger.Info("starting vulnhash",
		"version", version,
		"home", cfg.Home,
		"log_level", cfg.Observability.LogLevel)

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.RegisterComponent(observability.ComponentDatabase, true)
	healthChecker.RegisterComponent(observability.ComponentFeed, false)

	obsServer := observability.NewServer(
		cfg.Observability.MetricsPort,
		cfg.Observability.HealthCheckPort,
		logger,
		healthChecker,
	)

	go func() {
		if err := obsServer.Start(ctx); err != nil {
			logger.Error("observability server error",
				"error", err.Error())
		}
	}()

	logger.Debug("observability server started",
		"metrics_port", cfg.Observability.MetricsPort,
		"health_port", cfg.Observability.HealthCheckPort)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		healthChecker.UpdateComponentHealth(observability.ComponentDatabase, observability.StatusUnhealthy, err.Error())
		return err
	}
	defer a.Close()
	healthChecker.UpdateComponentHealth(observability.ComponentDatabase, observability.StatusHealthy, "")

	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	err = a.feed.Ping(pingCtx)
	cancelPing()
	if err != nil {
		healthChecker.UpdateComponentHealth(observability.ComponentFeed, observability.StatusUnhealthy, err.Error())
		logger.Warn("vulnerability feed not reachable",
			"uri", cfg.Feed.ServiceURI,
			"error", err.Error())
	} else {
		healthChecker.UpdateComponentHealth(observability.ComponentFeed, observability.StatusHealthy, "")
	}

	observability.RegisterDatabaseCollector(a.store, a.cache, cfg.Tolerations, logger)
	go healthChecker.StartPeriodicChecks(ctx, 30*time.Second, map[string]observability.HealthCheckFunc{
		observability.ComponentDatabase: a.store.Ping,
	})

	sched := scheduler.NewScheduler(a.engine, healthChecker, scheduler.Config{
		Interval:    cfg.Sync.Interval,
		Tolerations: cfg.Tolerations,
	}, logger)

	var apiServer *api.APIServer
	if cfg.API.Enabled {
		logger.Debug("initializing API server",
			"port", cfg.API.Port,
			"read_only", cfg.API.ReadOnly)
		apiServer = api.NewAPIServer(&cfg.API, a.engine, a.policy, cfg.Tolerations, logger)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("starting sync scheduler",
			"interval", cfg.Sync.Interval)
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("sync scheduler error",
				"error", err.Error())
			errChan <- fmt.Errorf("sync scheduler error: %w", err)
		}
		logger.Debug("sync scheduler stopped")
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("API server listening",
				"port", cfg.API.Port)
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("API server error",
					"error", err.Error())
				errChan <- fmt.Errorf("API server error: %w", err)
			}
			logger.Debug("API server stopped")
		}()
	}

	logger.Info("all components started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errChan:
		logger.Error("component error, initiating shutdown",
			"error", runErr.Error())
		cancel()
	}

	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down observability server",
			"error", err.Error())
	}

	logger.Info("shutdown complete")
	return runErr
}
