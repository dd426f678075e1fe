package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/daimoniac/vulnhash/internal/cache"
	"github.com/daimoniac/vulnhash/internal/config"
	"github.com/daimoniac/vulnhash/internal/engine"
	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/feed"
	"github.com/daimoniac/vulnhash/internal/policy"
	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/daimoniac/vulnhash/internal/syncer"
)

// app holds the components shared by every command
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *statestore.SQLStore
	cache  *cache.ResultCache
	feed   *feed.Client
	engine *engine.Engine
	policy *policy.Engine
}

// newApp opens the store and wires the engine from cfg
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, errors.NewConfigurationf("home", "cannot create %s: %w", cfg.Home, err)
	}

	logger.Debug("initializing vulnerability store",
		"driver", cfg.Database.Driver,
		"home", cfg.Home)
	store, err := statestore.DefaultRegistry().Open(ctx, statestore.Settings{
		Backend: cfg.Database.Driver,
		Target:  cfg.Database.URL,
		Home:    cfg.Home,
		Credentials: statestore.Credentials{
			User:     cfg.Database.User,
			Password: cfg.Database.Pass,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vulnerability store: %w", err)
	}

	rc, err := cache.New(cfg.Home, cfg.Cache.Purge, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open result cache: %w", err)
	}

	client, err := feed.NewClient(feed.Config{
		BaseURI:   cfg.Feed.ServiceURI,
		Entry:     cfg.Feed.Entry,
		Timeout:   cfg.Feed.Timeout,
		UserAgent: "vulnhash/" + version,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := syncer.New(client, store, rc, syncer.NewCursor(cfg.Home, cfg.Sync.Force), syncer.Config{
		RetryAttempts: cfg.Sync.RetryAttempts,
		RetryBackoff:  cfg.Sync.RetryBackoff,
	}, logger)

	policyEngine, err := policy.NewEngine(logger, policy.PolicyConfig{
		Expression:     cfg.Policy.Expression,
		FailureMessage: cfg.Policy.FailureMessage,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	logger.Debug("policy engine initialized",
		"expression", policyEngine.Expression())

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		cache:  rc,
		feed:   client,
		engine: engine.New(store, rc, s, logger),
		policy: policyEngine,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing vulnerability store",
			"error", err.Error())
	}
}
