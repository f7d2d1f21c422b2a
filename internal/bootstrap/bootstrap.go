// Package bootstrap assembles the prediction service and its optional
// collaborators from configuration. Every binary starts here.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mediguard-intake/internal/config"
	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/history"
	"github.com/mediguard-intake/internal/intake"
	"github.com/mediguard-intake/internal/logging"
	"github.com/mediguard-intake/internal/metrics"
	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/internal/service"
	"github.com/mediguard-intake/pkg/backend"
)

// App holds the assembled components
type App struct {
	Config   *domain.Config
	Logger   *logrus.Logger
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Backend  *backend.Client
	Service  *service.PredictionService
}

// LoadConfig reads configuration from path, or from the default search
// paths when path is empty, and validates it
func LoadConfig(path string) (*config.Manager, error) {
	var (
		manager *config.Manager
		err     error
	)
	if path != "" {
		manager, err = config.NewManagerFromFile(path)
	} else {
		manager, err = config.NewManager()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return manager, nil
}

// NewLogger builds the configured logger. A non-empty output overrides
// the configured destination.
func NewLogger(cfg domain.LoggingConfig, output string) (*logrus.Logger, error) {
	if output != "" {
		cfg.Output = output
	}
	return logging.New(cfg)
}

// Build connects the backend client, cache and history store and wraps
// them in a PredictionService. An unreachable Redis disables the
// distributed cache tier instead of failing startup.
func Build(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*App, error) {
	m := metrics.New()
	reg := registry.Default()
	client := backend.NewClient(cfg.Backend, logger)

	var cache *backend.CacheClient
	if cfg.Cache.Enabled && cfg.Cache.RedisURL != "" {
		c, err := backend.NewCacheClient(cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing with the in-memory cache only")
		} else {
			cache = c
		}
	}

	store, err := history.Open(ctx, cfg.History, cfg.Database, logger)
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		return nil, fmt.Errorf("failed to open prediction history: %w", err)
	}

	memorySize := 0
	if cfg.Cache.Enabled {
		memorySize = cfg.Cache.MemorySize
	}

	opts := service.Options{
		MemoryCacheSize: memorySize,
		CacheTTL:        cfg.Cache.DefaultTTL,
		Cache:           cache,
		History:         store,
		Metrics:         m,
		Registry:        reg,
	}

	svc, err := service.NewPredictionService(client, logger, opts)
	if err != nil {
		if store != nil {
			store.Close()
		}
		if cache != nil {
			cache.Close()
		}
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  m,
		Backend:  client,
		Service:  svc,
	}, nil
}

// NewController starts a fresh intake session for userID
func (a *App) NewController(userID string) (*intake.Controller, error) {
	return intake.New(userID, a.Service, a.Service, a.Logger, a.IntakeOptions())
}

// IntakeOptions maps the intake configuration onto controller options
func (a *App) IntakeOptions() intake.Options {
	return intake.Options{
		Registry:             a.Registry,
		MinExtractedFeatures: a.Config.Intake.MinExtractedFeatures,
		OperationTimeout:     a.Config.Intake.OperationTimeout,
	}
}

// Close releases the cache and history
func (a *App) Close() error {
	return a.Service.Close()
}
