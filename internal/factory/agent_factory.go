package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/config"
	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/observability"
	"github.com/ChamsBouzaiene/analyst/internal/providers"
	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// App is everything the commands need, wired from one Config.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Gateway *providers.Gateway
	Runner  sandbox.Runner
	Analyst *engine.Analyst
}

// BuildGateway creates the provider gateway from configuration.
func BuildGateway(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*providers.Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ps, err := providers.NewProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Providers {
		if p.Credential == "" {
			logger.Warn("provider has no credential, it will be skipped", zap.String("provider", p.Name))
		}
	}
	return providers.NewGateway(ps, cfg.RetryPolicy(),
		providers.WithGatewayLogger(logger.Named("gateway")),
		providers.WithGatewayMetrics(metrics),
	), nil
}

// BuildAnalyst creates a fully configured Analyst: gateway, sandbox runner
// (docker or host per sandbox.mode) and the logging, metrics and journal hooks.
// extraHooks are appended after the built-in ones.
func BuildAnalyst(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics, extraHooks ...engine.Hook) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gw, err := BuildGateway(cfg, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	sc, err := cfg.SandboxRuntime()
	if err != nil {
		return nil, err
	}
	runner, err := sandbox.NewRunner(ctx, sc, logger.Named("sandbox"))
	if err != nil {
		return nil, fmt.Errorf("build sandbox runner: %w", err)
	}
	manager := sandbox.NewManager(runner, sc, logger.Named("sandbox"))

	hooks := []engine.Hook{
		engine.NewLoggerHook(logger.Named("analysis")),
		engine.NewJournalHook(logger.Named("journal")),
	}
	if metrics != nil {
		hooks = append(hooks, engine.MetricsHook{M: metrics})
	}
	hooks = append(hooks, extraHooks...)

	analyst := engine.NewAnalyst(gw, engine.ManagerFactory(manager), cfg.EngineConfig(),
		engine.WithLogger(logger.Named("engine")),
		engine.WithHooks(hooks...),
	)

	logger.Info("analyst ready",
		zap.Strings("providers", gw.Providers()),
		zap.String("sandbox", runner.Name()),
		zap.String("output_dir", cfg.OutputDir),
	)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Gateway: gw,
		Runner:  runner,
		Analyst: analyst,
	}, nil
}
