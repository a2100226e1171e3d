package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/config"
	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/factory"
	"github.com/ChamsBouzaiene/analyst/internal/logging"
	"github.com/ChamsBouzaiene/analyst/internal/observability"
	"github.com/ChamsBouzaiene/analyst/internal/version"
)

// Options holds global CLI options.
type Options struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCmd constructs the base CLI command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "analyst",
		Short:         "Analyst – LLM-driven data analysis over CSV and spreadsheet files",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to config file (default: ./analyst.yaml, then the user config dir)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	cmd.AddCommand(NewAnalyzeCmd(opts))
	cmd.AddCommand(NewBatchCmd(opts))
	cmd.AddCommand(NewAskCmd(opts))
	cmd.AddCommand(NewServeCmd(opts))
	cmd.AddCommand(NewHistoryCmd(opts))
	cmd.AddCommand(NewShowCmd(opts))
	cmd.AddCommand(NewDoctorCmd(opts))
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig wraps config loading with shared options.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
}

// runtimeEnv is a built application plus its teardown.
type runtimeEnv struct {
	*factory.App
	close func()
}

// prepareRuntimeEnv loads configuration, builds the analyst and starts the
// metrics listener when metrics.addr is set.
func prepareRuntimeEnv(ctx context.Context, opts *Options, extraHooks ...engine.Hook) (*runtimeEnv, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()
	app, err := factory.BuildAnalyst(ctx, cfg, logger, metrics, extraHooks...)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	stopMetrics := startMetricsServer(cfg.Metrics.Addr, metrics, logger)
	return &runtimeEnv{
		App: app,
		close: func() {
			stopMetrics()
			_ = logger.Sync()
		},
	}, nil
}

// startMetricsServer serves /metrics on addr. An empty addr disables it.
func startMetricsServer(addr string, metrics *observability.Metrics, logger *zap.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
