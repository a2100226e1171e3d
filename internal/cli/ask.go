package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/factory"
	"github.com/ChamsBouzaiene/analyst/internal/observability"
)

// NewAskCmd sends one prompt through the provider gateway. No code is run.
func NewAskCmd(opts *Options) *cobra.Command {
	var (
		system    string
		maxTokens int
	)

	cmd := &cobra.Command{
		Use:   "ask \"<prompt>\"",
		Short: "Send a single prompt to the configured providers, with failover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(args[0])
			if prompt == "" {
				return fmt.Errorf("prompt cannot be empty")
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			gw, err := factory.BuildGateway(cfg, logger, observability.NewMetrics())
			if err != nil {
				return err
			}

			ctx, stop := withSignals(cmd.Context())
			defer stop()

			ec := cfg.EngineConfig()
			if maxTokens <= 0 {
				maxTokens = ec.MaxTokens
			}
			answer, err := gw.Call(ctx, engine.CallRequest{
				Prompt:       prompt,
				SystemPrompt: system,
				MaxTokens:    maxTokens,
				Temperature:  ec.Temperature,
				Timeout:      ec.CallTimeout,
				OnRetry: func(provider string, attempt int, delay time.Duration, err error) {
					logger.Info("retrying",
						zap.String("provider", provider),
						zap.Int("attempt", attempt),
						zap.Duration("delay", delay),
						zap.Error(err))
				},
			})
			if err != nil {
				return fmt.Errorf("ask failed (%s): %w", engine.FailureKind(err), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Output token limit (default: agent.max_tokens)")
	return cmd
}
