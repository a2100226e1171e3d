package cli

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// NewDoctorCmd returns a health-check command validating config and environment.
func NewDoctorCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK. Providers: %d, output dir: %s\n", len(cfg.Providers), cfg.OutputDir)
			for _, p := range cfg.Providers {
				key := "set"
				if p.Credential == "" {
					key = "MISSING"
				}
				fmt.Fprintf(out, "  %d. %s (%s, model %s, credential %s)\n", p.Priority, p.Name, p.Kind, p.Model, key)
			}

			sc, err := cfg.SandboxRuntime()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			runner, err := sandbox.NewRunner(ctx, sc, zap.NewNop())
			if err != nil {
				fmt.Fprintf(out, "Sandbox: unavailable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Sandbox: %s\n", runner.Name())
			if runner.Name() == string(sandbox.ModeHost) {
				if path, err := exec.LookPath(sc.Python); err != nil {
					fmt.Fprintf(out, "Python: %s not found on PATH\n", sc.Python)
				} else {
					fmt.Fprintf(out, "Python: %s\n", path)
				}
			}
			return nil
		},
	}
}
