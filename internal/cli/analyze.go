package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
)

// NewAnalyzeCmd runs one analysis task and prints its report.
func NewAnalyzeCmd(opts *Options) *cobra.Command {
	var (
		files         []string
		maxRounds     int
		relativePaths bool
		outputDir     string
		asJSON        bool
		withRounds    bool
	)

	cmd := &cobra.Command{
		Use:   "analyze \"<question>\" -f data.csv [-f more.csv]",
		Short: "Answer a question about data files by letting the model write and run Python",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(args[0])
			if query == "" {
				return fmt.Errorf("question cannot be empty")
			}

			ctx, stop := withSignals(cmd.Context())
			defer stop()

			env, err := prepareRuntimeEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer env.close()

			req := engine.Request{
				Query:     query,
				Files:     files,
				MaxRounds: maxRounds,
				OutputDir: outputDir,
			}
			if relativePaths {
				req.PathMode = engine.PathRelative
			}

			res := env.Analyst.Analyze(ctx, req)
			if !withRounds {
				res.Rounds = nil
			}
			if err := printResult(cmd.OutOrStdout(), res, asJSON); err != nil {
				return err
			}
			return resultError(res)
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Data file to analyze (repeatable)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Round budget for this task (default: agent.max_rounds)")
	cmd.Flags().BoolVar(&relativePaths, "relative-paths", false, "Show input files to the model relative to the task directory")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Parent directory of task directories (default: output_dir)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&withRounds, "rounds", false, "Include the round history in JSON output")
	return cmd
}

// resultError turns a failed task into a non-zero exit. Exhausted tasks still
// produced a report and are not errors.
func resultError(res engine.Result) error {
	if res.Status != engine.StatusFailed {
		return nil
	}
	if res.Error != "" {
		return fmt.Errorf("analysis failed: %s", res.Error)
	}
	return fmt.Errorf("analysis failed")
}

func printResult(w io.Writer, res engine.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintln(w, res.FinalReport)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "status: %s, rounds: %d", res.Status, res.RoundCount)
	if res.TaskID != "" {
		fmt.Fprintf(w, ", task: %s", res.TaskID)
	}
	fmt.Fprintln(w)
	if res.WorkDir != "" {
		fmt.Fprintf(w, "work dir: %s\n", res.WorkDir)
	}
	for _, a := range res.Artifacts {
		rel := a
		if res.WorkDir != "" {
			if r, err := filepath.Rel(res.WorkDir, a); err == nil {
				rel = r
			}
		}
		fmt.Fprintf(w, "  - %s\n", rel)
	}
	return nil
}

// withSignals is the context every long-running command runs under.
func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
