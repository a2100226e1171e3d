package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/session"
)

// NewHistoryCmd lists the tasks stored under the output directory.
func NewHistoryCmd(opts *Options) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past analysis tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			tasks, err := session.NewStore(cfg.OutputDir).List()
			if err != nil {
				return err
			}
			if limit > 0 && len(tasks) > limit {
				tasks = tasks[:limit]
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintf(out, "No tasks in %s\n", cfg.OutputDir)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tSTATUS\tUPDATED\tQUERY")
			for _, t := range tasks {
				status := t.Status
				if status == "" {
					status = "unknown"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, status, t.UpdatedAt.Format(time.DateTime), oneLine(t.Query, 60))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Show at most this many tasks (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tasks as JSON")
	return cmd
}

// NewShowCmd prints the stored result of one task.
func NewShowCmd(opts *Options) *cobra.Command {
	var (
		asJSON     bool
		withRounds bool
	)

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print the report and artifacts of a past task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			var res engine.Result
			if err := session.NewStore(cfg.OutputDir).LoadResult(args[0], &res); err != nil {
				return fmt.Errorf("task %s: %w", args[0], err)
			}
			if !withRounds {
				res.Rounds = nil
			}
			return printResult(cmd.OutOrStdout(), res, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&withRounds, "rounds", false, "Include the round history in JSON output")
	return cmd
}

func oneLine(s string, max int) string {
	runes := []rune(s)
	for i, r := range runes {
		if r == '\n' || r == '\r' || r == '\t' {
			runes[i] = ' '
		}
	}
	if len(runes) > max {
		return string(runes[:max-1]) + "…"
	}
	return string(runes)
}
