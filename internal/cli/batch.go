package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
)

const (
	defaultBatchQuery   = "Analyze the valuable content of these tables and draw the relevant charts. Finish with a written report."
	defaultCompareQuery = "Using the tables of both companies, analyze what they have in common, build a comparison table and draw the relevant charts. Finish with a written report."
	batchMaxRounds      = 20
)

// fileGroup is the set of data files sharing a name prefix.
type fileGroup struct {
	Name  string
	Files []string
}

// groupFiles groups the CSV files directly under dir by the part of their
// name before the first underscore ("acme_income.csv" and "acme_cash.csv"
// both belong to "acme"). Groups and files are sorted.
func groupFiles(dir string) ([]fileGroup, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	byName := map[string][]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		name, _, _ := strings.Cut(base, "_")
		if name == "" {
			continue
		}
		byName[name] = append(byName[name], filepath.Join(dir, e.Name()))
	}

	groups := make([]fileGroup, 0, len(byName))
	for name, files := range byName {
		sort.Strings(files)
		groups = append(groups, fileGroup{Name: name, Files: files})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// batchJob labels one request of a batch.
type batchJob struct {
	Label   string
	Request engine.Request
}

// batchJobs builds one task per group, plus, when compare names a group, one
// comparison task of that group against every other group.
func batchJobs(groups []fileGroup, query string, maxRounds int, compare string) ([]batchJob, error) {
	if query == "" {
		query = defaultBatchQuery
	}
	jobs := make([]batchJob, 0, len(groups))
	for _, g := range groups {
		jobs = append(jobs, batchJob{
			Label:   g.Name,
			Request: engine.Request{Query: query, Files: g.Files, MaxRounds: maxRounds},
		})
	}
	if compare == "" {
		return jobs, nil
	}

	var target *fileGroup
	for i := range groups {
		if groups[i].Name == compare {
			target = &groups[i]
		}
	}
	if target == nil {
		return nil, fmt.Errorf("no files for %q in the data directory", compare)
	}
	for _, g := range groups {
		if g.Name == target.Name {
			continue
		}
		files := append(append([]string{}, target.Files...), g.Files...)
		jobs = append(jobs, batchJob{
			Label:   target.Name + "_vs_" + g.Name,
			Request: engine.Request{Query: defaultCompareQuery, Files: files, MaxRounds: maxRounds},
		})
	}
	return jobs, nil
}

// NewBatchCmd analyzes every file group of a directory concurrently.
func NewBatchCmd(opts *Options) *cobra.Command {
	var (
		dir       string
		query     string
		maxRounds int
		workers   int
		compare   string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "batch --dir data/",
		Short: "Analyze every <name>_*.csv group in a directory, one task per group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := groupFiles(dir)
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				return fmt.Errorf("no CSV files in %s", dir)
			}
			jobs, err := batchJobs(groups, query, maxRounds, compare)
			if err != nil {
				return err
			}

			ctx, stop := withSignals(cmd.Context())
			defer stop()

			env, err := prepareRuntimeEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer env.close()

			if workers <= 0 {
				workers = env.Config.Agent.Workers
			}
			reqs := make([]engine.Request, len(jobs))
			for i, j := range jobs {
				reqs[i] = j.Request
			}
			results := engine.RunBatch(ctx, env.Analyst, reqs, workers)

			if asJSON {
				return printBatchJSON(cmd.OutOrStdout(), jobs, results)
			}
			printBatch(cmd.OutOrStdout(), jobs, results)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory of CSV files named <name>_<table>.csv")
	cmd.Flags().StringVar(&query, "query", "", "Question asked for every group (default: a general report)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", batchMaxRounds, "Round budget per task")
	cmd.Flags().IntVar(&workers, "workers", 0, "Tasks run concurrently (default: agent.workers)")
	cmd.Flags().StringVar(&compare, "compare", "", "Also compare this group against every other group")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as a JSON object keyed by group")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func printBatch(w io.Writer, jobs []batchJob, results []engine.Result) {
	for i, j := range jobs {
		res := results[i]
		fmt.Fprintf(w, "===== %s: begin (%s, %d rounds) =====\n", j.Label, res.Status, res.RoundCount)
		fmt.Fprintln(w, res.FinalReport)
		fmt.Fprintf(w, "===== %s: end =====\n\n", j.Label)
	}
}

func printBatchJSON(w io.Writer, jobs []batchJob, results []engine.Result) error {
	out := make(map[string]engine.Result, len(jobs))
	for i, j := range jobs {
		res := results[i]
		res.Rounds = nil
		out[j.Label] = res
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
