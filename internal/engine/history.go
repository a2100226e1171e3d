package engine

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChamsBouzaiene/analyst/internal/prompts"
	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

const compactCodeLines = 6

// promptInput is everything needed to render one model prompt.
type promptInput struct {
	Task      Task
	KernelDir string // workdir as seen by the kernel
	Manifest  string
	Rounds    []Round
	Footer    string
}

// promptOutput carries the rendered prompt and what truncation did to it.
type promptOutput struct {
	Prompt       string
	BeforeTokens int
	AfterTokens  int
	Compacted    int // rounds rendered in compact form
	Dropped      int // rounds left out entirely
}

// buildPrompt renders the task header, the manifest, the round history and
// the footer. When the result exceeds the input budget older rounds are
// compacted, then dropped oldest first. The header, the manifest and the most
// recent round are always kept in full.
func (a *Analyst) buildPrompt(in promptInput) (promptOutput, error) {
	header, err := prompts.Render(a.prompts, prompts.AnalysisTaskID, prompts.PromptV1, map[string]string{
		"query":   in.Task.Query,
		"workdir": in.KernelDir,
	})
	if err != nil {
		return promptOutput{}, fmt.Errorf("render task prompt: %w", err)
	}

	n := len(in.Rounds)
	full := make([]string, n)
	compact := make([]string, n)
	for i, r := range in.Rounds {
		full[i] = renderRound(r, in.Task.WorkDir, true, 0)
		compact[i] = renderRound(r, in.Task.WorkDir, false, a.cfg.MaxResultChars)
	}

	assemble := func(firstKept, compactBefore int) string {
		var parts []string
		parts = append(parts, header)
		parts = append(parts, "## Input files\n"+in.Manifest)
		if n > 0 {
			var hist []string
			if firstKept > 0 {
				hist = append(hist, fmt.Sprintf("[%d earlier round(s) omitted]", firstKept))
			}
			for i := firstKept; i < n; i++ {
				if i < compactBefore {
					hist = append(hist, compact[i])
				} else {
					hist = append(hist, full[i])
				}
			}
			parts = append(parts, "## Previous rounds\n"+strings.Join(hist, "\n\n"))
		}
		if in.Footer != "" {
			parts = append(parts, in.Footer)
		}
		return strings.Join(parts, "\n\n")
	}

	// Rounds older than the recent window start out compacted.
	compactBefore := n - a.cfg.RecentRoundsInFull
	if compactBefore < 0 {
		compactBefore = 0
	}
	prompt := assemble(0, compactBefore)
	before := a.countTokens(assemble(0, 0))
	out := promptOutput{Prompt: prompt, BeforeTokens: before, Compacted: compactBefore}

	budget := a.cfg.InputTokenBudget
	if budget <= 0 {
		out.AfterTokens = a.countTokens(prompt)
		return out, nil
	}

	tokens := a.countTokens(prompt)
	if tokens > budget && n > 1 {
		// Everything but the latest round goes compact.
		compactBefore = n - 1
		prompt = assemble(0, compactBefore)
		tokens = a.countTokens(prompt)
		out.Compacted = compactBefore
	}
	firstKept := 0
	for tokens > budget && firstKept < n-1 {
		firstKept++
		prompt = assemble(firstKept, compactBefore)
		tokens = a.countTokens(prompt)
	}
	if firstKept > 0 {
		out.Compacted = compactBefore - firstKept
	}
	out.Prompt = prompt
	out.AfterTokens = tokens
	out.Dropped = firstKept
	return out, nil
}

func (a *Analyst) countTokens(text string) int {
	count, err := a.tokenizer.CountTokens(text, a.cfg.Model)
	if err != nil {
		return EstimateTokens(text)
	}
	return count
}

// renderRound formats one round for the prompt. Compact rounds keep the
// outcome and a bounded slice of code and output.
func renderRound(r Round, workDir string, full bool, maxChars int) string {
	var b strings.Builder

	status := "success"
	switch {
	case r.Err != "":
		status = "model call failed"
	case r.Result == nil:
		status = "no result"
	case r.Result.TimedOut:
		status = "timed out"
	case !r.Result.Success:
		status = "failed"
	}
	fmt.Fprintf(&b, "### Round %d (%s)", r.Index, status)

	if r.Err != "" {
		fmt.Fprintf(&b, "\nError: %s", r.Err)
		return b.String()
	}

	code := r.Action.Code
	if !full {
		code = headLines(code, compactCodeLines)
	}
	if code != "" {
		fmt.Fprintf(&b, "\n```python\n%s\n```", code)
	}

	if r.Result == nil {
		return b.String()
	}
	res := r.Result
	stdout := strings.TrimRight(res.Stdout, "\n")
	if !full {
		stdout = sandbox.TruncateMiddle(stdout, maxChars)
	}
	if stdout != "" {
		fmt.Fprintf(&b, "\nOutput:\n```\n%s\n```", stdout)
	} else if res.Success {
		b.WriteString("\nOutput: (none)")
	}
	if res.ErrorSummary != "" {
		fmt.Fprintf(&b, "\nError: %s", res.ErrorSummary)
	}
	if full && res.Traceback != "" {
		fmt.Fprintf(&b, "\nTraceback:\n```\n%s\n```", strings.TrimRight(res.Traceback, "\n"))
	}
	if res.Reset {
		b.WriteString("\nNote: the Python session was restarted; earlier variables are gone and must be recreated.")
	}
	if len(res.NewArtifacts) > 0 {
		names := make([]string, 0, len(res.NewArtifacts))
		for _, p := range res.NewArtifacts {
			names = append(names, relTo(workDir, p))
		}
		fmt.Fprintf(&b, "\nFiles written: %s", strings.Join(names, ", "))
	}
	return b.String()
}

func headLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + "\n# ... " + strconv.Itoa(len(lines)-n) + " more line(s)"
}

func relTo(base, p string) string {
	if base == "" {
		return p
	}
	if rel, err := filepath.Rel(base, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}
