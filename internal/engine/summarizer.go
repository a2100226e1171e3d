package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

const (
	reportOutputChars  = 1500
	reportSummaryChars = 200
)

// assembleReport is the final report of a task the model completed: the
// answer text, followed by any produced file the answer does not mention.
func assembleReport(answer, workDir string, artifacts []string) string {
	answer = strings.TrimSpace(answer)
	var missing []string
	for _, p := range artifacts {
		rel := relTo(workDir, p)
		if !strings.Contains(answer, filepath.Base(p)) {
			missing = append(missing, rel)
		}
	}
	if len(missing) == 0 {
		return answer
	}
	var b strings.Builder
	b.WriteString(answer)
	b.WriteString("\n\n## Files produced\n")
	for _, m := range missing {
		fmt.Fprintf(&b, "- %s\n", m)
	}
	return strings.TrimRight(b.String(), "\n")
}

// synthesizeReport builds a best-effort report from the round history when
// the model never gave a final answer.
func synthesizeReport(st *State, reason string) string {
	var b strings.Builder
	task := st.Task

	b.WriteString("# Analysis incomplete\n\n")
	if reason != "" {
		b.WriteString(reason)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", task.Query)

	if len(st.Rounds) == 0 {
		b.WriteString("\nNo round was completed.\n")
		return strings.TrimRight(b.String(), "\n")
	}

	succeeded, failed := 0, 0
	for _, r := range st.Rounds {
		if r.Failed() {
			failed++
		} else if r.Result != nil {
			succeeded++
		}
	}
	fmt.Fprintf(&b, "\n## Rounds (%d of %d used, %d succeeded, %d failed)\n", len(st.Rounds), task.MaxRounds, succeeded, failed)

	var lastOutput string
	var lastOutputRound int
	for _, r := range st.Rounds {
		fmt.Fprintf(&b, "- Round %d: %s\n", r.Index, describeRound(r))
		if r.Result != nil && r.Result.Success && strings.TrimSpace(r.Result.Stdout) != "" {
			lastOutput = r.Result.Stdout
			lastOutputRound = r.Index
		}
	}

	if len(st.Artifacts) > 0 {
		b.WriteString("\n## Files produced\n")
		for _, p := range st.Artifacts {
			fmt.Fprintf(&b, "- %s\n", relTo(task.WorkDir, p))
		}
	}

	if lastOutput != "" {
		fmt.Fprintf(&b, "\n## Last successful output (round %d)\n```\n%s\n```\n",
			lastOutputRound, sandbox.TruncateMiddle(strings.TrimRight(lastOutput, "\n"), reportOutputChars))
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeRound(r Round) string {
	switch {
	case r.Err != "":
		return "model call failed: " + r.Err
	case r.Action.Kind == ActionFinalAnswer:
		return "final answer: " + oneLine(r.Action.Text)
	case r.Result == nil:
		return "no result"
	case r.Result.TimedOut:
		return "timed out: " + oneLine(r.Result.ErrorSummary)
	case !r.Result.Success:
		return "failed: " + oneLine(r.Result.ErrorSummary)
	}
	out := oneLine(r.Result.Stdout)
	if out == "" {
		return "succeeded (no output)"
	}
	return "succeeded: " + out
}

// oneLine collapses s to its first non-empty line, bounded in length.
func oneLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > reportSummaryChars {
			line = strings.ToValidUTF8(line[:reportSummaryChars], "") + "..."
		}
		return line
	}
	return ""
}
