package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

func historyAnalyst(budget, recent int) *Analyst {
	cfg := DefaultConfig()
	cfg.InputTokenBudget = budget
	cfg.RecentRoundsInFull = recent
	cfg.MaxResultChars = 200
	return NewAnalyst(nil, nil, cfg, WithTokenizer(DefaultTokenizer{}))
}

func codeRound(index int, code, stdout string) Round {
	return Round{
		Index:  index,
		Action: RunCode(code),
		Result: &sandbox.Result{Success: true, Stdout: stdout},
	}
}

func TestBuildPromptIncludesQueryManifestAndRounds(t *testing.T) {
	a := historyAnalyst(0, 3)
	out, err := a.buildPrompt(promptInput{
		Task:      Task{Query: "sum column A", WorkDir: "/out/session_1"},
		KernelDir: "/workspace",
		Manifest:  "- /inputs/0/data.csv (csv)",
		Rounds: []Round{
			codeRound(1, "df = load()", "loaded\n"),
			{
				Index:  2,
				Action: RunCode("1/0"),
				Result: &sandbox.Result{
					ErrorSummary: "ZeroDivisionError: division by zero (line 1)",
					Traceback:    "Traceback (most recent call last):\nZeroDivisionError",
					NewArtifacts: []string{"/out/session_1/plot.png"},
				},
			},
		},
		Footer: "This is round 3 of 5.",
	})
	require.NoError(t, err)

	p := out.Prompt
	assert.Contains(t, p, "sum column A")
	assert.Contains(t, p, "/workspace")
	assert.Contains(t, p, "## Input files\n- /inputs/0/data.csv (csv)")
	assert.Contains(t, p, "### Round 1 (success)")
	assert.Contains(t, p, "loaded")
	assert.Contains(t, p, "### Round 2 (failed)")
	assert.Contains(t, p, "Error: ZeroDivisionError: division by zero (line 1)")
	assert.Contains(t, p, "Traceback:")
	assert.Contains(t, p, "Files written: plot.png")
	assert.True(t, strings.HasSuffix(p, "This is round 3 of 5."))
	assert.Less(t, strings.Index(p, "### Round 1"), strings.Index(p, "### Round 2"))
	assert.Zero(t, out.Dropped)
}

func TestBuildPromptCompactsOldRounds(t *testing.T) {
	a := historyAnalyst(0, 1)
	longCode := strings.TrimRight(strings.Repeat("x = 1\n", 20), "\n")
	out, err := a.buildPrompt(promptInput{
		Task: Task{Query: "q"},
		Rounds: []Round{
			codeRound(1, longCode, "first"),
			codeRound(2, longCode, "second"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Compacted)
	assert.Contains(t, out.Prompt, "# ... 14 more line(s)")
	// The latest round is kept verbatim.
	assert.Contains(t, out.Prompt, "### Round 2 (success)\n```python\n"+longCode+"\n```")
}

func TestBuildPromptDropsOldestRoundsOverBudget(t *testing.T) {
	a := historyAnalyst(400, 3)
	var rounds []Round
	for i := 1; i <= 8; i++ {
		rounds = append(rounds, codeRound(i, fmt.Sprintf("step_%d()", i), strings.Repeat(fmt.Sprintf("row %d value\n", i), 40)))
	}
	out, err := a.buildPrompt(promptInput{
		Task:     Task{Query: "keep this question"},
		Manifest: "- data.csv",
		Rounds:   rounds,
	})
	require.NoError(t, err)

	assert.Greater(t, out.Dropped, 0)
	assert.Greater(t, out.BeforeTokens, out.AfterTokens)
	assert.Contains(t, out.Prompt, "keep this question")
	assert.Contains(t, out.Prompt, "- data.csv")
	assert.Contains(t, out.Prompt, fmt.Sprintf("[%d earlier round(s) omitted]", out.Dropped))
	assert.Contains(t, out.Prompt, "### Round 8 (success)")
	assert.Contains(t, out.Prompt, "step_8()")
	assert.NotContains(t, out.Prompt, "### Round 1 ")
}

func TestBuildPromptKeepsLatestRoundEvenIfOverBudget(t *testing.T) {
	a := historyAnalyst(10, 3)
	out, err := a.buildPrompt(promptInput{
		Task:   Task{Query: "q"},
		Rounds: []Round{codeRound(1, "a()", "one"), codeRound(2, "b()", strings.Repeat("big ", 500))},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Dropped)
	assert.Contains(t, out.Prompt, "### Round 2 (success)")
	assert.Contains(t, out.Prompt, strings.Repeat("big ", 100))
}

func TestRenderRoundStatuses(t *testing.T) {
	timeout := Round{Index: 1, Err: "the model did not answer within 3m0s"}
	assert.Equal(t, "### Round 1 (model call failed)\nError: the model did not answer within 3m0s", renderRound(timeout, "", true, 0))

	timedOut := Round{Index: 2, Action: RunCode("while True: pass"), Result: &sandbox.Result{TimedOut: true, ErrorSummary: "TimeoutError: execution exceeded 2m0s"}}
	assert.Contains(t, renderRound(timedOut, "", true, 0), "### Round 2 (timed out)")

	reset := Round{Index: 3, Action: RunCode("x"), Result: &sandbox.Result{Success: true, Reset: true}}
	text := renderRound(reset, "", true, 0)
	assert.Contains(t, text, "Output: (none)")
	assert.Contains(t, text, "session was restarted")

	final := Round{Index: 4, Action: FinalAnswer("done")}
	assert.Equal(t, "### Round 4 (no result)", renderRound(final, "", true, 0))
}
