package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
	"github.com/ChamsBouzaiene/analyst/internal/session"
)

// scriptedGateway answers each call through respond; n counts calls from 1.
type scriptedGateway struct {
	mu      sync.Mutex
	prompts []string
	respond func(ctx context.Context, n int, req CallRequest) (string, error)
}

func (g *scriptedGateway) Call(ctx context.Context, req CallRequest) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	n := len(g.prompts)
	g.mu.Unlock()
	return g.respond(ctx, n, req)
}

func (g *scriptedGateway) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// fakeSandbox runs code through exec and records what it saw.
type fakeSandbox struct {
	mu        sync.Mutex
	spec      sandbox.SessionSpec
	exec      func(ctx context.Context, code string) sandbox.Result
	executed  []string
	artifacts []string
	closed    int
}

func (s *fakeSandbox) Execute(ctx context.Context, code string) sandbox.Result {
	s.mu.Lock()
	s.executed = append(s.executed, code)
	s.mu.Unlock()
	res := s.exec(ctx, code)
	s.mu.Lock()
	s.artifacts = append(s.artifacts, res.NewArtifacts...)
	s.mu.Unlock()
	return res
}

func (s *fakeSandbox) KernelDir() string { return s.spec.WorkDir }

func (s *fakeSandbox) InputPaths() []string { return s.spec.Inputs }

func (s *fakeSandbox) Artifacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.artifacts...)
}

func (s *fakeSandbox) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type fakeFactory struct {
	mu     sync.Mutex
	exec   func(ctx context.Context, code string) sandbox.Result
	err    error
	opened []*fakeSandbox
}

func (f *fakeFactory) Open(_ context.Context, spec sandbox.SessionSpec) (Sandbox, error) {
	if f.err != nil {
		return nil, f.err
	}
	sb := &fakeSandbox{spec: spec, exec: f.exec}
	f.mu.Lock()
	f.opened = append(f.opened, sb)
	f.mu.Unlock()
	return sb, nil
}

func (f *fakeFactory) only(t *testing.T) *fakeSandbox {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.opened, 1)
	return f.opened[0]
}

func succeed(stdout string) func(context.Context, string) sandbox.Result {
	return func(context.Context, string) sandbox.Result {
		return sandbox.Result{Success: true, Stdout: stdout}
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.LLMRoundTimeout = 5 * time.Second
	return cfg
}

func newTestAnalyst(t *testing.T, gw LLMGateway, f SandboxFactory, cfg Config, opts ...Option) *Analyst {
	opts = append([]Option{WithTokenizer(DefaultTokenizer{})}, opts...)
	return NewAnalyst(gw, f, cfg, opts...)
}

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("A\n1\n2\n3\n"), 0o644))
	return path
}

func TestAnalyzeSumColumnIsDone(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		if n == 1 {
			return "```python\nimport pandas as pd\ndf = pd.read_csv(input_files[0])\ndf['A'].sum()\n```", nil
		}
		return "The sum of column A is 6.", nil
	}}
	factory := &fakeFactory{exec: succeed("6\n")}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "sum column A", Files: []string{writeCSV(t)}, MaxRounds: 1})

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 1, res.RoundCount)
	assert.Contains(t, res.FinalReport, "6")
	assert.Empty(t, res.Error)
	assert.NotNil(t, res.Artifacts)

	sb := factory.only(t)
	assert.Len(t, sb.executed, 1)
	assert.Equal(t, 1, sb.closed)

	calls := gw.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "sum column A")
	assert.Contains(t, calls[0], "data.csv")
	assert.Contains(t, calls[1], "round budget")
	assert.Contains(t, calls[1], "6")

	var saved Result
	require.NoError(t, session.NewStore(a.Config().OutputDir).LoadResult(res.TaskID, &saved))
	assert.Equal(t, StatusDone, saved.Status)
	assert.Equal(t, "sum column A", saved.Query)
	assert.Equal(t, res.WorkDir, filepath.Join(a.Config().OutputDir, res.TaskID))
}

func TestAnalyzeFinalAnswerEndsLoop(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		if n == 1 {
			return "```python\nx = 41 + 1\nx\n```", nil
		}
		return "x is 42", nil
	}}
	factory := &fakeFactory{exec: succeed("42\n")}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "compute x", MaxRounds: 5})

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 2, res.RoundCount)
	assert.Equal(t, "x is 42", res.FinalReport)
	require.Len(t, res.Rounds, 2)
	assert.Equal(t, ActionRunCode, res.Rounds[0].Action.Kind)
	assert.Equal(t, ActionFinalAnswer, res.Rounds[1].Action.Kind)
	assert.Len(t, gw.calls(), 2)
}

func TestAnalyzeAlwaysRaisingIsExhausted(t *testing.T) {
	gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
		return "```python\n1/0\n```", nil
	}}
	factory := &fakeFactory{exec: func(context.Context, string) sandbox.Result {
		return sandbox.Result{ErrorSummary: "ZeroDivisionError: division by zero (line 1)"}
	}}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "divide", MaxRounds: 3})

	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, 3, res.RoundCount)
	assert.Empty(t, res.Error)
	assert.Contains(t, res.FinalReport, "Analysis incomplete")
	assert.Contains(t, res.FinalReport, "3 of 3 used, 0 succeeded, 3 failed")
	assert.Contains(t, res.FinalReport, "Round 3: failed: ZeroDivisionError")
	assert.Len(t, factory.only(t).executed, 3)
	assert.Len(t, gw.calls(), 4, "three rounds plus the wrap-up call")
}

func TestAnalyzeFailuresAreFedBack(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		if n == 1 {
			return "```python\nundefined_name\n```", nil
		}
		return "giving up", nil
	}}
	factory := &fakeFactory{exec: func(context.Context, string) sandbox.Result {
		return sandbox.Result{ErrorSummary: "NameError: name 'undefined_name' is not defined (line 1)"}
	}}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 4})

	assert.Equal(t, StatusDone, res.Status)
	calls := gw.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1], "### Round 1 (failed)")
	assert.Contains(t, calls[1], "NameError: name 'undefined_name' is not defined (line 1)")
}

func TestAnalyzeWithoutWrapUpCall(t *testing.T) {
	gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
		return "```python\nprint('partial')\n```", nil
	}}
	cfg := testConfig(t)
	cfg.FinalReportOnExhaustion = false
	a := newTestAnalyst(t, gw, &fakeFactory{exec: succeed("partial\n")}, cfg)

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 2})

	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, 2, res.RoundCount)
	assert.Len(t, gw.calls(), 2)
	assert.Contains(t, res.FinalReport, "Last successful output (round 2)")
	assert.Contains(t, res.FinalReport, "partial")
}

func TestAnalyzeWrapUpWithCodeIsExhausted(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		return "```python\nprint(1)\n```", nil
	}}
	factory := &fakeFactory{exec: succeed("1\n")}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 1})

	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, 1, res.RoundCount)
	assert.Len(t, factory.only(t).executed, 1, "wrap-up code is never executed")
}

func TestAnalyzeGatewayExhaustionFails(t *testing.T) {
	exhausted := &AllProvidersExhaustedError{Failures: []ProviderFailure{
		{Provider: "primary", Attempts: 4, Err: errors.New("503")},
	}}
	gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
		return "", exhausted
	}}
	factory := &fakeFactory{exec: succeed("")}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 5})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 0, res.RoundCount)
	assert.Contains(t, res.Error, "all 1 providers exhausted")
	assert.Contains(t, res.FinalReport, "could not be reached")
	assert.Len(t, gw.calls(), 1)
	assert.Equal(t, 1, factory.only(t).closed)
}

func TestAnalyzeModelTimeoutIsARecoverableRound(t *testing.T) {
	gw := &scriptedGateway{respond: func(ctx context.Context, n int, _ CallRequest) (string, error) {
		if n == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "answer after a slow start", nil
	}}
	cfg := testConfig(t)
	cfg.LLMRoundTimeout = 50 * time.Millisecond
	a := newTestAnalyst(t, gw, &fakeFactory{exec: succeed("")}, cfg)

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 3})

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 2, res.RoundCount)
	require.Len(t, res.Rounds, 2)
	assert.True(t, res.Rounds[0].Failed())
	assert.Contains(t, res.Rounds[0].Err, "did not answer")
	assert.Contains(t, gw.calls()[1], "### Round 1 (model call failed)")
}

func TestAnalyzeSandboxTimeoutAdvances(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		if n == 1 {
			return "```python\nwhile True: pass\n```", nil
		}
		return "the loop never finished", nil
	}}
	factory := &fakeFactory{exec: func(context.Context, string) sandbox.Result {
		return sandbox.Result{TimedOut: true, ErrorSummary: "TimeoutError: execution exceeded 2m0s"}
	}}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 3})

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 2, res.RoundCount)
	assert.True(t, res.Rounds[0].Result.TimedOut)
	assert.Contains(t, gw.calls()[1], "### Round 1 (timed out)")
}

func TestAnalyzeCancellationFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
		return "```python\nslow()\n```", nil
	}}
	factory := &fakeFactory{exec: func(ctx context.Context, _ string) sandbox.Result {
		cancel()
		<-ctx.Done()
		return sandbox.Result{ErrorSummary: "KeyboardInterrupt: execution interrupted"}
	}}
	a := newTestAnalyst(t, gw, factory, testConfig(t))

	res := a.Analyze(ctx, Request{Query: "q", MaxRounds: 5})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.RoundCount)
	assert.Contains(t, res.Error, "cancelled")
	assert.Contains(t, res.FinalReport, "was cancelled")
	assert.Equal(t, 1, factory.only(t).closed)
}

func TestAnalyzeSandboxOpenFailure(t *testing.T) {
	gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
		return "unused", nil
	}}
	a := newTestAnalyst(t, gw, &fakeFactory{err: errors.New("docker daemon unreachable")}, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "q"})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 0, res.RoundCount)
	assert.Contains(t, res.Error, "docker daemon unreachable")
	assert.Empty(t, gw.calls())
	assert.DirExists(t, res.WorkDir)
}

func TestAnalyzeRejectsEmptyQuery(t *testing.T) {
	a := newTestAnalyst(t, &scriptedGateway{}, &fakeFactory{}, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "   "})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "query is empty", res.Error)
	assert.Empty(t, res.WorkDir)
}

func TestAnalyzeRoundCountNeverExceedsMax(t *testing.T) {
	for _, limit := range []int{1, 2, 4} {
		gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
			return "```python\nx = 1\n```", nil
		}}
		a := newTestAnalyst(t, gw, &fakeFactory{exec: succeed("")}, testConfig(t))

		res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: limit})

		assert.LessOrEqual(t, res.RoundCount, limit)
		assert.Equal(t, limit, res.RoundCount)
		for i, r := range res.Rounds {
			assert.Equal(t, i+1, r.Index)
		}
	}
}

func TestAnalyzeUsesDefaultMaxRoundsAndRequestOptions(t *testing.T) {
	gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
		return "done", nil
	}}
	factory := &fakeFactory{exec: succeed("")}
	cfg := testConfig(t)
	a := newTestAnalyst(t, gw, factory, cfg)

	out := t.TempDir()
	input := writeCSV(t)
	res := a.Analyze(context.Background(), Request{Query: "q", Files: []string{input}, PathMode: PathRelative, OutputDir: out})

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, out, filepath.Dir(res.WorkDir))
	sb := factory.only(t)
	assert.True(t, sb.spec.RelativePaths)
	assert.Equal(t, []string{input}, sb.spec.Inputs)
	assert.Equal(t, res.WorkDir, sb.spec.WorkDir)

	bad := a.Analyze(context.Background(), Request{Query: "q", PathMode: "sideways"})
	assert.Equal(t, StatusFailed, bad.Status)
}

func TestAnalyzeReportListsUnmentionedArtifacts(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		if n == 1 {
			return "```python\nplot()\n```", nil
		}
		return "Sales grew 12%. See chart.png.", nil
	}}
	var workDir string
	factory := &fakeFactory{}
	factory.exec = func(context.Context, string) sandbox.Result {
		return sandbox.Result{Success: true, NewArtifacts: []string{
			filepath.Join(workDir, "chart.png"),
			filepath.Join(workDir, "summary.csv"),
		}}
	}
	a := newTestAnalyst(t, gw, SandboxFactoryFunc(func(ctx context.Context, spec sandbox.SessionSpec) (Sandbox, error) {
		workDir = spec.WorkDir
		return factory.Open(ctx, spec)
	}), testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "plot sales", MaxRounds: 3})

	require.Equal(t, StatusDone, res.Status)
	assert.Len(t, res.Artifacts, 2)
	assert.True(t, strings.HasPrefix(res.FinalReport, "Sales grew 12%. See chart.png."))
	assert.Contains(t, res.FinalReport, "## Files produced\n- summary.csv")
	assert.NotContains(t, res.FinalReport, "- chart.png")
}

func TestAnalyzeResultIncludesEverySandboxArtifact(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		if n == 1 {
			return "```python\nplot()\n```", nil
		}
		return "Done.", nil
	}}
	var workDir string
	factory := &fakeFactory{}
	factory.exec = func(context.Context, string) sandbox.Result {
		return sandbox.Result{Success: true, NewArtifacts: []string{filepath.Join(workDir, "chart.png")}}
	}
	a := newTestAnalyst(t, gw, SandboxFactoryFunc(func(ctx context.Context, spec sandbox.SessionSpec) (Sandbox, error) {
		workDir = spec.WorkDir
		sb, err := factory.Open(ctx, spec)
		if err != nil {
			return nil, err
		}
		// Written by the init step, before any round reported it.
		sb.(*fakeSandbox).artifacts = []string{filepath.Join(workDir, "setup.log")}
		return sb, nil
	}), testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "plot", MaxRounds: 3})

	require.Equal(t, StatusDone, res.Status)
	assert.ElementsMatch(t, []string{
		filepath.Join(workDir, "chart.png"),
		filepath.Join(workDir, "setup.log"),
	}, res.Artifacts)
}

func TestAnalyzeNonGatewayFailureIsInternal(t *testing.T) {
	gw := &scriptedGateway{respond: func(context.Context, int, CallRequest) (string, error) {
		return "", errors.New("decoder state corrupted")
	}}
	a := newTestAnalyst(t, gw, &fakeFactory{exec: succeed("")}, testConfig(t))

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 3})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "decoder state corrupted")
	assert.Contains(t, res.FinalReport, "internal error")
	assert.NotContains(t, res.FinalReport, "could not be reached")
}

// recordingHook remembers the order of loop events.
type recordingHook struct {
	NopHook
	mu     sync.Mutex
	events []string
}

func (h *recordingHook) add(e string) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *recordingHook) OnTaskStart(context.Context, *State)      { h.add("task") }
func (h *recordingHook) OnRoundStart(context.Context, *State, int) { h.add("round") }
func (h *recordingHook) OnRetryAttempt(_ context.Context, _ *State, provider string, _ int, _ time.Duration, _ error) {
	h.add("retry:" + provider)
}
func (h *recordingHook) OnExecute(context.Context, *State, string) { h.add("execute") }
func (h *recordingHook) OnRoundEnd(context.Context, *State, Round)  { h.add("end") }
func (h *recordingHook) OnDone(_ context.Context, _ *State, res Result) {
	h.add("done:" + string(res.Status))
}

func TestAnalyzeHookOrder(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, req CallRequest) (string, error) {
		if n == 1 {
			req.OnRetry("primary", 1, time.Millisecond, errors.New("503"))
			return "```python\nx = 1\n```", nil
		}
		return "x is 1", nil
	}}
	hook := &recordingHook{}
	a := newTestAnalyst(t, gw, &fakeFactory{exec: succeed("")}, testConfig(t), WithHooks(hook))

	res := a.Analyze(context.Background(), Request{Query: "q", MaxRounds: 3})

	require.Equal(t, StatusDone, res.Status)
	assert.Equal(t, []string{
		"task",
		"round", "retry:primary", "execute", "end",
		"round", "end",
		"done:done",
	}, hook.events)
}

func TestAnalyzeJournalHookRecordsRounds(t *testing.T) {
	gw := &scriptedGateway{respond: func(_ context.Context, n int, _ CallRequest) (string, error) {
		if n < 3 {
			return "```python\nprint(1)\n```", nil
		}
		return "finished", nil
	}}
	a := newTestAnalyst(t, gw, &fakeFactory{exec: succeed("1\n")}, testConfig(t), WithHooks(NewJournalHook(nil)))

	res := a.Analyze(context.Background(), Request{Query: "journal me", MaxRounds: 5})
	require.Equal(t, StatusDone, res.Status)

	ctx := context.Background()
	j, err := session.OpenJournal(ctx, res.WorkDir)
	require.NoError(t, err)
	defer j.Close()

	rec, err := j.Task(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "journal me", rec.Query)
	assert.Equal(t, "done", rec.Status)
	assert.Equal(t, "finished", rec.FinalReport)
	assert.Equal(t, 3, rec.RoundCount)

	rounds, err := j.Rounds(ctx, res.TaskID)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	assert.Equal(t, "run_code", rounds[0].ActionKind)
	assert.Equal(t, "1\n", rounds[0].Stdout)
	assert.Equal(t, "final_answer", rounds[2].ActionKind)
}
