package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

type stubGateway struct {
	mu      sync.Mutex
	n       int
	respond func(ctx context.Context, n int, req engine.CallRequest) (string, error)
}

func (g *stubGateway) Call(ctx context.Context, req engine.CallRequest) (string, error) {
	g.mu.Lock()
	g.n++
	n := g.n
	g.mu.Unlock()
	return g.respond(ctx, n, req)
}

type stubSandbox struct {
	spec sandbox.SessionSpec
}

func (s *stubSandbox) Execute(context.Context, string) sandbox.Result {
	return sandbox.Result{
		Success:      true,
		Stdout:       "6\n",
		NewArtifacts: []string{filepath.Join(s.spec.WorkDir, "chart.png")},
	}
}
func (s *stubSandbox) KernelDir() string    { return s.spec.WorkDir }
func (s *stubSandbox) InputPaths() []string { return s.spec.Inputs }
func (s *stubSandbox) Artifacts() []string  { return nil }
func (s *stubSandbox) Close() error         { return nil }

func newTestAnalyst(t *testing.T, gw engine.LLMGateway) *engine.Analyst {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.LLMRoundTimeout = 5 * time.Second
	factory := engine.SandboxFactoryFunc(func(_ context.Context, spec sandbox.SessionSpec) (engine.Sandbox, error) {
		return &stubSandbox{spec: spec}, nil
	})
	return engine.NewAnalyst(gw, factory, cfg,
		engine.WithTokenizer(engine.DefaultTokenizer{}),
		engine.WithHooks(protocolHook{}),
	)
}

func testCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("A\n1\n2\n3\n"), 0o644))
	return path
}

func decodeEvents(t *testing.T, out string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		events = append(events, ev)
	}
	return events
}

func eventsFor(events []map[string]any, requestID string) []map[string]any {
	var out []map[string]any
	for _, ev := range events {
		if ev["request_id"] == requestID {
			out = append(out, ev)
		}
	}
	return out
}

func commandLine(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b) + "\n"
}

func TestStdioAnalyzeStreamsEvents(t *testing.T) {
	gw := &stubGateway{respond: func(_ context.Context, n int, _ engine.CallRequest) (string, error) {
		if n == 1 {
			return "```python\nprint(6)\n```", nil
		}
		return "The total is 6.", nil
	}}
	in := commandLine(t, map[string]any{
		"type": "analyze", "request_id": "r1", "query": "sum column A",
		"files": []string{testCSV(t)}, "max_rounds": 3,
	})
	out := &bytes.Buffer{}

	runner := newStdIORunner(strings.NewReader(in), out, newTestAnalyst(t, gw), gw, nil)
	require.NoError(t, runner.Run(context.Background()))

	events := decodeEvents(t, out.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "engine_ready", events[0]["status"])

	r1 := eventsFor(events, "r1")
	var types []string
	for _, ev := range r1 {
		types = append(types, ev["type"].(string))
	}
	assert.Equal(t, []string{"status", "status", "files_changed", "round", "status", "round", "done"}, types)
	assert.Equal(t, "started", r1[0]["status"])
	assert.Equal(t, "run_code", r1[3]["action"])
	assert.Equal(t, true, r1[3]["success"])

	done := r1[len(r1)-1]
	assert.Equal(t, "done", done["status"])
	assert.Contains(t, done["final_report"], "The total is 6.")
	assert.EqualValues(t, 2, done["round_count"])
	assert.Len(t, done["artifacts"], 1)
	assert.NotEmpty(t, done["task_id"])
}

func TestStdioAsk(t *testing.T) {
	var got engine.CallRequest
	gw := &stubGateway{respond: func(_ context.Context, _ int, req engine.CallRequest) (string, error) {
		got = req
		return "pong", nil
	}}
	in := commandLine(t, map[string]any{"type": "ask", "request_id": "q1", "prompt": "ping", "system_prompt": "be brief"})
	out := &bytes.Buffer{}

	runner := newStdIORunner(strings.NewReader(in), out, newTestAnalyst(t, gw), gw, nil)
	require.NoError(t, runner.Run(context.Background()))

	q1 := eventsFor(decodeEvents(t, out.String()), "q1")
	require.Len(t, q1, 1)
	assert.Equal(t, "answer", q1[0]["type"])
	assert.Equal(t, "pong", q1[0]["content"])
	assert.Equal(t, "ping", got.Prompt)
	assert.Equal(t, "be brief", got.SystemPrompt)
	assert.Equal(t, 4096, got.MaxTokens)
}

func TestStdioAskFailureReportsKind(t *testing.T) {
	gw := &stubGateway{respond: func(context.Context, int, engine.CallRequest) (string, error) {
		return "", &engine.AllProvidersExhaustedError{Failures: []engine.ProviderFailure{{
			Provider: "p1",
			Attempts: 1,
			Err:      &engine.ProviderAuthError{ProviderError: engine.ProviderError{Provider: "p1", HTTPStatus: 401, Err: errors.New("bad key")}},
		}}}
	}}
	in := commandLine(t, map[string]any{"type": "ask", "request_id": "q1", "prompt": "ping"})
	out := &bytes.Buffer{}

	runner := newStdIORunner(strings.NewReader(in), out, newTestAnalyst(t, gw), gw, nil)
	require.NoError(t, runner.Run(context.Background()))

	q1 := eventsFor(decodeEvents(t, out.String()), "q1")
	require.Len(t, q1, 1)
	assert.Equal(t, "error", q1[0]["type"])
	assert.Equal(t, "auth", q1[0]["kind"])
}

func TestStdioInvalidAndUnknownCancel(t *testing.T) {
	gw := &stubGateway{respond: func(context.Context, int, engine.CallRequest) (string, error) { return "", nil }}
	in := `{"type":"bogus"}` + "\n" + `not json` + "\n" + `{"type":"cancel","request_id":"nope"}` + "\n"
	out := &bytes.Buffer{}

	runner := newStdIORunner(strings.NewReader(in), out, newTestAnalyst(t, gw), gw, nil)
	require.NoError(t, runner.Run(context.Background()))

	events := decodeEvents(t, out.String())
	kinds := map[string]int{}
	for _, ev := range events {
		if ev["type"] == "error" {
			kinds[ev["kind"].(string)]++
		}
	}
	assert.Equal(t, 2, kinds["invalid_command"])
	assert.Equal(t, 1, kinds["unknown_request"])
}

func TestStdioCancelRunningAnalysis(t *testing.T) {
	called := make(chan struct{})
	var once sync.Once
	gw := &stubGateway{respond: func(ctx context.Context, _ int, _ engine.CallRequest) (string, error) {
		once.Do(func() { close(called) })
		<-ctx.Done()
		return "", ctx.Err()
	}}
	pr, pw := io.Pipe()
	out := &bytes.Buffer{}
	runner := newStdIORunner(pr, out, newTestAnalyst(t, gw), gw, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(context.Background()) }()

	_, err := io.WriteString(pw, commandLine(t, map[string]any{
		"type": "analyze", "request_id": "r1", "query": "slow", "files": []string{testCSV(t)},
	}))
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("model was never called")
	}

	_, err = io.WriteString(pw, `{"type":"cancel","request_id":"r1"}`+"\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	r1 := eventsFor(decodeEvents(t, out.String()), "r1")
	var (
		sawCancelled bool
		done         map[string]any
	)
	for _, ev := range r1 {
		switch ev["type"] {
		case "cancelled":
			sawCancelled = true
		case "done":
			done = ev
		}
	}
	assert.True(t, sawCancelled)
	require.NotNil(t, done)
	assert.Equal(t, "failed", done["status"])
	assert.Contains(t, done["error"], "cancelled")
}

func TestStdioCancelRightAfterAnalyze(t *testing.T) {
	gw := &stubGateway{respond: func(ctx context.Context, _ int, _ engine.CallRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	in := commandLine(t, map[string]any{
		"type": "analyze", "request_id": "r1", "query": "slow", "files": []string{testCSV(t)},
	}) + `{"type":"cancel","request_id":"r1"}` + "\n"
	out := &bytes.Buffer{}
	runner := newStdIORunner(strings.NewReader(in), out, newTestAnalyst(t, gw), gw, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Run(ctx))

	r1 := eventsFor(decodeEvents(t, out.String()), "r1")
	var (
		sawCancelled bool
		done         map[string]any
	)
	for _, ev := range r1 {
		switch ev["type"] {
		case "cancelled":
			sawCancelled = true
		case "error":
			assert.NotEqual(t, "unknown_request", ev["kind"])
		case "done":
			done = ev
		}
	}
	assert.True(t, sawCancelled)
	require.NotNil(t, done)
	assert.Equal(t, "failed", done["status"])
}

func TestStdioDuplicateRequestID(t *testing.T) {
	release := make(chan struct{})
	gw := &stubGateway{respond: func(ctx context.Context, _ int, _ engine.CallRequest) (string, error) {
		select {
		case <-release:
			return "pong", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	in := commandLine(t, map[string]any{"type": "ask", "request_id": "q1", "prompt": "ping"}) +
		commandLine(t, map[string]any{"type": "ask", "request_id": "q1", "prompt": "again"})
	out := &bytes.Buffer{}
	runner := newStdIORunner(strings.NewReader(in), out, newTestAnalyst(t, gw), gw, nil)

	time.AfterFunc(200*time.Millisecond, func() { close(release) })
	require.NoError(t, runner.Run(context.Background()))

	q1 := eventsFor(decodeEvents(t, out.String()), "q1")
	var types []string
	for _, ev := range q1 {
		types = append(types, ev["type"].(string))
	}
	assert.ElementsMatch(t, []string{"error", "answer"}, types)
	assert.Equal(t, 1, gw.n)
}
