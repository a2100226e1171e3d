package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/session"
)

func writeTestConfig(t *testing.T, outputDir string) string {
	t.Helper()
	body := `
providers:
  - name: primary
    kind: openai
    credential: sk-test
    model: gpt-4o-mini
    priority: 1
  - name: local
    kind: ollama
    priority: 2
sandbox:
  mode: host
  exec_timeout: 10s
logging:
  level: error
output_dir: ` + outputDir + "\n"
	path := filepath.Join(t.TempDir(), "analyst.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestDoctorWithHostSandbox(t *testing.T) {
	path := writeTestConfig(t, t.TempDir())

	out, err := execute(t, "doctor", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "Config OK. Providers: 2")
	require.Contains(t, out, "primary (openai, model gpt-4o-mini, credential set)")
	require.Contains(t, out, "local (ollama, model llama3.1, credential set)")
	require.Contains(t, out, "Sandbox: host")
}

func TestDoctorMissingConfig(t *testing.T) {
	_, err := execute(t, "doctor", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestHistoryAndShow(t *testing.T) {
	outputDir := t.TempDir()
	path := writeTestConfig(t, outputDir)

	out, err := execute(t, "history", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "No tasks")

	store := session.NewStore(outputDir)
	id, dir, err := store.Allocate()
	require.NoError(t, err)
	require.NoError(t, store.SaveResult(dir, engine.Result{
		TaskID:      id,
		Query:       "sum column A",
		FinalReport: "The sum is 6.",
		Status:      engine.StatusDone,
		RoundCount:  2,
		Artifacts:   []string{filepath.Join(dir, "chart.png")},
		WorkDir:     dir,
	}))

	out, err = execute(t, "history", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, id)
	require.Contains(t, out, "done")
	require.Contains(t, out, "sum column A")

	out, err = execute(t, "show", id, "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "The sum is 6.")
	require.Contains(t, out, "status: done, rounds: 2")
	require.Contains(t, out, "  - chart.png")

	_, err = execute(t, "show", "session_missing", "--config", path)
	require.Error(t, err)
}

func TestResultError(t *testing.T) {
	require.NoError(t, resultError(engine.Result{Status: engine.StatusDone}))
	require.NoError(t, resultError(engine.Result{Status: engine.StatusExhausted}))
	err := resultError(engine.Result{Status: engine.StatusFailed, Error: "boom"})
	require.EqualError(t, err, "analysis failed: boom")
}

func TestOneLine(t *testing.T) {
	require.Equal(t, "a b", oneLine("a\nb", 10))
	require.Equal(t, "abcd…", oneLine("abcdefgh", 5))
}
