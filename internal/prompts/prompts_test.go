package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinPromptsRender(t *testing.T) {
	reg := DefaultRegistry()

	system, err := Render(reg, AnalysisSystemID, PromptV1, nil)
	require.NoError(t, err)
	assert.Contains(t, system, "```python")

	task, err := Render(reg, AnalysisTaskID, PromptV1, map[string]string{"query": "sum {{workdir}}", "workdir": "/work"})
	require.NoError(t, err)
	assert.Contains(t, task, "sum {{workdir}}")
	assert.Contains(t, task, "/work")

	wrap, err := Render(reg, AnalysisWrapUpID, PromptV1, map[string]string{"max_rounds": "7"})
	require.NoError(t, err)
	assert.Contains(t, wrap, "7 rounds")
}

func TestRenderMissingVariable(t *testing.T) {
	_, err := Render(DefaultRegistry(), AnalysisTaskID, PromptV1, map[string]string{"query": "q"})
	require.ErrorContains(t, err, "workdir")
}

func TestBuilderSections(t *testing.T) {
	reg := NewPromptRegistry()
	reg.Register(&Prompt{ID: "p", Version: PromptV1, Content: "Hello {{name}}"})

	b, err := NewPromptBuilder(reg, "p", PromptV1)
	require.NoError(t, err)
	out, err := b.SetVariable("name", "Ada").
		AddSection("Files", "- a.csv").
		AddSection("Empty", "  ").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada\n\n## Files\n- a.csv", out)
}

func TestRegistryVersions(t *testing.T) {
	reg := NewPromptRegistry()
	reg.Register(&Prompt{ID: "p", Version: "1.9.0", Content: "a"})
	reg.Register(&Prompt{ID: "p", Version: "1.10.0", Content: "b", Deprecated: true})
	reg.Register(&Prompt{ID: "p", Version: "1.2.0", Content: "c"})
	reg.Register(&Prompt{ID: "q", Version: PromptV1, Content: "d"})
	reg.Register(nil)

	assert.Equal(t, []PromptVersion{"1.2.0", "1.9.0", "1.10.0"}, reg.Versions("p"))
	assert.Equal(t, []string{"p", "q"}, reg.List())

	latest, err := reg.GetLatest("p")
	require.NoError(t, err)
	assert.Equal(t, "a", latest.Content)

	_, err = reg.Get("p", "3.0.0")
	require.Error(t, err)
	_, err = reg.GetLatest("missing")
	require.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	p := &Prompt{Content: "{{b}} and {{a}} and {{b}} but not {x}"}
	assert.Equal(t, []string{"a", "b"}, p.Placeholders())
}
