package prompts

import (
	"fmt"
	"strings"
)

// PromptBuilder composes a registered prompt with extra sections and fills
// its placeholders.
type PromptBuilder struct {
	base      *Prompt
	fragments []string
	variables map[string]string
}

// NewPromptBuilder starts from a registered prompt.
func NewPromptBuilder(registry *PromptRegistry, id string, version PromptVersion) (*PromptBuilder, error) {
	base, err := registry.Get(id, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get base prompt: %w", err)
	}
	return &PromptBuilder{
		base:      base,
		variables: make(map[string]string),
	}, nil
}

// AddFragment appends raw text after the base prompt. Fragments are not
// templated.
func (b *PromptBuilder) AddFragment(text string) *PromptBuilder {
	b.fragments = append(b.fragments, text)
	return b
}

// AddSection appends a titled fragment. Empty bodies are skipped.
func (b *PromptBuilder) AddSection(title, body string) *PromptBuilder {
	if strings.TrimSpace(body) == "" {
		return b
	}
	return b.AddFragment(fmt.Sprintf("## %s\n%s", title, body))
}

// SetVariable sets the value of a {{key}} placeholder.
func (b *PromptBuilder) SetVariable(key, value string) *PromptBuilder {
	b.variables[key] = value
	return b
}

// Build fills every placeholder of the base prompt in one pass, so values
// that happen to contain {{...}} are left alone. A placeholder without a
// value is an error.
func (b *PromptBuilder) Build() (string, error) {
	var missing []string
	for _, name := range b.base.Placeholders() {
		if _, ok := b.variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt %s: missing variables %s", b.base.ID, strings.Join(missing, ", "))
	}

	body := placeholderRe.ReplaceAllStringFunc(b.base.Content, func(m string) string {
		return b.variables[m[2:len(m)-2]]
	})
	return strings.Join(append([]string{body}, b.fragments...), "\n\n"), nil
}

// Render builds a registered prompt with the given variables in one step.
func Render(registry *PromptRegistry, id string, version PromptVersion, vars map[string]string) (string, error) {
	b, err := NewPromptBuilder(registry, id, version)
	if err != nil {
		return "", err
	}
	for k, v := range vars {
		b.SetVariable(k, v)
	}
	return b.Build()
}
