package prompts

import (
	"regexp"
	"sort"
)

// PromptVersion identifies one revision of a prompt ("1.0.0").
type PromptVersion string

const (
	PromptV1 PromptVersion = "1.0.0"
)

// Prompt is one registered template. Placeholders are written {{name}}.
type Prompt struct {
	ID          string
	Version     PromptVersion
	Content     string
	Description string
	Tags        []string
	Deprecated  bool
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Placeholders lists the variable names the template expects, sorted.
func (p *Prompt) Placeholders() []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(p.Content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}
