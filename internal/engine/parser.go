package engine

import (
	"strings"
)

const fence = "```"

// pythonTags are the fence info strings treated as runnable code. The empty
// tag is included because models often omit it.
var pythonTags = map[string]bool{
	"":        true,
	"python":  true,
	"python3": true,
	"py":      true,
	"ipython": true,
}

// ParseAction turns a raw model response into the round's Action.
//
// The first non-empty python (or untagged) fenced block becomes RunCode and any
// later blocks are ignored. A fence that is never closed is treated as running
// to the end of the response. Blocks in other languages and empty blocks are
// skipped. A response without a usable block is a FinalAnswer.
func ParseAction(response string) Action {
	lines := strings.Split(strings.ReplaceAll(response, "\r\n", "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		tag, ok := openingFence(lines[i])
		if !ok {
			continue
		}

		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if isClosingFence(lines[j]) {
				closed = true
				break
			}
			body = append(body, lines[j])
		}

		code := strings.Trim(strings.Join(body, "\n"), "\n")
		if pythonTags[tag] && strings.TrimSpace(code) != "" {
			return RunCode(code)
		}
		if !closed {
			break
		}
		i = j
	}

	return FinalAnswer(strings.TrimSpace(response))
}

func openingFence(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, fence) {
		return "", false
	}
	tag := strings.TrimLeft(trimmed, "`")
	// ```python {.class} and ```python title="x" carry extra attributes.
	if idx := strings.IndexAny(tag, " \t{"); idx >= 0 {
		tag = tag[:idx]
	}
	return strings.ToLower(strings.TrimSpace(tag)), true
}

func isClosingFence(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, fence) && strings.Trim(trimmed, "`") == ""
}
