package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     Action
	}{
		{
			name:     "python block",
			response: "Let me load the data.\n```python\nimport pandas as pd\ndf = pd.read_csv(input_files[0])\n```\n",
			want:     RunCode("import pandas as pd\ndf = pd.read_csv(input_files[0])"),
		},
		{
			name:     "untagged block",
			response: "```\nprint(1)\n```",
			want:     RunCode("print(1)"),
		},
		{
			name:     "py tag with attributes",
			response: "```py title=\"step\"\nx = 2\n```",
			want:     RunCode("x = 2"),
		},
		{
			name:     "first of several blocks",
			response: "```python\na = 1\n```\nthen\n```python\nb = 2\n```",
			want:     RunCode("a = 1"),
		},
		{
			name:     "non python block skipped",
			response: "Here is the data:\n```csv\nA\n1\n```\n```python\nprint('ok')\n```",
			want:     RunCode("print('ok')"),
		},
		{
			name:     "empty block skipped",
			response: "```python\n\n```\n```python\ny = 3\n```",
			want:     RunCode("y = 3"),
		},
		{
			name:     "unterminated fence runs to the end",
			response: "```python\ntotal = 1 + 2\nprint(total)",
			want:     RunCode("total = 1 + 2\nprint(total)"),
		},
		{
			name:     "crlf line endings",
			response: "```python\r\nprint(6)\r\n```\r\n",
			want:     RunCode("print(6)"),
		},
		{
			name:     "plain text is the final answer",
			response: "  The sum of column A is 6.\n",
			want:     FinalAnswer("The sum of column A is 6."),
		},
		{
			name:     "only other languages is a final answer",
			response: "Result table:\n```text\nA  6\n```",
			want:     FinalAnswer("Result table:\n```text\nA  6\n```"),
		},
		{
			name:     "unterminated non python fence is a final answer",
			response: "Summary\n```json\n{\"total\": 6}",
			want:     FinalAnswer("Summary\n```json\n{\"total\": 6}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAction(tt.response))
		})
	}
}
