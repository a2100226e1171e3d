package engine

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// MessageRole represents the role of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is the provider-agnostic message we pass around.
type ChatMessage struct {
	Role    MessageRole
	Content string
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// LLMResponse is a normalized result of one chat call.
type LLMResponse struct {
	Content      string
	Usage        Usage
	FinishReason string // "stop" | "length" | "content_filter"
}

// ChatOptions keeps knobs forwarded to the SDK.
type ChatOptions struct {
	Temperature     float32
	MaxOutputTokens int
}

// LLMClient abstracts one provider SDK (OpenAI, Anthropic, ...).
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (LLMResponse, error)
}

// CallRequest is a single gateway invocation.
type CallRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration // per provider attempt; 0 means no extra bound

	// OnRetry, when set, is told about every backoff the gateway sleeps through.
	OnRetry func(provider string, attempt int, delay time.Duration, err error)
}

// LLMGateway turns one prompt into one completion, hiding provider failover.
type LLMGateway interface {
	Call(ctx context.Context, req CallRequest) (string, error)
}

// Sandbox is the execution context owned by one task.
type Sandbox interface {
	Execute(ctx context.Context, code string) sandbox.Result
	KernelDir() string    // working directory as seen by the code
	InputPaths() []string // input files as seen by the code
	Artifacts() []string
	Close() error
}

// SandboxFactory opens one Sandbox per task.
type SandboxFactory interface {
	Open(ctx context.Context, spec sandbox.SessionSpec) (Sandbox, error)
}

// SandboxFactoryFunc adapts a function to SandboxFactory.
type SandboxFactoryFunc func(ctx context.Context, spec sandbox.SessionSpec) (Sandbox, error)

func (f SandboxFactoryFunc) Open(ctx context.Context, spec sandbox.SessionSpec) (Sandbox, error) {
	return f(ctx, spec)
}

// ManagerFactory opens kernel sessions through a sandbox.Manager.
func ManagerFactory(m *sandbox.Manager) SandboxFactory {
	return SandboxFactoryFunc(func(ctx context.Context, spec sandbox.SessionSpec) (Sandbox, error) {
		s, err := m.Open(ctx, spec)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// PathMode controls how input file paths are shown to the model.
type PathMode string

const (
	PathAbsolute PathMode = "absolute"
	PathRelative PathMode = "relative"
)

// Status is the terminal state of a task.
type Status string

const (
	StatusDone      Status = "done"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
)

// Request is what a caller hands to Analyze.
type Request struct {
	Query     string   `json:"query"`
	Files     []string `json:"files"`
	MaxRounds int      `json:"max_rounds,omitempty"` // <=0 uses Config.MaxRounds
	PathMode  PathMode `json:"path_mode,omitempty"`
	OutputDir string   `json:"output_dir,omitempty"` // empty uses Config.OutputDir
}

// Task is the immutable description of one Analyze invocation.
type Task struct {
	ID        string
	Query     string
	Files     []string // absolute host paths
	WorkDir   string
	MaxRounds int
	PathMode  PathMode
}

// ActionKind tags the variant held by an Action.
type ActionKind string

const (
	ActionRunCode     ActionKind = "run_code"
	ActionFinalAnswer ActionKind = "final_answer"
)

// Action is what the model asked for in one response.
type Action struct {
	Kind ActionKind `json:"kind"`
	Code string     `json:"code,omitempty"`
	Text string     `json:"text,omitempty"`
}

// RunCode builds a code action.
func RunCode(code string) Action { return Action{Kind: ActionRunCode, Code: code} }

// FinalAnswer builds a final answer action.
func FinalAnswer(text string) Action { return Action{Kind: ActionFinalAnswer, Text: text} }

// Round is one prompt→action→result cycle. Rounds are never mutated once appended.
type Round struct {
	Index     int             `json:"index"`
	Prompt    string          `json:"prompt"`
	Response  string          `json:"response"`
	Action    Action          `json:"action"`
	Result    *sandbox.Result `json:"result,omitempty"`
	Err       string          `json:"error,omitempty"` // recoverable round failure (e.g. model call timed out)
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// Failed reports whether the round ended without a usable result.
func (r Round) Failed() bool {
	if r.Err != "" {
		return true
	}
	return r.Result != nil && !r.Result.Success
}

// Result is the structured outcome of Analyze. It is produced exactly once per task.
type Result struct {
	TaskID      string   `json:"task_id"`
	Query       string   `json:"query"`
	FinalReport string   `json:"final_report"`
	Status      Status   `json:"status"`
	RoundCount  int      `json:"round_count"`
	Artifacts   []string `json:"artifacts"`
	WorkDir     string   `json:"work_dir"`
	Rounds      []Round  `json:"rounds,omitempty"`
	Error       string   `json:"error,omitempty"`
}
