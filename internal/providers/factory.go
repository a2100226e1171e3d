package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
)

// Provider kinds. Every kind except anthropic speaks the OpenAI protocol.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// ProviderConfig is one entry of the ordered provider list.
type ProviderConfig struct {
	Name              string `mapstructure:"name" json:"name"`
	Kind              string `mapstructure:"kind" json:"kind"`
	Endpoint          string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	Credential        string `mapstructure:"credential" json:"-"`
	Model             string `mapstructure:"model" json:"model,omitempty"`
	Priority          int    `mapstructure:"priority" json:"priority"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" json:"requests_per_minute,omitempty"`
}

type kindDefaults struct {
	endpoint string
	model    string
	keyless  bool // local servers accept any key
}

var knownKinds = map[string]kindDefaults{
	KindOpenAI:    {model: "gpt-4o-mini"},
	KindAnthropic: {model: "claude-3-5-sonnet-latest"},
	"kimi":        {endpoint: "https://ark.ap-southeast.bytepluses.com/api/v3", model: "kimi-k2-250711"},
	"gemini":      {endpoint: "https://generativelanguage.googleapis.com/v1beta/openai", model: "gemini-1.5-flash"},
	"glm":         {endpoint: "https://open.bigmodel.cn/api/paas/v4", model: "glm-4-plus"},
	"minimax":     {endpoint: "https://api.minimax.chat/v1", model: "abab6.5s-chat"},
	"deepseek":    {endpoint: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	"groq":        {endpoint: "https://api.groq.com/openai/v1", model: "llama-3.1-70b-versatile"},
	"lmstudio":    {endpoint: "http://localhost:1234/v1", model: "local-model", keyless: true},
	"ollama":      {endpoint: "http://localhost:11434/v1", model: "llama3.1", keyless: true},
}

// Kinds lists the supported provider kinds, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(knownKinds))
	for k := range knownKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve fills the kind's default endpoint and model.
func (c ProviderConfig) Resolve() (ProviderConfig, error) {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = KindOpenAI
	}
	d, ok := knownKinds[c.Kind]
	if !ok {
		return c, fmt.Errorf("unknown provider kind %q (supported: %s)", c.Kind, strings.Join(Kinds(), ", "))
	}
	if c.Name == "" {
		c.Name = c.Kind
	}
	if c.Endpoint == "" {
		c.Endpoint = d.endpoint
	}
	if c.Model == "" {
		c.Model = d.model
	}
	if c.Credential == "" && d.keyless {
		c.Credential = c.Kind
	}
	return c, nil
}

// NewClient builds the SDK client for one resolved provider.
// A provider without credential gets a client that fails every call with an
// authorization error, so the gateway skips it without retrying.
func NewClient(c ProviderConfig) (engine.LLMClient, error) {
	c, err := c.Resolve()
	if err != nil {
		return nil, err
	}
	if c.Credential == "" {
		return missingCredential{name: c.Name}, nil
	}
	if c.Kind == KindAnthropic {
		return NewAnthropicClient(c.Name, c.Credential, c.Endpoint)
	}
	return NewOpenAIClient(c.Name, c.Credential, c.Endpoint)
}

// NewProviders builds gateway providers from configuration, in configuration order.
func NewProviders(cfgs []ProviderConfig) ([]Provider, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no providers configured")
	}
	out := make([]Provider, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for i, c := range cfgs {
		resolved, err := c.Resolve()
		if err != nil {
			return nil, fmt.Errorf("provider %d: %w", i, err)
		}
		if seen[resolved.Name] {
			return nil, fmt.Errorf("provider %d: duplicate name %q", i, resolved.Name)
		}
		seen[resolved.Name] = true

		client, err := NewClient(resolved)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", resolved.Name, err)
		}
		out = append(out, Provider{
			Name:              resolved.Name,
			Client:            client,
			Model:             resolved.Model,
			Priority:          resolved.Priority,
			RequestsPerMinute: resolved.RequestsPerMinute,
		})
	}
	return out, nil
}

type missingCredential struct{ name string }

func (m missingCredential) Chat(context.Context, string, []engine.ChatMessage, engine.ChatOptions) (engine.LLMResponse, error) {
	return engine.LLMResponse{}, &engine.ProviderAuthError{ProviderError: engine.ProviderError{
		Provider: m.name,
		Err:      errors.New("api key not set"),
	}}
}
