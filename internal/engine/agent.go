package engine

import (
	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/prompts"
	"github.com/ChamsBouzaiene/analyst/internal/session"
)

// Analyst runs analysis tasks: it drives the model and one sandbox per task
// until the model answers or the round budget runs out.
// An Analyst holds no per-task state and may run many tasks concurrently.
type Analyst struct {
	gw        LLMGateway
	sandboxes SandboxFactory
	cfg       Config
	hooks     Hooks
	log       *zap.Logger
	tokenizer Tokenizer
	prompts   *prompts.PromptRegistry
	store     *session.Store
}

// Option customizes an Analyst.
type Option func(*Analyst)

// WithHooks appends observability hooks.
func WithHooks(hooks ...Hook) Option {
	return func(a *Analyst) {
		a.hooks = append(a.hooks, hooks...)
	}
}

// WithLogger sets the logger used for loop diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyst) {
		if l != nil {
			a.log = l
		}
	}
}

// WithTokenizer overrides the tokenizer used for the prompt budget.
func WithTokenizer(t Tokenizer) Option {
	return func(a *Analyst) {
		if t != nil {
			a.tokenizer = t
		}
	}
}

// WithPromptRegistry overrides the prompt registry (defaults to prompts.DefaultRegistry).
func WithPromptRegistry(r *prompts.PromptRegistry) Option {
	return func(a *Analyst) {
		if r != nil {
			a.prompts = r
		}
	}
}

// NewAnalyst creates an Analyst from a gateway, a sandbox factory and the loop configuration.
func NewAnalyst(gw LLMGateway, sandboxes SandboxFactory, cfg Config, opts ...Option) *Analyst {
	cfg = cfg.withDefaults()
	a := &Analyst{
		gw:        gw,
		sandboxes: sandboxes,
		cfg:       cfg,
		log:       zap.NewNop(),
		prompts:   prompts.DefaultRegistry(),
		store:     session.NewStore(cfg.OutputDir),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tokenizer == nil {
		a.tokenizer = GetTokenizerForModel(cfg.Model)
	}
	return a
}

// Config returns the effective loop configuration.
func (a *Analyst) Config() Config { return a.cfg }
