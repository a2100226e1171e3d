package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/observability"
)

// Provider is one model endpoint the gateway may call.
type Provider struct {
	Name              string
	Client            engine.LLMClient
	Model             string
	Priority          int // lower is tried first
	RequestsPerMinute int // 0 means unlimited
}

// ProviderStats is a snapshot of one provider's counters.
type ProviderStats struct {
	Name           string        `json:"name"`
	Model          string        `json:"model"`
	Calls          int64         `json:"calls"`
	Failures       int64         `json:"failures"`
	RateLimited    int64         `json:"rate_limited"`
	Retries        int64         `json:"retries"`
	LastRetryAfter time.Duration `json:"last_retry_after"`
}

type providerSlot struct {
	Provider
	limiter *rate.Limiter

	calls          atomic.Int64
	failures       atomic.Int64
	rateLimited    atomic.Int64
	retries        atomic.Int64
	lastRetryAfter atomic.Int64
}

// Gateway implements engine.LLMGateway over an ordered provider list.
// It is safe for concurrent use; the only state shared between calls is the
// per-provider rate limiter and counters.
type Gateway struct {
	providers []*providerSlot
	policy    engine.RetryPolicy
	log       *zap.Logger
	metrics   *observability.Metrics
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithGatewayMetrics records provider calls, failures and retries.
func WithGatewayMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

var errEmptyCompletion = errors.New("empty response: completion has no text")

// NewGateway orders providers by Priority. Ties keep the given order.
func NewGateway(providers []Provider, policy engine.RetryPolicy, opts ...GatewayOption) *Gateway {
	slots := make([]*providerSlot, 0, len(providers))
	for _, p := range providers {
		slot := &providerSlot{Provider: p}
		if p.RequestsPerMinute > 0 {
			slot.limiter = rate.NewLimiter(rate.Limit(float64(p.RequestsPerMinute)/60.0), 1)
		}
		slots = append(slots, slot)
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Priority < slots[j].Priority
	})

	g := &Gateway{
		providers: slots,
		policy:    policy,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Providers returns provider names in the order they are tried.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for _, p := range g.providers {
		names = append(names, p.Name)
	}
	return names
}

// Stats returns a snapshot of every provider's counters, in try order.
func (g *Gateway) Stats() []ProviderStats {
	out := make([]ProviderStats, 0, len(g.providers))
	for _, p := range g.providers {
		out = append(out, ProviderStats{
			Name:           p.Name,
			Model:          p.Model,
			Calls:          p.calls.Load(),
			Failures:       p.failures.Load(),
			RateLimited:    p.rateLimited.Load(),
			Retries:        p.retries.Load(),
			LastRetryAfter: time.Duration(p.lastRetryAfter.Load()),
		})
	}
	return out
}

// Call implements engine.LLMGateway. Providers are tried in order, each with
// its own retry budget. When every provider fails the result is a single
// *engine.AllProvidersExhaustedError.
func (g *Gateway) Call(ctx context.Context, req engine.CallRequest) (string, error) {
	failures := make([]engine.ProviderFailure, 0, len(g.providers))

	for _, p := range g.providers {
		attempts := 0
		text, err := engine.RetryWithPolicy(ctx, g.policy,
			func(ctx context.Context) (string, error) {
				attempts++
				return g.attempt(ctx, p, req)
			},
			engine.ClassifyLLMError,
			func(attempt int, delay time.Duration, err error) {
				p.retries.Add(1)
				g.metrics.RecordProviderRetry(p.Name)
				g.log.Debug("retrying provider",
					zap.String("provider", p.Name),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.String("kind", engine.FailureKind(err)),
					zap.Error(err),
				)
				if req.OnRetry != nil {
					req.OnRetry(p.Name, attempt, delay, err)
				}
			},
		)
		if err == nil {
			return text, nil
		}

		failures = append(failures, engine.ProviderFailure{Provider: p.Name, Attempts: attempts, Err: err})
		if ctx.Err() != nil {
			break
		}
		g.log.Warn("provider failed, trying next",
			zap.String("provider", p.Name),
			zap.Int("attempts", attempts),
			zap.String("kind", engine.FailureKind(err)),
			zap.Error(err),
		)
	}

	return "", &engine.AllProvidersExhaustedError{Failures: failures}
}

func (g *Gateway) attempt(ctx context.Context, p *providerSlot, req engine.CallRequest) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &engine.ProviderRateLimitError{ProviderError: engine.ProviderError{
				Provider: p.Name,
				Err:      fmt.Errorf("local rate limit: %w", err),
			}}
		}
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := make([]engine.ChatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, engine.ChatMessage{Role: engine.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, engine.ChatMessage{Role: engine.RoleUser, Content: req.Prompt})

	p.calls.Add(1)
	start := time.Now()
	resp, err := p.Client.Chat(callCtx, p.Model, messages, engine.ChatOptions{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	})
	latency := time.Since(start)

	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = &engine.ProviderMalformedResponseError{ProviderError: engine.ProviderError{
			Provider: p.Name,
			Err:      errEmptyCompletion,
		}}
	}
	if err != nil {
		err = g.classify(ctx, callCtx, p, req, err)
		g.metrics.RecordProviderCall(p.Name, engine.FailureKind(err), latency)
		return "", err
	}

	g.metrics.RecordProviderCall(p.Name, "", latency)
	return resp.Content, nil
}

// classify turns a client failure into the typed taxonomy and updates the
// provider's counters.
func (g *Gateway) classify(ctx, callCtx context.Context, p *providerSlot, req engine.CallRequest, err error) error {
	switch {
	case ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		err = &engine.ProviderTransientError{ProviderError: engine.ProviderError{
			Provider: p.Name,
			Err:      fmt.Errorf("attempt timed out after %s: %w", req.Timeout, err),
		}}
	case engine.FailureKind(err) == "unknown":
		err = engine.NewProviderError(p.Name, err, 0, "")
	}

	p.failures.Add(1)
	var rateErr *engine.ProviderRateLimitError
	if errors.As(err, &rateErr) {
		p.rateLimited.Add(1)
		p.lastRetryAfter.Store(int64(rateErr.RetryAfter))
	}
	return err
}
