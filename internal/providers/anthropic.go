package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ChamsBouzaiene/analyst/internal/engine"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient implements engine.LLMClient on the Anthropic messages API.
type AnthropicClient struct {
	name   string
	client *anthropic.Client
}

// NewAnthropicClient creates a client. An empty baseURL uses the public API.
func NewAnthropicClient(name, apiKey, baseURL string) (*AnthropicClient, error) {
	if name == "" {
		name = KindAnthropic
	}
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}

	return &AnthropicClient{
		name:   name,
		client: anthropic.NewClient(apiKey, opts...),
	}, nil
}

// Chat implements engine.LLMClient. System messages become the request's
// system parts; the API has no system role inside the conversation.
func (c *AnthropicClient) Chat(ctx context.Context, modelName string, messages []engine.ChatMessage, opts engine.ChatOptions) (engine.LLMResponse, error) {
	var systemParts []anthropic.MessageSystemPart
	var msgs []anthropic.Message

	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Content,
			})
		case engine.RoleAssistant:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
		default:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
		}
	}

	maxTokens := defaultAnthropicMaxTokens
	if opts.MaxOutputTokens > 0 {
		maxTokens = opts.MaxOutputTokens
	}
	temperature := opts.Temperature

	req := anthropic.MessagesRequest{
		Model:       anthropic.Model(modelName),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if len(systemParts) > 0 {
		req.MultiSystem = systemParts
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		status, retryAfter := anthropicErrorMetadata(err)
		return engine.LLMResponse{}, engine.NewProviderError(c.name, err, status, retryAfter)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	if text.Len() == 0 {
		return engine.LLMResponse{}, &engine.ProviderMalformedResponseError{ProviderError: engine.ProviderError{
			Provider: c.name,
			Err:      fmt.Errorf("empty response: stop reason %q", resp.StopReason),
		}}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finishReason = "length"
	case "content_filtered":
		finishReason = "content_filter"
	}

	return engine.LLMResponse{
		Content: text.String(),
		Usage: engine.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: finishReason,
	}, nil
}

// anthropicErrorMetadata maps the SDK's typed errors to an HTTP status.
func anthropicErrorMetadata(err error) (int, string) {
	status, retryAfter := extractErrorMetadata(err)

	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode > 0 {
		return reqErr.StatusCode, retryAfter
	}

	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimitErr():
			return http.StatusTooManyRequests, retryAfter
		case apiErr.IsOverloadedErr(), apiErr.IsApiErr():
			return http.StatusServiceUnavailable, retryAfter
		case apiErr.IsAuthenticationErr():
			return http.StatusUnauthorized, retryAfter
		case apiErr.IsPermissionErr():
			return http.StatusForbidden, retryAfter
		case apiErr.IsNotFoundErr():
			return http.StatusNotFound, retryAfter
		case apiErr.IsInvalidRequestErr():
			return http.StatusBadRequest, retryAfter
		}
	}
	return status, retryAfter
}
