package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/analyst/internal/engine"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIClient implements engine.LLMClient on the OpenAI chat completions API.
// Any OpenAI-compatible endpoint (DeepSeek, Groq, Ollama, LM Studio, ...) works
// through baseURL.
type OpenAIClient struct {
	name    string
	client  *openai.Client
	baseURL string
}

// NewOpenAIClient creates a client. name identifies the provider in errors.
func NewOpenAIClient(name, apiKey, baseURL string) (*OpenAIClient, error) {
	if name == "" {
		name = KindOpenAI
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAIClient{
		name:    name,
		client:  openai.NewClientWithConfig(config),
		baseURL: baseURL,
	}, nil
}

// Chat implements engine.LLMClient.
func (c *OpenAIClient) Chat(ctx context.Context, modelName string, messages []engine.ChatMessage, opts engine.ChatOptions) (engine.LLMResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case engine.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case engine.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if opts.Temperature > 0 {
		temperature := opts.Temperature
		req.Temperature = &temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		status, retryAfter := openAIErrorMetadata(err)
		return engine.LLMResponse{}, engine.NewProviderError(c.name, err, status, retryAfter)
	}

	if len(resp.Choices) == 0 {
		return engine.LLMResponse{}, &engine.ProviderMalformedResponseError{ProviderError: engine.ProviderError{
			Provider: c.name,
			Err:      fmt.Errorf("empty response: no choices"),
		}}
	}
	choice := resp.Choices[0]

	finishReason := "stop"
	switch choice.FinishReason {
	case openai.FinishReasonLength:
		finishReason = "length"
	case openai.FinishReasonContentFilter:
		finishReason = "content_filter"
	}

	return engine.LLMResponse{
		Content: choice.Message.Content,
		Usage: engine.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		FinishReason: finishReason,
	}, nil
}

// openAIErrorMetadata reads the HTTP status from the SDK error types and
// falls back to the error text for everything else.
func openAIErrorMetadata(err error) (int, string) {
	status, retryAfter := extractErrorMetadata(err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode, retryAfter
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode, retryAfter
	}
	return status, retryAfter
}
