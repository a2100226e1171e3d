// Package engine provides agent orchestration functionality.
// This file contains token counting interfaces and implementations.

package engine

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer provides token counting for text.
// Different models use different tokenization schemes, so the model name is required.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the given text for the specified model.
	CountTokens(text string, model string) (int, error)
}

// EstimateTokens provides a rough token count estimation.
// Uses a simple heuristic: ~4 characters per token for English/code.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}

	charCount := len([]rune(text))
	whitespaceCount := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")

	// (characters / 4) + (whitespace / 6)
	estimated := (charCount / 4) + (whitespaceCount / 6)
	if estimated < 1 {
		return 1
	}
	return estimated
}

// DefaultTokenizer uses estimation as a fallback when no specific tokenizer is available.
type DefaultTokenizer struct{}

// CountTokens implements Tokenizer using estimation.
func (t DefaultTokenizer) CountTokens(text string, model string) (int, error) {
	return EstimateTokens(text), nil
}

// TikTokenizer counts with the BPE tables of tiktoken. Encodings are loaded
// lazily per model and cached; a model whose encoding cannot be loaded falls
// back to estimation.
type TikTokenizer struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
	bad   map[string]bool
}

// NewTikTokenizer creates an empty tokenizer cache.
func NewTikTokenizer() *TikTokenizer {
	return &TikTokenizer{
		cache: make(map[string]*tiktoken.Tiktoken),
		bad:   make(map[string]bool),
	}
}

func (t *TikTokenizer) encoding(model string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.cache[model]; ok {
		return enc
	}
	if t.bad[model] {
		return nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Non-OpenAI models: cl100k is close enough for budgeting.
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		t.bad[model] = true
		return nil
	}
	t.cache[model] = enc
	return enc
}

// CountTokens implements Tokenizer.
func (t *TikTokenizer) CountTokens(text string, model string) (int, error) {
	if text == "" {
		return 0, nil
	}
	enc := t.encoding(model)
	if enc == nil {
		return EstimateTokens(text), nil
	}
	return len(enc.EncodeOrdinary(text)), nil
}

// GetTokenizerForModel returns an appropriate tokenizer for the given model.
func GetTokenizerForModel(model string) Tokenizer {
	if model == "" {
		return DefaultTokenizer{}
	}
	return NewTikTokenizer()
}
