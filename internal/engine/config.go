package engine

import "time"

// Config holds all loop configuration options.
type Config struct {
	Model       string  // informational, forwarded to hooks and logs
	MaxRounds   int     // default cap when Request.MaxRounds <= 0
	MaxTokens   int     // output tokens per model call
	Temperature float32 // sampling temperature per model call

	LLMRoundTimeout time.Duration // wall clock for one round's model call, retries included
	CallTimeout     time.Duration // per provider attempt, forwarded as CallRequest.Timeout

	InputTokenBudget   int // prompt budget; 0 disables truncation
	RecentRoundsInFull int // rounds kept verbatim before compaction kicks in
	MaxResultChars     int // stdout kept per compacted round

	FinalReportOnExhaustion bool   // ask the model for a wrap-up report when rounds run out
	OutputDir               string // parent of per-task working directories
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:               10,
		MaxTokens:               4096,
		Temperature:             0.1,
		LLMRoundTimeout:         3 * time.Minute,
		CallTimeout:             90 * time.Second,
		InputTokenBudget:        24000,
		RecentRoundsInFull:      3,
		MaxResultChars:          1500,
		FinalReportOnExhaustion: true,
		OutputDir:               "output",
	}
}

// withDefaults fills zero values so a partially populated Config stays usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.RecentRoundsInFull <= 0 {
		c.RecentRoundsInFull = 1
	}
	if c.MaxResultChars <= 0 {
		c.MaxResultChars = d.MaxResultChars
	}
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	return c
}

// DefaultRetryPolicy returns the policy shared by every provider.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		InitialDelay:        1 * time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2.0,
		Jitter:              true,
		MaxMalformedRetries: 1,
	}
}
