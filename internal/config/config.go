package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/providers"
	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// EnvPrefix prefixes every environment override (ANALYST_AGENT_MAX_ROUNDS, ...).
const EnvPrefix = "ANALYST"

// Config is the application configuration, built once at startup and passed in.
type Config struct {
	Providers []providers.ProviderConfig `mapstructure:"providers"`
	Retry     RetryConfig                `mapstructure:"retry"`
	Agent     AgentConfig                `mapstructure:"agent"`
	Sandbox   SandboxConfig              `mapstructure:"sandbox"`
	OutputDir string                     `mapstructure:"output_dir"`
	Logging   LoggingConfig              `mapstructure:"logging"`
	Metrics   MetricsConfig              `mapstructure:"metrics"`
}

// RetryConfig is the retry policy shared by every provider.
type RetryConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialDelay        time.Duration `mapstructure:"initial_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	Multiplier          float64       `mapstructure:"multiplier"`
	Jitter              bool          `mapstructure:"jitter"`
	MaxMalformedRetries int           `mapstructure:"max_malformed_retries"`
}

// AgentConfig controls the analysis loop.
type AgentConfig struct {
	MaxRounds               int           `mapstructure:"max_rounds"`
	MaxTokens               int           `mapstructure:"max_tokens"`
	Temperature             float64       `mapstructure:"temperature"`
	LLMRoundTimeout         time.Duration `mapstructure:"llm_round_timeout"`
	CallTimeout             time.Duration `mapstructure:"call_timeout"`
	InputTokenBudget        int           `mapstructure:"input_token_budget"`
	RecentRoundsInFull      int           `mapstructure:"recent_rounds_in_full"`
	FinalReportOnExhaustion bool          `mapstructure:"final_report_on_exhaustion"`
	Workers                 int           `mapstructure:"workers"` // batch concurrency
}

// SandboxConfig selects and limits the code execution kernel.
type SandboxConfig struct {
	Mode           string        `mapstructure:"mode"` // auto, docker or host
	Python         string        `mapstructure:"python"`
	DockerImage    string        `mapstructure:"docker_image"`
	CPU            string        `mapstructure:"cpu"`
	Memory         string        `mapstructure:"memory"`
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	InterruptGrace time.Duration `mapstructure:"interrupt_grace"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	MaxOutputChars int           `mapstructure:"max_output_chars"`
	IgnorePatterns []string      `mapstructure:"ignore_patterns"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultPath is the per-user config file location, searched after the working directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config dir: %w", err)
	}
	return filepath.Join(dir, "analyst", "config.yaml"), nil
}

// Load reads .env, then the config file (explicit path, or analyst.yaml in the
// working directory or the user config dir), then ANALYST_* environment
// overrides. A missing file is fine when no path was given.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("analyst")
		v.AddConfigPath(".")
		if p, err := DefaultPath(); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = providersFromEnv()
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	ed := engine.DefaultConfig()
	rp := engine.DefaultRetryPolicy()
	sd := sandbox.DefaultConfig()

	v.SetDefault("retry.max_retries", rp.MaxRetries)
	v.SetDefault("retry.initial_delay", rp.InitialDelay)
	v.SetDefault("retry.max_delay", rp.MaxDelay)
	v.SetDefault("retry.multiplier", rp.Multiplier)
	v.SetDefault("retry.jitter", rp.Jitter)
	v.SetDefault("retry.max_malformed_retries", rp.MaxMalformedRetries)

	v.SetDefault("agent.max_rounds", ed.MaxRounds)
	v.SetDefault("agent.max_tokens", ed.MaxTokens)
	v.SetDefault("agent.temperature", ed.Temperature)
	v.SetDefault("agent.llm_round_timeout", ed.LLMRoundTimeout)
	v.SetDefault("agent.call_timeout", ed.CallTimeout)
	v.SetDefault("agent.input_token_budget", ed.InputTokenBudget)
	v.SetDefault("agent.recent_rounds_in_full", ed.RecentRoundsInFull)
	v.SetDefault("agent.final_report_on_exhaustion", ed.FinalReportOnExhaustion)
	v.SetDefault("agent.workers", 4)

	v.SetDefault("sandbox.mode", string(sd.Mode))
	v.SetDefault("sandbox.python", sd.Python)
	v.SetDefault("sandbox.docker_image", "")
	v.SetDefault("sandbox.cpu", sd.CPU)
	v.SetDefault("sandbox.memory", sd.Memory)
	v.SetDefault("sandbox.exec_timeout", sd.ExecTimeout)
	v.SetDefault("sandbox.interrupt_grace", sd.InterruptGrace)
	v.SetDefault("sandbox.start_timeout", sd.StartTimeout)
	v.SetDefault("sandbox.max_output_chars", sd.MaxOutputChars)

	v.SetDefault("output_dir", ed.OutputDir)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.addr", "")
}

// providersFromEnv bootstraps the provider list from the plain provider
// variables: LLM_PROVIDER with <KIND>_API_KEY, <KIND>_MODEL and
// <KIND>_BASE_URL first, then OpenAI and Anthropic as fallbacks.
func providersFromEnv() []providers.ProviderConfig {
	var out []providers.ProviderConfig
	seen := map[string]bool{}

	add := func(kind string, keyless bool) {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" || seen[kind] {
			return
		}
		prefix := strings.ToUpper(kind)
		key := os.Getenv(prefix + "_API_KEY")
		if key == "" && !keyless {
			return
		}
		seen[kind] = true
		out = append(out, providers.ProviderConfig{
			Name:       kind,
			Kind:       kind,
			Credential: key,
			Model:      os.Getenv(prefix + "_MODEL"),
			Endpoint:   os.Getenv(prefix + "_BASE_URL"),
			Priority:   len(out),
		})
	}

	// An explicitly selected provider is kept even without key, so the
	// missing credential surfaces as an auth failure instead of silence.
	add(os.Getenv("LLM_PROVIDER"), true)
	add(providers.KindOpenAI, false)
	add(providers.KindAnthropic, false)
	return out
}

func (c *Config) normalize() {
	for i, p := range c.Providers {
		if resolved, err := p.Resolve(); err == nil {
			c.Providers[i] = resolved
		} else {
			c.Providers[i].Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		}
	}
	if c.OutputDir == "" {
		c.OutputDir = engine.DefaultConfig().OutputDir
	}
}

// Validate performs sanity checks on configuration values.
func (c *Config) Validate() error {
	if err := validateProviders(c.Providers); err != nil {
		return err
	}

	if c.Agent.MaxRounds <= 0 {
		return errors.New("agent.max_rounds must be > 0")
	}
	if c.Agent.MaxTokens <= 0 {
		return errors.New("agent.max_tokens must be > 0")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return errors.New("agent.temperature must be within [0,2]")
	}
	if c.Agent.InputTokenBudget < 0 {
		return errors.New("agent.input_token_budget must be >= 0")
	}
	if c.Agent.Workers < 0 {
		return errors.New("agent.workers must be >= 0")
	}

	if c.Retry.MaxRetries < 0 || c.Retry.MaxMalformedRetries < 0 {
		return errors.New("retry.max_retries and retry.max_malformed_retries must be >= 0")
	}

	if _, err := sandbox.ParseMode(c.Sandbox.Mode); err != nil {
		return fmt.Errorf("sandbox.mode: %w", err)
	}
	if c.Sandbox.ExecTimeout <= 0 {
		return errors.New("sandbox.exec_timeout must be > 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console or json, got %q", c.Logging.Format)
	}
	return nil
}

func providerSchema() string {
	kinds, _ := json.Marshal(providers.Kinds())
	return `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["name", "kind"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "kind": {"type": "string", "enum": ` + string(kinds) + `},
      "endpoint": {"type": "string", "pattern": "^https?://"},
      "model": {"type": "string"},
      "priority": {"type": "integer", "minimum": 0},
      "requests_per_minute": {"type": "integer", "minimum": 0}
    }
  }
}`
}

// ProviderValidationError lists every schema violation of the provider list.
type ProviderValidationError struct {
	Errors []string
}

func (e *ProviderValidationError) Error() string {
	return "invalid providers: " + strings.Join(e.Errors, "; ")
}

func validateProviders(ps []providers.ProviderConfig) error {
	if len(ps) == 0 {
		return errors.New("at least one provider must be configured (providers in the config file, or OPENAI_API_KEY / ANTHROPIC_API_KEY)")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(providerSchema()),
		gojsonschema.NewGoLoader(ps),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ProviderValidationError{Errors: msgs}
	}

	names := make(map[string]bool, len(ps))
	for _, p := range ps {
		if names[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		names[p.Name] = true
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries:          c.Retry.MaxRetries,
		InitialDelay:        c.Retry.InitialDelay,
		MaxDelay:            c.Retry.MaxDelay,
		Multiplier:          c.Retry.Multiplier,
		Jitter:              c.Retry.Jitter,
		MaxMalformedRetries: c.Retry.MaxMalformedRetries,
	}
}

// EngineConfig converts the agent section. The model name is the primary provider's.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.Config{
		MaxRounds:               c.Agent.MaxRounds,
		MaxTokens:               c.Agent.MaxTokens,
		Temperature:             float32(c.Agent.Temperature),
		LLMRoundTimeout:         c.Agent.LLMRoundTimeout,
		CallTimeout:             c.Agent.CallTimeout,
		InputTokenBudget:        c.Agent.InputTokenBudget,
		RecentRoundsInFull:      c.Agent.RecentRoundsInFull,
		FinalReportOnExhaustion: c.Agent.FinalReportOnExhaustion,
		OutputDir:               c.OutputDir,
	}
	if p, ok := c.PrimaryProvider(); ok {
		ec.Model = p.Model
	}
	return ec
}

// PrimaryProvider is the provider tried first.
func (c *Config) PrimaryProvider() (providers.ProviderConfig, bool) {
	if len(c.Providers) == 0 {
		return providers.ProviderConfig{}, false
	}
	best := c.Providers[0]
	for _, p := range c.Providers[1:] {
		if p.Priority < best.Priority {
			best = p
		}
	}
	return best, true
}

// SandboxRuntime converts the sandbox section.
func (c *Config) SandboxRuntime() (sandbox.Config, error) {
	mode, err := sandbox.ParseMode(c.Sandbox.Mode)
	if err != nil {
		return sandbox.Config{}, err
	}
	sc := sandbox.Config{
		Mode:           mode,
		Python:         c.Sandbox.Python,
		DockerImage:    c.Sandbox.DockerImage,
		CPU:            c.Sandbox.CPU,
		Memory:         c.Sandbox.Memory,
		ExecTimeout:    c.Sandbox.ExecTimeout,
		InterruptGrace: c.Sandbox.InterruptGrace,
		StartTimeout:   c.Sandbox.StartTimeout,
		MaxOutputChars: c.Sandbox.MaxOutputChars,
	}
	if len(c.Sandbox.IgnorePatterns) > 0 {
		sc.IgnorePatterns = append(sandbox.DefaultIgnorePatterns(), c.Sandbox.IgnorePatterns...)
	}
	return sc, nil
}
