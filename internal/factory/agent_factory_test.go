package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/analyst/internal/config"
	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/observability"
	"github.com/ChamsBouzaiene/analyst/internal/providers"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Providers: []providers.ProviderConfig{
			{Name: "backup", Kind: providers.KindAnthropic, Credential: "k", Priority: 2},
			{Name: "main", Kind: providers.KindOpenAI, Credential: "k", Priority: 1},
		},
		Retry: config.RetryConfig{MaxRetries: 1, MaxMalformedRetries: 1},
		Agent: config.AgentConfig{MaxRounds: 5, MaxTokens: 1000},
		Sandbox: config.SandboxConfig{
			Mode:   "host",
			Python: "python3",
		},
		OutputDir: t.TempDir(),
	}
}

func TestBuildGatewayOrdersProviders(t *testing.T) {
	gw, err := BuildGateway(testConfig(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "backup"}, gw.Providers())
}

func TestBuildGatewayRejectsEmptyConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = nil
	_, err := BuildGateway(cfg, nil, nil)
	require.Error(t, err)
}

func TestBuildAnalystHostMode(t *testing.T) {
	cfg := testConfig(t)
	app, err := BuildAnalyst(context.Background(), cfg, nil, observability.NewMetrics(), engine.NopHook{})
	require.NoError(t, err)
	require.NotNil(t, app.Analyst)
	assert.Equal(t, "host", app.Runner.Name())
	assert.Equal(t, 5, app.Analyst.Config().MaxRounds)
	assert.Equal(t, cfg.OutputDir, app.Analyst.Config().OutputDir)
}

func TestBuildAnalystRejectsBadSandboxMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.Mode = "vm"
	_, err := BuildAnalyst(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}
