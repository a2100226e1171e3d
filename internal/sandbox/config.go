package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// Mode represents the sandbox execution mode.
type Mode string

const (
	// ModeDocker runs the kernel in a Docker container.
	ModeDocker Mode = "docker"
	// ModeHost runs the kernel as a host subprocess (process isolation only).
	ModeHost Mode = "host"
	// ModeAuto selects Docker if the daemon answers, otherwise falls back to host.
	ModeAuto Mode = "auto"
)

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDocker:
		return ModeDocker, nil
	case ModeHost:
		return ModeHost, nil
	case ModeAuto, "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown sandbox mode %q (want auto, docker or host)", s)
	}
}

// Config holds configuration for kernel sessions.
type Config struct {
	Mode           Mode
	Python         string        // interpreter for host mode
	DockerImage    string        // image override for docker mode
	CPU            string        // CPU limit (e.g., "2")
	Memory         string        // Memory limit (e.g., "1g")
	ExecTimeout    time.Duration // wall clock per execution
	InterruptGrace time.Duration // how long an interrupted kernel gets to answer before it is killed
	StartTimeout   time.Duration // kernel start plus init handshake
	MaxOutputChars int           // stdout kept per execution (head and tail)
	IgnorePatterns []string      // gitignore-style patterns excluded from artifacts
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeAuto,
		Python:         "python3",
		CPU:            "2",
		Memory:         "2g",
		ExecTimeout:    2 * time.Minute,
		InterruptGrace: 5 * time.Second,
		StartTimeout:   60 * time.Second,
		MaxOutputChars: 20000,
		IgnorePatterns: DefaultIgnorePatterns(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Python == "" {
		c.Python = d.Python
	}
	if c.CPU == "" {
		c.CPU = d.CPU
	}
	if c.Memory == "" {
		c.Memory = d.Memory
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = d.InterruptGrace
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = d.MaxOutputChars
	}
	if c.IgnorePatterns == nil {
		c.IgnorePatterns = d.IgnorePatterns
	}
	return c
}

// IsDockerAvailable checks if the Docker daemon is reachable.
func IsDockerAvailable(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = cli.Ping(pingCtx)
	return err == nil
}

// NewRunner creates a runner based on the configured mode and Docker availability.
// - "docker": Use Docker (fails if unavailable)
// - "host": Use a host subprocess
// - "auto": Use Docker if available, fallback to host
func NewRunner(ctx context.Context, config Config, logger *zap.Logger) (Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	switch config.Mode {
	case ModeDocker:
		return NewDockerRunner(ctx, config)

	case ModeHost:
		return NewHostRunner(config), nil

	case ModeAuto, "":
		if IsDockerAvailable(ctx) {
			dockerRunner, err := NewDockerRunner(ctx, config)
			if err == nil {
				return dockerRunner, nil
			}
			logger.Warn("docker available but runner creation failed, falling back to host", zap.Error(err))
		} else {
			logger.Warn("docker not available, running kernels as host subprocesses")
		}
		return NewHostRunner(config), nil

	default:
		return nil, fmt.Errorf("unknown runner mode: %s", config.Mode)
	}
}
