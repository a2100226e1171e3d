package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Result is the outcome of one code submission. It is always returned, even
// when the kernel crashed or timed out; Success tells the caller which.
type Result struct {
	Success      bool          `json:"success"`
	Stdout       string        `json:"stdout"`
	ErrorSummary string        `json:"error_summary,omitempty"` // "ExcType: message (line N)"
	Traceback    string        `json:"traceback,omitempty"`
	NewArtifacts []string      `json:"new_artifacts,omitempty"` // host paths created or modified by this execution
	TimedOut     bool          `json:"timed_out,omitempty"`
	Reset        bool          `json:"reset,omitempty"` // the kernel was restarted before this execution
	Duration     time.Duration `json:"duration"`
}

// Err converts a failed result into the matching typed error. Nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.TimedOut {
		return &TimeoutError{Summary: r.ErrorSummary, After: r.Duration}
	}
	return &ExecutionError{Summary: r.ErrorSummary, Traceback: r.Traceback}
}

// SessionSpec describes the environment one task's kernel runs in.
type SessionSpec struct {
	WorkDir       string   // absolute host directory; the kernel's cwd and artifact root
	Inputs        []string // absolute host paths of the input files
	RelativePaths bool     // show inputs to the kernel relative to its working directory
}

// Layout is how a SessionSpec looks from inside the kernel.
type Layout struct {
	WorkDir string
	Inputs  []string // parallel to SessionSpec.Inputs
}

// Process is a running kernel: a line-delimited JSON protocol over stdin and
// stdout, plus out-of-band signals.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	// Interrupt raises KeyboardInterrupt inside the kernel, keeping its state.
	Interrupt(ctx context.Context) error
	// Kill terminates the kernel and releases everything it holds.
	Kill(ctx context.Context) error
	// Stderr returns the tail of the kernel's stderr, for diagnostics.
	Stderr() string
}

// Runner starts kernels. Implementations provide different isolation levels.
type Runner interface {
	Name() string
	Layout(spec SessionSpec) Layout
	Start(ctx context.Context, spec SessionSpec) (Process, error)
}

// TruncateMiddle keeps the head and tail of s so the total stays within max
// bytes. max <= 0 disables truncation.
func TruncateMiddle(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	marker := fmt.Sprintf("\n... [%d characters truncated] ...\n", len(s)-max)
	head := max * 2 / 3
	tail := max - head
	return strings.ToValidUTF8(s[:head], "") + marker + strings.ToValidUTF8(s[len(s)-tail:], "")
}
