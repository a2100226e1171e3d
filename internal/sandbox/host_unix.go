//go:build !windows
// +build !windows

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// HostRunner runs the kernel as a host subprocess in its own process group.
// Isolation is per process: each task gets a separate interpreter, but the
// code can still reach anything the current user can.
type HostRunner struct {
	config Config
}

// NewHostRunner creates a host runner.
func NewHostRunner(config Config) *HostRunner {
	return &HostRunner{config: config.withDefaults()}
}

// Name implements Runner.
func (r *HostRunner) Name() string { return string(ModeHost) }

// Layout implements Runner. On the host the kernel sees the real paths.
func (r *HostRunner) Layout(spec SessionSpec) Layout {
	l := Layout{WorkDir: spec.WorkDir, Inputs: make([]string, len(spec.Inputs))}
	for i, in := range spec.Inputs {
		l.Inputs[i] = kernelInputPath(spec, l.WorkDir, in)
	}
	return l
}

// Start implements Runner.
func (r *HostRunner) Start(ctx context.Context, spec SessionSpec) (Process, error) {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	cmd := exec.Command(r.config.Python, "-u", "-c", kernelSource)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), kernelEnv(r.config)...)
	// Create a new process group so we can kill all child processes on close
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// A plain pipe rather than StdoutPipe: Wait must not close the read side
	// while the protocol reader is still draining it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdoutW
	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start %s: %w", r.config.Python, err)
	}
	stdoutW.Close()

	p := &hostProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type hostProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error
	once    sync.Once
}

func (p *hostProcess) Stdin() io.Writer  { return p.stdin }
func (p *hostProcess) Stdout() io.Reader { return p.stdout }
func (p *hostProcess) Stderr() string    { return p.stderr.String() }

func (p *hostProcess) Interrupt(_ context.Context) error {
	select {
	case <-p.exited:
		return fmt.Errorf("kernel already exited")
	default:
	}
	return p.cmd.Process.Signal(syscall.SIGINT)
}

func (p *hostProcess) Kill(ctx context.Context) error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		// Kill the entire process group (negative PID)
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-p.exited:
		case <-ctx.Done():
		}
		_ = p.stdout.Close()
	})
	return nil
}
