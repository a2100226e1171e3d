package sandbox

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

//go:embed kernel.py
var kernelSource string

const (
	stderrTail      = 8 * 1024
	responseBacklog = 16
)

func kernelEnv(cfg Config) []string {
	return []string{
		"MPLBACKEND=Agg",
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"ANALYST_MAX_CAPTURE=" + strconv.Itoa(cfg.MaxOutputChars*4),
	}
}

// kernelInputPath maps an input path as mounted for the kernel onto what the
// kernel should be told.
func kernelInputPath(spec SessionSpec, kernelWorkDir, kernelAbs string) string {
	if !spec.RelativePaths {
		return kernelAbs
	}
	if rel, err := filepath.Rel(kernelWorkDir, kernelAbs); err == nil {
		return rel
	}
	return kernelAbs
}

type kernelRequest struct {
	ID   int            `json:"id"`
	Op   string         `json:"op"`
	Code string         `json:"code,omitempty"`
	Cwd  string         `json:"cwd,omitempty"`
	Vars map[string]any `json:"vars,omitempty"`
}

type kernelResponse struct {
	ID          int    `json:"id"`
	OK          bool   `json:"ok"`
	Stdout      string `json:"stdout"`
	Error       string `json:"error"`
	Traceback   string `json:"traceback"`
	Interrupted bool   `json:"interrupted"`
}

// conn speaks the line protocol with one kernel process. The reader goroutine
// exits when the process's stdout closes, which Kill guarantees.
type conn struct {
	proc      Process
	enc       *json.Encoder
	responses chan kernelResponse
	done      chan struct{}
	readErr   error
}

func newConn(proc Process) *conn {
	c := &conn{
		proc:      proc,
		enc:       json.NewEncoder(proc.Stdin()),
		responses: make(chan kernelResponse, responseBacklog),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer close(c.done)
	br := bufio.NewReader(c.proc.Stdout())
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			var resp kernelResponse
			if jsonErr := json.Unmarshal(line, &resp); jsonErr == nil {
				select {
				case c.responses <- resp:
				default:
					// Nobody is waiting for stale replies.
				}
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *conn) send(req kernelRequest) error {
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// await waits for the reply to request id. Replies to older requests are skipped.
func (c *conn) await(ctx context.Context, id int) (kernelResponse, error) {
	for {
		select {
		case resp := <-c.responses:
			if resp.ID == id {
				return resp, nil
			}
		case <-c.done:
			// Drain anything the reader queued before it exited.
			for {
				select {
				case resp := <-c.responses:
					if resp.ID == id {
						return resp, nil
					}
				default:
					return kernelResponse{}, fmt.Errorf("kernel exited: %w", c.readErr)
				}
			}
		case <-ctx.Done():
			return kernelResponse{}, ctx.Err()
		}
	}
}

// Session is the persistent execution context of one task. Bindings made by
// one Execute are visible to the next. Executions are serialized.
type Session struct {
	runner Runner
	spec   SessionSpec
	layout Layout
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex
	proc     Process
	conn     *conn
	seq      int
	closed   bool
	restarts int

	artifacts *artifactTracker
}

// Open starts a kernel for spec and runs the init handshake.
func Open(ctx context.Context, runner Runner, spec SessionSpec, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if !filepath.IsAbs(spec.WorkDir) {
		abs, err := filepath.Abs(spec.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("resolve workdir: %w", err)
		}
		spec.WorkDir = abs
	}

	tracker, err := newArtifactTracker(spec.WorkDir, cfg.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	s := &Session{
		runner:    runner,
		spec:      spec,
		layout:    runner.Layout(spec),
		cfg:       cfg,
		log:       logger.With(zap.String("runner", runner.Name()), zap.String("workdir", spec.WorkDir)),
		artifacts: tracker,
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// start launches a kernel and injects the session variables. Caller holds mu
// or has exclusive access.
func (s *Session) start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	proc, err := s.runner.Start(startCtx, s.spec)
	if err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}
	c := newConn(proc)

	s.seq++
	id := s.seq
	err = c.send(kernelRequest{
		ID:  id,
		Op:  "init",
		Cwd: s.layout.WorkDir,
		Vars: map[string]any{
			"session_output_dir": s.layout.WorkDir,
			"input_files":        s.layout.Inputs,
		},
	})
	if err == nil {
		var resp kernelResponse
		resp, err = c.await(startCtx, id)
		if err == nil && !resp.OK {
			err = errors.New(resp.Error)
		}
	}
	if err != nil {
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		_ = proc.Kill(killCtx)
		if tail := strings.TrimSpace(proc.Stderr()); tail != "" {
			return fmt.Errorf("kernel init: %w: %s", err, lastLines(tail, 5))
		}
		return fmt.Errorf("kernel init: %w", err)
	}

	s.proc = proc
	s.conn = c
	s.log.Debug("kernel started")
	return nil
}

// KernelDir is the working directory as seen by code in the kernel.
func (s *Session) KernelDir() string { return s.layout.WorkDir }

// InputPaths returns the input paths as seen by code in the kernel.
func (s *Session) InputPaths() []string {
	return append([]string(nil), s.layout.Inputs...)
}

// Artifacts returns every file created or modified so far, as host paths.
func (s *Session) Artifacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts.all()
}

// Execute runs code in the kernel. It never returns an error: failures of the
// code, timeouts and kernel crashes all come back as a failed Result.
func (s *Session) Execute(ctx context.Context, code string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res := s.execute(ctx, code)
	res.Duration = time.Since(start)
	res.NewArtifacts = s.artifacts.scan()
	return res
}

func (s *Session) execute(ctx context.Context, code string) Result {
	if s.closed {
		return Result{ErrorSummary: ErrSessionClosed.Error()}
	}

	var res Result
	if s.conn == nil {
		if err := s.start(ctx); err != nil {
			return Result{ErrorSummary: fmt.Sprintf("KernelError: %v", err)}
		}
		s.restarts++
		res.Reset = true
		s.log.Warn("kernel restarted", zap.Int("restarts", s.restarts))
	}

	s.seq++
	id := s.seq
	if err := s.conn.send(kernelRequest{ID: id, Op: "exec", Code: code}); err != nil {
		s.discard("request write failed")
		res.ErrorSummary = fmt.Sprintf("KernelError: %v", err)
		return res
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	resp, err := s.conn.await(execCtx, id)
	if err == nil {
		return s.fromResponse(res, resp)
	}

	if execCtx.Err() == nil {
		// The kernel died under us.
		tail := lastLines(strings.TrimSpace(s.proc.Stderr()), 5)
		s.discard("kernel exited")
		res.ErrorSummary = fmt.Sprintf("KernelError: %v", err)
		if tail != "" {
			res.Traceback = tail
		}
		return res
	}

	reason := fmt.Sprintf("TimeoutError: execution exceeded %s", s.cfg.ExecTimeout)
	if ctx.Err() != nil {
		reason = "CancelledError: execution cancelled"
	}
	res.TimedOut = true

	// Interrupt keeps the kernel state; only a kernel that ignores it is killed.
	if err := s.proc.Interrupt(context.Background()); err == nil {
		graceCtx, graceCancel := context.WithTimeout(context.Background(), s.cfg.InterruptGrace)
		resp, err = s.conn.await(graceCtx, id)
		graceCancel()
		if err == nil {
			if resp.OK && !resp.Interrupted {
				// Finished between the deadline and the interrupt.
				res.TimedOut = false
				return s.fromResponse(res, resp)
			}
			res = s.fromResponse(res, resp)
			res.Success = false
			res.ErrorSummary = reason
			return res
		}
	}

	s.discard("kernel did not respond to interrupt")
	res.ErrorSummary = reason + " (kernel restarted, session state lost)"
	return res
}

func (s *Session) fromResponse(res Result, resp kernelResponse) Result {
	res.Success = resp.OK
	res.Stdout = TruncateMiddle(resp.Stdout, s.cfg.MaxOutputChars)
	res.ErrorSummary = resp.Error
	res.Traceback = resp.Traceback
	return res
}

// discard kills the current kernel; the next Execute starts a fresh one.
func (s *Session) discard(reason string) {
	if s.proc == nil {
		return
	}
	s.log.Warn("discarding kernel", zap.String("reason", reason))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.proc.Kill(ctx)
	s.proc = nil
	s.conn = nil
}

// Close releases the kernel. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.proc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.proc.Kill(ctx)
	s.proc = nil
	s.conn = nil
	return err
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Manager opens sessions on one runner.
type Manager struct {
	runner Runner
	cfg    Config
	log    *zap.Logger
}

// NewManager creates a session manager.
func NewManager(runner Runner, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{runner: runner, cfg: cfg.withDefaults(), log: logger}
}

// Runner returns the runner sessions are started on.
func (m *Manager) Runner() Runner { return m.runner }

// Open starts a session for one task.
func (m *Manager) Open(ctx context.Context, spec SessionSpec) (*Session, error) {
	return Open(ctx, m.runner, spec, m.cfg, m.log)
}
