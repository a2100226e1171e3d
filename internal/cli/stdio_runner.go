package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/engine"
	"github.com/ChamsBouzaiene/analyst/internal/engine/protocol"
	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// stdioRunner speaks NDJSON: one command per input line, one event per
// output line. Commands are decoded in order; analyze and ask then run in
// their own goroutine so a cancel can reach a task that is still running.
type stdioRunner struct {
	scanner *bufio.Scanner
	writer  *bufio.Writer
	events  chan protocol.Event
	flushed chan struct{}

	analyst *engine.Analyst
	gateway engine.LLMGateway
	log     *zap.Logger

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func newStdIORunner(in io.Reader, out io.Writer, analyst *engine.Analyst, gw engine.LLMGateway, logger *zap.Logger) *stdioRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	return &stdioRunner{
		scanner:  scanner,
		writer:   bufio.NewWriter(out),
		events:   make(chan protocol.Event, 256),
		flushed:  make(chan struct{}),
		analyst:  analyst,
		gateway:  gw,
		log:      logger,
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Run serves commands until the input ends or ctx is cancelled. Tasks still
// running when the input ends are awaited; cancellation of ctx cancels them.
func (r *stdioRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go r.flushEvents(errCh)

	r.emit(protocol.NewStatusEvent("", "", "engine_ready", "stdio protocol ready"))

	for ctx.Err() == nil && r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		r.dispatch(ctx, line)
	}

	if err := r.scanner.Err(); err != nil {
		r.emit(protocol.NewErrorEvent("", fmt.Sprintf("stdin error: %v", err), "protocol_error"))
	}

	r.wg.Wait()
	close(r.events)
	return <-errCh
}

func (r *stdioRunner) flushEvents(errCh chan<- error) {
	defer close(r.flushed)
	for ev := range r.events {
		if err := r.writeEvent(ev); err != nil {
			errCh <- err
			return
		}
	}
	errCh <- r.writer.Flush()
}

func (r *stdioRunner) writeEvent(ev protocol.Event) error {
	payload, err := protocol.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return r.writer.Flush()
}

// emit queues ev for output. Once the writer has stopped, events are dropped.
func (r *stdioRunner) emit(ev protocol.Event) {
	select {
	case r.events <- ev:
	case <-r.flushed:
		r.log.Debug("stdio: dropping event, output closed", zap.String("type", string(ev.GetType())))
	}
}

// dispatch decodes one command line. Requests are registered before their
// goroutine starts, so a cancel on the next line always finds them.
func (r *stdioRunner) dispatch(ctx context.Context, line string) {
	cmd, err := protocol.DecodeCommand([]byte(line))
	if err != nil {
		r.emit(protocol.NewErrorEvent("", err.Error(), "invalid_command"))
		return
	}

	switch c := cmd.(type) {
	case protocol.AnalyzeCommand:
		r.start(ctx, c.RequestID, func(reqCtx context.Context) { r.handleAnalyze(reqCtx, c) })
	case protocol.AskCommand:
		r.start(ctx, c.RequestID, func(reqCtx context.Context) { r.handleAsk(reqCtx, c) })
	case protocol.CancelCommand:
		r.handleCancel(c)
	}
}

func (r *stdioRunner) start(ctx context.Context, id string, handle func(context.Context)) {
	reqCtx, release, ok := r.track(ctx, id)
	if !ok {
		r.emit(protocol.NewErrorEvent(id, "request_id already in use", "invalid_command"))
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		handle(reqCtx)
	}()
}

// track registers a cancellable request; ok is false when the id is taken.
func (r *stdioRunner) track(ctx context.Context, id string) (context.Context, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[id]; busy {
		return nil, nil, false
	}
	reqCtx, cancel := context.WithCancel(ctx)
	r.inFlight[id] = cancel
	return reqCtx, func() {
		r.mu.Lock()
		delete(r.inFlight, id)
		r.mu.Unlock()
		cancel()
	}, true
}

func (r *stdioRunner) handleAnalyze(reqCtx context.Context, c protocol.AnalyzeCommand) {
	req := engine.Request{
		Query:     c.Query,
		Files:     c.Files,
		MaxRounds: c.MaxRounds,
		PathMode:  engine.PathMode(c.PathMode),
		OutputDir: c.OutputDir,
	}
	reqCtx = withRequestScope(reqCtx, c.RequestID, r.emit)
	res := r.analyst.Analyze(reqCtx, req)

	r.emit(protocol.NewDoneEvent(c.RequestID, res.TaskID, string(res.Status), res.FinalReport,
		res.RoundCount, res.Artifacts, res.WorkDir, res.Error))
}

func (r *stdioRunner) handleAsk(reqCtx context.Context, c protocol.AskCommand) {
	cfg := r.analyst.Config()
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.MaxTokens
	}
	answer, err := r.gateway.Call(reqCtx, engine.CallRequest{
		Prompt:       c.Prompt,
		SystemPrompt: c.SystemPrompt,
		MaxTokens:    maxTokens,
		Temperature:  cfg.Temperature,
		Timeout:      cfg.CallTimeout,
		OnRetry: func(provider string, attempt int, delay time.Duration, err error) {
			r.emit(protocol.NewStatusEvent(c.RequestID, "", "retrying",
				fmt.Sprintf("provider=%s attempt=%d delay=%s", provider, attempt, delay)))
		},
	})
	if err != nil {
		kind := engine.FailureKind(err)
		if errors.Is(err, context.Canceled) {
			kind = "cancelled"
		}
		r.emit(protocol.NewErrorEvent(c.RequestID, err.Error(), kind))
		return
	}
	r.emit(protocol.NewAnswerEvent(c.RequestID, answer))
}

func (r *stdioRunner) handleCancel(c protocol.CancelCommand) {
	r.mu.Lock()
	cancel, ok := r.inFlight[c.RequestID]
	r.mu.Unlock()
	if !ok {
		r.emit(protocol.NewErrorEvent(c.RequestID, "no running request with this id", "unknown_request"))
		return
	}
	cancel()
	r.emit(protocol.NewCancelledEvent(c.RequestID, "cancelled by client"))
}

type requestScope struct {
	id   string
	emit func(protocol.Event)
}

type requestScopeKey struct{}

func withRequestScope(ctx context.Context, id string, emit func(protocol.Event)) context.Context {
	return context.WithValue(ctx, requestScopeKey{}, requestScope{id: id, emit: emit})
}

func scopeFrom(ctx context.Context) (requestScope, bool) {
	s, ok := ctx.Value(requestScopeKey{}).(requestScope)
	return s, ok && s.emit != nil
}

// protocolHook turns engine callbacks into protocol events for the request
// carried by ctx. Tasks started outside the stdio server carry no scope and
// are ignored.
type protocolHook struct{ engine.NopHook }

func (protocolHook) OnTaskStart(ctx context.Context, st *engine.State) {
	if s, ok := scopeFrom(ctx); ok {
		s.emit(protocol.NewStatusEvent(s.id, st.Task.ID, "started", st.Task.WorkDir))
	}
}

func (protocolHook) OnRoundStart(ctx context.Context, st *engine.State, index int) {
	if s, ok := scopeFrom(ctx); ok {
		s.emit(protocol.NewStatusEvent(s.id, st.Task.ID, "round_started",
			fmt.Sprintf("round %d of %d", index, st.Task.MaxRounds)))
	}
}

func (protocolHook) OnRetryAttempt(ctx context.Context, st *engine.State, provider string, attempt int, delay time.Duration, err error) {
	if s, ok := scopeFrom(ctx); ok {
		s.emit(protocol.NewStatusEvent(s.id, st.Task.ID, "retrying",
			fmt.Sprintf("provider=%s attempt=%d delay=%s", provider, attempt, delay)))
	}
}

func (protocolHook) OnExecuteResult(ctx context.Context, st *engine.State, res sandbox.Result) {
	if len(res.NewArtifacts) == 0 {
		return
	}
	if s, ok := scopeFrom(ctx); ok {
		s.emit(protocol.NewFilesChangedEvent(s.id, st.Task.ID, res.NewArtifacts))
	}
}

func (protocolHook) OnRoundEnd(ctx context.Context, st *engine.State, rd engine.Round) {
	s, ok := scopeFrom(ctx)
	if !ok {
		return
	}
	var (
		success  *bool
		timedOut bool
		output   string
	)
	if rd.Result != nil {
		succeeded := rd.Result.Success
		success = &succeeded
		timedOut = rd.Result.TimedOut
		output = rd.Result.Stdout
		if !succeeded {
			output = rd.Result.ErrorSummary
		}
	}
	if rd.Action.Kind == engine.ActionFinalAnswer {
		output = rd.Action.Text
	}
	s.emit(protocol.NewRoundEvent(s.id, st.Task.ID, rd.Index, string(rd.Action.Kind), success,
		timedOut, sandbox.TruncateMiddle(output, 2000), rd.Err, rd.Duration.Milliseconds()))
}
