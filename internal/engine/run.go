package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/prompts"
	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
	"github.com/ChamsBouzaiene/analyst/internal/session"
	"github.com/ChamsBouzaiene/analyst/internal/workspace"
)

// Analyze runs one analysis task to a terminal state.
//
// The loop alternates between asking the model for an action and executing
// the proposed code in the task's sandbox. Failed executions and timed out
// model calls are fed back to the model; only gateway exhaustion and
// cancellation end the task early. When the round budget is spent the model
// gets one wrap-up call to write its report without running code.
//
// Analyze never returns an error: every failure is encoded in Result.Status,
// and the result is also written to result.json in the task directory.
func (a *Analyst) Analyze(ctx context.Context, req Request) (res Result) {
	task, store, err := a.newTask(req)
	if err != nil {
		a.log.Warn("analysis rejected", zap.Error(err))
		return Result{
			Query:       req.Query,
			Status:      StatusFailed,
			FinalReport: "The analysis could not start: " + err.Error(),
			Artifacts:   []string{},
			Error:       err.Error(),
		}
	}

	r := &taskRun{
		a:     a,
		st:    NewState(task),
		store: store,
		log:   a.log.With(zap.String("task_id", task.ID)),
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("analysis panicked", zap.Any("panic", p))
			if !r.finished {
				msg := fmt.Sprintf("internal error: %v", p)
				res = r.finish(ctx, PhaseFailed, synthesizeReport(r.st, "The analysis stopped because of an internal error."), msg)
			}
		}
	}()

	return r.run(ctx)
}

func (a *Analyst) newTask(req Request) (Task, *session.Store, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Task{}, nil, errors.New("query is empty")
	}

	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = a.cfg.MaxRounds
	}

	mode := req.PathMode
	switch mode {
	case "":
		mode = PathAbsolute
	case PathAbsolute, PathRelative:
	default:
		return Task{}, nil, fmt.Errorf("unknown path mode %q", mode)
	}

	files := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return Task{}, nil, fmt.Errorf("resolve input %s: %w", f, err)
		}
		files = append(files, abs)
	}

	store := a.store
	if req.OutputDir != "" {
		store = session.NewStore(req.OutputDir)
	}
	id, dir, err := store.Allocate()
	if err != nil {
		return Task{}, nil, err
	}

	return Task{
		ID:        id,
		Query:     query,
		Files:     files,
		WorkDir:   dir,
		MaxRounds: maxRounds,
		PathMode:  mode,
	}, store, nil
}

// taskRun is the per-task side of an Analyze call.
type taskRun struct {
	a        *Analyst
	st       *State
	store    *session.Store
	log      *zap.Logger
	sb       Sandbox
	system   string
	manifest string
	finished bool
}

func (r *taskRun) run(ctx context.Context) Result {
	a, st := r.a, r.st
	task := st.Task
	a.hooks.OnTaskStart(ctx, st)
	r.log.Info("analysis started",
		zap.String("query", task.Query),
		zap.Int("files", len(task.Files)),
		zap.Int("max_rounds", task.MaxRounds),
		zap.String("work_dir", task.WorkDir))

	system, err := prompts.Render(a.prompts, prompts.AnalysisSystemID, prompts.PromptV1, nil)
	if err != nil {
		return r.fail(ctx, "The analysis could not start: the system prompt is missing.", err)
	}
	r.system = system

	sb, err := a.sandboxes.Open(ctx, sandbox.SessionSpec{
		WorkDir:       task.WorkDir,
		Inputs:        task.Files,
		RelativePaths: task.PathMode == PathRelative,
	})
	if err != nil {
		return r.fail(ctx, "The analysis could not start: the execution sandbox failed to open.", fmt.Errorf("open sandbox: %w", err))
	}
	r.sb = sb
	defer func() {
		if err := sb.Close(); err != nil {
			r.log.Warn("sandbox close failed", zap.Error(err))
		}
	}()
	r.manifest = workspace.Describe(task.Files, sb.InputPaths()).Render()

	if err := st.Transition(PhasePlanning); err != nil {
		return r.fail(ctx, "", err)
	}

	for st.BudgetLeft() {
		if err := ctx.Err(); err != nil {
			return r.cancelled(ctx, err)
		}
		answer, done, err := r.round(ctx)
		if errors.Is(err, ErrRoundBudgetExceeded) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, err)
			}
			if IsAllProvidersExhausted(err) {
				return r.fail(ctx, "The analysis stopped because the language model could not be reached.", err)
			}
			return r.fail(ctx, "The analysis stopped because of an internal error.", err)
		}
		if done {
			return r.finish(ctx, PhaseDone, assembleReport(answer, task.WorkDir, st.Artifacts), "")
		}
	}

	return r.wrapUp(ctx)
}

// round plays one prompt→action→result cycle. It returns the answer text and
// done=true when the model gave a final answer.
func (r *taskRun) round(ctx context.Context) (string, bool, error) {
	a, st := r.a, r.st
	index := st.NextIndex()
	a.hooks.OnRoundStart(ctx, st, index)
	started := time.Now()

	prompt, err := r.prompt(ctx, roundFooter(index, st.Task.MaxRounds))
	if err != nil {
		return "", false, err
	}

	response, timedOut, err := r.callModel(ctx, prompt)
	rd := Round{Index: index, Prompt: prompt, Response: response, StartedAt: started}
	if err != nil {
		if !timedOut {
			return "", false, err
		}
		rd.Err = fmt.Sprintf("the model did not answer within %s", a.cfg.LLMRoundTimeout)
		rd.Duration = time.Since(started)
		r.log.Warn("model call timed out", zap.Int("round", index), zap.Error(err))
		if err := r.appendRound(ctx, rd); err != nil {
			return "", false, err
		}
		return "", false, st.Transition(PhasePlanning)
	}

	rd.Action = ParseAction(response)
	if rd.Action.Kind == ActionFinalAnswer {
		rd.Duration = time.Since(started)
		if err := r.appendRound(ctx, rd); err != nil {
			return "", false, err
		}
		return rd.Action.Text, true, nil
	}

	if err := st.Transition(PhaseExecuting); err != nil {
		return "", false, err
	}
	a.hooks.OnExecute(ctx, st, rd.Action.Code)
	result := r.sb.Execute(ctx, rd.Action.Code)
	a.hooks.OnExecuteResult(ctx, st, result)
	st.AddArtifacts(result.NewArtifacts)

	rd.Result = &result
	rd.Duration = time.Since(started)
	if err := r.appendRound(ctx, rd); err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return "", false, st.Transition(PhasePlanning)
}

func (r *taskRun) appendRound(ctx context.Context, rd Round) error {
	if err := r.st.Append(rd); err != nil {
		return err
	}
	r.a.hooks.OnRoundEnd(ctx, r.st, rd)
	return nil
}

// prompt renders the context for the next model call and reports truncation.
func (r *taskRun) prompt(ctx context.Context, footer string) (string, error) {
	out, err := r.a.buildPrompt(promptInput{
		Task:      r.st.Task,
		KernelDir: r.sb.KernelDir(),
		Manifest:  r.manifest,
		Rounds:    r.st.Rounds,
		Footer:    footer,
	})
	if err != nil {
		return "", err
	}
	r.st.Truncated = out.Compacted + out.Dropped
	if out.AfterTokens < out.BeforeTokens {
		r.a.hooks.OnHistoryTruncated(ctx, r.st, out.BeforeTokens, out.AfterTokens, r.st.Truncated)
	}
	return out.Prompt, nil
}

// callModel performs one gateway call under the round deadline. timedOut is
// true when the round deadline, not the caller, ended the call.
func (r *taskRun) callModel(ctx context.Context, prompt string) (string, bool, error) {
	a, st := r.a, r.st

	callCtx := ctx
	if a.cfg.LLMRoundTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.LLMRoundTimeout)
		defer cancel()
	}

	req := CallRequest{
		Prompt:       prompt,
		SystemPrompt: r.system,
		MaxTokens:    a.cfg.MaxTokens,
		Temperature:  a.cfg.Temperature,
		Timeout:      a.cfg.CallTimeout,
		OnRetry: func(provider string, attempt int, delay time.Duration, err error) {
			st.Retries++
			a.hooks.OnRetryAttempt(ctx, st, provider, attempt, delay, err)
		},
	}
	a.hooks.OnBeforeLLM(ctx, st, req)
	response, err := a.gw.Call(callCtx, req)
	a.hooks.OnAfterLLM(ctx, st, response, err)
	if err != nil {
		timedOut := ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
		return "", timedOut, err
	}
	return response, false, nil
}

// wrapUp runs after the last round. The model may still turn the evidence
// into a final answer; otherwise the report is synthesized locally.
func (r *taskRun) wrapUp(ctx context.Context) Result {
	a, st := r.a, r.st
	task := st.Task
	exhausted := fmt.Sprintf("The analysis used all %d rounds without reaching a final answer. The findings below are what the rounds produced.", task.MaxRounds)

	if !a.cfg.FinalReportOnExhaustion {
		return r.finish(ctx, PhaseExhausted, synthesizeReport(st, exhausted), "")
	}

	footer, err := prompts.Render(a.prompts, prompts.AnalysisWrapUpID, prompts.PromptV1, map[string]string{
		"max_rounds": strconv.Itoa(task.MaxRounds),
	})
	if err != nil {
		r.log.Warn("wrap-up prompt unavailable", zap.Error(err))
		return r.finish(ctx, PhaseExhausted, synthesizeReport(st, exhausted), "")
	}
	prompt, err := r.prompt(ctx, footer)
	if err != nil {
		r.log.Warn("wrap-up prompt failed", zap.Error(err))
		return r.finish(ctx, PhaseExhausted, synthesizeReport(st, exhausted), "")
	}

	response, _, err := r.callModel(ctx, prompt)
	if ctx.Err() != nil {
		return r.cancelled(ctx, ctx.Err())
	}
	if err != nil {
		r.log.Warn("wrap-up call failed", zap.Error(err))
		return r.finish(ctx, PhaseExhausted, synthesizeReport(st, exhausted), "")
	}

	action := ParseAction(response)
	if action.Kind == ActionFinalAnswer && strings.TrimSpace(action.Text) != "" {
		return r.finish(ctx, PhaseDone, assembleReport(action.Text, task.WorkDir, st.Artifacts), "")
	}
	r.log.Info("wrap-up answer still contained code, synthesizing report")
	return r.finish(ctx, PhaseExhausted, synthesizeReport(st, exhausted), "")
}

func (r *taskRun) cancelled(ctx context.Context, err error) Result {
	return r.fail(ctx, "The analysis was cancelled.", fmt.Errorf("analysis cancelled: %w", err))
}

func (r *taskRun) fail(ctx context.Context, reason string, err error) Result {
	return r.finish(ctx, PhaseFailed, synthesizeReport(r.st, reason), err.Error())
}

// finish moves the task to its terminal phase and produces the Result exactly once.
func (r *taskRun) finish(ctx context.Context, phase Phase, report, errMsg string) Result {
	st := r.st
	if !st.Phase.Terminal() {
		if err := st.Transition(phase); err != nil {
			r.log.Debug("forcing terminal phase", zap.Error(err))
			st.Phase = phase
		}
	}
	r.finished = true

	if r.sb != nil {
		st.AddArtifacts(r.sb.Artifacts())
	}
	artifacts := make([]string, len(st.Artifacts))
	copy(artifacts, st.Artifacts)
	res := Result{
		TaskID:      st.Task.ID,
		Query:       st.Task.Query,
		FinalReport: report,
		Status:      st.Phase.Status(),
		RoundCount:  st.RoundCount(),
		Artifacts:   artifacts,
		WorkDir:     st.Task.WorkDir,
		Rounds:      st.Rounds,
		Error:       errMsg,
	}

	if err := r.store.SaveResult(st.Task.WorkDir, res); err != nil {
		r.log.Warn("failed to save result", zap.Error(err))
	}
	r.log.Info("analysis finished",
		zap.String("status", string(res.Status)),
		zap.Int("rounds", res.RoundCount),
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Duration("elapsed", time.Since(st.StartedAt)))
	r.a.hooks.OnDone(ctx, st, res)
	return res
}

func roundFooter(index, maxRounds int) string {
	left := maxRounds - index
	if left == 0 {
		return fmt.Sprintf("This is round %d of %d, the last one that can run code. Reply with one python block, or with the final report if you already have the answer.", index, maxRounds)
	}
	return fmt.Sprintf("This is round %d of %d. Reply with one python block, or with the final report (no code) if you have the answer.", index, maxRounds)
}
