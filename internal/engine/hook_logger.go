// engine/hook_logger.go
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// LoggerHook writes the loop's progress to a zap logger.
type LoggerHook struct{ L *zap.Logger }

// NewLoggerHook returns a LoggerHook; a nil logger discards everything.
func NewLoggerHook(l *zap.Logger) LoggerHook {
	if l == nil {
		l = zap.NewNop()
	}
	return LoggerHook{L: l}
}

func (h LoggerHook) task(st *State) *zap.Logger {
	return h.L.With(zap.String("task_id", st.Task.ID))
}

func (h LoggerHook) OnTaskStart(_ context.Context, st *State) {
	h.task(st).Debug("task start", zap.Strings("files", st.Task.Files), zap.String("path_mode", string(st.Task.PathMode)))
}
func (h LoggerHook) OnRoundStart(_ context.Context, st *State, index int) {
	h.task(st).Info("round start", zap.Int("round", index), zap.Int("max_rounds", st.Task.MaxRounds))
}
func (h LoggerHook) OnBeforeLLM(_ context.Context, st *State, req CallRequest) {
	tokens := EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Prompt)
	h.task(st).Debug("model call", zap.Int("round", st.NextIndex()), zap.Int("prompt_tokens_est", tokens))
}
func (h LoggerHook) OnAfterLLM(_ context.Context, st *State, response string, err error) {
	if err != nil {
		h.task(st).Warn("model call failed", zap.Int("round", st.NextIndex()), zap.Error(err))
		return
	}
	h.task(st).Debug("model answered", zap.Int("round", st.NextIndex()), zap.Int("chars", len(response)))
}
func (h LoggerHook) OnRetryAttempt(_ context.Context, st *State, provider string, attempt int, delay time.Duration, err error) {
	h.task(st).Info("retry",
		zap.String("provider", provider),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
}
func (h LoggerHook) OnHistoryTruncated(_ context.Context, st *State, beforeTokens, afterTokens, rounds int) {
	h.task(st).Info("history truncated",
		zap.Int("before_tokens", beforeTokens),
		zap.Int("after_tokens", afterTokens),
		zap.Int("rounds", rounds))
}
func (h LoggerHook) OnExecute(_ context.Context, st *State, code string) {
	h.task(st).Debug("execute", zap.Int("round", st.NextIndex()), zap.String("code", headLines(code, compactCodeLines)))
}
func (h LoggerHook) OnExecuteResult(_ context.Context, st *State, res sandbox.Result) {
	fields := []zap.Field{
		zap.Int("round", st.NextIndex()),
		zap.Bool("success", res.Success),
		zap.Duration("duration", res.Duration),
		zap.Int("new_artifacts", len(res.NewArtifacts)),
	}
	if err := res.Err(); err != nil {
		fields = append(fields, zap.Error(err), zap.Bool("timed_out", sandbox.IsTimeout(err)))
		h.task(st).Info("execution failed", fields...)
		return
	}
	h.task(st).Debug("execution finished", fields...)
}
func (h LoggerHook) OnRoundEnd(_ context.Context, st *State, r Round) {
	h.task(st).Info("round end",
		zap.Int("round", r.Index),
		zap.String("action", string(r.Action.Kind)),
		zap.Bool("failed", r.Failed()),
		zap.Duration("duration", r.Duration))
}
func (h LoggerHook) OnDone(_ context.Context, st *State, res Result) {
	h.task(st).Info("done",
		zap.String("status", string(res.Status)),
		zap.Int("rounds", res.RoundCount),
		zap.Int("retries", st.Retries))
}
