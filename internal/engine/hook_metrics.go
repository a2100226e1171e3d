package engine

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/analyst/internal/observability"
	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// MetricsHook feeds loop events into Prometheus collectors.
type MetricsHook struct {
	NopHook
	M *observability.Metrics
}

func (h MetricsHook) OnTaskStart(context.Context, *State) {
	h.M.TaskStarted()
}

func (h MetricsHook) OnHistoryTruncated(context.Context, *State, int, int, int) {
	h.M.RecordTruncation()
}

func (h MetricsHook) OnExecuteResult(_ context.Context, _ *State, res sandbox.Result) {
	h.M.RecordExecution(executionOutcome(res), res.Duration)
}

func (h MetricsHook) OnRoundEnd(_ context.Context, _ *State, r Round) {
	outcome := "success"
	switch {
	case r.Err != "":
		outcome = "model_timeout"
	case r.Action.Kind == ActionFinalAnswer:
		outcome = "final_answer"
	case r.Failed():
		outcome = "failed"
	}
	h.M.RecordRound(outcome)
}

func (h MetricsHook) OnDone(_ context.Context, st *State, res Result) {
	h.M.RecordTask(string(res.Status), time.Since(st.StartedAt), res.RoundCount)
}

func executionOutcome(res sandbox.Result) string {
	err := res.Err()
	switch {
	case err == nil:
		return "success"
	case sandbox.IsTimeout(err):
		return "timeout"
	case res.Reset:
		return "reset"
	default:
		return "error"
	}
}
