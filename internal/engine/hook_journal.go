package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/analyst/internal/session"
)

// JournalHook records every task and round in the SQLite journal of the
// task's working directory. One hook serves many concurrent tasks.
type JournalHook struct {
	NopHook
	log *zap.Logger

	mu       sync.Mutex
	journals map[string]*session.Journal
}

// NewJournalHook creates a journal hook. Journal failures are logged, never
// propagated into the loop.
func NewJournalHook(logger *zap.Logger) *JournalHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalHook{log: logger, journals: make(map[string]*session.Journal)}
}

func (h *JournalHook) journal(taskID string) *session.Journal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.journals[taskID]
}

func (h *JournalHook) OnTaskStart(ctx context.Context, st *State) {
	task := st.Task
	if task.WorkDir == "" {
		return
	}
	j, err := session.OpenJournal(ctx, task.WorkDir)
	if err != nil {
		h.log.Warn("journal unavailable", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	err = j.StartTask(ctx, session.TaskRecord{
		ID:        task.ID,
		Query:     task.Query,
		Files:     task.Files,
		WorkDir:   task.WorkDir,
		MaxRounds: task.MaxRounds,
		CreatedAt: st.StartedAt,
	})
	if err != nil {
		h.log.Warn("journal start failed", zap.String("task_id", task.ID), zap.Error(err))
		j.Close()
		return
	}
	h.mu.Lock()
	h.journals[task.ID] = j
	h.mu.Unlock()
}

func (h *JournalHook) OnRoundEnd(ctx context.Context, st *State, r Round) {
	j := h.journal(st.Task.ID)
	if j == nil {
		return
	}
	rec := session.RoundRecord{
		TaskID:     st.Task.ID,
		Index:      r.Index,
		Prompt:     r.Prompt,
		Response:   r.Response,
		ActionKind: string(r.Action.Kind),
		Code:       r.Action.Code,
		Success:    !r.Failed(),
		StartedAt:  r.StartedAt,
		Duration:   r.Duration,
	}
	if r.Err != "" {
		rec.ActionKind = "none"
		rec.ErrorSummary = r.Err
	}
	if r.Result != nil {
		rec.Stdout = r.Result.Stdout
		rec.ErrorSummary = r.Result.ErrorSummary
		rec.TimedOut = r.Result.TimedOut
		rec.Artifacts = r.Result.NewArtifacts
	}
	if err := j.RecordRound(context.WithoutCancel(ctx), rec); err != nil {
		h.log.Warn("journal round failed", zap.String("task_id", st.Task.ID), zap.Int("round", r.Index), zap.Error(err))
	}
}

func (h *JournalHook) OnDone(ctx context.Context, st *State, res Result) {
	h.mu.Lock()
	j := h.journals[st.Task.ID]
	delete(h.journals, st.Task.ID)
	h.mu.Unlock()
	if j == nil {
		return
	}
	defer j.Close()
	if err := j.FinishTask(context.WithoutCancel(ctx), res.TaskID, string(res.Status), res.FinalReport, res.Error, res.RoundCount); err != nil {
		h.log.Warn("journal finish failed", zap.String("task_id", st.Task.ID), zap.Error(err))
	}
}
