package session

import (
	"time"
)

// TaskRecord is the journal row of one analysis task.
type TaskRecord struct {
	ID          string    `json:"id"`
	Query       string    `json:"query"`
	Files       []string  `json:"files"`
	WorkDir     string    `json:"work_dir"`
	MaxRounds   int       `json:"max_rounds"`
	Status      string    `json:"status"` // empty while running
	FinalReport string    `json:"final_report,omitempty"`
	RoundCount  int       `json:"round_count"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoundRecord is the journal row of one round.
type RoundRecord struct {
	TaskID       string        `json:"task_id"`
	Index        int           `json:"index"`
	Prompt       string        `json:"prompt"`
	Response     string        `json:"response"`
	ActionKind   string        `json:"action_kind"`
	Code         string        `json:"code,omitempty"`
	Success      bool          `json:"success"`
	Stdout       string        `json:"stdout,omitempty"`
	ErrorSummary string        `json:"error_summary,omitempty"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	Artifacts    []string      `json:"artifacts,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// TaskMeta is a lightweight representation for listing.
type TaskMeta struct {
	ID        string    `json:"id"`
	WorkDir   string    `json:"work_dir"`
	Query     string    `json:"query"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}
