package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// JournalFileName is the journal database inside a task directory.
const JournalFileName = ".journal.db"

// ErrTaskNotFound is returned when the journal has no row for a task id.
var ErrTaskNotFound = errors.New("task not found")

// Journal records tasks and their rounds in a SQLite database kept in the
// task's working directory.
type Journal struct {
	db   *sql.DB
	path string
}

// OpenJournal opens (or creates) the journal in workDir and initializes the schema.
func OpenJournal(ctx context.Context, workDir string) (*Journal, error) {
	path := filepath.Join(workDir, JournalFileName)
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// SQLite doesn't support multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

// Path returns the database file location.
func (j *Journal) Path() string { return j.path }

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id      TEXT PRIMARY KEY,
		query        TEXT NOT NULL,
		files        TEXT NOT NULL,
		work_dir     TEXT NOT NULL,
		max_rounds   INTEGER NOT NULL,
		status       TEXT NOT NULL DEFAULT '',
		final_report TEXT NOT NULL DEFAULT '',
		round_count  INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rounds (
		task_id       TEXT NOT NULL,
		round_index   INTEGER NOT NULL,
		prompt        TEXT NOT NULL,
		response      TEXT NOT NULL,
		action_kind   TEXT NOT NULL,
		code          TEXT NOT NULL DEFAULT '',
		success       INTEGER NOT NULL,
		stdout        TEXT NOT NULL DEFAULT '',
		error_summary TEXT NOT NULL DEFAULT '',
		timed_out     INTEGER NOT NULL DEFAULT 0,
		artifacts     TEXT NOT NULL DEFAULT '[]',
		started_at    INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL,
		PRIMARY KEY (task_id, round_index),
		FOREIGN KEY (task_id) REFERENCES tasks(task_id)
	);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// StartTask inserts the task row.
func (j *Journal) StartTask(ctx context.Context, rec TaskRecord) error {
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return err
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, query, files, work_dir, max_rounds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Query, string(files), rec.WorkDir, rec.MaxRounds,
		rec.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert task %s: %w", rec.ID, err)
	}
	return nil
}

// RecordRound appends one round. Rounds are immutable; re-recording an index fails.
func (j *Journal) RecordRound(ctx context.Context, rec RoundRecord) error {
	artifacts, err := json.Marshal(rec.Artifacts)
	if err != nil {
		return err
	}
	if rec.Artifacts == nil {
		artifacts = []byte("[]")
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO rounds (task_id, round_index, prompt, response, action_kind, code, success,
			stdout, error_summary, timed_out, artifacts, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Index, rec.Prompt, rec.Response, rec.ActionKind, rec.Code, boolToInt(rec.Success),
		rec.Stdout, rec.ErrorSummary, boolToInt(rec.TimedOut), string(artifacts),
		rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert round %d of %s: %w", rec.Index, rec.TaskID, err)
	}
	_, err = j.db.ExecContext(ctx, `UPDATE tasks SET round_count = ?, updated_at = ? WHERE task_id = ?`,
		rec.Index, time.Now().UnixMilli(), rec.TaskID)
	return err
}

// FinishTask stores the terminal status and report.
func (j *Journal) FinishTask(ctx context.Context, taskID, status, report, errMsg string, roundCount int) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, final_report = ?, error = ?, round_count = ?, updated_at = ?
		WHERE task_id = ?`,
		status, report, errMsg, roundCount, time.Now().UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish task %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// Task loads one task row.
func (j *Journal) Task(ctx context.Context, taskID string) (TaskRecord, error) {
	var (
		rec                  TaskRecord
		files                string
		createdAt, updatedAt int64
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT task_id, query, files, work_dir, max_rounds, status, final_report, round_count, error, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID).Scan(
		&rec.ID, &rec.Query, &files, &rec.WorkDir, &rec.MaxRounds, &rec.Status, &rec.FinalReport,
		&rec.RoundCount, &rec.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
		return TaskRecord{}, fmt.Errorf("decode files of %s: %w", taskID, err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

// Rounds returns the rounds of a task in index order.
func (j *Journal) Rounds(ctx context.Context, taskID string) ([]RoundRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT round_index, prompt, response, action_kind, code, success, stdout, error_summary,
			timed_out, artifacts, started_at, duration_ms
		FROM rounds WHERE task_id = ? ORDER BY round_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query rounds of %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var (
			rec                RoundRecord
			success, timedOut  int
			artifacts          string
			startedAt, duraMS  int64
		)
		if err := rows.Scan(&rec.Index, &rec.Prompt, &rec.Response, &rec.ActionKind, &rec.Code, &success,
			&rec.Stdout, &rec.ErrorSummary, &timedOut, &artifacts, &startedAt, &duraMS); err != nil {
			return nil, err
		}
		rec.TaskID = taskID
		rec.Success = success != 0
		rec.TimedOut = timedOut != 0
		if err := json.Unmarshal([]byte(artifacts), &rec.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts of round %d: %w", rec.Index, err)
		}
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.Duration = time.Duration(duraMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
