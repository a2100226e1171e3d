package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	taskPrefix     = "session_"
	resultFileName = "result.json"
)

// Store allocates one working directory per task under an output directory
// and keeps each task's final result next to its artifacts.
type Store struct {
	basePath string
}

// NewStore creates a new store rooted at outputDir.
func NewStore(outputDir string) *Store {
	return &Store{basePath: outputDir}
}

// BasePath returns the output directory.
func (s *Store) BasePath() string { return s.basePath }

// NewTaskID returns session_<timestamp>_<8 hex chars>.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("%s%s_%s", taskPrefix, now.Format("20060102_150405"), uuid.NewString()[:8])
}

// Allocate creates the working directory of a new task and returns its id
// and absolute path.
func (s *Store) Allocate() (string, string, error) {
	base, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", "", fmt.Errorf("resolve output directory: %w", err)
	}
	id := NewTaskID(time.Now())
	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create task directory: %w", err)
	}
	return id, dir, nil
}

// SaveResult writes v as result.json in the task directory.
func (s *Store) SaveResult(workDir string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, resultFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write result file: %w", err)
	}
	return nil
}

// LoadResult reads result.json of a task into v.
func (s *Store) LoadResult(taskID string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.basePath, taskID, resultFileName))
	if err != nil {
		return fmt.Errorf("failed to read result file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// List returns all tasks under the output directory, newest first.
func (s *Store) List() ([]TaskMeta, error) {
	entries, err := os.ReadDir(s.basePath)
	if os.IsNotExist(err) {
		return []TaskMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list output directory: %w", err)
	}

	var tasks []TaskMeta
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), taskPrefix) {
			continue
		}
		meta := TaskMeta{ID: entry.Name(), WorkDir: filepath.Join(s.basePath, entry.Name())}
		if info, err := entry.Info(); err == nil {
			meta.UpdatedAt = info.ModTime()
		}

		var rec TaskRecord
		if err := s.LoadResult(entry.Name(), &rec); err == nil {
			meta.Query = rec.Query
			meta.Status = rec.Status
		}
		tasks = append(tasks, meta)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	return tasks, nil
}
