package session

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskID(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	id := NewTaskID(now)
	assert.Regexp(t, regexp.MustCompile(`^session_20240309_140507_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewTaskID(now))
}

func TestStoreAllocateAndResult(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewStore(tmpDir)

	id, dir, err := store.Allocate()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
	assert.Equal(t, id, filepath.Base(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	rec := TaskRecord{ID: id, Query: "sum the values", Status: "DONE", FinalReport: "total is 6"}
	require.NoError(t, store.SaveResult(dir, rec))
	assert.FileExists(t, filepath.Join(dir, "result.json"))

	var loaded TaskRecord
	require.NoError(t, store.LoadResult(id, &loaded))
	assert.Equal(t, "sum the values", loaded.Query)
	assert.Equal(t, "total is 6", loaded.FinalReport)
}

func TestStoreAllocateDistinctDirectories(t *testing.T) {
	store := NewStore(t.TempDir())

	_, first, err := store.Allocate()
	require.NoError(t, err)
	_, second, err := store.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestStoreList(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewStore(tmpDir)

	older, olderDir, err := store.Allocate()
	require.NoError(t, err)
	require.NoError(t, store.SaveResult(olderDir, TaskRecord{Query: "first", Status: "EXHAUSTED"}))

	newer, newerDir, err := store.Allocate()
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(olderDir, past, past))

	// unrelated directories are ignored
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "scratch"), 0o755))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer, list[0].ID)
	assert.Equal(t, newerDir, list[0].WorkDir)
	assert.Empty(t, list[0].Status)
	assert.Equal(t, older, list[1].ID)
	assert.Equal(t, "first", list[1].Query)
	assert.Equal(t, "EXHAUSTED", list[1].Status)
}

func TestStoreListMissingDirectory(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
