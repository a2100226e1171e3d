package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnorePatterns lists workdir files that are never reported as artifacts.
func DefaultIgnorePatterns() []string {
	return []string{
		"__pycache__/",
		"*.pyc",
		".ipynb_checkpoints/",
		".journal.db*",
		".matplotlib/",
		".cache/",
	}
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// artifactTracker finds files created or modified under the workdir between
// two scans.
type artifactTracker struct {
	root    string
	matcher *gitignore.GitIgnore
	last    map[string]fileStamp
	seen    map[string]bool
	ordered []string
}

func newArtifactTracker(root string, patterns []string) (*artifactTracker, error) {
	t := &artifactTracker{
		root:    root,
		matcher: gitignore.CompileIgnoreLines(patterns...),
		seen:    make(map[string]bool),
	}
	snap, err := t.snapshot()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot workdir: %w", err)
	}
	t.last = snap
	return t, nil
}

func (t *artifactTracker) snapshot() (map[string]fileStamp, error) {
	snap := make(map[string]fileStamp)
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == t.root {
				return err
			}
			return nil
		}
		rel, relErr := filepath.Rel(t.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if t.matcher.MatchesPath(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || t.matcher.MatchesPath(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		snap[path] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return snap, err
}

// scan returns files new or changed since the previous scan, sorted.
func (t *artifactTracker) scan() []string {
	snap, err := t.snapshot()
	if err != nil {
		return nil
	}
	var changed []string
	for path, stamp := range snap {
		prev, ok := t.last[path]
		if ok && prev.size == stamp.size && prev.modTime.Equal(stamp.modTime) {
			continue
		}
		changed = append(changed, path)
	}
	t.last = snap
	sort.Strings(changed)
	for _, path := range changed {
		if !t.seen[path] {
			t.seen[path] = true
			t.ordered = append(t.ordered, path)
		}
	}
	return changed
}

// all returns every artifact seen so far in discovery order.
func (t *artifactTracker) all() []string {
	return append([]string(nil), t.ordered...)
}
