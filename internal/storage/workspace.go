package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const jobDirPrefix = "job-"

// Workspace owns the temp root. Jobs get exclusive subdirectories; the root
// itself is never removed.
type Workspace struct {
	root string
}

// NewWorkspace creates the temp root once, at process start.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create temp root %s: %w", abs, err)
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// CreateJobDir makes the job's private directory. It fails if the directory
// already exists so two jobs can never share one.
func (w *Workspace) CreateJobDir(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}

	dir := filepath.Join(w.root, jobDirPrefix+jobID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// Remove deletes a job directory. Paths outside the root, and the root
// itself, are refused.
func (w *Workspace) Remove(dir string) error {
	if !w.owns(dir) {
		return fmt.Errorf("refusing to remove %s: not a job directory under %s", dir, w.root)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir %s: %w", dir, err)
	}
	return nil
}

func (w *Workspace) owns(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return false
	}
	return strings.HasPrefix(rel, jobDirPrefix)
}

// SweepStale removes job directories older than maxAge, left behind by a
// crash or a kill before cleanup ran. It returns how many were removed.
func (w *Workspace) SweepStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0, fmt.Errorf("read temp root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), jobDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("[Workspace] Failed to remove stale job dir")
			continue
		}
		removed++
	}
	return removed, nil
}
