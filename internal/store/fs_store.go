package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const (
	checkpointFile = "checkpoint.json"
	resultFile     = "result.json"
)

var _ Store = (*FSStore)(nil)

// FSStore keeps each job under <baseDir>/jobs/<jobID>/ as checkpoint.json,
// result.json and trace.jsonl. Documents are replaced by rename, so no
// locking is needed.
type FSStore struct {
	baseDir string
}

// NewFSStore creates baseDir if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (s *FSStore) BaseDir() string { return s.baseDir }

func (s *FSStore) jobsDir() string { return filepath.Join(s.baseDir, "jobs") }

func (s *FSStore) file(jobID, name string) string {
	return filepath.Join(s.jobsDir(), jobID, name)
}

// writeJSONAtomic encodes v into a temporary sibling of path and renames
// it over path.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON decodes path into v. A missing file becomes a NotFoundError
// for what.
func readJSON(path, jobID, what string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{JobID: jobID, What: what}
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", what, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}

func (s *FSStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	switch {
	case jobID == "":
		return fmt.Errorf("jobID cannot be empty")
	case checkpoint == nil:
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}

	if err := writeJSONAtomic(s.file(jobID, checkpointFile), checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	slog.Debug("Checkpoint saved", "jobID", jobID, "iteration", checkpoint.Iteration, "bestScore", checkpoint.BestScore)
	return nil
}

func (s *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}
	var cp Checkpoint
	if err := readJSON(s.file(jobID, checkpointFile), jobID, "checkpoint", &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints skips job directories without a readable checkpoint.
func (s *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	dirs, err := os.ReadDir(s.jobsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return []CheckpointInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	infos := make([]CheckpointInfo, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		cp, err := s.LoadCheckpoint(d.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable checkpoint", "jobID", d.Name(), "error", err)
			continue
		}

		info := cp.ToInfo()
		if size, err := dirSize(filepath.Join(s.jobsDir(), d.Name())); err == nil {
			info.SizeBytes = size
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Timestamp.After(infos[j].Timestamp) })
	return infos, nil
}

func (s *FSStore) DeleteCheckpoint(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	dir := filepath.Join(s.jobsDir(), jobID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}
	slog.Debug("Job artifacts deleted", "jobID", jobID)
	return nil
}

func (s *FSStore) SaveResult(jobID string, v any) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if err := writeJSONAtomic(s.file(jobID, resultFile), v); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (s *FSStore) LoadResult(jobID string, v any) error {
	return readJSON(s.file(jobID, resultFile), jobID, "result", v)
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
