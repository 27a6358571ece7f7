package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists snapshots under a directory, one file per run. Writes
// go through a temp file and rename, so a crash mid-write leaves the
// previous checkpoint intact.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Save atomically writes the snapshot to <dir>/<run id>.ckpt.json.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return fmt.Errorf("snapshot requires a run id")
	}
	if err := validateRunID(snap.RunID); err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, snap.RunID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(snap.RunID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		"run_id", snap.RunID,
		"completed_steps", len(snap.Completed),
		"bytes", len(data),
	)
	return nil
}

// Load reads and verifies the snapshot for the run.
func (s *FileStore) Load(_ context.Context, runID string) (*Snapshot, bool, error) {
	if err := validateRunID(runID); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}

	snap, err := Decode(data)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Delete removes the snapshot file for the run, if any.
func (s *FileStore) Delete(_ context.Context, runID string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".ckpt.json")
}

func validateRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}
