package coordstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Load reads the state at path. It never fails: a missing file yields a
// fresh state, and an unreadable or structurally invalid file is discarded
// with a warning. Leftover temp files from interrupted writes are removed
// first. The second result reports whether an existing file was discarded.
func Load(path, orchestratorID string, logger *slog.Logger) (*State, bool) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, tmp := range tempFiles(path) {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			logger.Warn("removing stale coordinator temp file failed", "path", tmp, "error", err)
		} else {
			logger.Debug("removed stale coordinator temp file", "path", tmp)
		}
	}

	st, err := Read(path, orchestratorID)
	if err != nil {
		logger.Warn("coordinator state discarded, starting fresh", "path", path, "error", err)
		return New(orchestratorID), true
	}
	return st, false
}

// Read loads the state at path without repairing anything. A missing file
// yields a fresh state; an unreadable or invalid one is an error.
func Read(path, orchestratorID string) (*State, error) {
	if !fileExists(path) {
		return New(orchestratorID), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state: %w", err)
	}
	if err := st.validate(); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	if st.OrchestratorID == "" {
		st.OrchestratorID = orchestratorID
	}
	return &st, nil
}

// AtomicWrite replaces the file at path with st. The data is written to a
// sibling temp file, synced, then renamed over path, so readers see either
// the old or the new content.
func AtomicWrite(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	st.SchemaVersion = SchemaVersion
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	// Each writer gets its own temp file so concurrent writers never
	// truncate each other's data before the rename.
	f, err := os.CreateTemp(filepath.Dir(path), tempPattern(path))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to set temp file mode: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	// Persist the rename itself; not every platform allows syncing a directory.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// MarkChild records an outcome for one child in the state file at path.
// The first result reports whether an existing file had to be discarded.
func MarkChild(path, orchestratorID, taskID string, status ChildStatus, logger *slog.Logger) (bool, error) {
	st, reset := Load(path, orchestratorID, logger)
	if err := st.MarkFinished(taskID, status, time.Now()); err != nil {
		return reset, err
	}
	return reset, AtomicWrite(path, st)
}
