package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MigrationFlags is the hand-off from a storage migration: it reports
// whether files were left behind for recovery and is cleared once they have
// been recovered.
type MigrationFlags interface {
	RecoverableFiles() (bool, error)
	Clear() error
}

type flagState struct {
	RecoverableFiles bool      `json:"recoverableFiles"`
	Source           string    `json:"source,omitempty"`
	MarkedAt         time.Time `json:"markedAt,omitempty"`
}

// FileFlags stores migration flags in a small JSON file
type FileFlags struct {
	path string
	mu   sync.Mutex
}

// NewFileFlags uses path; a missing file means no flags are set
func NewFileFlags(path string) *FileFlags {
	return &FileFlags{path: path}
}

// RecoverableFiles implements MigrationFlags
func (f *FileFlags) RecoverableFiles() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return false, err
	}
	return state.RecoverableFiles, nil
}

// Mark records that a migration from source left recoverable files
func (f *FileFlags) Mark(source string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(flagState{RecoverableFiles: true, Source: source, MarkedAt: now.UTC()})
}

// Clear implements MigrationFlags
func (f *FileFlags) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear migration flags: %w", err)
	}
	return nil
}

func (f *FileFlags) load() (flagState, error) {
	var state flagState
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("corrupt migration flags %s: %w", f.path, err)
	}
	return state, nil
}

func (f *FileFlags) save(state flagState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
