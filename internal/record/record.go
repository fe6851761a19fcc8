// Package record holds the Recording entity and its local SQLite store.
package record

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a recording does not exist locally
var ErrNotFound = errors.New("recording not found")

// Status is the processing state of a recording
type Status string

const (
	StatusPending      Status = "pending"
	StatusTranscribing Status = "transcribing"
	StatusSummarizing  Status = "summarizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// SyncStatus is the reconciliation state with the backend
type SyncStatus string

const (
	SyncLocalOnly SyncStatus = "local_only"
	SyncPending   SyncStatus = "pending"
	SyncSynced    SyncStatus = "synced"
)

// SyncMeta is the per-entity sync metadata
type SyncMeta struct {
	NeedsSync  bool       `json:"needsSync"`
	SyncStatus SyncStatus `json:"syncStatus"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	RemoteID   string     `json:"remoteId,omitempty"`
}

// Recording is one captured audio file and everything derived from it
type Recording struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId,omitempty"`
	Title           string    `json:"title"`
	Category        string    `json:"category,omitempty"`
	RecordedAt      time.Time `json:"recordedAt"`
	FileName        string    `json:"fileName,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Status          Status    `json:"status"`
	LastError       string    `json:"lastError,omitempty"`
	Sync            SyncMeta  `json:"sync"`
}

// Clone returns a copy safe to hand to another goroutine
func (r *Recording) Clone() *Recording {
	c := *r
	return &c
}

// Touch applies the dirty-marking rule: any mutation makes the record
// pending sync as of now.
func (r *Recording) Touch(now time.Time) {
	r.Sync.NeedsSync = true
	r.Sync.SyncStatus = SyncPending
	r.Sync.UpdatedAt = now.UTC()
}

// NoteKey names the note backup of a recording file: its base name without
// extension
func NoteKey(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Store persists recordings locally
type Store interface {
	Get(ctx context.Context, id string) (*Recording, error)
	Upsert(ctx context.Context, rec *Recording) error
	List(ctx context.Context) ([]*Recording, error)
	ListNeedingSync(ctx context.Context) ([]*Recording, error)
	// MarkSynced clears needsSync only if updatedAt still matches, so a
	// mutation made during the push keeps the record dirty.
	MarkSynced(ctx context.Context, id string, updatedAt time.Time, remoteID string) (bool, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
