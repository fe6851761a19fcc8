package queue

import (
	"context"
	"errors"
	"time"
)

// Kind is the unit of work a job stands for
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindSummary       Kind = "summary"
)

const (
	// MaxRetries is the retryCount at which a job is dropped
	MaxRetries = 3
	// StaleAfter is the hard age cap for any pending job
	StaleAfter = 7 * 24 * time.Hour
	// DefaultDrainDelay separates consecutive drains of a non-empty queue
	DefaultDrainDelay = 2 * time.Second
)

// ErrStale is the drop reason for jobs removed by SweepStale
var ErrStale = errors.New("job abandoned after 7 days")

// errSwept reports a job removed by SweepStale while it was being processed
var errSwept = errors.New("job swept while in flight")

// Job is a unit of deferred work persisted until resolved
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	RecordingID string    `json:"recordingId"`
	ResourceRef string    `json:"resourceRef"`
	Title       string    `json:"title,omitempty"`
	Category    string    `json:"category,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
	CreatedAt   time.Time `json:"createdAt"`
	RetryCount  int       `json:"retryCount"`
	LastError   string    `json:"lastError,omitempty"`
}

// Handler performs a job and materializes its outcome
type Handler interface {
	// Process runs the underlying unit of work and returns its text output
	Process(ctx context.Context, job Job) (string, error)
	// Completed stores a successful output. An error here counts as a
	// failed attempt.
	Completed(ctx context.Context, job Job, output string) error
	// Dropped marks the originating record failed
	Dropped(ctx context.Context, job Job, reason error)
}

// Store persists the ordered job list of one queue
type Store interface {
	Load(ctx context.Context) ([]Job, error)
	Save(ctx context.Context, jobs []Job) error
	Close() error
}
