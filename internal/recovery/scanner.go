// Package recovery rebuilds minimal recordings from audio files left on
// disk after the local database was lost.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"voxsync/internal/metrics"
	"voxsync/internal/record"
	"voxsync/internal/storage"

	"go.uber.org/zap"
)

// FilePrefix starts every recording file name
const FilePrefix = "recording_"

// Extensions recognized as recording artifacts
var Extensions = []string{".m4a", ".wav", ".caf", ".aac"}

const titleLayout = "Jan 2, 2006 3:04 PM"

// Recorder is where recovered recordings are written. The Sync Coordinator
// implements it; CreateQuiet stores a dirty record without pushing it.
type Recorder interface {
	List(ctx context.Context) ([]*record.Recording, error)
	CreateQuiet(ctx context.Context, rec *record.Recording) (*record.Recording, error)
}

// NoteSource returns a backed-up note for a file key. A missing note is
// reported with os.ErrNotExist or storage.ErrObjectNotFound.
type NoteSource interface {
	ReadNote(ctx context.Context, key string) (string, error)
}

// Candidate is an on-disk artifact without a database row
type Candidate struct {
	Path      string
	FileName  string
	CreatedAt time.Time
}

// Source says why a scan ran
type Source string

const (
	SourceNone      Source = ""
	SourceMigration Source = "migration"
	SourceOrphaned  Source = "orphaned"
)

// Report summarizes one scan
type Report struct {
	Source     Source
	Candidates int
	Recovered  []*record.Recording
	Failed     int
}

// Options configures a Scanner
type Options struct {
	// Notes are consulted in order; the first hit wins
	Notes    []NoteSource
	Flags    MigrationFlags
	Location *time.Location
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// Scanner reconciles AudioDir against the local store
type Scanner struct {
	recorder Recorder
	audioDir string
	notes    []NoteSource
	flags    MigrationFlags
	location *time.Location
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	birthTime func(path string) (time.Time, bool)
}

// New creates a scanner over audioDir
func New(recorder Recorder, audioDir string, opts Options) (*Scanner, error) {
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if strings.TrimSpace(audioDir) == "" {
		return nil, fmt.Errorf("audio directory is required")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{
		recorder:  recorder,
		audioDir:  audioDir,
		notes:     opts.Notes,
		flags:     opts.Flags,
		location:  opts.Location,
		logger:    opts.Logger.With(zap.String("component", "recovery")),
		metrics:   opts.Metrics,
		now:       opts.Now,
		birthTime: birthTime,
	}, nil
}

// Scan runs once per cold start. It is a no-op when the store already holds
// recordings. Per-file failures are logged and skipped.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	existing, err := s.recorder.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("recovery: failed to list recordings: %w", err)
	}
	if len(existing) > 0 {
		s.logger.Debug("Store populated, recovery skipped", zap.Int("recordings", len(existing)))
		return Report{}, nil
	}

	flagged := false
	if s.flags != nil {
		flagged, err = s.flags.RecoverableFiles()
		if err != nil {
			s.logger.Warn("Failed to read migration flags", zap.Error(err))
		}
	}

	candidates, err := s.Candidates()
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(candidates)}
	switch {
	case flagged:
		report.Source = SourceMigration
	case len(candidates) > 0:
		report.Source = SourceOrphaned
	default:
		return report, nil
	}

	s.logger.Info("Recovery scan started",
		zap.String("source", string(report.Source)),
		zap.Int("candidates", len(candidates)),
	)

	for _, c := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		rec, err := s.recover(ctx, c)
		if err != nil {
			report.Failed++
			s.logger.Warn("Failed to recover file", zap.String("file_name", c.FileName), zap.Error(err))
			continue
		}
		report.Recovered = append(report.Recovered, rec)
	}
	s.metrics.AddRecovered(len(report.Recovered))

	if flagged && report.Failed == 0 {
		if err := s.flags.Clear(); err != nil {
			s.logger.Warn("Failed to clear migration flags", zap.Error(err))
		}
	}

	s.logger.Info("Recovery scan finished",
		zap.Int("recovered", len(report.Recovered)),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// Candidates lists artifacts in the audio directory, oldest first
func (s *Scanner) Candidates() ([]Candidate, error) {
	entries, err := os.ReadDir(s.audioDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("recovery: failed to read %s: %w", s.audioDir, err)
	}

	var out []Candidate
	for _, entry := range entries {
		if entry.IsDir() || !IsArtifact(entry.Name()) {
			continue
		}
		path := filepath.Join(s.audioDir, entry.Name())
		out = append(out, Candidate{
			Path:      path,
			FileName:  entry.Name(),
			CreatedAt: s.createdAt(path, entry),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].FileName < out[j].FileName
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// IsArtifact reports whether name follows the recording naming convention
func IsArtifact(name string) bool {
	if !strings.HasPrefix(name, FilePrefix) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// NoteKey is the base name without extension
func NoteKey(fileName string) string {
	return record.NoteKey(fileName)
}

// Title is the generated title for a recording created at t
func Title(t time.Time, loc *time.Location) string {
	return "Recording " + t.In(loc).Format(titleLayout)
}

func (s *Scanner) createdAt(path string, entry os.DirEntry) time.Time {
	if t, ok := s.birthTime(path); ok && !t.IsZero() {
		return t.UTC()
	}
	if info, err := entry.Info(); err == nil && !info.ModTime().IsZero() {
		return info.ModTime().UTC()
	}
	return s.now().UTC()
}

func (s *Scanner) recover(ctx context.Context, c Candidate) (*record.Recording, error) {
	rec := &record.Recording{
		Title:      Title(c.CreatedAt, s.location),
		RecordedAt: c.CreatedAt,
		FileName:   c.FileName,
		Status:     record.StatusPending,
		Notes:      s.note(ctx, NoteKey(c.FileName)),
	}
	return s.recorder.CreateQuiet(ctx, rec)
}

func (s *Scanner) note(ctx context.Context, key string) string {
	for _, src := range s.notes {
		text, err := src.ReadNote(ctx, key)
		if err == nil {
			return text
		}
		if !errors.Is(err, os.ErrNotExist) && !storage.IsNotFound(err) {
			s.logger.Warn("Failed to read note backup", zap.String("key", key), zap.Error(err))
		}
	}
	return ""
}

// LocalNotes reads note backups from <dir>/<key>.txt
type LocalNotes struct {
	Dir string
}

// ReadNote implements NoteSource
func (n LocalNotes) ReadNote(ctx context.Context, key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(n.Dir, key+".txt"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
