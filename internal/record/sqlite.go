package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"voxsync/internal/sqlitedb"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// OpenSQLite opens (and migrates) the recordings database at dbPath
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore uses an already opened database; Close closes it
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		duration_seconds REAL NOT NULL DEFAULT 0,
		transcript TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		needs_sync INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		remote_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_needs_sync ON recordings(needs_sync);
	CREATE INDEX IF NOT EXISTS idx_recordings_recorded_at ON recordings(recorded_at);
	`

	_, err := s.db.Exec(query)
	return err
}

const selectColumns = `id, owner_id, title, category, recorded_at, file_name, duration_seconds,
	transcript, summary, notes, status, last_error, needs_sync, sync_status, updated_at, remote_id`

// Get retrieves one recording
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Upsert writes the full recording. The write is committed before returning.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *Recording) error {
	if rec.ID == "" {
		return fmt.Errorf("recording id is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return sqlitedb.RetryOnBusy(func() error {
		query := `
		INSERT INTO recordings (` + selectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			category = excluded.category,
			recorded_at = excluded.recorded_at,
			file_name = excluded.file_name,
			duration_seconds = excluded.duration_seconds,
			transcript = excluded.transcript,
			summary = excluded.summary,
			notes = excluded.notes,
			status = excluded.status,
			last_error = excluded.last_error,
			needs_sync = excluded.needs_sync,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			remote_id = excluded.remote_id
		`
		_, err := s.db.ExecContext(ctx, query,
			rec.ID,
			rec.OwnerID,
			rec.Title,
			rec.Category,
			sqlitedb.Nanos(rec.RecordedAt),
			rec.FileName,
			rec.DurationSeconds,
			rec.Transcript,
			rec.Summary,
			rec.Notes,
			string(rec.Status),
			rec.LastError,
			boolToInt(rec.Sync.NeedsSync),
			string(rec.Sync.SyncStatus),
			sqlitedb.Nanos(rec.Sync.UpdatedAt),
			rec.Sync.RemoteID,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert recording %s: %w", rec.ID, err)
		}
		return nil
	})
}

// List returns all recordings, newest first
func (s *SQLiteStore) List(ctx context.Context) ([]*Recording, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM recordings ORDER BY recorded_at DESC`)
}

// ListNeedingSync returns dirty recordings, oldest mutation first
func (s *SQLiteStore) ListNeedingSync(ctx context.Context) ([]*Recording, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM recordings WHERE needs_sync = 1 ORDER BY updated_at ASC`)
}

// MarkSynced implements Store
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string, updatedAt time.Time, remoteID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := sqlitedb.RetryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE recordings
			SET needs_sync = 0, sync_status = ?, remote_id = ?
			WHERE id = ? AND updated_at = ?`,
			string(SyncSynced), remoteID, id, sqlitedb.Nanos(updatedAt),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark %s synced: %w", id, err)
	}
	return affected == 1, nil
}

// Count returns the number of recordings
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings`).Scan(&n)
	return n, err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Recording, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (*Recording, error) {
	var rec Recording
	var recordedAt, updatedAt int64
	var needsSync int
	var status, syncStatus string

	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Title,
		&rec.Category,
		&recordedAt,
		&rec.FileName,
		&rec.DurationSeconds,
		&rec.Transcript,
		&rec.Summary,
		&rec.Notes,
		&status,
		&rec.LastError,
		&needsSync,
		&syncStatus,
		&updatedAt,
		&rec.Sync.RemoteID,
	)
	if err != nil {
		return nil, err
	}

	rec.RecordedAt = sqlitedb.Time(recordedAt)
	rec.Sync.UpdatedAt = sqlitedb.Time(updatedAt)
	rec.Sync.NeedsSync = needsSync == 1
	rec.Status = Status(status)
	rec.Sync.SyncStatus = SyncStatus(syncStatus)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
