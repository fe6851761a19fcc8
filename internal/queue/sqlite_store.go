package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"voxsync/internal/sqlitedb"
)

// SQLiteStore keeps the jobs of one named queue in a shared pending_jobs table
type SQLiteStore struct {
	db      *sql.DB
	queue   string
	writeMu sync.Mutex
}

// NewSQLiteStore creates the table if needed and binds the store to queue
func NewSQLiteStore(db *sql.DB, queue string) (*SQLiteStore, error) {
	if db == nil || strings.TrimSpace(queue) == "" {
		return nil, fmt.Errorf("database and queue name are required")
	}
	s := &SQLiteStore{db: db, queue: queue}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS pending_jobs (
		queue TEXT NOT NULL,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		recording_id TEXT NOT NULL,
		resource_ref TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (queue, id)
	);

	CREATE INDEX IF NOT EXISTS idx_pending_jobs_position ON pending_jobs(queue, position);
	`
	_, err := s.db.Exec(query)
	return err
}

// Load implements Store
func (s *SQLiteStore) Load(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, recording_id, resource_ref, title, category, recorded_at, created_at, retry_count, last_error
		FROM pending_jobs WHERE queue = ?
		ORDER BY position ASC`, s.queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var kind string
		var recordedAt, createdAt int64
		if err := rows.Scan(
			&job.ID,
			&kind,
			&job.RecordingID,
			&job.ResourceRef,
			&job.Title,
			&job.Category,
			&recordedAt,
			&createdAt,
			&job.RetryCount,
			&job.LastError,
		); err != nil {
			return nil, err
		}
		job.Kind = Kind(kind)
		job.RecordedAt = sqlitedb.Time(recordedAt)
		job.CreatedAt = sqlitedb.Time(createdAt)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Save replaces the queue's rows in one transaction
func (s *SQLiteStore) Save(ctx context.Context, jobs []Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return sqlitedb.RetryOnBusy(func() error {
		return s.saveWithTransaction(ctx, jobs)
	})
}

func (s *SQLiteStore) saveWithTransaction(ctx context.Context, jobs []Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_jobs WHERE queue = ?`, s.queue); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pending_jobs
		(queue, position, id, kind, recording_id, resource_ref, title, category, recorded_at, created_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, job := range jobs {
		if _, err := stmt.ExecContext(ctx,
			s.queue,
			i,
			job.ID,
			string(job.Kind),
			job.RecordingID,
			job.ResourceRef,
			job.Title,
			job.Category,
			sqlitedb.Nanos(job.RecordedAt),
			sqlitedb.Nanos(job.CreatedAt),
			job.RetryCount,
			job.LastError,
		); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}

	return tx.Commit()
}

// Close is a no-op; the shared *sql.DB is owned by the caller
func (s *SQLiteStore) Close() error {
	return nil
}
