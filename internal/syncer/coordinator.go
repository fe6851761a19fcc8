// Package syncer owns the sync metadata of every recording: it marks records
// dirty, pushes full snapshots to the backend, and merges and repairs on
// fetch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"voxsync/internal/backoff"
	"voxsync/internal/connectivity"
	"voxsync/internal/metrics"
	"voxsync/internal/record"
	"voxsync/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend is the remote record store
type Backend interface {
	PushRecord(ctx context.Context, rec *record.Recording) (string, error)
	FetchRecords(ctx context.Context, owner string) ([]*record.Recording, error)
}

// ArtifactUploader uploads a recording's audio before its record is pushed
type ArtifactUploader interface {
	UploadFile(ctx context.Context, key, path string) (skipped bool, err error)
}

// NoteBackup keeps a copy of recording notes off the device
type NoteBackup interface {
	PutNote(ctx context.Context, key, text string) error
}

// Options configures a Coordinator
type Options struct {
	Executor *backoff.Executor
	// Artifacts is optional; nil disables audio upload
	Artifacts ArtifactUploader
	// Notes is optional; nil disables note backups
	Notes NoteBackup
	// AudioDir resolves relative file names
	AudioDir string
	// Owner returns the signed-in principal; empty means sync is not
	// authorized
	Owner func() string
	// PushInterval is the minimum spacing between push passes
	PushInterval time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	Now          func() time.Time
}

// Coordinator serializes every mutation and push of recordings
type Coordinator struct {
	store     record.Store
	backend   Backend
	oracle    connectivity.Reader
	executor  *backoff.Executor
	artifacts ArtifactUploader
	notes     NoteBackup
	audioDir  string
	owner     func() string
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes read-modify-write cycles on the store
	writeMu sync.Mutex

	mu      sync.Mutex
	idle    *sync.Cond
	running bool
	again   bool
	closed  bool
	unsub   func()
}

// New creates a Coordinator. oracle may be nil, meaning always online.
func New(store record.Store, backend Backend, oracle connectivity.Reader, opts Options) (*Coordinator, error) {
	if store == nil || backend == nil {
		return nil, fmt.Errorf("record store and backend are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Executor == nil {
		opts.Executor = backoff.New(backoff.DefaultConfig(), oracle, opts.Logger, opts.Metrics)
	}
	if opts.Owner == nil {
		opts.Owner = func() string { return "" }
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:     store,
		backend:   backend,
		oracle:    oracle,
		executor:  opts.Executor,
		artifacts: opts.Artifacts,
		notes:     opts.Notes,
		audioDir:  opts.AudioDir,
		owner:     opts.Owner,
		limiter:   rate.NewLimiter(rate.Every(opts.PushInterval), 1),
		logger:    opts.Logger.With(zap.String("component", "syncer")),
		metrics:   opts.Metrics,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.idle = sync.NewCond(&c.mu)
	return c, nil
}

// Start pushes pending records now and again whenever connectivity returns
func (c *Coordinator) Start() {
	if c.oracle != nil {
		unsub := c.oracle.Subscribe(func(prev, next connectivity.State) {
			if !prev.Connected && next.Connected {
				c.TriggerSyncIfNeeded(c.ctx)
			}
		})
		c.mu.Lock()
		c.unsub = unsub
		c.mu.Unlock()
	}
	c.TriggerSyncIfNeeded(c.ctx)
}

// Create stores a new recording as dirty and triggers a push
func (c *Coordinator) Create(ctx context.Context, rec *record.Recording) (*record.Recording, error) {
	created, err := c.CreateQuiet(ctx, rec)
	if err != nil {
		return nil, err
	}
	c.TriggerSyncIfNeeded(ctx)
	return created, nil
}

// CreateQuiet is Create without triggering a push. Recovery uses it so the
// first push waits for Start.
func (c *Coordinator) CreateQuiet(ctx context.Context, rec *record.Recording) (*record.Recording, error) {
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = record.StatusPending
	}
	if rec.OwnerID == "" {
		rec.OwnerID = c.owner()
	}

	c.writeMu.Lock()
	c.touch(rec, time.Time{})
	err := c.store.Upsert(ctx, rec)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// MarkDirty applies mutate to the stored recording, commits it with fresh
// sync metadata, then triggers a push. mutate returning an error aborts the
// write.
func (c *Coordinator) MarkDirty(ctx context.Context, id string, mutate func(rec *record.Recording) error) (*record.Recording, error) {
	rec, err := c.MarkDirtyQuiet(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	c.TriggerSyncIfNeeded(ctx)
	return rec, nil
}

// Get returns a copy of one local recording
func (c *Coordinator) Get(ctx context.Context, id string) (*record.Recording, error) {
	return c.store.Get(ctx, id)
}

// List returns every local recording, newest first
func (c *Coordinator) List(ctx context.Context) ([]*record.Recording, error) {
	return c.store.List(ctx)
}

// touch keeps updatedAt strictly increasing so the MarkSynced guard sees
// every mutation even on a coarse clock.
func (c *Coordinator) touch(rec *record.Recording, prev time.Time) {
	now := c.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	rec.Touch(now)
}

// TriggerSyncIfNeeded starts the push loop when any record needs sync. It
// returns immediately; a trigger that arrives while a pass is running causes
// one more pass.
func (c *Coordinator) TriggerSyncIfNeeded(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.running {
		c.again = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	dirty, err := c.store.ListNeedingSync(ctx)
	if err != nil {
		c.logger.Error("Failed to list records needing sync", zap.Error(err))
		return
	}
	if len(dirty) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.running {
		c.again = true
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.pushLoop()
}

// Wait blocks until the push loop is idle
func (c *Coordinator) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.running {
		c.idle.Wait()
	}
}

// Close stops the push loop after the current push
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsub := c.unsub
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.cancel()
	c.Wait()
	return nil
}

func (c *Coordinator) pushLoop() {
	for {
		c.pushPending(c.ctx)

		c.mu.Lock()
		if !c.again || c.closed {
			c.running = false
			c.again = false
			c.idle.Broadcast()
			c.mu.Unlock()
			return
		}
		c.again = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) pushPending(ctx context.Context) {
	owner := c.owner()
	if owner == "" {
		c.logger.Debug("Sync skipped, no signed-in principal")
		return
	}
	if c.oracle != nil && !c.oracle.Current().Connected {
		c.logger.Debug("Sync deferred until connectivity returns")
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	dirty, err := c.store.ListNeedingSync(ctx)
	if err != nil {
		c.logger.Error("Failed to list records needing sync", zap.Error(err))
		return
	}
	for _, rec := range dirty {
		if ctx.Err() != nil {
			return
		}
		c.pushOne(ctx, rec)
	}
}

func (c *Coordinator) pushOne(ctx context.Context, rec *record.Recording) {
	logger := c.logger.With(zap.String("recording_id", rec.ID))

	if err := c.uploadArtifact(ctx, rec); err != nil {
		c.metrics.IncPush("failed")
		logger.Warn("Artifact upload failed, record stays pending", zap.Error(err))
		return
	}
	c.backupNotes(ctx, rec)

	snapshot := rec.Clone()
	snapshot.Sync.NeedsSync = false
	snapshot.Sync.SyncStatus = record.SyncSynced

	remoteID, err := backoff.Do(ctx, c.executor, func(ctx context.Context) (string, error) {
		return c.backend.PushRecord(ctx, snapshot)
	})
	if err != nil {
		c.metrics.IncPush("failed")
		logger.Warn("Push failed, record stays pending", zap.Error(err))
		return
	}

	c.writeMu.Lock()
	applied, err := c.store.MarkSynced(ctx, rec.ID, rec.Sync.UpdatedAt, remoteID)
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.IncPush("failed")
		logger.Error("Failed to record push result", zap.Error(err))
		return
	}
	if !applied {
		c.metrics.IncPush("superseded")
		logger.Info("Record changed during push, keeping it pending")
		return
	}

	c.metrics.IncPush("succeeded")
	logger.Info("Record pushed", zap.String("remote_id", remoteID), zap.Time("updated_at", rec.Sync.UpdatedAt))
}

func (c *Coordinator) uploadArtifact(ctx context.Context, rec *record.Recording) error {
	if c.artifacts == nil || rec.FileName == "" {
		return nil
	}
	path := c.resolvePath(rec.FileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Audio file missing, pushing record without artifact",
				zap.String("recording_id", rec.ID), zap.String("path", path))
			return nil
		}
		return err
	}
	return c.executor.Run(ctx, func(ctx context.Context) error {
		_, err := c.artifacts.UploadFile(ctx, storage.AudioKey(rec.FileName), path)
		return err
	})
}

// backupNotes failures do not hold back the record push
func (c *Coordinator) backupNotes(ctx context.Context, rec *record.Recording) {
	if c.notes == nil || rec.Notes == "" || rec.FileName == "" {
		return
	}
	key := record.NoteKey(rec.FileName)
	err := c.executor.Run(ctx, func(ctx context.Context) error {
		return c.notes.PutNote(ctx, key, rec.Notes)
	})
	if err != nil {
		c.logger.Warn("Note backup failed", zap.String("recording_id", rec.ID), zap.String("key", key), zap.Error(err))
	}
}

func (c *Coordinator) resolvePath(fileName string) string {
	if filepath.IsAbs(fileName) {
		return fileName
	}
	return filepath.Join(c.audioDir, fileName)
}
