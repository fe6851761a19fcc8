package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"voxsync/internal/backoff"
	"voxsync/internal/record"

	"go.uber.org/zap"
)

// Fetch pulls the principal's remote records, merges them into the local
// store, runs the ownership and path repairs, and returns the local list.
func (c *Coordinator) Fetch(ctx context.Context) ([]*record.Recording, error) {
	owner := c.owner()
	if owner == "" {
		return nil, fmt.Errorf("fetch: no signed-in principal")
	}

	remote, err := backoff.Do(ctx, c.executor, func(ctx context.Context) ([]*record.Recording, error) {
		return c.backend.FetchRecords(ctx, owner)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	merged := 0
	for _, rr := range remote {
		ok, err := c.merge(ctx, rr)
		if err != nil {
			c.logger.Error("Failed to merge remote record", zap.String("recording_id", rr.ID), zap.Error(err))
			continue
		}
		if ok {
			merged++
		}
	}

	repaired := c.repair(ctx, owner)
	c.logger.Info("Fetch complete",
		zap.Int("remote", len(remote)),
		zap.Int("merged", merged),
		zap.Int("repaired", repaired),
	)
	if repaired > 0 {
		c.TriggerSyncIfNeeded(ctx)
	}

	return c.store.List(ctx)
}

// merge writes the remote copy when it is new locally or strictly newer
// than the local one.
func (c *Coordinator) merge(ctx context.Context, remote *record.Recording) (bool, error) {
	if remote == nil || remote.ID == "" {
		return false, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	local, err := c.store.Get(ctx, remote.ID)
	switch {
	case errors.Is(err, record.ErrNotFound):
	case err != nil:
		return false, err
	case !remote.Sync.UpdatedAt.After(local.Sync.UpdatedAt):
		return false, nil
	}

	incoming := remote.Clone()
	incoming.Sync.NeedsSync = false
	incoming.Sync.SyncStatus = record.SyncSynced
	if incoming.Sync.RemoteID == "" {
		incoming.Sync.RemoteID = remote.ID
	}
	if err := c.store.Upsert(ctx, incoming); err != nil {
		return false, err
	}
	return true, nil
}

// repair attaches unowned records to owner and rewrites absolute file
// references to base names. Failures are logged and skipped.
func (c *Coordinator) repair(ctx context.Context, owner string) int {
	recs, err := c.store.List(ctx)
	if err != nil {
		c.logger.Error("Repair skipped, failed to list records", zap.Error(err))
		return 0
	}

	repaired := 0
	for _, rec := range recs {
		needsOwner := rec.OwnerID == ""
		needsPath := rec.FileName != "" && filepath.IsAbs(rec.FileName)
		if !needsOwner && !needsPath {
			continue
		}

		_, err := c.MarkDirtyQuiet(ctx, rec.ID, func(r *record.Recording) error {
			if r.OwnerID == "" {
				r.OwnerID = owner
			}
			if r.FileName != "" && filepath.IsAbs(r.FileName) {
				base := filepath.Base(r.FileName)
				if _, err := os.Stat(filepath.Join(c.audioDir, base)); err != nil {
					c.logger.Warn("Recording file missing after path repair",
						zap.String("recording_id", r.ID),
						zap.String("file_name", base),
						zap.String("previous", r.FileName),
					)
				}
				r.FileName = base
			}
			return nil
		})
		if err != nil {
			c.logger.Error("Repair failed", zap.String("recording_id", rec.ID), zap.Error(err))
			continue
		}
		repaired++
	}
	return repaired
}

// MarkDirtyQuiet is MarkDirty without triggering a push; callers batch
// several mutations and trigger once.
func (c *Coordinator) MarkDirtyQuiet(ctx context.Context, id string, mutate func(rec *record.Recording) error) (*record.Recording, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := rec.Sync.UpdatedAt
	if mutate != nil {
		if err := mutate(rec); err != nil {
			return nil, err
		}
	}
	rec.ID = id
	c.touch(rec, prev)
	if err := c.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}
