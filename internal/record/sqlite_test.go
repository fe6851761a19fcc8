package record

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecording(id string, updated time.Time) *Recording {
	rec := &Recording{
		ID:         id,
		Title:      "Standup",
		Category:   "work",
		RecordedAt: updated.Add(-time.Hour),
		FileName:   "recording_" + id + ".m4a",
		Status:     StatusPending,
	}
	rec.Touch(updated)
	return rec
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 3, 4, 10, 0, 0, 123456789, time.UTC)

	rec := sampleRecording("r1", now)
	rec.Transcript = "hello world"
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Transcript != "hello world" || got.Status != StatusPending {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.Sync.NeedsSync || got.Sync.SyncStatus != SyncPending {
		t.Errorf("sync metadata not persisted: %+v", got.Sync)
	}
	if !got.Sync.UpdatedAt.Equal(now) {
		t.Errorf("updatedAt = %s, want %s", got.Sync.UpdatedAt, now)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSyncedRequiresUnchangedUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t0 := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	rec := sampleRecording("r1", t0)
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// A mutation lands while the push of the t0 snapshot is in flight.
	rec.Title = "Renamed"
	rec.Touch(t0.Add(time.Second))
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	ok, err := store.MarkSynced(ctx, "r1", t0, "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale snapshot must not clear needsSync")
	}

	ok, err = store.MarkSynced(ctx, "r1", t0.Add(time.Second), "remote-1")
	if err != nil || !ok {
		t.Fatalf("MarkSynced = %v, %v", ok, err)
	}
	got, _ := store.Get(ctx, "r1")
	if got.Sync.NeedsSync || got.Sync.SyncStatus != SyncSynced || got.Sync.RemoteID != "remote-1" {
		t.Errorf("unexpected sync meta %+v", got.Sync)
	}
}

func TestListNeedingSyncAndCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"b", "a", "c"} {
		rec := sampleRecording(id, base.Add(time.Duration(i)*time.Minute))
		if id == "c" {
			rec.Sync.NeedsSync = false
			rec.Sync.SyncStatus = SyncSynced
		}
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	dirty, err := store.ListNeedingSync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 2 || dirty[0].ID != "b" || dirty[1].ID != "a" {
		t.Fatalf("unexpected dirty order: %v", ids(dirty))
	}
}

func ids(recs []*Recording) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
