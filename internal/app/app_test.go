package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voxsync/internal/config"
	"voxsync/internal/record"

	"go.uber.org/zap"
)

func testConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.DB = filepath.Join(dir, "voxsync.db")
	cfg.Data.AudioDir = filepath.Join(dir, "recordings")
	cfg.Data.FlagsFile = ""
	cfg.Queue.Store = store
	cfg.Queue.Dir = filepath.Join(dir, "queues")
	// never dialled: the agent stays offline until Run starts the probe
	cfg.Backend.URL = "http://127.0.0.1:1"
	cfg.AI.URL = "http://127.0.0.1:1"
	return cfg
}

func TestRecoverQueuesOrphanedRecordings(t *testing.T) {
	for _, store := range []string{"file", "sqlite"} {
		t.Run(store, func(t *testing.T) {
			cfg := testConfig(t, store)
			agent, err := New(cfg, zap.NewNop())
			if err != nil {
				t.Fatal(err)
			}
			defer agent.Close()

			for _, name := range []string{"recording_1.m4a", "recording_2.wav", "notes.txt"} {
				if err := os.WriteFile(filepath.Join(cfg.Data.AudioDir, name), []byte("x"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			ctx := context.Background()
			report, err := agent.Recover(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(report.Recovered) != 2 {
				t.Fatalf("recovered %d, want 2", len(report.Recovered))
			}

			recs, err := agent.Records(ctx)
			if err != nil {
				t.Fatal(err)
			}
			for _, rec := range recs {
				if !strings.HasPrefix(rec.Title, "Recording ") || rec.Status != record.StatusPending {
					t.Errorf("unexpected recovered record %+v", rec)
				}
			}

			queues := agent.Queues()
			if len(queues) != 2 || queues[0].Name() != "transcription" {
				t.Fatalf("unexpected queues %v", queues)
			}
			if n := queues[0].Len(); n != 2 {
				t.Errorf("transcription queue has %d jobs, want 2", n)
			}

			// a second scan finds a populated store
			again, err := agent.Recover(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(again.Recovered) != 0 {
				t.Errorf("second scan recovered %d", len(again.Recovered))
			}
		})
	}
}

func TestQueuedJobsSurviveRestart(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	agent, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Data.AudioDir, "recording_9.m4a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := agent.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if n := reopened.Queues()[0].Len(); n != 1 {
		t.Fatalf("expected 1 persisted job, got %d", n)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	cfg := testConfig(t, "file")
	cfg.AI.URL = ""
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error without an ai url")
	}
}

func TestStreamSessionNeedsCredentialEndpoint(t *testing.T) {
	agent, err := New(testConfig(t, "file"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	if _, err := agent.NewStreamSession(NewFileAudio("unused", 0, 0)); err == nil {
		t.Fatal("expected error without broker or direct url")
	}
}

func TestFileAudioDeliversWholeFile(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 100)
	path := filepath.Join(t.TempDir(), "speech.pcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []byte
	sink := func(frame []byte) {
		mu.Lock()
		got = append(got, frame...)
		mu.Unlock()
	}

	src := NewFileAudio(path, 64, time.Millisecond)
	if err := src.Start(sink); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * time.Millisecond)
	src.Stop()
	if err := src.Start(sink); err != nil {
		t.Fatal(err)
	}

	select {
	case <-src.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("file never finished")
	}
	src.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, data) {
		t.Fatalf("delivered %d bytes, want %d in order", len(got), len(data))
	}
}
