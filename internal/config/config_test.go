package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "", "")
	fs.String("queue-store", "", "")
	fs.String("owner", "", "")
	fs.String("backend-url", "", "")
	fs.String("log-level", "", "")
	fs.Duration("push-interval", 0, "")
	fs.Int("retries", 0, "")
	fs.Bool("storage-secure", true, "")
	return fs
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", testFlags())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Store != "file" || cfg.Sync.Retries != 3 || cfg.Network.ProbeInterval != 5*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Storage.Enabled() {
		t.Error("storage should be disabled without an endpoint")
	}
}

func TestFileThenFlagsLayering(t *testing.T) {
	path := writeConfig(t, `
data:
  db: /var/lib/voxsync/app.db
queue:
  store: sqlite
  drain_delay: 5s
sync:
  owner: file-owner
  push_interval: 3s
backend:
  url: https://api.example.com
  token: abc
ai:
  url: https://ai.example.com
  poll_interval: 500ms
log_level: debug
`)

	flags := testFlags()
	if err := flags.Parse([]string{"--owner", "flag-owner", "--push-interval", "250ms"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Data.DB != "/var/lib/voxsync/app.db" {
		t.Errorf("db = %q", cfg.Data.DB)
	}
	if cfg.Queue.Store != "sqlite" || cfg.Queue.DrainDelay != 5*time.Second {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Sync.Owner != "flag-owner" {
		t.Errorf("flag should override file owner, got %q", cfg.Sync.Owner)
	}
	if cfg.Sync.PushInterval != 250*time.Millisecond {
		t.Errorf("push interval = %v", cfg.Sync.PushInterval)
	}
	if cfg.AI.URL != "https://ai.example.com" || cfg.AI.PollInterval != 500*time.Millisecond {
		t.Errorf("ai = %+v", cfg.AI)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("unset flag must not override the file, got %q", cfg.LogLevel)
	}
	// untouched defaults survive a partial file
	if cfg.Sync.RetryCap != 60*time.Second {
		t.Errorf("retry cap = %v", cfg.Sync.RetryCap)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad store", func(c *Config) { c.Queue.Store = "redis" }, "unknown queue store"},
		{"no db", func(c *Config) { c.Data.DB = "" }, "database path"},
		{"zero retries", func(c *Config) { c.Sync.Retries = 0 }, "retries"},
		{"cap below base", func(c *Config) { c.Sync.RetryCap = time.Millisecond }, "retry base"},
		{"bad url scheme", func(c *Config) { c.Backend.URL = "ftp://x" }, "unsupported scheme"},
		{"url without host", func(c *Config) { c.AI.URL = "https://" }, "missing host"},
		{"storage without keys", func(c *Config) { c.Storage.Endpoint = "minio:9000" }, "access and secret"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}

	if err := Default().validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
