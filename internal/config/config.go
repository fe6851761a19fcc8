package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the agent configuration
type Config struct {
	Data        DataConfig    `yaml:"data"`
	Queue       QueueConfig   `yaml:"queue"`
	Sync        SyncConfig    `yaml:"sync"`
	Backend     Endpoint      `yaml:"backend"`
	AI          AIConfig      `yaml:"ai"`
	Stream      StreamConfig  `yaml:"stream"`
	Storage     S3Config      `yaml:"storage"`
	Network     NetworkConfig `yaml:"network"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
}

// DataConfig locates on-device state
type DataConfig struct {
	DB        string `yaml:"db"`
	AudioDir  string `yaml:"audio_dir"`
	NotesDir  string `yaml:"notes_dir"`
	FlagsFile string `yaml:"flags_file"`
}

// QueueConfig selects how the retry queues persist
type QueueConfig struct {
	// Store is "file" (one JSON document per queue) or "sqlite"
	Store      string        `yaml:"store"`
	Dir        string        `yaml:"dir"`
	DrainDelay time.Duration `yaml:"drain_delay"`
	SweepEvery time.Duration `yaml:"sweep_every"`
}

// SyncConfig controls the push loop and its retries
type SyncConfig struct {
	Owner        string        `yaml:"owner"`
	PushInterval time.Duration `yaml:"push_interval"`
	Retries      int           `yaml:"retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryCap     time.Duration `yaml:"retry_cap"`
}

// Endpoint is an HTTP collaborator with bearer auth
type Endpoint struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// TokenFile is re-read when the server rejects the current token
	TokenFile string `yaml:"token_file"`
}

// AIConfig is the transcription and summary provider
type AIConfig struct {
	Endpoint     `yaml:",inline"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// StreamConfig configures live transcription
type StreamConfig struct {
	URL             string `yaml:"url"`
	BrokerURL       string `yaml:"broker_url"`
	DirectURL       string `yaml:"direct_url"`
	Scope           string `yaml:"scope"`
	TokenQueryParam string `yaml:"token_query_param"`
}

// S3Config represents the S3-compatible artifact store
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
}

// Enabled reports whether artifact upload is configured
func (s S3Config) Enabled() bool {
	return s.Endpoint != ""
}

// NetworkConfig drives the connectivity probe
type NetworkConfig struct {
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// Default returns the configuration used before the file and flags apply
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Data: DataConfig{
			DB:        "./voxsync.db",
			AudioDir:  "./recordings",
			FlagsFile: "./migration.json",
		},
		Queue: QueueConfig{
			Store:      "file",
			Dir:        "./queues",
			DrainDelay: 2 * time.Second,
			SweepEvery: time.Hour,
		},
		Sync: SyncConfig{
			PushInterval: time.Second,
			Retries:      3,
			RetryBase:    time.Second,
			RetryCap:     60 * time.Second,
		},
		AI: AIConfig{
			PollInterval: 2 * time.Second,
			PollTimeout:  10 * time.Minute,
		},
		Stream: StreamConfig{
			Scope: "transcribe",
		},
		Storage: S3Config{
			Bucket: "recordings",
			Secure: true,
		},
		Network: NetworkConfig{
			ProbeAddress:  "1.1.1.1:443",
			ProbeTimeout:  3 * time.Second,
			ProbeInterval: 5 * time.Second,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	strs := map[string]*string{
		"db":                 &cfg.Data.DB,
		"audio-dir":          &cfg.Data.AudioDir,
		"notes-dir":          &cfg.Data.NotesDir,
		"flags-file":         &cfg.Data.FlagsFile,
		"queue-store":        &cfg.Queue.Store,
		"queue-dir":          &cfg.Queue.Dir,
		"owner":              &cfg.Sync.Owner,
		"backend-url":        &cfg.Backend.URL,
		"backend-token":      &cfg.Backend.Token,
		"token-file":         &cfg.Backend.TokenFile,
		"ai-url":             &cfg.AI.URL,
		"ai-token":           &cfg.AI.Token,
		"stream-url":         &cfg.Stream.URL,
		"broker-url":         &cfg.Stream.BrokerURL,
		"direct-url":         &cfg.Stream.DirectURL,
		"storage-endpoint":   &cfg.Storage.Endpoint,
		"storage-access-key": &cfg.Storage.AccessKey,
		"storage-secret-key": &cfg.Storage.SecretKey,
		"bucket":             &cfg.Storage.Bucket,
		"probe-address":      &cfg.Network.ProbeAddress,
		"metrics-addr":       &cfg.MetricsAddr,
		"log-level":          &cfg.LogLevel,
	}
	for name, dst := range strs {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"drain-delay":    &cfg.Queue.DrainDelay,
		"push-interval":  &cfg.Sync.PushInterval,
		"probe-interval": &cfg.Network.ProbeInterval,
		"poll-interval":  &cfg.AI.PollInterval,
	}
	for name, dst := range durations {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if flags.Changed("retries") {
		cfg.Sync.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("storage-secure") {
		cfg.Storage.Secure, _ = flags.GetBool("storage-secure")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Data.DB == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Data.AudioDir == "" {
		return fmt.Errorf("audio directory is required")
	}

	switch c.Queue.Store {
	case "file":
		if c.Queue.Dir == "" {
			return fmt.Errorf("queue directory is required for the file store")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown queue store %q (want file or sqlite)", c.Queue.Store)
	}
	if c.Queue.DrainDelay <= 0 || c.Queue.SweepEvery <= 0 {
		return fmt.Errorf("drain delay and sweep interval must be positive")
	}

	if c.Sync.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}
	if c.Sync.PushInterval <= 0 {
		return fmt.Errorf("push interval must be positive")
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryCap < c.Sync.RetryBase {
		return fmt.Errorf("retry base must be positive and not above the cap")
	}
	if c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}

	for name, raw := range map[string]string{
		"backend url": c.Backend.URL,
		"ai url":      c.AI.URL,
		"stream url":  c.Stream.URL,
		"broker url":  c.Stream.BrokerURL,
		"direct url":  c.Stream.DirectURL,
	} {
		if err := checkURL(name, raw); err != nil {
			return err
		}
	}

	if c.Storage.Enabled() {
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage access and secret keys are required")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("bucket is required")
		}
	}

	return nil
}

func checkURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%s: unsupported scheme %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host", name)
	}
	return nil
}
