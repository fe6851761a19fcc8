package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxsync/internal/backoff"
	"voxsync/internal/config"
	"voxsync/internal/connectivity"
	"voxsync/internal/metrics"
	"voxsync/internal/pipeline"
	"voxsync/internal/queue"
	"voxsync/internal/record"
	"voxsync/internal/recovery"
	"voxsync/internal/remote"
	"voxsync/internal/sqlitedb"
	"voxsync/internal/storage"
	"voxsync/internal/stream"
	"voxsync/internal/syncer"

	"go.uber.org/zap"
)

// Agent owns every long-running service of the sync core
type Agent struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	db        *sql.DB
	records   *record.SQLiteStore
	oracle    *connectivity.Oracle
	executor  *backoff.Executor
	artifacts *storage.ArtifactStore
	coord     *syncer.Coordinator
	pipeline  *pipeline.Pipeline
	queues    []*queue.Queue
	scanner   *recovery.Scanner
}

// New creates an agent instance
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	if cfg.AI.URL == "" {
		return nil, fmt.Errorf("ai url is required")
	}
	if err := os.MkdirAll(cfg.Data.AudioDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build() error {
	cfg := a.cfg

	db, err := sqlitedb.Open(cfg.Data.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db

	records, err := record.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("failed to create record store: %w", err)
	}
	a.records = records

	prober := connectivity.NewNetProber(cfg.Network.ProbeAddress, cfg.Network.ProbeTimeout)
	a.oracle = connectivity.NewOracle(prober, connectivity.Options{
		Interval: cfg.Network.ProbeInterval,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})

	a.executor = backoff.New(backoff.Config{
		MaxAttempts:  cfg.Sync.Retries,
		Base:         cfg.Sync.RetryBase,
		Cap:          cfg.Sync.RetryCap,
		PollInterval: 2 * time.Second,
		JitterRatio:  0.1,
	}, a.oracle, a.logger, a.metrics)

	if cfg.Storage.Enabled() {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Secure:    cfg.Storage.Secure,
		})
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		a.artifacts, err = storage.NewArtifactStore(client, storage.ArtifactOptions{
			Bucket: cfg.Storage.Bucket,
			Logger: a.logger,
		})
		if err != nil {
			return err
		}
	}

	backendHTTP, err := remote.NewHTTPClient(cfg.Backend.URL, remote.Options{
		Token:   cfg.Backend.Token,
		Refresh: tokenFileRefresher(cfg.Backend.TokenFile),
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	syncOpts := syncer.Options{
		Executor:     a.executor,
		AudioDir:     cfg.Data.AudioDir,
		Owner:        func() string { return cfg.Sync.Owner },
		PushInterval: cfg.Sync.PushInterval,
		Logger:       a.logger,
		Metrics:      a.metrics,
	}
	if a.artifacts != nil {
		syncOpts.Artifacts = a.artifacts
		syncOpts.Notes = a.artifacts
	}
	a.coord, err = syncer.New(a.records, remote.NewBackend(backendHTTP), a.oracle, syncOpts)
	if err != nil {
		return err
	}

	aiHTTP, err := remote.NewHTTPClient(cfg.AI.URL, remote.Options{
		Token:  cfg.AI.Token,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create ai client: %w", err)
	}
	pipeOpts := pipeline.Options{
		AudioDir:     cfg.Data.AudioDir,
		PollInterval: cfg.AI.PollInterval,
		PollTimeout:  cfg.AI.PollTimeout,
		Logger:       a.logger,
	}
	if a.artifacts != nil {
		pipeOpts.Uploader = a.artifacts
	}
	a.pipeline = pipeline.New(remote.NewAI(aiHTTP), a.coord, a.oracle, pipeOpts)

	transcription, err := a.openQueue(string(queue.KindTranscription))
	if err != nil {
		return err
	}
	summary, err := a.openQueue(string(queue.KindSummary))
	if err != nil {
		return err
	}
	a.pipeline.Attach(transcription, summary)

	notes := []recovery.NoteSource{}
	if cfg.Data.NotesDir != "" {
		notes = append(notes, recovery.LocalNotes{Dir: cfg.Data.NotesDir})
	}
	if a.artifacts != nil {
		notes = append(notes, a.artifacts)
	}
	var flags recovery.MigrationFlags
	if cfg.Data.FlagsFile != "" {
		flags = recovery.NewFileFlags(cfg.Data.FlagsFile)
	}
	a.scanner, err = recovery.New(a.coord, cfg.Data.AudioDir, recovery.Options{
		Notes:   notes,
		Flags:   flags,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	return err
}

func (a *Agent) openQueue(name string) (*queue.Queue, error) {
	var store queue.Store
	switch a.cfg.Queue.Store {
	case "sqlite":
		s, err := queue.NewSQLiteStore(a.db, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s queue store: %w", name, err)
		}
		store = s
	default:
		if err := os.MkdirAll(a.cfg.Queue.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		s, err := queue.NewFileStore(filepath.Join(a.cfg.Queue.Dir, name+".json"))
		if err != nil {
			return nil, err
		}
		store = s
	}

	q, err := queue.New(name, store, a.pipeline, a.oracle, queue.Options{
		DrainDelay: a.cfg.Queue.DrainDelay,
		Terminal:   pipeline.Terminal,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.queues = append(a.queues, q)
	return q, nil
}

// Run recovers orphaned recordings, then keeps the queues and the sync loop
// running until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Starting agent",
		zap.String("audio_dir", a.cfg.Data.AudioDir),
		zap.String("queue_store", a.cfg.Queue.Store),
		zap.Bool("artifacts", a.artifacts != nil),
		zap.Bool("signed_in", a.cfg.Sync.Owner != ""),
	)

	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
				a.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	if a.artifacts != nil {
		if err := a.artifacts.EnsureBucket(ctx); err != nil {
			a.logger.Warn("Failed to ensure artifact bucket", zap.Error(err))
		}
	}

	// Recovery runs before any queue or sync activity.
	if _, err := a.Recover(ctx); err != nil {
		a.logger.Error("Recovery scan failed", zap.Error(err))
	}

	go a.oracle.Run(ctx)
	for _, q := range a.queues {
		q.Start()
	}
	a.coord.Start()

	if a.cfg.Sync.Owner != "" {
		go func() {
			recs, err := a.coord.Fetch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("Initial fetch failed", zap.Error(err))
				}
				return
			}
			a.logger.Info("Initial fetch completed", zap.Int("records", len(recs)))
		}()
	}

	a.Sweep(ctx)
	ticker := time.NewTicker(a.cfg.Queue.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Agent stopping")
			return nil
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Recover runs the Recovery Scanner once and queues transcription of every
// recovered recording.
func (a *Agent) Recover(ctx context.Context) (recovery.Report, error) {
	report, err := a.scanner.Scan(ctx)
	if err != nil {
		return report, err
	}
	for _, rec := range report.Recovered {
		if _, err := a.pipeline.Submit(ctx, queue.KindTranscription, rec); err != nil {
			a.logger.Warn("Failed to submit recovered recording",
				zap.String("recording_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	return report, nil
}

// Sweep drops stale queued jobs
func (a *Agent) Sweep(ctx context.Context) int {
	n := a.pipeline.Sweep(ctx)
	if n > 0 {
		a.logger.Warn("Stale jobs removed", zap.Int("count", n))
	}
	return n
}

// Queues returns the transcription and summary queues
func (a *Agent) Queues() []*queue.Queue {
	return a.queues
}

// Records lists every local recording
func (a *Agent) Records(ctx context.Context) ([]*record.Recording, error) {
	return a.coord.List(ctx)
}

// NewStreamSession builds a live transcription session over audio. The
// broker is tried first, then the direct credential endpoint.
func (a *Agent) NewStreamSession(audio stream.AudioSource) (*stream.Session, error) {
	sc := a.cfg.Stream
	var providers []stream.CredentialProvider
	for _, p := range []struct{ name, url, path string }{
		{"broker", sc.BrokerURL, "/v1/stream/credentials"},
		{"direct", sc.DirectURL, "/v1/credentials"},
	} {
		if p.url == "" {
			continue
		}
		client, err := remote.NewHTTPClient(p.url, remote.Options{
			Token:   a.cfg.Backend.Token,
			Refresh: tokenFileRefresher(a.cfg.Backend.TokenFile),
			Logger:  a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s credential client: %w", p.name, err)
		}
		providers = append(providers, remote.NewCredentialSource(p.name, client, p.path))
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no stream credential endpoint configured")
	}

	dialer := &stream.WebsocketDialer{
		URL:             sc.URL,
		TokenQueryParam: sc.TokenQueryParam,
	}
	return stream.New(providers, dialer, audio, stream.Options{
		Scope:   sc.Scope,
		Oracle:  a.oracle,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// NoteBackups lists the note keys kept in the artifact bucket
func (a *Agent) NoteBackups(ctx context.Context) ([]string, error) {
	if a.artifacts == nil {
		return nil, fmt.Errorf("artifact storage is not configured")
	}
	return a.artifacts.NoteKeys(ctx)
}

// Oracle exposes connectivity so short-lived commands can probe once
func (a *Agent) Oracle() *connectivity.Oracle {
	return a.oracle
}

// Close cleans up resources
func (a *Agent) Close() error {
	for _, q := range a.queues {
		q.Close()
	}
	if a.coord != nil {
		a.coord.Close()
	}
	if a.oracle != nil {
		a.oracle.Close()
	}
	if a.records != nil {
		return a.records.Close()
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func tokenFileRefresher(path string) remote.RefreshFunc {
	if path == "" {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("token file %s is empty", path)
		}
		return token, nil
	}
}
