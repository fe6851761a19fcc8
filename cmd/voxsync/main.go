package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"voxsync/internal/app"
	"voxsync/internal/config"
	"voxsync/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "voxsync",
	Short: "Offline-resilient transcription and sync agent",
	Long:  `Keeps recordings, their transcripts and summaries consistent between the device and the backend, with durable retry queues, crash recovery and live transcription.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE:  runAgent,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild records for audio files missing from the database",
	RunE:  runRecover,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the retry queues",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending jobs",
	RunE:  runQueueList,
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop jobs older than 7 days and fail their recordings",
	RunE:  runQueueSweep,
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List local recordings and their sync state",
	RunE:  runRecords,
}

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "List note backups in the artifact bucket",
	RunE:  runNotes,
}

var listenCmd = &cobra.Command{
	Use:   "listen <pcm-file>",
	Short: "Stream a raw PCM file through live transcription",
	Args:  cobra.ExactArgs(1),
	RunE:  runListen,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default is none)")

	// Local state
	pf.String("db", "./voxsync.db", "Recordings database file")
	pf.String("audio-dir", "./recordings", "Directory holding recording files")
	pf.String("notes-dir", "", "Directory holding local note backups")
	pf.String("flags-file", "./migration.json", "Migration flags file")
	pf.String("queue-store", "file", "Queue persistence (file/sqlite)")
	pf.String("queue-dir", "./queues", "Directory for file-backed queues")
	pf.Duration("drain-delay", 2*time.Second, "Delay between queue drains")

	// Collaborators
	pf.String("owner", "", "Signed-in principal; empty disables sync")
	pf.String("backend-url", "", "Backend base URL")
	pf.String("backend-token", "", "Backend bearer token")
	pf.String("token-file", "", "File re-read for a fresh token after an auth failure")
	pf.String("ai-url", "", "Transcription and summary provider base URL")
	pf.String("ai-token", "", "Provider bearer token")
	pf.Duration("poll-interval", 2*time.Second, "Provider job poll interval")
	pf.String("stream-url", "", "Live transcription websocket URL")
	pf.String("broker-url", "", "Credential broker base URL")
	pf.String("direct-url", "", "Direct credential endpoint base URL")

	// Artifact storage
	pf.String("storage-endpoint", "", "S3-compatible endpoint for audio and note backups")
	pf.String("storage-access-key", "", "Storage access key")
	pf.String("storage-secret-key", "", "Storage secret key")
	pf.Bool("storage-secure", true, "Use HTTPS for storage")
	pf.String("bucket", "recordings", "Artifact bucket")

	// Sync and network
	pf.Duration("push-interval", time.Second, "Minimum spacing between push passes")
	pf.Int("retries", 3, "Maximum attempts per network call")
	pf.String("probe-address", "1.1.1.1:443", "TCP address dialled to detect connectivity")
	pf.Duration("probe-interval", 5*time.Second, "Connectivity probe interval")
	pf.String("metrics-addr", "", "Address for the /metrics endpoint (empty disables)")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")

	queueCmd.AddCommand(queueListCmd, queueSweepCmd)
	rootCmd.AddCommand(runCmd, recoverCmd, queueCmd, recordsCmd, notesCmd, listenCmd)
}

// withAgent loads configuration, builds the agent and closes it after fn
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, agent *app.Agent, log *zap.Logger) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	agent, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = fn(ctx, agent, log)

	if closeErr := agent.Close(); closeErr != nil {
		log.Error("Error closing agent", zap.Error(closeErr))
	}
	return err
}

func runAgent(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, agent *app.Agent, log *zap.Logger) error {
		return agent.Run(ctx)
	})
}

func runRecover(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, agent *app.Agent, log *zap.Logger) error {
		report, err := agent.Recover(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "source=%s candidates=%d recovered=%d failed=%d\n",
			sourceName(string(report.Source)), report.Candidates, len(report.Recovered), report.Failed)
		return nil
	})
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, agent *app.Agent, log *zap.Logger) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tJOB\tRECORDING\tRETRIES\tCREATED\tLAST ERROR")
		for _, q := range agent.Queues() {
			for _, job := range q.Jobs() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					q.Name(), job.ID, job.RecordingID, job.RetryCount,
					job.CreatedAt.Format(time.RFC3339), job.LastError)
			}
		}
		return w.Flush()
	})
}

func runQueueSweep(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, agent *app.Agent, log *zap.Logger) error {
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale jobs\n", agent.Sweep(ctx))
		return nil
	})
}

func runRecords(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, agent *app.Agent, log *zap.Logger) error {
		recs, err := agent.Records(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tSYNC\tUPDATED")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.Title, rec.Status, rec.Sync.SyncStatus, rec.Sync.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runNotes(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, agent *app.Agent, log *zap.Logger) error {
		keys, err := agent.NoteBackups(ctx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), key)
		}
		return nil
	})
}

func runListen(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, agent *app.Agent, log *zap.Logger) error {
		// 16 kHz mono s16le in 100ms frames
		audio := app.NewFileAudio(args[0], 3200, 100*time.Millisecond)
		session, err := agent.NewStreamSession(audio)
		if err != nil {
			return err
		}

		go agent.Oracle().Run(ctx)
		if err := session.Start(ctx); err != nil {
			return err
		}

		updates := session.Snapshots()
		finished := audio.Done()
		var grace <-chan time.Time
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				log.Debug("Session update", zap.String("state", string(snap.State)), zap.String("partial", snap.Partial))
			case <-finished:
				finished = nil
				grace = time.After(3 * time.Second)
			case <-grace:
				session.Stop()
				fmt.Fprintln(cmd.OutOrStdout(), session.Snapshot().Transcript)
				return nil
			case <-ctx.Done():
				session.Stop()
				fmt.Fprintln(cmd.OutOrStdout(), session.Snapshot().Transcript)
				return nil
			}
		}
	})
}

func sourceName(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
