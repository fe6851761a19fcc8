// Package pipeline completes recordings: it transcribes the audio, then
// summarizes the transcript, with both steps backed by a durable retry queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"voxsync/internal/apperr"
	"voxsync/internal/connectivity"
	"voxsync/internal/queue"
	"voxsync/internal/record"
	"voxsync/internal/remote"
	"voxsync/internal/storage"

	"go.uber.org/zap"
)

// AI is the transcription and summary provider
type AI interface {
	SubmitJob(ctx context.Context, kind string, payload remote.JobPayload) (string, error)
	PollStatus(ctx context.Context, jobID string) (remote.JobStatus, error)
}

// Records is the write path for recordings; the Sync Coordinator implements it
type Records interface {
	Get(ctx context.Context, id string) (*record.Recording, error)
	MarkDirty(ctx context.Context, id string, mutate func(rec *record.Recording) error) (*record.Recording, error)
}

// Uploader puts audio where the provider can read it
type Uploader interface {
	UploadFile(ctx context.Context, key, path string) (bool, error)
}

// Options configures a Pipeline
type Options struct {
	// Uploader is optional; without it the provider is expected to
	// already have access to the audio
	Uploader     Uploader
	AudioDir     string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *zap.Logger
}

// Pipeline is the queue.Handler for both the transcription and summary
// queues
type Pipeline struct {
	ai       AI
	records  Records
	oracle   connectivity.Reader
	uploader Uploader
	audioDir string

	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *zap.Logger

	transcription *queue.Queue
	summary       *queue.Queue
}

// New returns a Pipeline. Attach the two queues before submitting work.
func New(ai AI, records Records, oracle connectivity.Reader, opts Options) *Pipeline {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		ai:           ai,
		records:      records,
		oracle:       oracle,
		uploader:     opts.Uploader,
		audioDir:     opts.AudioDir,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		logger:       opts.Logger.With(zap.String("component", "pipeline")),
	}
}

// Attach sets the queues the pipeline enqueues into
func (p *Pipeline) Attach(transcription, summary *queue.Queue) {
	p.transcription = transcription
	p.summary = summary
}

// Terminal is the queue.Options.Terminal policy. Missing resources, rejected
// requests and credentials still refused after the client's one refresh are
// never retried.
func Terminal(err error) bool {
	switch apperr.Classify(err) {
	case apperr.KindResourceMissing, apperr.KindClientRequest, apperr.KindAuthentication:
		return true
	}
	return false
}

// JobFor builds the pending job for rec
func JobFor(kind queue.Kind, rec *record.Recording) queue.Job {
	return queue.Job{
		Kind:        kind,
		RecordingID: rec.ID,
		ResourceRef: rec.FileName,
		Title:       rec.Title,
		Category:    rec.Category,
		RecordedAt:  rec.RecordedAt,
	}
}

// Submit runs the job immediately when online and queues it on failure.
// While offline the job is queued directly. queued reports whether the work
// was deferred to a queue.
func (p *Pipeline) Submit(ctx context.Context, kind queue.Kind, rec *record.Recording) (queued bool, err error) {
	q, err := p.queueFor(kind)
	if err != nil {
		return false, err
	}
	job := JobFor(kind, rec)

	if p.online() {
		out, err := p.Process(ctx, job)
		if err == nil {
			err = p.Completed(ctx, job, out)
		}
		if err == nil {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if Terminal(err) {
			p.Dropped(ctx, job, err)
			return false, err
		}
		p.logger.Warn("Immediate processing failed, queueing",
			zap.String("kind", string(kind)),
			zap.String("recording_id", rec.ID),
			zap.Error(err),
		)
		job.LastError = err.Error()
	}

	if _, err := q.Enqueue(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// Process runs one job against the provider
func (p *Pipeline) Process(ctx context.Context, job queue.Job) (string, error) {
	rec, err := p.records.Get(ctx, job.RecordingID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return "", apperr.New(apperr.KindResourceMissing, "load recording "+job.RecordingID, err)
		}
		return "", err
	}

	switch job.Kind {
	case queue.KindTranscription:
		return p.transcribe(ctx, job, rec)
	case queue.KindSummary:
		return p.summarize(ctx, job, rec)
	default:
		return "", apperr.New(apperr.KindInternal, "process job "+job.ID, fmt.Errorf("unknown kind %q", job.Kind))
	}
}

func (p *Pipeline) transcribe(ctx context.Context, job queue.Job, rec *record.Recording) (string, error) {
	// A transcript stored by an attempt whose summary enqueue failed is reused.
	if rec.Transcript != "" {
		return rec.Transcript, nil
	}

	ref := job.ResourceRef
	if ref == "" {
		ref = rec.FileName
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.audioDir, ref)
	}
	if _, err := os.Stat(path); err != nil {
		return "", apperr.New(apperr.KindResourceMissing, "open audio "+ref, err)
	}

	key := storage.AudioKey(ref)
	if p.uploader != nil {
		if _, err := p.uploader.UploadFile(ctx, key, path); err != nil {
			return "", err
		}
	}

	if rec.Status != record.StatusTranscribing {
		if err := p.setStatus(ctx, rec.ID, record.StatusTranscribing); err != nil {
			return "", err
		}
	}

	return p.run(ctx, string(queue.KindTranscription), remote.JobPayload{
		RecordingID: rec.ID,
		AudioKey:    key,
		Title:       job.Title,
		Category:    job.Category,
		RecordedAt:  job.RecordedAt,
	})
}

func (p *Pipeline) summarize(ctx context.Context, job queue.Job, rec *record.Recording) (string, error) {
	if rec.Transcript == "" {
		return "", apperr.New(apperr.KindResourceMissing, "summarize "+rec.ID, errors.New("recording has no transcript"))
	}
	if rec.Status != record.StatusSummarizing {
		if err := p.setStatus(ctx, rec.ID, record.StatusSummarizing); err != nil {
			return "", err
		}
	}

	return p.run(ctx, string(queue.KindSummary), remote.JobPayload{
		RecordingID: rec.ID,
		Text:        rec.Transcript,
		Title:       job.Title,
		Category:    job.Category,
		RecordedAt:  job.RecordedAt,
	})
}

// run submits a provider job and polls it until it reaches a terminal state
func (p *Pipeline) run(ctx context.Context, kind string, payload remote.JobPayload) (string, error) {
	jobID, err := p.ai.SubmitJob(ctx, kind, payload)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		status, err := p.ai.PollStatus(ctx, jobID)
		switch {
		case err != nil && !apperr.Retryable(err):
			return "", err
		case err != nil:
			p.logger.Debug("Poll failed, retrying", zap.String("provider_job_id", jobID), zap.Error(err))
		case status.State == remote.JobSucceeded:
			return status.Text, nil
		case status.State == remote.JobFailed:
			msg := status.Error
			if msg == "" {
				msg = "no reason given"
			}
			return "", fmt.Errorf("%s job %s failed: %s", kind, jobID, msg)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%s job %s: %w", kind, jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Completed stores a successful output. A transcript moves the recording to
// summarizing and queues its summary.
func (p *Pipeline) Completed(ctx context.Context, job queue.Job, output string) error {
	switch job.Kind {
	case queue.KindTranscription:
		rec, err := p.records.MarkDirty(ctx, job.RecordingID, func(rec *record.Recording) error {
			rec.Transcript = output
			rec.Status = record.StatusSummarizing
			rec.LastError = ""
			return nil
		})
		if err != nil {
			return p.ignoreMissing(job, err)
		}
		if p.summary == nil {
			return errors.New("summary queue not attached")
		}
		next := JobFor(queue.KindSummary, rec)
		if _, err := p.summary.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("failed to queue summary: %w", err)
		}
		p.logger.Info("Transcription stored", zap.String("recording_id", rec.ID), zap.Int("chars", len(output)))
		return nil

	case queue.KindSummary:
		_, err := p.records.MarkDirty(ctx, job.RecordingID, func(rec *record.Recording) error {
			rec.Summary = output
			rec.Status = record.StatusCompleted
			rec.LastError = ""
			return nil
		})
		if err != nil {
			return p.ignoreMissing(job, err)
		}
		p.logger.Info("Summary stored", zap.String("recording_id", job.RecordingID))
		return nil
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

// Dropped marks the recording failed with the drop reason
func (p *Pipeline) Dropped(ctx context.Context, job queue.Job, reason error) {
	_, err := p.records.MarkDirty(ctx, job.RecordingID, func(rec *record.Recording) error {
		rec.Status = record.StatusFailed
		rec.LastError = reason.Error()
		return nil
	})
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		p.logger.Error("Failed to mark recording failed",
			zap.String("recording_id", job.RecordingID),
			zap.Error(err),
		)
		return
	}
	p.logger.Warn("Recording failed",
		zap.String("kind", string(job.Kind)),
		zap.String("recording_id", job.RecordingID),
		zap.Error(reason),
	)
}

// Sweep drops stale jobs from both queues
func (p *Pipeline) Sweep(ctx context.Context) int {
	n := 0
	for _, q := range []*queue.Queue{p.transcription, p.summary} {
		if q != nil {
			n += q.SweepStale(ctx)
		}
	}
	return n
}

func (p *Pipeline) setStatus(ctx context.Context, id string, status record.Status) error {
	_, err := p.records.MarkDirty(ctx, id, func(rec *record.Recording) error {
		rec.Status = status
		return nil
	})
	return err
}

// ignoreMissing resolves jobs whose recording was deleted meanwhile
func (p *Pipeline) ignoreMissing(job queue.Job, err error) error {
	if errors.Is(err, record.ErrNotFound) {
		p.logger.Warn("Recording gone, discarding result", zap.String("recording_id", job.RecordingID))
		return nil
	}
	return err
}

func (p *Pipeline) queueFor(kind queue.Kind) (*queue.Queue, error) {
	var q *queue.Queue
	switch kind {
	case queue.KindTranscription:
		q = p.transcription
	case queue.KindSummary:
		q = p.summary
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if q == nil {
		return nil, fmt.Errorf("%s queue not attached", kind)
	}
	return q, nil
}

func (p *Pipeline) online() bool {
	return p.oracle == nil || p.oracle.Current().Connected
}
