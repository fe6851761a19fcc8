// Package queue is the durable retry queue used for transcription and
// summary work: a persisted FIFO drained one job at a time whenever the
// device is online.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voxsync/internal/connectivity"
	"voxsync/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Queue
type Options struct {
	DrainDelay time.Duration
	StaleAfter time.Duration
	// Terminal reports failures that drop the job without using the
	// remaining retry budget; nil means every failure is retried
	Terminal func(err error) bool
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// Queue is one persisted FIFO of pending jobs
type Queue struct {
	name       string
	store      Store
	handler    Handler
	oracle     connectivity.Reader
	drainDelay time.Duration
	staleAfter time.Duration
	terminal   func(err error) bool
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     []Job
	draining bool
	timer    *time.Timer
	closed   bool
	unsub    func()

	// completing is the job whose result is being stored or resolved;
	// sweeps skip it until the drain finishes
	completing string
}

// New loads the persisted jobs for name and returns a queue ready to Start
func New(name string, store Store, handler Handler, oracle connectivity.Reader, opts Options) (*Queue, error) {
	if store == nil || handler == nil {
		return nil, fmt.Errorf("queue %s: store and handler are required", name)
	}
	if opts.DrainDelay <= 0 {
		opts.DrainDelay = DefaultDrainDelay
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = StaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	jobs, err := store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("queue %s: failed to load jobs: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:       name,
		store:      store,
		handler:    handler,
		oracle:     oracle,
		drainDelay: opts.DrainDelay,
		staleAfter: opts.StaleAfter,
		terminal:   opts.Terminal,
		logger:     opts.Logger.With(zap.String("queue", name)),
		metrics:    opts.Metrics,
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       jobs,
	}
	q.metrics.SetQueueDepth(name, len(jobs))
	return q, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Start subscribes to connectivity so that every offline→online transition
// triggers one drain, and kicks an initial drain for jobs left from a
// previous run.
func (q *Queue) Start() {
	if q.oracle != nil {
		unsub := q.oracle.Subscribe(func(prev, next connectivity.State) {
			if !prev.Connected && next.Connected {
				q.logger.Info("Connectivity restored, draining")
				q.kick()
			}
		})
		q.mu.Lock()
		q.unsub = unsub
		q.mu.Unlock()
	}
	q.kick()
}

// Enqueue appends job, persists the list, then attempts a drain if online
func (q *Queue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now().UTC()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, fmt.Errorf("queue %s is closed", q.name)
	}
	q.jobs = append(q.jobs, job)
	if err := q.saveLocked(ctx); err != nil {
		q.jobs = q.jobs[:len(q.jobs)-1]
		q.mu.Unlock()
		return Job{}, err
	}
	depth := len(q.jobs)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.name, depth)
	q.logger.Info("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("recording_id", job.RecordingID),
		zap.Int("depth", depth),
	)

	q.kick()
	return job, nil
}

// Drain processes the head job. It is a no-op when a drain is already
// running, the queue is empty, or the device is offline.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining || q.closed || len(q.jobs) == 0 || !q.online() {
		q.mu.Unlock()
		return
	}
	q.draining = true
	job := q.jobs[0]
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.completing = ""
		remaining := len(q.jobs)
		q.mu.Unlock()
		if remaining > 0 {
			q.scheduleDrain()
		}
	}()

	start := time.Now()
	err := q.run(ctx, job)
	q.metrics.ObserveJobDuration(q.name, time.Since(start))

	if errors.Is(err, errSwept) {
		q.logger.Warn("Job swept while in flight, result discarded",
			zap.String("job_id", job.ID),
			zap.String("recording_id", job.RecordingID),
		)
		return
	}
	if err == nil {
		q.resolve(ctx, job)
		return
	}
	if ctx.Err() != nil {
		q.logger.Info("Drain interrupted by shutdown, job kept at head", zap.String("job_id", job.ID))
		return
	}
	q.retryOrDrop(ctx, job, err)
}

func (q *Queue) run(ctx context.Context, job Job) error {
	output, err := q.handler.Process(ctx, job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	present := q.indexLocked(job.ID) >= 0
	if present {
		q.completing = job.ID
	}
	q.mu.Unlock()
	if !present {
		return errSwept
	}

	if err := q.handler.Completed(ctx, job, output); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (q *Queue) resolve(ctx context.Context, job Job) {
	q.mu.Lock()
	q.removeLocked(job.ID)
	saveErr := q.saveLocked(ctx)
	depth := len(q.jobs)
	q.mu.Unlock()

	if saveErr != nil {
		q.logger.Error("Failed to persist queue after success", zap.String("job_id", job.ID), zap.Error(saveErr))
	}
	q.metrics.IncJob(q.name, "succeeded")
	q.metrics.SetQueueDepth(q.name, depth)
	q.logger.Info("Job succeeded",
		zap.String("job_id", job.ID),
		zap.String("recording_id", job.RecordingID),
	)
}

func (q *Queue) retryOrDrop(ctx context.Context, job Job, cause error) {
	job.RetryCount++
	job.LastError = cause.Error()
	drop := job.RetryCount >= MaxRetries || (q.terminal != nil && q.terminal(cause))

	q.mu.Lock()
	present := q.removeLocked(job.ID)
	if present && !drop {
		q.jobs = append(q.jobs, job)
	}
	saveErr := q.saveLocked(ctx)
	depth := len(q.jobs)
	q.mu.Unlock()

	if saveErr != nil {
		q.logger.Error("Failed to persist queue after failure", zap.String("job_id", job.ID), zap.Error(saveErr))
	}
	q.metrics.SetQueueDepth(q.name, depth)

	if !present {
		// Swept while in flight; SweepStale already reported the drop.
		return
	}

	if drop {
		q.metrics.IncJob(q.name, "dropped")
		q.logger.Error("Job dropped",
			zap.String("job_id", job.ID),
			zap.String("recording_id", job.RecordingID),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(cause),
		)
		q.handler.Dropped(ctx, job, cause)
		return
	}

	q.metrics.IncJob(q.name, "retried")
	q.logger.Warn("Job failed, requeued at tail",
		zap.String("job_id", job.ID),
		zap.String("recording_id", job.RecordingID),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(cause),
	)
}

// SweepStale removes every job older than the stale cap regardless of its
// remaining retry budget and reports each as dropped.
func (q *Queue) SweepStale(ctx context.Context) int {
	cutoff := q.now().Add(-q.staleAfter)

	q.mu.Lock()
	var kept, expired []Job
	for _, job := range q.jobs {
		if job.CreatedAt.Before(cutoff) && job.ID != q.completing {
			expired = append(expired, job)
			continue
		}
		kept = append(kept, job)
	}
	if len(expired) == 0 {
		q.mu.Unlock()
		return 0
	}
	previous := q.jobs
	q.jobs = kept
	if err := q.saveLocked(ctx); err != nil {
		q.jobs = previous
		q.mu.Unlock()
		q.logger.Error("Failed to persist stale sweep", zap.Error(err))
		return 0
	}
	depth := len(q.jobs)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.name, depth)
	for _, job := range expired {
		q.metrics.IncJob(q.name, "expired")
		q.logger.Warn("Stale job removed",
			zap.String("job_id", job.ID),
			zap.String("recording_id", job.RecordingID),
			zap.Time("created_at", job.CreatedAt),
		)
		q.handler.Dropped(ctx, job, ErrStale)
	}
	return len(expired)
}

// Jobs returns a copy of the pending jobs in order
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

// Len returns the number of pending jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops scheduled drains and waits for a running one to finish.
// Persisted jobs remain for the next run.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	unsub := q.unsub
	q.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue) kick() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.Drain(q.ctx)
	}()
}

func (q *Queue) scheduleDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.drainDelay, q.kick)
}

// online must be called with mu held; the oracle has its own lock.
func (q *Queue) online() bool {
	return q.oracle == nil || q.oracle.Current().Connected
}

func (q *Queue) indexLocked(id string) int {
	for i, job := range q.jobs {
		if job.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(id string) bool {
	i := q.indexLocked(id)
	if i < 0 {
		return false
	}
	q.jobs = append(q.jobs[:i:i], q.jobs[i+1:]...)
	return true
}

func (q *Queue) saveLocked(ctx context.Context) error {
	// Persisting must finish even when the drain context is being cancelled.
	if err := q.store.Save(context.WithoutCancel(ctx), q.jobs); err != nil {
		return fmt.Errorf("queue %s: failed to persist jobs: %w", q.name, err)
	}
	return nil
}
