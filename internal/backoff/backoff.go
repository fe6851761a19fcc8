// Package backoff retries network calls with capped exponential delay and
// jitter, holding attempts while the device is offline.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"voxsync/internal/apperr"
	"voxsync/internal/connectivity"
	"voxsync/internal/metrics"

	"go.uber.org/zap"
)

// Config holds retry parameters
type Config struct {
	MaxAttempts  int
	Base         time.Duration
	Cap          time.Duration
	PollInterval time.Duration
	// JitterRatio is the upper bound of the uniform jitter factor
	JitterRatio float64
}

// DefaultConfig is 3 attempts, 1s base, 60s cap, 2s offline poll, 10% jitter
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		Base:         time.Second,
		Cap:          60 * time.Second,
		PollInterval: 2 * time.Second,
		JitterRatio:  0.1,
	}
}

// Executor wraps fallible operations with retry
type Executor struct {
	cfg     Config
	oracle  connectivity.Reader
	logger  *zap.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor. oracle may be nil, in which case the network is
// assumed reachable.
func New(cfg Config, oracle connectivity.Reader, logger *zap.Logger, m *metrics.Collector) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Cap <= 0 {
		cfg.Cap = def.Cap
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:     cfg,
		oracle:  oracle,
		logger:  logger.With(zap.String("component", "backoff")),
		metrics: m,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepContext,
	}
}

// Delay returns the wait before retrying after attempt k (1-indexed), given
// a uniform sample u in [0,1).
func (e *Executor) Delay(attempt int, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.Cap {
			d = e.cfg.Cap
			break
		}
	}
	if d > e.cfg.Cap {
		d = e.cfg.Cap
	}
	return time.Duration(float64(d) * (1 + u*e.cfg.JitterRatio))
}

// Run is Do for operations without a result
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do calls op at most MaxAttempts times. Terminal errors return at once;
// retryable ones wait Delay(k) first. Time spent offline does not consume
// attempts.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.waitConnected(ctx); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}

		kind := apperr.Classify(err)
		if !apperr.Retryable(err) {
			e.logger.Debug("Terminal error, not retrying",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			return zero, err
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := e.Delay(attempt, e.sample())
		e.metrics.IncRetry(string(kind))
		e.logger.Warn("Attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func (e *Executor) waitConnected(ctx context.Context) error {
	if e.oracle == nil {
		return ctx.Err()
	}
	logged := false
	for !e.oracle.Current().Connected {
		if !logged {
			e.logger.Info("Offline, waiting for connectivity before next attempt")
			logged = true
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (e *Executor) sample() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
