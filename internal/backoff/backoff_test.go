package backoff

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"voxsync/internal/apperr"
	"voxsync/internal/connectivity"
)

func newTestExecutor(oracle connectivity.Reader) (*Executor, *[]time.Duration) {
	e := New(DefaultConfig(), oracle, nil, nil)
	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return e, &sleeps
}

// TestDelayBounds checks delay for attempt k lies in [base*2^(k-1), base*2^(k-1)*1.1], capped.
func TestDelayBounds(t *testing.T) {
	e := New(DefaultConfig(), nil, nil, nil)
	for k := 1; k <= 10; k++ {
		low := time.Second << uint(k-1)
		if low > 60*time.Second {
			low = 60 * time.Second
		}
		high := time.Duration(float64(low) * 1.1)

		for _, u := range []float64{0, 0.5, 0.999999} {
			d := e.Delay(k, u)
			if d < low || d > high {
				t.Errorf("Delay(%d, %v) = %s, want within [%s, %s]", k, u, d, low, high)
			}
		}
	}
}

func TestDelayRandomSamplesStayInRange(t *testing.T) {
	e := New(DefaultConfig(), nil, nil, nil)
	for i := 0; i < 1000; i++ {
		d := e.Delay(2, e.sample())
		if d < 2*time.Second || d > 2200*time.Millisecond {
			t.Fatalf("attempt 2 delay %s out of range", d)
		}
	}
}

func TestDoReturnsOnSuccess(t *testing.T) {
	e, sleeps := newTestExecutor(nil)
	calls := 0
	got, err := Do(context.Background(), e, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", syscall.ECONNRESET
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Do = %q, %v", got, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] < time.Second {
		t.Errorf("unexpected sleeps %v", *sleeps)
	}
}

func TestDoStopsOnTerminalError(t *testing.T) {
	e, sleeps := newTestExecutor(nil)
	calls := 0
	terminal := &apperr.HTTPError{StatusCode: 400, Message: "bad request"}
	err := e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if calls != 1 || len(*sleeps) != 0 {
		t.Errorf("terminal error retried: calls=%d sleeps=%v", calls, *sleeps)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	e, sleeps := newTestExecutor(nil)
	calls := 0
	err := e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return &apperr.HTTPError{StatusCode: 503, Message: "unavailable"}
	})
	var httpErr *apperr.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 503 {
		t.Fatalf("expected last 503 error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", *sleeps)
	}
	if (*sleeps)[1] < 2*time.Second {
		t.Errorf("second delay %s should double the first", (*sleeps)[1])
	}
}

// TestDoWaitsWhileOffline checks that offline time does not consume attempts.
func TestDoWaitsWhileOffline(t *testing.T) {
	oracle := connectivity.NewOracle(nil, connectivity.Options{})
	defer oracle.Close()

	e, _ := newTestExecutor(oracle)
	polls := 0
	e.sleep = func(ctx context.Context, d time.Duration) error {
		if d == 2*time.Second && !oracle.Current().Connected {
			polls++
			if polls == 5 {
				oracle.Observe(connectivity.State{Connected: true, Transport: connectivity.TransportWired})
			}
		}
		return nil
	}

	calls := 0
	err := e.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if polls != 5 || calls != 1 {
		t.Errorf("polls=%d calls=%d, want 5 polls and 1 call", polls, calls)
	}
}

func TestDoHonoursCancellationWhileOffline(t *testing.T) {
	oracle := connectivity.NewOracle(nil, connectivity.Options{})
	defer oracle.Close()

	e := New(Config{PollInterval: time.Millisecond}, oracle, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := e.Run(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if called {
		t.Error("operation ran while offline")
	}
}
