package requestqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/callgate/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

var errFlaky = errors.New("flaky upstream")

func newTestQueue(cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	return New(cfg, slog.Default())
}

func wait(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not settle within 5s")
	}
	return v, err
}

func TestQueue_ExecutesOperation(t *testing.T) {
	q := newTestQueue(Config{})
	defer q.Close()

	f, err := q.Enqueue(func(ctx context.Context) (any, error) {
		return 42, nil
	}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	v, err := wait(t, f)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != 42 {
		t.Fatalf("value = %v, want 42", v)
	}
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1, MaxQueueSize: 2})
	defer q.Close()

	block := make(chan struct{})
	// Occupy the single concurrency slot.
	q.Enqueue(func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, Options{})
	// Give the dispatcher a moment to move it from the heap to processing.
	waitForProcessing(t, q, 1)

	// Fill the queue.
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(func(ctx context.Context) (any, error) {
			return nil, nil
		}, Options{}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	_, err := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1, MaxQueueSize: 16})
	defer q.Close()

	block := make(chan struct{})
	var order []int
	var mu sync.Mutex

	record := func(n int) Operation {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil, nil
		}
	}

	// Hold the slot so the rest queue up.
	q.Enqueue(func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, Options{})
	waitForProcessing(t, q, 1)

	q.Enqueue(record(1), Options{Priority: 1})
	q.Enqueue(record(9), Options{Priority: 9})
	f5a, _ := q.Enqueue(record(5), Options{Priority: 5})
	var f5b *Future
	f5b, _ = q.Enqueue(record(50), Options{Priority: 5})
	f1, _ := q.Enqueue(record(10), Options{Priority: 1})

	close(block)
	wait(t, f5a)
	wait(t, f5b)
	wait(t, f1)

	mu.Lock()
	defer mu.Unlock()
	want := []int{9, 5, 50, 1, 10}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v (high priority first, FIFO within a band)", order, want)
		}
	}
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 3, MaxQueueSize: 64})
	defer q.Close()

	var current, peak atomic.Int32
	var futures []*Future
	for i := 0; i < 20; i++ {
		f, err := q.Enqueue(func(ctx context.Context) (any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}, Options{})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		futures = append(futures, f)
	}

	for _, f := range futures {
		wait(t, f)
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", p)
	}
}

func TestQueue_RetriesWithBackoff(t *testing.T) {
	q := newTestQueue(Config{})
	defer q.Close()

	var attempts atomic.Int32
	f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errFlaky
		}
		return "recovered", nil
	}, Options{MaxRetries: 5})

	v, err := wait(t, f)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "recovered" {
		t.Fatalf("value = %v, want recovered", v)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if q.Stats().Retries != 2 {
		t.Errorf("retries = %d, want 2", q.Stats().Retries)
	}
}

func TestQueue_ExhaustedRetriesReturnLastError(t *testing.T) {
	q := newTestQueue(Config{})
	defer q.Close()

	var attempts atomic.Int32
	f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, errFlaky
	}, Options{MaxRetries: 2})

	_, err := wait(t, f)
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
	if q.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", q.Stats().Failed)
	}
}

func TestQueue_NoRetryOption(t *testing.T) {
	q := newTestQueue(Config{DefaultMaxRetries: 5})
	defer q.Close()

	var attempts atomic.Int32
	f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, errFlaky
	}, Options{MaxRetries: NoRetry})

	_, err := wait(t, f)
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 with NoRetry", got)
	}
}

func TestQueue_PerAttemptTimeout(t *testing.T) {
	q := newTestQueue(Config{})
	defer q.Close()

	f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, Options{Timeout: 20 * time.Millisecond, MaxRetries: NoRetry})

	start := time.Now()
	_, err := wait(t, f)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if te.Timeout != 20*time.Millisecond {
		t.Errorf("timeout = %s, want 20ms", te.Timeout)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("settled after %s, expected prompt timeout", elapsed)
	}
}

func TestQueue_TimeoutIsRetried(t *testing.T) {
	q := newTestQueue(Config{})
	defer q.Close()

	var attempts atomic.Int32
	f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "second try", nil
	}, Options{Timeout: 20 * time.Millisecond, MaxRetries: 1})

	v, err := wait(t, f)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "second try" {
		t.Fatalf("value = %v, want second try", v)
	}
}

func TestQueue_PauseHoldsDispatch(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer q.Close()

	q.Pause()

	var ran atomic.Bool
	f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, Options{})

	time.Sleep(30 * time.Millisecond)
	if ran.Load() {
		t.Fatal("operation ran while paused")
	}
	if !q.Stats().Paused {
		t.Fatal("expected Stats to report paused")
	}

	q.Resume()
	wait(t, f)
	if !ran.Load() {
		t.Fatal("operation did not run after Resume")
	}
}

func TestQueue_ClearRejectsPending(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer q.Close()

	block := make(chan struct{})
	inFlight, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		<-block
		return "done", nil
	}, Options{})
	waitForProcessing(t, q, 1)

	pending, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{})

	q.Clear()

	_, err := wait(t, pending)
	if !errors.Is(err, ErrCleared) {
		t.Fatalf("expected ErrCleared, got %v", err)
	}

	// The in-flight request is not interrupted.
	close(block)
	v, err := wait(t, inFlight)
	if err != nil {
		t.Fatalf("in-flight request: %v", err)
	}
	if v != "done" {
		t.Fatalf("value = %v, want done", v)
	}
}

func TestQueue_ClearSettlesBackoffWaiters(t *testing.T) {
	q := newTestQueue(Config{InitialBackoff: time.Hour, MaxBackoff: time.Hour})
	defer q.Close()

	f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, errFlaky
	}, Options{MaxRetries: 3})

	// Wait for the first attempt to fail and enter backoff.
	deadline := time.Now().Add(2 * time.Second)
	for {
		q.mu.Lock()
		waiting := len(q.waiting)
		q.mu.Unlock()
		if waiting == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never entered backoff")
		}
		time.Sleep(time.Millisecond)
	}

	q.Clear()

	_, err := wait(t, f)
	if !errors.Is(err, ErrCleared) {
		t.Fatalf("expected ErrCleared for backoff waiter, got %v", err)
	}
}

func TestQueue_CloseRejectsNewWork(t *testing.T) {
	q := newTestQueue(Config{})
	q.Close()

	_, err := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// Close is idempotent.
	q.Close()
}

func TestQueue_RetryReinsertsAtOwnPriority(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	defer q.Close()

	var order []string
	var mu sync.Mutex

	// Low-priority flaky request fails once, enters backoff, then retries.
	var attempts atomic.Int32
	flaky, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errFlaky
		}
		mu.Lock()
		order = append(order, "flaky-retry")
		mu.Unlock()
		return nil, nil
	}, Options{Priority: 3, MaxRetries: 1})

	// Pause so the reinserted retry and a fresh high-priority request are
	// in the heap together, then let the dispatcher choose.
	q.Pause()

	high, _ := q.Enqueue(func(ctx context.Context) (any, error) {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		return nil, nil
	}, Options{Priority: 8})

	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().Pending != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want both requests queued", q.Stats().Pending)
		}
		time.Sleep(time.Millisecond)
	}

	q.Resume()
	wait(t, flaky)
	wait(t, high)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" {
		t.Fatalf("order = %v, want the high-priority request before the retried one", order)
	}
}

func TestQueue_StatsAverages(t *testing.T) {
	q := newTestQueue(Config{})
	defer q.Close()

	for i := 0; i < 3; i++ {
		f, _ := q.Enqueue(func(ctx context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		}, Options{})
		wait(t, f)
	}

	s := q.Stats()
	if s.Completed != 3 {
		t.Fatalf("completed = %d, want 3", s.Completed)
	}
	if s.AverageProcessing < 5*time.Millisecond {
		t.Errorf("average processing = %s, want >= 5ms", s.AverageProcessing)
	}
	if s.Pending != 0 || s.Processing != 0 {
		t.Errorf("pending = %d processing = %d, want 0/0", s.Pending, s.Processing)
	}
}

func TestQueue_DefaultsApplied(t *testing.T) {
	q := New(Config{}, slog.Default())
	defer q.Close()

	if q.cfg.MaxConcurrent != 4 {
		t.Errorf("max concurrent = %d, want 4", q.cfg.MaxConcurrent)
	}
	if q.cfg.MaxQueueSize != 256 {
		t.Errorf("max queue size = %d, want 256", q.cfg.MaxQueueSize)
	}
	if q.cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("default timeout = %s, want 30s", q.cfg.DefaultTimeout)
	}
	if q.cfg.BackoffMultiplier != 2 {
		t.Errorf("backoff multiplier = %v, want 2", q.cfg.BackoffMultiplier)
	}
}

// waitForProcessing spins until the queue reports n in-flight requests.
func waitForProcessing(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().Processing != n {
		if time.Now().After(deadline) {
			t.Fatalf("processing never reached %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}
