// Package requestqueue provides a bounded, priority-ordered queue that
// executes asynchronous operations with capped concurrency and retries
// failures with exponential backoff. It is the scheduling half of the
// resilience gateway; admission control belongs to the circuit breaker.
package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/callgate/internal/metrics"
)

// DefaultPriority is assigned when Options.Priority is unspecified.
const DefaultPriority = 5

// NoRetry disables retries for one request when set as Options.MaxRetries.
const NoRetry = -1

var (
	// ErrQueueFull is returned synchronously by Enqueue when the queue is
	// at capacity. Backpressure signal — the caller decides what to shed.
	ErrQueueFull = errors.New("request queue full")

	// ErrClosed is returned by Enqueue after Close, and settles requests
	// still pending at shutdown.
	ErrClosed = errors.New("request queue closed")

	// ErrCleared settles pending requests rejected by Clear.
	ErrCleared = errors.New("request queue cleared")

	// ErrTimeout is the sentinel wrapped by TimeoutError.
	ErrTimeout = errors.New("attempt timed out")
)

// TimeoutError reports that one attempt exceeded its per-request timeout.
// Internally a timeout is retried like any other failure; callers see it
// only once retries are exhausted.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Operation is a unit of deferred work. The context carries the per-attempt
// deadline; operations should honor it, but the queue abandons the attempt
// either way when the deadline fires.
type Operation func(ctx context.Context) (any, error)

// Options tune one enqueued request. Zero values take the queue defaults.
type Options struct {
	Priority   int           // higher dispatches first; 0 means DefaultPriority
	MaxRetries int           // 0 means the queue default; NoRetry disables retries
	Timeout    time.Duration // per-attempt deadline; 0 means the queue default
}

// Config holds queue tuning, fixed at construction.
type Config struct {
	Name              string
	MaxConcurrent     int
	MaxQueueSize      int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 256
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
}

// Stats is a point-in-time snapshot of queue activity. Averages are derived
// from cumulative totals, not stored history.
type Stats struct {
	Name              string        `json:"name"`
	Pending           int           `json:"pending"`
	Processing        int           `json:"processing"`
	Paused            bool          `json:"paused"`
	Completed         uint64        `json:"completed"`
	Failed            uint64        `json:"failed"`
	Retries           uint64        `json:"retries"`
	AverageWait       time.Duration `json:"average_wait_ns"`
	AverageProcessing time.Duration `json:"average_processing_ns"`
}

// request is one unit of deferred work plus its completion handle. A request
// is in exactly one of: the heap, the processing set, a backoff timer, or
// settled.
type request struct {
	id  uint64
	seq uint64 // tie-break; reassigned on every (re)insertion

	op       Operation
	priority int
	timeout  time.Duration

	retries    int
	maxRetries int
	backoff    time.Duration // delay before the next retry

	enqueuedAt time.Time // most recent (re)insertion; wait-time baseline
	settled    bool

	future *Future
	index  int // heap index
}

// pendingRetry pairs a backoff-waiting request with its cancellable timer so
// Clear and Close can settle it deterministically instead of leaving an
// orphaned callback.
type pendingRetry struct {
	timer *time.Timer
	req   *request
}

// Queue is a bounded priority queue with retry scheduling. All bookkeeping
// is guarded by mu, which is never held across an operation's execution.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	heap       requestHeap
	processing map[uint64]struct{}
	waiting    map[uint64]*pendingRetry // requests in their backoff delay
	paused     bool
	closed     bool

	nextID  uint64
	nextSeq uint64

	completed         uint64
	failed            uint64
	retried           uint64
	totalWait         time.Duration
	waitSamples       uint64
	totalProcessing   time.Duration
	processingSamples uint64
}

// New creates a Queue. Callers must eventually call Close to release the
// backoff timers.
func New(cfg Config, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	return &Queue{
		cfg:        cfg,
		logger:     logger,
		processing: make(map[uint64]struct{}),
		waiting:    make(map[uint64]*pendingRetry),
	}
}

// Name returns the queue name used for logging and metrics.
func (q *Queue) Name() string { return q.cfg.Name }

// Enqueue submits an operation and returns its completion handle. It never
// blocks: when the queue is at capacity it fails fast with ErrQueueFull.
func (q *Queue) Enqueue(op Operation, opts Options) (*Future, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.heap.Len() >= q.cfg.MaxQueueSize {
		metrics.QueueRejections.WithLabelValues(q.cfg.Name).Inc()
		return nil, ErrQueueFull
	}

	r := &request{
		id:         q.nextID,
		op:         op,
		priority:   opts.Priority,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		backoff:    q.cfg.InitialBackoff,
		future:     newFuture(),
	}
	q.nextID++

	if r.priority == 0 {
		r.priority = DefaultPriority
	}
	if r.timeout == 0 {
		r.timeout = q.cfg.DefaultTimeout
	}
	switch {
	case r.maxRetries == 0:
		r.maxRetries = q.cfg.DefaultMaxRetries
	case r.maxRetries < 0:
		r.maxRetries = 0
	}

	q.insertLocked(r)
	q.dispatchLocked()
	return r.future, nil
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Name:       q.cfg.Name,
		Pending:    q.heap.Len(),
		Processing: len(q.processing),
		Paused:     q.paused,
		Completed:  q.completed,
		Failed:     q.failed,
		Retries:    q.retried,
	}
	if q.waitSamples > 0 {
		s.AverageWait = q.totalWait / time.Duration(q.waitSamples)
	}
	if q.processingSamples > 0 {
		s.AverageProcessing = q.totalProcessing / time.Duration(q.processingSamples)
	}
	return s
}

// Pause stops dispatching new requests. In-flight requests run to
// completion; retries keep being scheduled but are not dispatched until
// Resume.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.logger.Info("queue paused", "queue", q.cfg.Name)
}

// Resume restarts dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	q.logger.Info("queue resumed", "queue", q.cfg.Name)
	q.dispatchLocked()
}

// Clear rejects every pending request — queued and awaiting backoff — with
// ErrCleared. In-flight requests are not interrupted.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.rejectPendingLocked(ErrCleared)
	if n > 0 {
		q.logger.Warn("queue cleared", "queue", q.cfg.Name, "rejected", n)
	}
}

// Close stops accepting work and rejects everything pending with ErrClosed.
// In-flight requests run to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.rejectPendingLocked(ErrClosed)
	q.logger.Info("queue closed", "queue", q.cfg.Name)
}

// insertLocked assigns a fresh sequence number, stamps the wait-time
// baseline, and pushes onto the heap. Must be called with q.mu held.
func (q *Queue) insertLocked(r *request) {
	r.seq = q.nextSeq
	q.nextSeq++
	r.enqueuedAt = time.Now()
	q.heap.push(r)
	metrics.QueuePending.WithLabelValues(q.cfg.Name).Set(float64(q.heap.Len()))
}

// dispatchLocked fills free concurrency slots from the heap. Edge-triggered:
// called after every enqueue, completion, retry reinsertion, and resume —
// never polled. Must be called with q.mu held.
func (q *Queue) dispatchLocked() {
	for !q.paused && len(q.processing) < q.cfg.MaxConcurrent {
		r := q.heap.pop()
		if r == nil {
			return
		}
		wait := time.Since(r.enqueuedAt)
		q.totalWait += wait
		q.waitSamples++
		metrics.QueueWaitSeconds.WithLabelValues(q.cfg.Name).Observe(wait.Seconds())
		metrics.QueuePending.WithLabelValues(q.cfg.Name).Set(float64(q.heap.Len()))

		q.processing[r.id] = struct{}{}
		metrics.QueueProcessing.WithLabelValues(q.cfg.Name).Set(float64(len(q.processing)))
		go q.run(r)
	}
}

// run executes one attempt, racing the operation against its per-attempt
// deadline. Runs outside the queue mutex.
func (q *Queue) run(r *request) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// Buffered so an abandoned attempt's send does not leak the goroutine.
	ch := make(chan outcome, 1)
	go func() {
		value, err := r.op(ctx)
		ch <- outcome{value: value, err: err}
	}()

	var value any
	var err error
	select {
	case out := <-ch:
		value, err = out.value, out.err
	case <-ctx.Done():
		// The underlying operation is not interrupted beyond ctx; the
		// attempt is abandoned from the queue's perspective.
		err = &TimeoutError{Timeout: r.timeout}
	}

	q.complete(r, value, err, time.Since(start))
}

// complete removes the request from the processing set and either settles
// it, schedules a retry, or rejects it with the final error.
func (q *Queue) complete(r *request, value any, err error, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, r.id)
	metrics.QueueProcessing.WithLabelValues(q.cfg.Name).Set(float64(len(q.processing)))
	q.totalProcessing += elapsed
	q.processingSamples++
	metrics.QueueProcessingSeconds.WithLabelValues(q.cfg.Name).Observe(elapsed.Seconds())

	switch {
	case err == nil:
		q.completed++
		metrics.QueueCompleted.WithLabelValues(q.cfg.Name).Inc()
		q.settleLocked(r, value, nil)

	case r.retries < r.maxRetries && !q.closed:
		r.retries++
		q.retried++
		metrics.QueueRetries.WithLabelValues(q.cfg.Name).Inc()

		delay := r.backoff
		next := time.Duration(float64(r.backoff) * q.cfg.BackoffMultiplier)
		if next > q.cfg.MaxBackoff {
			next = q.cfg.MaxBackoff
		}
		r.backoff = next

		q.logger.Warn("retrying request",
			"queue", q.cfg.Name,
			"request_id", r.id,
			"attempt", r.retries,
			"max_retries", r.maxRetries,
			"backoff", delay,
			"error", err,
		)

		// Reinsertion goes through the heap at the request's own priority,
		// not to the front: a failing request must not starve fresh work.
		q.waiting[r.id] = &pendingRetry{
			timer: time.AfterFunc(delay, func() { q.reinsert(r) }),
			req:   r,
		}

	default:
		q.failed++
		metrics.QueueFailed.WithLabelValues(q.cfg.Name).Inc()
		q.logger.Error("request failed",
			"queue", q.cfg.Name,
			"request_id", r.id,
			"attempts", r.retries+1,
			"error", err,
		)
		q.settleLocked(r, nil, err)
	}

	q.dispatchLocked()
}

// reinsert returns a request to the heap after its backoff delay.
func (q *Queue) reinsert(r *request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.waiting, r.id)
	if r.settled {
		return // cleared or closed while the timer was firing
	}
	if q.closed {
		q.settleLocked(r, nil, ErrClosed)
		return
	}
	q.insertLocked(r)
	q.dispatchLocked()
}

// rejectPendingLocked settles every queued and backoff-waiting request with
// err, returning the number rejected. In-flight requests are untouched.
// Must be called with q.mu held.
func (q *Queue) rejectPendingLocked(err error) int {
	n := 0
	for {
		r := q.heap.pop()
		if r == nil {
			break
		}
		q.settleLocked(r, nil, err)
		n++
	}
	metrics.QueuePending.WithLabelValues(q.cfg.Name).Set(0)

	for id, pr := range q.waiting {
		pr.timer.Stop()
		delete(q.waiting, id)
		q.settleLocked(pr.req, nil, err)
		n++
	}
	return n
}

// settleLocked settles a request's future exactly once. Must be called with
// q.mu held.
func (q *Queue) settleLocked(r *request, value any, err error) {
	if r.settled {
		return
	}
	r.settled = true
	r.future.settle(value, err)
}
