// Package circuitbreaker provides per-dependency circuit breakers that
// govern admission to unreliable downstream calls. A breaker tracks failure
// statistics for one named dependency and either admits a call or rejects
// it immediately, optionally degrading to a caller-supplied fallback.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/callgate/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is the sentinel wrapped by every OpenError. Callers use
// errors.Is(err, ErrOpen) to distinguish "blocked by breaker" from
// "dependency failed".
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned by Execute when the breaker rejects a call and no
// fallback was supplied.
type OpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for dependency %q, retry after %s", e.Dependency, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Operation is a call into a downstream dependency. The context carries the
// per-attempt deadline assigned by the caller or the request queue.
type Operation func(ctx context.Context) (any, error)

// Config holds circuit breaker tuning. All fields are fixed at construction;
// zero values are replaced by defaults in New.
type Config struct {
	// Policy selects how a closed breaker decides to trip: "consecutive"
	// (default) opens after FailureThreshold consecutive failures once
	// VolumeThreshold requests have been observed; "failure_rate" opens
	// when the failure ratio over a sliding window of WindowSize outcomes
	// reaches FailureRate.
	Policy string

	FailureThreshold int           // consecutive failures to open (consecutive policy)
	SuccessThreshold int           // consecutive half-open successes to close
	ResetTimeout     time.Duration // open → half-open cooldown
	VolumeThreshold  int           // minimum requests before the breaker may open
	MonitoringPeriod time.Duration // rolling window for the volume gate's request count

	WindowSize  int     // sliding window length (failure_rate policy)
	FailureRate float64 // failure ratio that trips the breaker (failure_rate policy)
}

// PolicyConsecutive and PolicyFailureRate are the valid Config.Policy values.
const (
	PolicyConsecutive = "consecutive"
	PolicyFailureRate = "failure_rate"
)

func (c *Config) applyDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyConsecutive
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = 10
	}
	if c.MonitoringPeriod == 0 {
		c.MonitoringPeriod = time.Minute
	}
	if c.WindowSize == 0 {
		c.WindowSize = 10
	}
	if c.FailureRate == 0 {
		c.FailureRate = 0.5
	}
}

// Stats is a point-in-time snapshot of one breaker, exposed via the admin
// and health endpoints.
type Stats struct {
	Dependency           string    `json:"dependency"`
	State                string    `json:"state"`
	Failures             int       `json:"failures"`
	Successes            int       `json:"successes"`
	TotalRequests        int       `json:"total_requests"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time"`
	LastStateChange      time.Time `json:"last_state_change"`
}

// CircuitBreaker tracks the health of one named dependency. It is safe for
// concurrent use; the mutex is never held across a wrapped call.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State

	// Counters since the start of the current monitoring period. The
	// volume gate reads totalRequests so a dependency that has seen only
	// a handful of calls cannot trip a breaker tuned for steady traffic.
	failures      int
	successes     int
	totalRequests int
	windowStart   time.Time

	consecutiveFailures  int
	consecutiveSuccesses int

	lastFailureTime time.Time
	lastStateChange time.Time

	// trip is non-nil for the failure_rate policy.
	trip *slidingWindow

	// resetTimer moves the breaker to half-open when the cooldown elapses.
	// At most one is pending, and only while the breaker is open.
	resetTimer *time.Timer
}

// New creates a circuit breaker for the given dependency name.
func New(name string, cfg Config, logger *slog.Logger) *CircuitBreaker {
	cfg.applyDefaults()
	cb := &CircuitBreaker{
		name:            name,
		cfg:             cfg,
		logger:          logger,
		state:           StateClosed,
		windowStart:     time.Now(),
		lastStateChange: time.Now(),
	}
	if cfg.Policy == PolicyFailureRate {
		cb.trip = newSlidingWindow(cfg.WindowSize, cfg.FailureRate)
	}
	return cb
}

// Name returns the dependency name the breaker was created for.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs op under breaker supervision. When the breaker is open and
// the cooldown has not elapsed, op is not called: fallback (if non-nil) is
// invoked instead, otherwise an *OpenError is returned. Failures of op are
// recorded and re-raised unchanged — the breaker observes failures, it does
// not swallow them.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation, fallback Operation) (any, error) {
	cb.mu.Lock()
	if cb.state == StateOpen {
		remaining := cb.cfg.ResetTimeout - time.Since(cb.lastFailureTime)
		if remaining > 0 {
			cb.mu.Unlock()
			metrics.BreakerRejections.WithLabelValues(cb.name).Inc()
			if fallback != nil {
				return fallback(ctx)
			}
			return nil, &OpenError{Dependency: cb.name, RetryAfter: remaining}
		}
		// Cooldown elapsed — probe. This is the only path out of open.
		cb.transitionTo(StateHalfOpen)
	}

	cb.rotateWindow()
	cb.totalRequests++
	cb.mu.Unlock()

	value, err := op(ctx)
	if err != nil {
		cb.onFailure()
		return nil, err
	}
	cb.onSuccess()
	return value, nil
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateOpen
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Dependency:           cb.name,
		State:                cb.state.String(),
		Failures:             cb.failures,
		Successes:            cb.successes,
		TotalRequests:        cb.totalRequests,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureTime:      cb.lastFailureTime,
		LastStateChange:      cb.lastStateChange,
	}
}

// ForceOpen trips the breaker regardless of observed traffic. Operational
// override for taking a dependency out of rotation.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailureTime = time.Now()
	cb.transitionTo(StateOpen)
}

// ForceClose returns the breaker to closed, cancelling any pending reset
// timer. Counters for the current monitoring period are kept.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

// ForceClear closes the breaker and zeroes all counters, discarding the
// failure history entirely.
func (cb *CircuitBreaker) ForceClear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.resetCounters()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0
	if cb.trip != nil {
		cb.trip.record(false)
	}

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
		cb.transitionTo(StateClosed)
		// Recovery is the only path that clears the failure history, so a
		// historical blip cannot reopen the breaker after it has healed.
		cb.resetCounters()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureTime = time.Now()
	if cb.trip != nil {
		cb.trip.record(true)
	}

	switch cb.state {
	case StateHalfOpen:
		// One bad probe is conclusive — no grace window in half-open.
		cb.transitionTo(StateOpen)
	case StateClosed:
		if cb.shouldTrip() {
			cb.transitionTo(StateOpen)
		}
	}
}

// shouldTrip decides whether a closed breaker opens. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) shouldTrip() bool {
	if cb.trip != nil {
		return cb.trip.shouldTrip()
	}
	return cb.totalRequests >= cb.cfg.VolumeThreshold &&
		cb.consecutiveFailures >= cb.cfg.FailureThreshold
}

// rotateWindow starts a fresh monitoring period once the current one has
// elapsed, so the volume gate reflects recent traffic rather than lifetime
// totals. Consecutive counters survive rotation. Must be called with cb.mu
// held.
func (cb *CircuitBreaker) rotateWindow() {
	if time.Since(cb.windowStart) < cb.cfg.MonitoringPeriod {
		return
	}
	cb.windowStart = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.totalRequests = 0
}

// resetCounters zeroes all statistics. Must be called with cb.mu held.
func (cb *CircuitBreaker) resetCounters() {
	cb.failures = 0
	cb.successes = 0
	cb.totalRequests = 0
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.windowStart = time.Now()
	if cb.trip != nil {
		cb.trip.reset()
	}
}

// transitionTo changes the breaker state, managing the reset timer and
// emitting metrics and logs. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	from := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	metrics.BreakerStateChanges.WithLabelValues(cb.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(newState))

	cb.logger.Info("circuit breaker state change",
		"dependency", cb.name,
		"from", from.String(),
		"to", newState.String(),
	)

	// The reset timer exists only while the breaker is open.
	if cb.resetTimer != nil {
		cb.resetTimer.Stop()
		cb.resetTimer = nil
	}

	switch newState {
	case StateOpen:
		cb.resetTimer = time.AfterFunc(cb.cfg.ResetTimeout, cb.onResetTimer)
		cb.consecutiveSuccesses = 0
	case StateClosed, StateHalfOpen:
		cb.consecutiveSuccesses = 0
		cb.consecutiveFailures = 0
	}
}

// onResetTimer fires when the open cooldown elapses with no traffic to
// probe the dependency, moving the breaker to half-open so the next call
// is admitted immediately.
func (cb *CircuitBreaker) onResetTimer() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return
	}
	cb.transitionTo(StateHalfOpen)
}
