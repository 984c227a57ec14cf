// Package gateway composes the circuit breaker and the request queue into a
// single resilience gateway: the queue schedules and retries calls, each
// call's admission is decided by the breaker for its dependency. The two
// leaves stay independent; this package is their only meeting point.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/dskow/callgate/internal/circuitbreaker"
	"github.com/dskow/callgate/internal/requestqueue"
)

// CallOptions tune one governed call. Zero values take the queue defaults.
type CallOptions struct {
	Priority   int
	MaxRetries int
	Timeout    time.Duration
}

// Gateway routes calls to named dependencies through a shared request queue
// and a per-dependency circuit breaker.
type Gateway struct {
	queue    *requestqueue.Queue
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// New creates a Gateway over the given queue and breaker registry.
func New(queue *requestqueue.Queue, breakers *circuitbreaker.Registry, logger *slog.Logger) *Gateway {
	return &Gateway{queue: queue, breakers: breakers, logger: logger}
}

// Do submits op for the named dependency and waits for the outcome. The
// queue decides when and how often the call runs; the dependency's breaker
// decides, per attempt, whether it runs at all. A retry burned on an open
// breaker still counts against MaxRetries, so a stuck-open breaker cannot
// cause an infinite retry loop.
//
// fallback, when non-nil, is invoked instead of failing when the breaker
// rejects an attempt.
func (g *Gateway) Do(ctx context.Context, dependency string, opts CallOptions, op circuitbreaker.Operation, fallback circuitbreaker.Operation) (any, error) {
	future, err := g.Submit(dependency, opts, op, fallback)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Submit is the asynchronous form of Do: it enqueues the governed call and
// returns its completion handle without waiting.
func (g *Gateway) Submit(dependency string, opts CallOptions, op circuitbreaker.Operation, fallback circuitbreaker.Operation) (*requestqueue.Future, error) {
	breaker := g.breakers.Get(dependency)

	return g.queue.Enqueue(func(ctx context.Context) (any, error) {
		return breaker.Execute(ctx, op, fallback)
	}, requestqueue.Options{
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		Timeout:    opts.Timeout,
	})
}

// Queue exposes the underlying queue for stats and operational control.
func (g *Gateway) Queue() *requestqueue.Queue { return g.queue }

// Breakers exposes the breaker registry for stats and operational control.
func (g *Gateway) Breakers() *circuitbreaker.Registry { return g.breakers }
