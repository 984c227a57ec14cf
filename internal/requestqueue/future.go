package requestqueue

import "context"

// Future is the completion handle returned by Enqueue. It settles exactly
// once, when the operation succeeds, exhausts its retries, or is cleared.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the future settles or ctx is done. A ctx error abandons
// the wait only; the queued operation keeps running to completion.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the settled error. Valid only after Done is closed.
func (f *Future) Err() error { return f.err }

// Value returns the settled value. Valid only after Done is closed.
func (f *Future) Value() any { return f.value }

// settle records the outcome. The queue guarantees a single settle per
// future, so no synchronization beyond the channel close is needed.
func (f *Future) settle(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}
