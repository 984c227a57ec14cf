package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dskow/callgate/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire middleware chain. If the deadline fires before the handler completes,
// a 504 Gateway Timeout is returned. Pass 0 to disable (handler called
// directly).
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Handler completed before deadline.
			case <-ctx.Done():
				// Deadline exceeded — only write 504 if the handler hasn't
				// started writing a response yet.
				if tw.tryClaimTimeout() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "global request deadline exceeded")
				}
				// Wait for handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

const (
	writerUnclaimed = iota
	writerHandler
	writerTimeout
)

// deadlineWriter wraps ResponseWriter and tracks which side of the deadline
// race owns the response: the handler goroutine or the 504 path. The first
// write claims it; handler writes after the 504 has gone out are discarded.
// The two sides run on different goroutines, so the claim is atomic.
type deadlineWriter struct {
	http.ResponseWriter
	owner atomic.Int32
}

// tryClaimTimeout claims the response for the 504 path. Returns false when
// the handler wrote first.
func (dw *deadlineWriter) tryClaimTimeout() bool {
	return dw.owner.CompareAndSwap(writerUnclaimed, writerTimeout)
}

// claimHandler claims the response for the handler goroutine. Reports
// whether the handler owns it.
func (dw *deadlineWriter) claimHandler() bool {
	dw.owner.CompareAndSwap(writerUnclaimed, writerHandler)
	return dw.owner.Load() == writerHandler
}

func (dw *deadlineWriter) WriteHeader(code int) {
	if !dw.claimHandler() {
		return
	}
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	if !dw.claimHandler() {
		return len(b), nil
	}
	return dw.ResponseWriter.Write(b)
}
