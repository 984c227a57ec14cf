package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/callgate/internal/apierror"
)

// Recovery converts handler panics into 500 responses so one bad invoke
// never takes the gateway process down. http.ErrAbortHandler is re-raised
// untouched; the server uses it to drop the connection deliberately.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic recovered",
					"error", v,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
