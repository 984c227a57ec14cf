package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// HeaderRequestID carries the correlation ID the gateway reads, mints, and
// echoes. Error bodies repeat the same value as their request_id field.
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// RequestID ensures every request carries a correlation ID. A caller-supplied
// X-Request-ID wins; otherwise the gateway mints an opaque 128-bit hex token.
// The ID is echoed on the response, stamped on the request header so retried
// upstream attempts all carry it, and stored in the context for the access
// log and panic recovery.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = newRequestID()
		}

		w.Header().Set(HeaderRequestID, id)
		r.Header.Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the correlation ID RequestID stored, or "" when the
// middleware did not run for this request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newRequestID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
