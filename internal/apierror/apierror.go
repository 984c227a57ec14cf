// Package apierror provides a centralized error response format for the
// resilience gateway. All HTTP components use WriteJSON to produce
// consistent, machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
//
// CircuitOpen and UpstreamFailed are deliberately distinct: the former means
// the gateway refused to try (degrade fast, show "temporarily unavailable"),
// the latter means the dependency was tried and kept failing.
const (
	DependencyNotFound    ErrorCode = "CALLGATE_DEPENDENCY_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "CALLGATE_METHOD_NOT_ALLOWED"
	CircuitOpen           ErrorCode = "CALLGATE_CIRCUIT_OPEN"
	QueueFull             ErrorCode = "CALLGATE_QUEUE_FULL"
	UpstreamFailed        ErrorCode = "CALLGATE_UPSTREAM_FAILED"
	UpstreamTimeout       ErrorCode = "CALLGATE_UPSTREAM_TIMEOUT"
	RequestCancelled      ErrorCode = "CALLGATE_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "CALLGATE_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "CALLGATE_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "CALLGATE_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded     ErrorCode = "CALLGATE_RATE_LIMIT_EXCEEDED"
	InternalError         ErrorCode = "CALLGATE_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "CALLGATE_BODY_TOO_LARGE"
)

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preDependencyNotFound = mustMarshal(http.StatusNotFound, DependencyNotFound, "no such dependency")
	preCircuitOpen        = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preQueueFull          = mustMarshal(http.StatusTooManyRequests, QueueFull, "request queue full, retry later")
	preUpstreamFailed     = mustMarshal(http.StatusBadGateway, UpstreamFailed, "upstream call failed after retries")
	preRateLimitExceeded  = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preAuthMissingToken   = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == DependencyNotFound && status == http.StatusNotFound && message == "no such dependency":
		return preDependencyNotFound
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == QueueFull && status == http.StatusTooManyRequests && message == "request queue full, retry later":
		return preQueueFull
	case code == UpstreamFailed && status == http.StatusBadGateway && message == "upstream call failed after retries":
		return preUpstreamFailed
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	}
	return nil
}
