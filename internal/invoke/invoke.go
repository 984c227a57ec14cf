// Package invoke exposes the resilience gateway over HTTP. A request to
// /invoke/{dependency}/rest/of/path is forwarded to the named upstream
// through the request queue and the dependency's circuit breaker; gateway
// rejections map onto distinct, stable error codes so clients can tell
// "blocked" from "failed".
package invoke

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/callgate/internal/apierror"
	"github.com/dskow/callgate/internal/circuitbreaker"
	"github.com/dskow/callgate/internal/config"
	"github.com/dskow/callgate/internal/gateway"
	"github.com/dskow/callgate/internal/metrics"
	"github.com/dskow/callgate/internal/requestqueue"
	"github.com/dskow/callgate/internal/upstream"
)

// Prefix is the path prefix the handler is mounted under.
const Prefix = "/invoke/"

// PriorityHeader lets a caller raise or lower one request's queue priority.
const PriorityHeader = "X-Callgate-Priority"

// Handler routes invoke requests through the gateway.
type Handler struct {
	gw        *gateway.Gateway
	upstreams *upstream.Registry
	deps      map[string]config.DependencyConfig
	logger    *slog.Logger
}

// New creates the invoke Handler.
func New(gw *gateway.Gateway, upstreams *upstream.Registry, deps []config.DependencyConfig, logger *slog.Logger) *Handler {
	byName := make(map[string]config.DependencyConfig, len(deps))
	for _, d := range deps {
		byName[d.Name] = d
	}
	return &Handler{gw: gw, upstreams: upstreams, deps: byName, logger: logger}
}

// Dependency returns the config for the dependency a request path targets.
// Used by the auth and rate limit middleware to apply per-dependency policy.
func (h *Handler) Dependency(path string) (config.DependencyConfig, bool) {
	name, _ := splitPath(path)
	dep, ok := h.deps[name]
	return dep, ok
}

// splitPath extracts the dependency name and the remaining upstream path
// from an /invoke/ request path.
func splitPath(path string) (name, rest string) {
	trimmed := strings.TrimPrefix(path, Prefix)
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, ""
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	name, rest := splitPath(r.URL.Path)
	dep, ok := h.deps[name]
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.DependencyNotFound, "no such dependency")
		return
	}

	client, ok := h.upstreams.Get(name)
	if !ok {
		// Config and registry are built from the same dependency list;
		// a miss here is a programming error.
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "dependency has no upstream client")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InternalError, "reading request body")
		return
	}

	opts := gateway.CallOptions{
		Priority:   h.priority(r, dep),
		MaxRetries: dep.MaxRetries,
		Timeout:    dep.Timeout(),
	}

	method := r.Method
	header := r.Header.Clone()
	query := r.URL.RawQuery

	op := func(ctx context.Context) (any, error) {
		return client.Call(ctx, method, rest, query, header, body)
	}

	var fallback circuitbreaker.Operation
	if dep.FallbackStatus != 0 {
		status, fbBody := dep.FallbackStatus, dep.FallbackBody
		fallback = func(ctx context.Context) (any, error) {
			return &upstream.Response{
				Status: status,
				Header: http.Header{"Content-Type": []string{"application/json"}},
				Body:   []byte(fbBody),
			}, nil
		}
	}

	result, err := h.gw.Do(r.Context(), name, opts, op, fallback)

	status := h.write(w, r, name, result, err)

	latency := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(name, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(name).Observe(latency.Seconds())
}

// priority resolves the effective queue priority: header override first,
// then the dependency's configured default, then the queue default.
func (h *Handler) priority(r *http.Request, dep config.DependencyConfig) int {
	if v := r.Header.Get(PriorityHeader); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p
		}
		h.logger.Warn("ignoring invalid priority header", "value", v, "dependency", dep.Name)
	}
	return dep.Priority
}

// write maps a gateway outcome onto the HTTP response and returns the
// status code written.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, name string, result any, err error) int {
	if err == nil {
		resp, ok := result.(*upstream.Response)
		if !ok {
			apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "unexpected upstream result type")
			return http.StatusInternalServerError
		}
		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body) //nolint:errcheck
		return resp.Status
	}

	var openErr *circuitbreaker.OpenError
	var timeoutErr *requestqueue.TimeoutError
	switch {
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
		return http.StatusServiceUnavailable

	case errors.Is(err, requestqueue.ErrQueueFull):
		apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.QueueFull, "request queue full, retry later")
		return http.StatusTooManyRequests

	case errors.As(err, &timeoutErr):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "upstream call timed out after retries")
		return http.StatusGatewayTimeout

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away or the global deadline fired while the
		// call was still queued or running.
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
		return http.StatusGatewayTimeout

	default:
		h.logger.Error("invoke failed", "dependency", name, "error", err)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamFailed, "upstream call failed after retries")
		return http.StatusBadGateway
	}
}
