// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dskow/callgate/internal/circuitbreaker"
	"github.com/dskow/callgate/internal/config"
	"github.com/dskow/callgate/internal/requestqueue"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	deps     []config.DependencyConfig
	breakers *circuitbreaker.Registry
	queue    *requestqueue.Queue
	logger   *slog.Logger

	// Cached readiness result to avoid TCP-dialling every dependency on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler. breakers and queue may be nil
// in tests; the readiness probe falls back to pure TCP checks.
func New(deps []config.DependencyConfig, breakers *circuitbreaker.Registry, queue *requestqueue.Queue, logger *slog.Logger) *Handler {
	return &Handler{deps: deps, breakers: breakers, queue: queue, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	type depResult struct {
		name   string
		status string
		ok     bool
	}

	ch := make(chan depResult, len(h.deps))
	for _, dep := range h.deps {
		go func(dep config.DependencyConfig) {
			// Fast path: use circuit breaker state if available.
			if h.breakers != nil {
				if cb, exists := h.breakers.Lookup(dep.Name); exists {
					switch cb.State() {
					case circuitbreaker.StateOpen:
						ch <- depResult{name: dep.Name, status: "circuit-open", ok: false}
						return
					case circuitbreaker.StateHalfOpen:
						ch <- depResult{name: dep.Name, status: "circuit-half-open", ok: true}
						return
					}
					// StateClosed — fall through to TCP dial for definitive check.
				}
			}

			u, err := url.Parse(dep.URL)
			if err != nil {
				ch <- depResult{name: dep.Name, status: "invalid URL", ok: false}
				return
			}

			host := u.Host
			if !hasPort(host) {
				switch u.Scheme {
				case "https":
					host += ":443"
				default:
					host += ":80"
				}
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
			cancel()

			if err != nil {
				h.logger.Warn("dependency unreachable", "dependency", dep.Name, "url", dep.URL, "error", err)
				ch <- depResult{name: dep.Name, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- depResult{name: dep.Name, status: "ok", ok: true}
		}(dep)
	}

	results := make(map[string]string, len(h.deps))
	anyDown := false

	for range h.deps {
		res := <-ch
		results[res.name] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	payload := map[string]interface{}{
		"status":       statusStr,
		"dependencies": results,
	}
	if h.queue != nil {
		qs := h.queue.Stats()
		payload["queue"] = map[string]interface{}{
			"pending":    qs.Pending,
			"processing": qs.Processing,
			"paused":     qs.Paused,
		}
	}

	body, _ := json.Marshal(payload)
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
