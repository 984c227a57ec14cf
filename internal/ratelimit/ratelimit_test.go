package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dskow/callgate/internal/config"
	"github.com/dskow/callgate/internal/metrics"
)

func init() {
	metrics.Init()
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestLimiter_BlocksAfterBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Use up burst
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
		req.RemoteAddr = "10.0.0.2:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	// Next request should be rate limited
	req := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req.RemoteAddr = "10.0.0.2:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Error("expected Retry-After header")
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Client 1 uses up its burst
	req1 := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	// Client 1 is now rate limited
	req1b := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req1b.RemoteAddr = "10.0.0.1:12345"
	rec1b := httptest.NewRecorder()
	handler.ServeHTTP(rec1b, req1b)
	if rec1b.Code != http.StatusTooManyRequests {
		t.Errorf("client 1 should be rate limited, got %d", rec1b.Code)
	}

	// Client 2 should still be allowed
	req2 := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Errorf("client 2 should be allowed, got %d", rec2.Code)
	}
}

func TestLimiter_DependencyOverride(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         100,
	}
	lookup := func(path string) (config.DependencyConfig, bool) {
		if path == "/invoke/billing/charge" {
			return config.DependencyConfig{
				Name: "billing",
				RateOverride: &config.RateLimitConfig{
					RequestsPerSecond: 1,
					BurstSize:         1,
				},
			}, true
		}
		return config.DependencyConfig{}, false
	}
	logger := slog.Default()
	limiter := New(cfg, lookup, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// First billing request consumes the override's single-token burst.
	req := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first billing request: expected 200, got %d", rec.Code)
	}

	// Second billing request is blocked by the tight override.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.Clone(req.Context()))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second billing request: expected 429, got %d", rec.Code)
	}

	// Same client on a non-invoke path uses the loose global bucket.
	other := httptest.NewRequest("GET", "/health", nil)
	other.RemoteAddr = "10.0.0.1:12345"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("global-bucket request: expected 200, got %d", rec.Code)
	}
}

func TestLimiter_XForwardedFor_NoTrustedProxies(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	// No trusted proxies: XFF is ignored, clients are keyed by RemoteAddr.
	limiter := New(cfg, nil, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	req1 := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	req1.Header.Set("X-Forwarded-For", "1.2.3.4")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	// Spoofed XFF with a different IP must land in the same bucket.
	req2 := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req2.RemoteAddr = "10.0.0.1:12345"
	req2.Header.Set("X-Forwarded-For", "5.6.7.8")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected spoofed XFF to share bucket, got %d", rec2.Code)
	}
}

func TestLimiter_XForwardedFor_TrustedProxy(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, []string{"10.0.0.0/8"}, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Two clients behind the same trusted proxy get separate buckets.
	req1 := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	req1.Header.Set("X-Forwarded-For", "1.2.3.4")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("client 1: expected 200, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req2.RemoteAddr = "10.0.0.1:12345"
	req2.Header.Set("X-Forwarded-For", "5.6.7.8")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("client 2: expected 200, got %d", rec2.Code)
	}
}

func TestClientIP_WalksRightToLeft(t *testing.T) {
	logger := slog.Default()
	limiter := New(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil, []string{"10.0.0.0/8"}, logger)
	defer limiter.Stop()

	// Rightmost non-trusted hop wins; trusted proxy hops are skipped.
	req := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 9.9.9.9, 10.0.0.2")

	if ip := limiter.clientIP(req); ip != "9.9.9.9" {
		t.Errorf("clientIP = %q, want 9.9.9.9", ip)
	}
}

func TestLimiter_UpdateConfig(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Exhaust the original single-token burst.
	req := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.Clone(req.Context()))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before reload, got %d", rec.Code)
	}

	// Hot reload with a larger burst clears existing buckets.
	limiter.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10})

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.Clone(req.Context()))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after reload, got %d", rec.Code)
	}
}

func TestLimiter_Snapshot(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}
	logger := slog.Default()
	limiter := New(cfg, nil, nil, logger)
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	for _, addr := range []string{"10.0.0.2:1", "10.0.0.1:1", "10.0.0.3:1"} {
		req := httptest.NewRequest("POST", "/invoke/billing/charge", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	entries := limiter.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Sorted by IP for stable pagination.
	for i, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if entries[i].IP != want {
			t.Errorf("entries[%d].IP = %q, want %q", i, entries[i].IP, want)
		}
	}
	if entries[0].Rate != 10 || entries[0].Burst != 5 {
		t.Errorf("entry = %+v, want rate 10 burst 5", entries[0])
	}
}
