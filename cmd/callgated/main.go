// Package main is the entry point for callgated. It loads configuration,
// assembles the gateway (request queue, circuit breakers, upstream clients)
// and the middleware stack, starts the HTTP server, and handles graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/callgate/internal/admin"
	"github.com/dskow/callgate/internal/auth"
	"github.com/dskow/callgate/internal/circuitbreaker"
	"github.com/dskow/callgate/internal/config"
	"github.com/dskow/callgate/internal/gateway"
	"github.com/dskow/callgate/internal/health"
	"github.com/dskow/callgate/internal/invoke"
	"github.com/dskow/callgate/internal/logging"
	"github.com/dskow/callgate/internal/metrics"
	"github.com/dskow/callgate/internal/middleware"
	"github.com/dskow/callgate/internal/ratelimit"
	"github.com/dskow/callgate/internal/requestqueue"
	"github.com/dskow/callgate/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/callgate.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"dependencies", len(cfg.Dependencies),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"max_queue_size", cfg.Queue.MaxQueueSize,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Build upstream HTTP clients, one per dependency
	upstreams, err := upstream.NewRegistry(cfg.Dependencies, logger)
	if err != nil {
		logger.Error("failed to create upstream clients", "error", err)
		os.Exit(1)
	}

	// Build the circuit breaker registry with per-dependency overrides
	overrides := make(map[string]circuitbreaker.Config)
	for _, dep := range cfg.Dependencies {
		if dep.CircuitBreaker != nil {
			overrides[dep.Name] = breakerConfig(*dep.CircuitBreaker)
		}
	}
	breakers := circuitbreaker.NewRegistry(breakerConfig(cfg.CircuitBreaker), overrides, logger)

	// Build the request queue
	queue := requestqueue.New(queueConfig(cfg.Queue), logger)
	defer queue.Close()

	gw := gateway.New(queue, breakers, logger)
	invoker := invoke.New(gw, upstreams, cfg.Dependencies, logger)

	// Build the rate limiter; dependency overrides are resolved through
	// the invoke handler's path lookup
	limiter := ratelimit.New(cfg.RateLimit, invoker.Dependency, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Dependency auth checker: whether the invoked dependency requires auth
	depRequiresAuth := func(path string) bool {
		dep, ok := invoker.Dependency(path)
		if !ok {
			return false
		}
		return dep.AuthRequired
	}

	// Assemble middleware stack:
	// Recovery → RequestID → Logging → Deadline → BodyLimit → RateLimit → Auth → Invoke
	var handler http.Handler = invoker
	handler = auth.Middleware(cfg.Auth, depRequiresAuth, logger)(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Register health check, metrics, and admin routes on a separate mux,
	// then combine with the main handler
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Dependencies, breakers, queue, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Initialize config reloader
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	// Register reload callbacks for components that support hot-reload.
	// Queue sizing stays fixed for the process lifetime; everything else
	// picks up the new settings.
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)

		newOverrides := make(map[string]circuitbreaker.Config)
		for _, dep := range newCfg.Dependencies {
			if dep.CircuitBreaker != nil {
				newOverrides[dep.Name] = breakerConfig(*dep.CircuitBreaker)
			}
		}
		breakers.UpdateConfigs(breakerConfig(newCfg.CircuitBreaker), newOverrides)
	})

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, limiter, breakers, queue, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	// Combine: health, metrics, and admin endpoints bypass the middleware stack
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			(cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/")) ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting callgated", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("callgated stopped gracefully")
}

// breakerConfig converts the YAML breaker settings to the runtime config.
func breakerConfig(bc config.BreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		Policy:           bc.Policy,
		FailureThreshold: bc.FailureThreshold,
		SuccessThreshold: bc.SuccessThreshold,
		ResetTimeout:     bc.ResetTimeout,
		VolumeThreshold:  bc.VolumeThreshold,
		MonitoringPeriod: bc.MonitoringPeriod,
		WindowSize:       bc.WindowSize,
		FailureRate:      bc.FailureRate,
	}
}

// queueConfig converts the YAML queue settings to the runtime config.
func queueConfig(qc config.QueueConfig) requestqueue.Config {
	return requestqueue.Config{
		Name:              "callgate",
		MaxConcurrent:     qc.MaxConcurrent,
		MaxQueueSize:      qc.MaxQueueSize,
		DefaultTimeout:    qc.DefaultTimeout(),
		DefaultMaxRetries: qc.DefaultMaxRetries,
		InitialBackoff:    qc.InitialBackoff(),
		MaxBackoff:        qc.MaxBackoff(),
		BackoffMultiplier: qc.BackoffMultiplier,
	}
}
