// Package config provides YAML configuration loading with validation and
// environment variable substitution for the resilience gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig       `yaml:"server" json:"server"`
	Metrics        MetricsConfig      `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig      `yaml:"logging" json:"logging"`
	RateLimit      RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`
	Auth           AuthConfig         `yaml:"auth" json:"auth"`
	Admin          AdminConfig        `yaml:"admin" json:"admin"`
	Queue          QueueConfig        `yaml:"queue" json:"queue"`
	CircuitBreaker BreakerConfig      `yaml:"circuit_breaker" json:"circuit_breaker"`
	Dependencies   []DependencyConfig `yaml:"dependencies" json:"dependencies"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // debug, info, warn, error; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// RateLimitConfig holds the ingress rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds JWT Bearer authentication settings for the invoke API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// QueueConfig holds request queue tuning.
type QueueConfig struct {
	MaxConcurrent     int     `yaml:"max_concurrent" json:"max_concurrent"`
	MaxQueueSize      int     `yaml:"max_queue_size" json:"max_queue_size"`
	DefaultTimeoutMs  int     `yaml:"default_timeout_ms" json:"default_timeout_ms"`
	DefaultMaxRetries int     `yaml:"default_max_retries" json:"default_max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" json:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultTimeout returns the per-attempt deadline as a time.Duration.
func (q QueueConfig) DefaultTimeout() time.Duration {
	return time.Duration(q.DefaultTimeoutMs) * time.Millisecond
}

// InitialBackoff returns the first retry delay as a time.Duration.
func (q QueueConfig) InitialBackoff() time.Duration {
	return time.Duration(q.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap as a time.Duration.
func (q QueueConfig) MaxBackoff() time.Duration {
	return time.Duration(q.MaxBackoffMs) * time.Millisecond
}

// BreakerConfig holds circuit breaker tuning, either gateway-wide defaults
// or a per-dependency override.
type BreakerConfig struct {
	Policy           string        `yaml:"policy" json:"policy"` // "consecutive" or "failure_rate"
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	VolumeThreshold  int           `yaml:"volume_threshold" json:"volume_threshold"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period" json:"monitoring_period"`
	WindowSize       int           `yaml:"window_size" json:"window_size"`
	FailureRate      float64       `yaml:"failure_rate" json:"failure_rate"`
}

// DependencyConfig declares one named downstream dependency governed by the
// gateway.
type DependencyConfig struct {
	Name           string            `yaml:"name" json:"name"`
	URL            string            `yaml:"url" json:"url"`
	Priority       int               `yaml:"priority" json:"priority"`       // default queue priority for this dependency
	MaxRetries     int               `yaml:"max_retries" json:"max_retries"` // 0 = queue default, -1 = no retries
	TimeoutMs      int               `yaml:"timeout_ms" json:"timeout_ms"`   // per-attempt deadline; 0 = queue default
	AuthRequired   bool              `yaml:"auth_required" json:"auth_required"`
	FallbackStatus int               `yaml:"fallback_status" json:"fallback_status"` // canned response status when the breaker is open; 0 = none
	FallbackBody   string            `yaml:"fallback_body" json:"fallback_body"`     // canned response body when the breaker is open
	Headers        map[string]string `yaml:"headers" json:"headers,omitempty"`       // injected on every upstream request
	RateOverride   *RateLimitConfig  `yaml:"rate_override" json:"rate_override,omitempty"`
	CircuitBreaker *BreakerConfig    `yaml:"circuit_breaker" json:"circuit_breaker,omitempty"`
}

// Timeout returns the per-attempt deadline for this dependency, or 0 when
// the queue default applies.
func (d DependencyConfig) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	// Queue defaults
	q := &cfg.Queue
	if q.MaxConcurrent == 0 {
		q.MaxConcurrent = 4
	}
	if q.MaxQueueSize == 0 {
		q.MaxQueueSize = 256
	}
	if q.DefaultTimeoutMs == 0 {
		q.DefaultTimeoutMs = 30000
	}
	if q.InitialBackoffMs == 0 {
		q.InitialBackoffMs = 100
	}
	if q.MaxBackoffMs == 0 {
		q.MaxBackoffMs = 10000
	}
	if q.BackoffMultiplier == 0 {
		q.BackoffMultiplier = 2
	}

	applyBreakerDefaults(&cfg.CircuitBreaker)
	for i := range cfg.Dependencies {
		if cfg.Dependencies[i].CircuitBreaker != nil {
			applyBreakerDefaults(cfg.Dependencies[i].CircuitBreaker)
		}
	}
}

func applyBreakerDefaults(cb *BreakerConfig) {
	if cb.Policy == "" {
		cb.Policy = "consecutive"
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.VolumeThreshold == 0 {
		cb.VolumeThreshold = 10
	}
	if cb.MonitoringPeriod == 0 {
		cb.MonitoringPeriod = time.Minute
	}
	if cb.WindowSize == 0 {
		cb.WindowSize = 10
	}
	if cb.FailureRate == 0 {
		cb.FailureRate = 0.5
	}
}

var dependencyNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	// Logging validation
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	// Queue validation
	q := cfg.Queue
	if q.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be positive")
	}
	if q.MaxQueueSize < 1 {
		return fmt.Errorf("queue.max_queue_size must be positive")
	}
	if q.DefaultTimeoutMs < 1 {
		return fmt.Errorf("queue.default_timeout_ms must be positive")
	}
	if q.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries must be non-negative")
	}
	if q.InitialBackoffMs < 1 {
		return fmt.Errorf("queue.initial_backoff_ms must be positive")
	}
	if q.MaxBackoffMs < q.InitialBackoffMs {
		return fmt.Errorf("queue.max_backoff_ms must be >= initial_backoff_ms")
	}
	if q.BackoffMultiplier < 1 {
		return fmt.Errorf("queue.backoff_multiplier must be at least 1")
	}

	if err := validateBreaker("circuit_breaker", cfg.CircuitBreaker); err != nil {
		return err
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Dependencies) == 0 {
		return fmt.Errorf("at least one dependency must be configured")
	}

	seen := make(map[string]bool)
	for i, d := range cfg.Dependencies {
		if d.Name == "" {
			return fmt.Errorf("dependencies[%d].name is required", i)
		}
		if !dependencyNameRe.MatchString(d.Name) {
			return fmt.Errorf("dependencies[%d].name must match %s, got %q", i, dependencyNameRe.String(), d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate dependency name: %s", d.Name)
		}
		seen[d.Name] = true

		if d.URL == "" {
			return fmt.Errorf("dependencies[%d].url is required", i)
		}
		u, err := url.Parse(d.URL)
		if err != nil {
			return fmt.Errorf("dependencies[%d].url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("dependencies[%d].url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("dependencies[%d].url: host is required", i)
		}

		if d.Priority < 0 {
			return fmt.Errorf("dependencies[%d].priority must be non-negative", i)
		}
		if d.MaxRetries < -1 {
			return fmt.Errorf("dependencies[%d].max_retries must be >= -1", i)
		}
		if d.TimeoutMs < 0 {
			return fmt.Errorf("dependencies[%d].timeout_ms must be non-negative", i)
		}
		if d.FallbackStatus != 0 && (d.FallbackStatus < 200 || d.FallbackStatus > 599) {
			return fmt.Errorf("dependencies[%d].fallback_status must be between 200 and 599", i)
		}
		if d.FallbackBody != "" && d.FallbackStatus == 0 {
			return fmt.Errorf("dependencies[%d].fallback_body requires fallback_status", i)
		}
		if d.RateOverride != nil {
			if d.RateOverride.RequestsPerSecond <= 0 {
				return fmt.Errorf("dependencies[%d].rate_override.requests_per_second must be positive", i)
			}
			if d.RateOverride.BurstSize <= 0 {
				return fmt.Errorf("dependencies[%d].rate_override.burst_size must be positive", i)
			}
		}
		if d.CircuitBreaker != nil {
			if err := validateBreaker(fmt.Sprintf("dependencies[%d].circuit_breaker", i), *d.CircuitBreaker); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateBreaker(field string, cb BreakerConfig) error {
	if cb.Policy != "consecutive" && cb.Policy != "failure_rate" {
		return fmt.Errorf("%s.policy must be \"consecutive\" or \"failure_rate\", got %q", field, cb.Policy)
	}
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("%s.failure_threshold must be positive", field)
	}
	if cb.SuccessThreshold < 1 {
		return fmt.Errorf("%s.success_threshold must be positive", field)
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("%s.reset_timeout must be positive", field)
	}
	if cb.VolumeThreshold < 1 {
		return fmt.Errorf("%s.volume_threshold must be positive", field)
	}
	if cb.MonitoringPeriod <= 0 {
		return fmt.Errorf("%s.monitoring_period must be positive", field)
	}
	if cb.WindowSize < 1 {
		return fmt.Errorf("%s.window_size must be positive", field)
	}
	if cb.FailureRate <= 0 || cb.FailureRate > 1 {
		return fmt.Errorf("%s.failure_rate must be between 0 (exclusive) and 1 (inclusive)", field)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Queue.DefaultMaxRetries == 0 {
		warnings = append(warnings, "queue.default_max_retries is 0: failed calls are not retried unless a dependency overrides it")
	}
	globalTimeout := cfg.Server.GlobalTimeout()
	for _, d := range cfg.Dependencies {
		if globalTimeout > 0 && d.Timeout() > globalTimeout {
			warnings = append(warnings, fmt.Sprintf("dependency %q: timeout_ms exceeds server.global_timeout_ms; the global deadline wins", d.Name))
		}
		if d.CircuitBreaker != nil && d.CircuitBreaker.Policy == "failure_rate" && d.CircuitBreaker.WindowSize < 4 {
			warnings = append(warnings, fmt.Sprintf("dependency %q: failure_rate window_size < 4 trips on very few outcomes", d.Name))
		}
	}
	return warnings
}
