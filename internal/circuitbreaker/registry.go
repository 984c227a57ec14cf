package circuitbreaker

import (
	"log/slog"
	"sync"
)

// Registry lazily creates one breaker per named dependency. Dependencies not
// present in overrides get the default config.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  Config
	overrides map[string]Config
	logger    *slog.Logger
}

// NewRegistry creates a Registry with the given default breaker config and
// optional per-dependency overrides (may be nil).
func NewRegistry(defaults Config, overrides map[string]Config, logger *slog.Logger) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: overrides,
		logger:    logger,
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(dependency string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[dependency]
	r.mu.RUnlock()
	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if cb, exists = r.breakers[dependency]; exists {
		return cb
	}

	cfg := r.defaults
	if override, ok := r.overrides[dependency]; ok {
		cfg = override
	}
	cb = New(dependency, cfg, r.logger)
	r.breakers[dependency] = cb
	return cb
}

// UpdateConfigs replaces the default and per-dependency breaker configs,
// typically on config hot reload. Breaker configs are fixed at construction,
// so any existing breaker whose effective config changed is discarded and
// rebuilt closed on next use; breakers whose config is unchanged keep their
// state.
func (r *Registry) UpdateConfigs(defaults Config, overrides map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	effective := func(defaults Config, overrides map[string]Config, name string) Config {
		if override, ok := overrides[name]; ok {
			return override
		}
		return defaults
	}

	for name := range r.breakers {
		old := effective(r.defaults, r.overrides, name)
		if effective(defaults, overrides, name) != old {
			delete(r.breakers, name)
			r.logger.Info("breaker config changed, rebuilding", "dependency", name)
		}
	}
	r.defaults = defaults
	r.overrides = overrides
}

// Lookup returns the breaker for a dependency without creating one.
func (r *Registry) Lookup(dependency string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[dependency]
	return cb, ok
}

// Snapshot returns stats for every breaker created so far, keyed by
// dependency name.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		snap[name] = cb.Stats()
	}
	return snap
}

// Reset discards all breakers. New calls start with fresh state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}
