package circuitbreaker

import (
	"sync"

	"peerlink/pkg/clock"
)

// Registry keeps one circuit breaker per logical key (typically a remote
// peer id) so a flapping peer cannot trip the others.
type Registry struct {
	config Config
	clk    clock.Clock

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	onChange func(key string, from, to State)
}

// NewRegistry creates a per-key breaker registry.
func NewRegistry(config Config, clk clock.Clock) *Registry {
	return &Registry{
		config:   config,
		clk:      clk,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange sets a callback invoked for every breaker transition,
// including breakers created later.
func (r *Registry) OnStateChange(fn func(key string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for key, cb := range r.breakers {
		k := key
		cb.OnStateChange(func(from, to State) { fn(k, from, to) })
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cb = NewWithClock(r.config, r.clk)
	if r.onChange != nil {
		k := key
		fn := r.onChange
		cb.OnStateChange(func(from, to State) { fn(k, from, to) })
	}
	r.breakers[key] = cb
	return cb
}

// Remove drops the breaker for key, if any.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}
