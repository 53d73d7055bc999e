// Package fallback tracks which push intervals are currently served by
// polling instead of the stream.
package fallback

import (
	"maps"
	"sync"
)

// Registry maps a fallback unit ("1m", "30m", "1h") to whether pull mode is
// active. Unknown units read as false. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	flags    map[string]bool
	onChange func(unit string, active bool)
}

func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]bool)}
}

// OnChange registers fn to be called after a flag flips. It is invoked
// outside the registry lock.
func (r *Registry) OnChange(fn func(unit string, active bool)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// SetFallback sets the flag for unit.
func (r *Registry) SetFallback(unit string, active bool) {
	r.mu.Lock()
	prev, known := r.flags[unit]
	r.flags[unit] = active
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil && (!known || prev != active) {
		fn(unit, active)
	}
}

// IsFallback reports whether unit is in pull mode.
func (r *Registry) IsFallback(unit string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[unit]
}

// Snapshot returns a copy of every flag written so far.
func (r *Registry) Snapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.flags)
}
