package engine

import "sync"

// variables is the shared, mutable variable store of one run. Writers race
// freely; the last write wins.
type variables struct {
	mu     sync.RWMutex
	values map[string]any
}

func newVariables(initial map[string]any) *variables {
	v := &variables{values: make(map[string]any, len(initial))}
	for k, val := range initial {
		v.values[k] = val
	}
	return v
}

func (v *variables) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[name] = value
}

func (v *variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[name]
	return val, ok
}

// Snapshot returns a shallow copy safe to hand to readers.
func (v *variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}
