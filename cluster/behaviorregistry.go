package cluster

import (
	"sort"
	"sync"

	"github.com/nyxcluster/nyx/gen"
)

// BehaviorRegistry maps a behavior name to a constructor so a peer node can
// satisfy a RemoteSpawn request for a behavior it never imported directly
// (spec.md §4.13, component C13). Each node registers the behaviors it's
// willing to spawn on another node's behalf; the name travels on the wire,
// never the behavior's Go type.
type BehaviorRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() gen.Behavior
}

// NewBehaviorRegistry creates an empty registry.
func NewBehaviorRegistry() *BehaviorRegistry {
	return &BehaviorRegistry{ctors: make(map[string]func() gen.Behavior)}
}

// Register associates name with a constructor. Re-registering the same
// name overwrites the previous constructor.
func (r *BehaviorRegistry) Register(name string, ctor func() gen.Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Has reports whether name is registered.
func (r *BehaviorRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// New constructs a fresh Behavior instance for name, or false if name isn't
// registered.
func (r *BehaviorRegistry) New(name string) (gen.Behavior, bool) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Names returns every registered behavior name, sorted.
func (r *BehaviorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
