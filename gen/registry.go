package gen

import (
	"sync"
	"time"
)

// registryMode selects unique vs alias semantics for a given name.
type registryMode int

const (
	modeUnique registryMode = iota
	modeAlias
)

type registryEntry struct {
	mode registryMode
	ref  Ref

	// alias-mode only
	priority     int
	registeredAt time.Time
}

// Registry is the process-wide name -> Ref map (spec.md §4.3). A name is
// either registered in "unique" mode (one live ref) or "alias" mode
// (multiple refs, highest priority/earliest-registered wins on lookup).
type Registry struct {
	mu      sync.RWMutex
	unique  map[string]Ref
	aliases map[string][]registryEntry
	// names reverse-indexes every name owned by a given ref, so that on
	// process termination the owning runtime can unregister everything
	// in one pass (spec.md §4.3: "runtime MUST unregister all names").
	names map[string][]string // Ref.ID -> names
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		unique:  make(map[string]Ref),
		aliases: make(map[string][]registryEntry),
		names:   make(map[string][]string),
	}
}

// Register associates name with ref in unique mode. Fails if name is taken.
func (r *Registry) Register(name string, ref Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.unique[name]; ok {
		return &NameTakenError{Name: name}
	}
	if _, ok := r.aliases[name]; ok {
		return &NameTakenError{Name: name}
	}
	r.unique[name] = ref
	r.names[ref.ID] = append(r.names[ref.ID], name)
	return nil
}

// RegisterAlias associates name with ref in alias mode, at the given
// priority. Multiple refs may share an alias name.
func (r *Registry) RegisterAlias(name string, ref Ref, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.unique[name]; ok {
		return &NameTakenError{Name: name}
	}
	r.aliases[name] = append(r.aliases[name], registryEntry{
		mode:         modeAlias,
		ref:          ref,
		priority:     priority,
		registeredAt: time.Now(),
	})
	r.names[ref.ID] = append(r.names[ref.ID], name)
	return nil
}

// Unregister removes name only if the current entry matches ref exactly.
func (r *Registry) Unregister(name string, ref Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.unique[name]; ok {
		if !cur.Equal(ref) {
			return nil
		}
		delete(r.unique, name)
		r.dropName(ref, name)
		return nil
	}
	if entries, ok := r.aliases[name]; ok {
		out := entries[:0]
		removed := false
		for _, e := range entries {
			if e.ref.Equal(ref) {
				removed = true
				continue
			}
			out = append(out, e)
		}
		if len(out) == 0 {
			delete(r.aliases, name)
		} else {
			r.aliases[name] = out
		}
		if removed {
			r.dropName(ref, name)
		}
	}
	return nil
}

func (r *Registry) dropName(ref Ref, name string) {
	names := r.names[ref.ID]
	for i, n := range names {
		if n == name {
			r.names[ref.ID] = append(names[:i], names[i+1:]...)
			break
		}
	}
}

// Lookup returns the live ref registered under name. For unique names this
// is the sole entry; for alias names it's the highest-priority entry,
// ties broken by earliest registration.
func (r *Registry) Lookup(name string) (Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ref, ok := r.unique[name]; ok {
		return ref, true
	}
	entries, ok := r.aliases[name]
	if !ok || len(entries) == 0 {
		return Ref{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.priority > best.priority ||
			(e.priority == best.priority && e.registeredAt.Before(best.registeredAt)) {
			best = e
		}
	}
	return best.ref, true
}

// Whereis is an alias for Lookup matching the public-API naming in spec.md §6.
func (r *Registry) Whereis(name string) (Ref, bool) { return r.Lookup(name) }

// UnregisterAll removes every name owned by ref. Invoked by the runtime on
// process termination.
func (r *Registry) UnregisterAll(ref Ref) {
	r.mu.Lock()
	names := append([]string(nil), r.names[ref.ID]...)
	r.mu.Unlock()
	for _, name := range names {
		_ = r.Unregister(name, ref)
	}
}
