package gen

import (
	"sync"

	"github.com/nyxcluster/nyx/node"
)

// Subscriber identifies the watching side of a monitor. A subscriber is
// either a local process (Local set, RemoteNode zero) or a remote node's
// process (RemoteNode set) — the cluster layer owns delivering the
// down/exit notification across the wire for the latter.
type Subscriber struct {
	Local      Ref
	RemoteNode node.ID

	// Chan, when set, is a non-mailbox subscriber: the down notification
	// is sent directly on this channel instead of being delivered as an
	// info envelope. Used by Supervisor (a plain Go value, not a gen
	// process) to observe child termination without needing a mailbox of
	// its own.
	Chan chan<- MessageDown
}

func (s Subscriber) IsRemote() bool { return s.Chan == nil && !s.RemoteNode.IsZero() }

// monitorEntry is one outstanding monitor: id, the watcher, and the target.
type monitorEntry struct {
	id         MonitorRef
	subscriber Subscriber
	target     Ref
}

// MonitorTable is the process-wide bookkeeping of local monitors (spec.md
// §4.4, C4). It indexes both by monitor id (for Demonitor) and by target
// ref (so a terminating process can notify everyone watching it exactly
// once, satisfying the "at most one down" invariant in spec.md §8).
type MonitorTable struct {
	mu       sync.Mutex
	byID     map[MonitorRef]monitorEntry
	byTarget map[string][]MonitorRef // Ref.ID -> monitor ids targeting it
}

func NewMonitorTable() *MonitorTable {
	return &MonitorTable{
		byID:     make(map[MonitorRef]monitorEntry),
		byTarget: make(map[string][]MonitorRef),
	}
}

// Add registers a new monitor of target by subscriber, returning its id.
func (t *MonitorTable) Add(subscriber Subscriber, target Ref) MonitorRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := NewMonitorRef()
	t.byID[id] = monitorEntry{id: id, subscriber: subscriber, target: target}
	t.byTarget[target.ID] = append(t.byTarget[target.ID], id)
	return id
}

// Remove cancels a monitor by id. Idempotent: removing an unknown id is a
// silent no-op per spec.md §7.
func (t *MonitorTable) Remove(id MonitorRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	ids := t.byTarget[entry.target.ID]
	for i, existing := range ids {
		if existing == id {
			t.byTarget[entry.target.ID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// TakeSubscribers atomically removes and returns every monitor watching
// target, so the caller can notify each exactly once and never re-notify on
// a later call (enforcing "at most one down delivered").
func (t *MonitorTable) TakeSubscribers(target Ref) []monitorEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byTarget[target.ID]
	delete(t.byTarget, target.ID)
	out := make([]monitorEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.byID[id]; ok {
			out = append(out, e)
			delete(t.byID, id)
		}
	}
	return out
}

// Has reports whether id is still a live monitor (used by tests/diagnostics).
func (t *MonitorTable) Has(id MonitorRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byID[id]
	return ok
}

// --- Links ---------------------------------------------------------------

// linkEntry is a symmetric link between two peers (spec.md §4.4, C4).
type linkEntry struct {
	id   LinkRef
	a, b Ref
}

// other returns the peer of side relative to this link (a if side is
// neither a nor b; callers always pass a known side).
func (e linkEntry) other(side Ref) Ref {
	if e.a.Equal(side) {
		return e.b
	}
	return e.a
}

// LinkTable is the process-wide bookkeeping of bidirectional links.
type LinkTable struct {
	mu      sync.Mutex
	byID    map[LinkRef]linkEntry
	byOwner map[string][]LinkRef // Ref.ID -> link ids touching it
}

func NewLinkTable() *LinkTable {
	return &LinkTable{
		byID:    make(map[LinkRef]linkEntry),
		byOwner: make(map[string][]LinkRef),
	}
}

// Add creates a symmetric link between a and b, returning its id.
func (t *LinkTable) Add(a, b Ref) LinkRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := NewLinkRef()
	t.byID[id] = linkEntry{id: id, a: a, b: b}
	t.byOwner[a.ID] = append(t.byOwner[a.ID], id)
	t.byOwner[b.ID] = append(t.byOwner[b.ID], id)
	return id
}

// Remove deletes a link by id. Idempotent.
func (t *LinkTable) Remove(id LinkRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	t.dropOwner(entry.a.ID, id)
	t.dropOwner(entry.b.ID, id)
}

// RemoveBetween removes the link (if any) directly connecting a and b.
// Idempotent.
func (t *LinkTable) RemoveBetween(a, b Ref) {
	t.mu.Lock()
	ids := append([]LinkRef(nil), t.byOwner[a.ID]...)
	t.mu.Unlock()
	for _, id := range ids {
		t.mu.Lock()
		entry, ok := t.byID[id]
		t.mu.Unlock()
		if ok && ((entry.a.Equal(a) && entry.b.Equal(b)) || (entry.a.Equal(b) && entry.b.Equal(a))) {
			t.Remove(id)
		}
	}
}

func (t *LinkTable) dropOwner(refID string, id LinkRef) {
	ids := t.byOwner[refID]
	for i, existing := range ids {
		if existing == id {
			t.byOwner[refID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// TakeLinksOf atomically removes and returns every link entry touching ref,
// for use when ref is terminating and must resolve each link exactly once.
func (t *LinkTable) TakeLinksOf(ref Ref) []linkEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byOwner[ref.ID]
	delete(t.byOwner, ref.ID)
	out := make([]linkEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.byID[id]; ok {
			out = append(out, e)
			delete(t.byID, id)
			// the peer's own index still references id; drop it there too.
			t.dropOwner(e.other(ref).ID, id)
		}
	}
	return out
}

// CountOf returns the number of active links touching ref (diagnostics/tests).
func (t *LinkTable) CountOf(ref Ref) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byOwner[ref.ID])
}
