package cluster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/node"
)

// MembershipState is the closed set of states a tracked peer can be in
// (spec.md §4.10).
type MembershipState int

const (
	MemberUp MembershipState = iota
	MemberDown
)

func (s MembershipState) String() string {
	if s == MemberUp {
		return "up"
	}
	return "down"
}

// MembershipEntry is one row of the cluster-wide membership table,
// excluding the local node itself (spec.md §4.10).
type MembershipEntry struct {
	NodeID        node.ID
	State         MembershipState
	LastHeartbeat time.Time
}

// MembershipEventKind enumerates the events Membership emits.
type MembershipEventKind int

const (
	MembershipNodeUp MembershipEventKind = iota
	MembershipNodeUpdated
	MembershipNodeDown
)

type MembershipEvent struct {
	Kind   MembershipEventKind
	Node   node.ID
	Reason string
}

// Membership tracks every known peer's liveness via heartbeat timers
// (spec.md §4.10, component C10). Each tracked node gets its own timer
// reset on every heartbeat; if the timer fires, the node is marked down.
type Membership struct {
	mu      sync.Mutex
	entries map[node.ID]*MembershipEntry
	timers  map[node.ID]*time.Timer
	window  time.Duration

	localID node.ID
	logger  *zap.Logger
	onEvent func(MembershipEvent)
}

// NewMembership creates a Membership for a cluster whose local node is
// localID. window is the failure-detection duration (spec.md §4.10:
// heartbeatIntervalMs × heartbeatMissThreshold).
func NewMembership(localID node.ID, window time.Duration, logger *zap.Logger, onEvent func(MembershipEvent)) *Membership {
	return &Membership{
		entries: make(map[node.ID]*MembershipEntry),
		timers:  make(map[node.ID]*time.Timer),
		window:  window,
		localID: localID,
		logger:  logger,
		onEvent: onEvent,
	}
}

// UpdateNode records a heartbeat (or first sighting) from peer and resets
// its failure timer. The local node is never tracked.
func (m *Membership) UpdateNode(peer node.ID) {
	if peer.Equal(m.localID) {
		return
	}
	m.mu.Lock()
	entry, existed := m.entries[peer]
	now := time.Now()
	if !existed {
		entry = &MembershipEntry{NodeID: peer, State: MemberUp, LastHeartbeat: now}
		m.entries[peer] = entry
	} else {
		wasDown := entry.State == MemberDown
		entry.LastHeartbeat = now
		entry.State = MemberUp
		existed = !wasDown
	}
	if t, ok := m.timers[peer]; ok {
		t.Stop()
	}
	m.timers[peer] = time.AfterFunc(m.window, func() { m.MarkNodeDown(peer, "heartbeat_timeout") })
	m.mu.Unlock()

	if m.onEvent == nil {
		return
	}
	if !existed {
		m.onEvent(MembershipEvent{Kind: MembershipNodeUp, Node: peer})
	} else {
		m.onEvent(MembershipEvent{Kind: MembershipNodeUpdated, Node: peer})
	}
}

// MarkNodeDown transitions peer to down for reason (e.g. "heartbeat_timeout",
// "connection_lost", "graceful_shutdown"), firing exactly one nodeDown event
// per up-to-down transition (idempotent once already down; spec.md §4.10).
func (m *Membership) MarkNodeDown(peer node.ID, reason string) {
	m.mu.Lock()
	entry, ok := m.entries[peer]
	if !ok || entry.State == MemberDown {
		m.mu.Unlock()
		return
	}
	entry.State = MemberDown
	m.mu.Unlock()

	m.logger.Warn("cluster: node marked down", zap.String("node", peer.String()), zap.String("reason", reason))
	if m.onEvent != nil {
		m.onEvent(MembershipEvent{Kind: MembershipNodeDown, Node: peer, Reason: reason})
	}
}

// RemoveNode forgets peer entirely, stopping its failure timer. If peer is
// currently considered up, it first emits a nodeDown("graceful_shutdown")
// event so subscribers don't lose the transition (spec.md §4.10
// "removeNode(nodeId): if currently connected, emit nodeDown
// ('graceful_shutdown') first, then remove").
func (m *Membership) RemoveNode(peer node.ID) {
	m.mu.Lock()
	entry, ok := m.entries[peer]
	wasUp := ok && entry.State == MemberUp
	if t, ok := m.timers[peer]; ok {
		t.Stop()
		delete(m.timers, peer)
	}
	delete(m.entries, peer)
	m.mu.Unlock()

	if wasUp && m.onEvent != nil {
		m.onEvent(MembershipEvent{Kind: MembershipNodeDown, Node: peer, Reason: "graceful_shutdown"})
	}
}

// Snapshot returns a copy of every tracked entry.
func (m *Membership) Snapshot() []MembershipEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MembershipEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// IsUp reports whether peer is currently considered live.
func (m *Membership) IsUp(peer node.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[peer]
	return ok && e.State == MemberUp
}

// Stop cancels every outstanding failure timer.
func (m *Membership) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		t.Stop()
	}
}
