package cluster

import "time"

// ConnectionStats tracks per-connection traffic and lifecycle counters
// (spec.md §4.8, "per-connection stats"). Reads/writes are guarded by the
// owning Connection's mutex, not by stats itself.
type ConnectionStats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	LastSentAt     time.Time
	LastReceivedAt time.Time
	ConnectedAt    time.Time

	ReconnectAttempts int
}

func (s *ConnectionStats) recordSent(n int) {
	s.MessagesSent++
	s.BytesSent += uint64(n)
	s.LastSentAt = time.Now()
}

func (s *ConnectionStats) recordReceived(n int) {
	s.MessagesReceived++
	s.BytesReceived += uint64(n)
	s.LastReceivedAt = time.Now()
}

// CallStats tracks RemoteCall traffic across the whole cluster (spec.md §4.11).
type CallStats struct {
	PendingCalls  int
	TotalCalls    uint64
	TotalResolved uint64
	TotalRejected uint64
	TotalTimedOut uint64
	TotalCasts    uint64
}

// LinkStats tracks RemoteLink traffic across the whole cluster (spec.md §4.12).
type LinkStats struct {
	TotalExitSignalsSent uint64
}
