package cluster

import "fmt"

// NodeNotReachableError reports that the transport cannot currently reach
// nodeID (spec.md §7).
type NodeNotReachableError struct {
	NodeID string
}

func (e *NodeNotReachableError) Error() string {
	return fmt.Sprintf("cluster: node %q not reachable", e.NodeID)
}

// ClusterNotStartedError reports an operation that requires a running
// cluster while none is running.
type ClusterNotStartedError struct{}

func (e *ClusterNotStartedError) Error() string { return "cluster: not started" }

// InvalidClusterConfigError reports a Config validation failure at Start.
type InvalidClusterConfigError struct {
	Reason string
}

func (e *InvalidClusterConfigError) Error() string {
	return fmt.Sprintf("cluster: invalid config: %s", e.Reason)
}

// RemoteServerNotRunningError reports that a remote call/cast target
// doesn't exist on the peer node.
type RemoteServerNotRunningError struct {
	ServerID string
	NodeID   string
}

func (e *RemoteServerNotRunningError) Error() string {
	return fmt.Sprintf("cluster: server %q not running on %q", e.ServerID, e.NodeID)
}

// RemoteSpawnErrorKind is the closed set of remote-spawn failure kinds
// (spec.md §7).
type RemoteSpawnErrorKind string

const (
	SpawnErrorBehaviorNotFound RemoteSpawnErrorKind = "behavior_not_found"
	SpawnErrorInitFailed       RemoteSpawnErrorKind = "init_failed"
)

// RemoteSpawnError reports a failed RemoteSpawn.spawn.
type RemoteSpawnError struct {
	Kind    RemoteSpawnErrorKind
	Message string
}

func (e *RemoteSpawnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cluster: remote spawn failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("cluster: remote spawn failed (%s)", e.Kind)
}

// RemoteCallTimeoutError reports that a pending remote call never received
// a reply within its timeout.
type RemoteCallTimeoutError struct {
	CallID    string
	TimeoutMs int
}

func (e *RemoteCallTimeoutError) Error() string {
	return fmt.Sprintf("cluster: remote call %s timed out after %dms", e.CallID, e.TimeoutMs)
}

// MonitorTimeoutError reports that a remote monitor request was never
// acknowledged within its timeout.
type MonitorTimeoutError struct {
	MonitorID string
}

func (e *MonitorTimeoutError) Error() string {
	return fmt.Sprintf("cluster: remote monitor %s timed out waiting for ack", e.MonitorID)
}

// RemoteSpawnTimeoutError reports that a remote spawn request was never
// acknowledged within its timeout.
type RemoteSpawnTimeoutError struct {
	SpawnID string
}

func (e *RemoteSpawnTimeoutError) Error() string {
	return fmt.Sprintf("cluster: remote spawn %s timed out waiting for ack", e.SpawnID)
}

// LinkTimeoutError reports that a remote link request was never
// acknowledged within its timeout.
type LinkTimeoutError struct {
	LinkID string
}

func (e *LinkTimeoutError) Error() string {
	return fmt.Sprintf("cluster: remote link %s timed out waiting for ack", e.LinkID)
}

// SerializationErrorMapped reports that a remote peer's call_error carried
// "serialization_error" (spec.md §4.11 step 6).
type SerializationErrorMapped struct {
	Detail string
}

func (e *SerializationErrorMapped) Error() string {
	return fmt.Sprintf("cluster: remote serialization error: %s", e.Detail)
}
