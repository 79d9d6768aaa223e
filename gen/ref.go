package gen

import (
	"github.com/google/uuid"

	"github.com/nyxcluster/nyx/node"
)

// Ref is a process reference: an id unique within a node, plus an optional
// NodeId. A zero-value NodeId means "wherever this code runs" (a purely
// local reference).
type Ref struct {
	ID     string
	NodeID node.ID
}

// IsLocal reports whether the reference carries no explicit node, i.e. it
// should be resolved against the local runtime.
func (r Ref) IsLocal() bool { return r.NodeID.IsZero() }

// Equal reports whether two refs denote the same process: both the id and
// the node must match.
func (r Ref) Equal(other Ref) bool {
	return r.ID == other.ID && r.NodeID.Equal(other.NodeID)
}

func (r Ref) String() string {
	if r.IsLocal() {
		return r.ID
	}
	return r.ID + "@" + r.NodeID.String()
}

// newLocalID generates a process-local id. The spec only requires
// node-local uniqueness for Ref.ID (unlike the prefixed grammar mandated
// for CallId/MonitorId/LinkId/SpawnId), so a plain UUID is sufficient here.
func newLocalID() string {
	return uuid.NewString()
}
