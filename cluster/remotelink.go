package cluster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/codec"
	"github.com/nyxcluster/nyx/gen"
	"github.com/nyxcluster/nyx/node"
)

// linkRecord bridges a local LinkRef (meaningful only to this node's own
// gen.LinkTable) to the wire LinkID both peers use to correlate
// link_ack/exit_signal/unlink_request messages, since the two sides mint
// independent local ids for what is conceptually one link.
type linkRecord struct {
	wireID   string
	localID  gen.LinkRef
	peerNode node.ID
	peerRef  gen.Ref
	localRef gen.Ref
}

type pendingLink struct {
	record *linkRecord
	ackCh  chan error
}

// RemoteLink implements the Link/Unlink half of gen.RemoteHooks (spec.md
// §4.12, component C12): request -> ack -> exit_signal/unlink, plus
// node-down resolution for every link whose peer lived on a node that went
// down.
type RemoteLink struct {
	self      node.ID
	localNode *gen.Node
	transport *Transport
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingLink  // wireID -> awaiting ack
	byWire  map[string]*linkRecord   // wireID -> acked record
	byLocal map[gen.LinkRef]*linkRecord
	stats   LinkStats
}

// NewRemoteLink wires a RemoteLink to the local process runtime and
// transport.
func NewRemoteLink(self node.ID, localNode *gen.Node, transport *Transport, logger *zap.Logger) *RemoteLink {
	return &RemoteLink{
		self:      self,
		localNode: localNode,
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*pendingLink),
		byWire:    make(map[string]*linkRecord),
		byLocal:   make(map[gen.LinkRef]*linkRecord),
	}
}

// Link implements gen.RemoteHooks.Link: a is local, b lives on a remote
// node. Registers the local half immediately, then asks b's node to
// register its half, blocking for the ack.
func (rl *RemoteLink) Link(a, b gen.Ref) (gen.LinkRef, error) {
	localID, ok := rl.localNode.LinkRemote(a, b)
	if !ok {
		return "", &RemoteServerNotRunningError{ServerID: a.ID, NodeID: rl.self.String()}
	}
	wireID := string(localID)
	rec := &linkRecord{wireID: wireID, localID: localID, peerNode: b.NodeID, peerRef: b, localRef: a}
	ack := make(chan error, 1)

	rl.mu.Lock()
	rl.pending[wireID] = &pendingLink{record: rec, ackCh: ack}
	rl.mu.Unlock()

	payload := codec.ClusterMessage{
		Kind:        codec.KindLinkRequest,
		LinkRequest: &codec.LinkRequestPayload{LinkID: wireID, A: toWireRef(a), B: toWireRef(b)},
	}
	if err := rl.transport.Send(b.NodeID, payload); err != nil {
		rl.mu.Lock()
		delete(rl.pending, wireID)
		rl.mu.Unlock()
		rl.localNode.UnlinkRemote(localID)
		return "", err
	}

	select {
	case err := <-ack:
		if err != nil {
			rl.localNode.UnlinkRemote(localID)
			return "", err
		}
		rl.mu.Lock()
		rl.byWire[wireID] = rec
		rl.byLocal[localID] = rec
		rl.mu.Unlock()
		return localID, nil
	case <-time.After(defaultCallTimeoutMs * time.Millisecond):
		rl.mu.Lock()
		delete(rl.pending, wireID)
		rl.mu.Unlock()
		rl.localNode.UnlinkRemote(localID)
		return "", &LinkTimeoutError{LinkID: wireID}
	}
}

// Unlink implements gen.RemoteHooks.Unlink.
func (rl *RemoteLink) Unlink(id gen.LinkRef) {
	rl.mu.Lock()
	rec, ok := rl.byLocal[id]
	if ok {
		delete(rl.byLocal, id)
		delete(rl.byWire, rec.wireID)
	}
	rl.mu.Unlock()
	rl.localNode.UnlinkRemote(id)
	if !ok {
		return
	}
	payload := codec.ClusterMessage{
		Kind:          codec.KindUnlinkRequest,
		UnlinkRequest: &codec.UnlinkRequestPayload{LinkID: rec.wireID},
	}
	_ = rl.transport.Send(rec.peerNode, payload)
}

// HandleLinkRequest services an inbound link_request: b (the local side) is
// asked to link with a (remote). Registers the local half and acks.
func (rl *RemoteLink) HandleLinkRequest(from node.ID, p *codec.LinkRequestPayload) {
	remoteA, err := fromWireRef(p.A)
	if err != nil {
		rl.ack(from, p.LinkID, false, "invalid_peer")
		return
	}
	localB, err := fromWireRef(p.B)
	if err != nil {
		rl.ack(from, p.LinkID, false, "invalid_target")
		return
	}
	localID, ok := rl.localNode.LinkRemote(localB, remoteA)
	if !ok {
		rl.ack(from, p.LinkID, false, "noproc")
		return
	}
	rec := &linkRecord{wireID: p.LinkID, localID: localID, peerNode: from, peerRef: remoteA, localRef: localB}
	rl.mu.Lock()
	rl.byWire[p.LinkID] = rec
	rl.byLocal[localID] = rec
	rl.mu.Unlock()
	rl.ack(from, p.LinkID, true, "")
}

func (rl *RemoteLink) ack(to node.ID, linkID string, success bool, reason string) {
	payload := codec.ClusterMessage{
		Kind:    codec.KindLinkAck,
		LinkAck: &codec.LinkAckPayload{LinkID: linkID, Success: success, Reason: reason},
	}
	if err := rl.transport.Send(to, payload); err != nil {
		rl.logger.Warn("cluster: failed to send link_ack", zap.String("peer", to.String()), zap.Error(err))
	}
}

// HandleLinkAck resolves a pending Link call.
func (rl *RemoteLink) HandleLinkAck(p *codec.LinkAckPayload) {
	rl.mu.Lock()
	pc, ok := rl.pending[p.LinkID]
	if ok {
		delete(rl.pending, p.LinkID)
	}
	rl.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if !p.Success {
		err = &RemoteServerNotRunningError{ServerID: pc.record.peerRef.ID, NodeID: pc.record.peerNode.String()}
	}
	pc.ackCh <- err
}

// HandleUnlinkRequest services an inbound unlink_request.
func (rl *RemoteLink) HandleUnlinkRequest(p *codec.UnlinkRequestPayload) {
	rl.mu.Lock()
	rec, ok := rl.byWire[p.LinkID]
	if ok {
		delete(rl.byWire, p.LinkID)
		delete(rl.byLocal, rec.localID)
	}
	rl.mu.Unlock()
	if ok {
		rl.localNode.UnlinkRemote(rec.localID)
	}
}

// HandleExitSignal delivers an inbound exit_signal to the local peer
// exactly as a linked local process's non-normal exit would be resolved
// (spec.md §4.12 "exit" phase): deliver MessageExit if trapping, otherwise
// force-terminate with the same reason.
func (rl *RemoteLink) HandleExitSignal(p *codec.ExitSignalPayload) {
	rl.mu.Lock()
	rec, ok := rl.byWire[p.LinkID]
	if ok {
		delete(rl.byWire, p.LinkID)
		delete(rl.byLocal, rec.localID)
	}
	rl.mu.Unlock()
	if !ok {
		return
	}
	to, err := fromWireRef(p.To)
	if err != nil {
		return
	}
	reason := fromWireReason(p.Reason)
	if rl.localNode.TrapExit(to) {
		rl.localNode.DeliverInfo(to, gen.MessageExit{From: rec.peerRef, Reason: reason})
		return
	}
	rl.localNode.ForceTerminate(to, reason)
}

// NodeDown synthesizes exit_signal delivery for every link whose peer lived
// on downNode, since no further wire traffic from that node will ever
// arrive (spec.md §4.12 "node-down resolution").
func (rl *RemoteLink) NodeDown(downNode node.ID) {
	rl.mu.Lock()
	var affected []*linkRecord
	for wireID, rec := range rl.byWire {
		if rec.peerNode.Equal(downNode) {
			affected = append(affected, rec)
			delete(rl.byWire, wireID)
			delete(rl.byLocal, rec.localID)
		}
	}
	rl.mu.Unlock()

	for _, rec := range affected {
		if rl.localNode.TrapExit(rec.localRef) {
			rl.localNode.DeliverInfo(rec.localRef, gen.MessageExit{From: rec.peerRef, Reason: gen.NoConnection})
			continue
		}
		rl.localNode.ForceTerminate(rec.localRef, gen.NoConnection)
	}
}

// SendExitSignal notifies peerNode that localRef just terminated with
// reason, for every link NotifyTerminated reports. On a normal exit it
// sends unlink_request instead, since normal termination never propagates
// as an exit (spec.md §4.4, §4.12: "If termination reason is normal: send
// unlink_request ... Else: send exit_signal").
func (rl *RemoteLink) SendExitSignal(localID gen.LinkRef, peerNode node.ID, localRef, peerRef gen.Ref, reason gen.Reason, normal bool) {
	wireID := string(localID)
	rl.mu.Lock()
	if rec, ok := rl.byLocal[localID]; ok {
		wireID = rec.wireID
		delete(rl.byWire, rec.wireID)
		delete(rl.byLocal, localID)
	}
	rl.mu.Unlock()

	if normal {
		payload := codec.ClusterMessage{
			Kind:          codec.KindUnlinkRequest,
			UnlinkRequest: &codec.UnlinkRequestPayload{LinkID: wireID},
		}
		_ = rl.transport.Send(peerNode, payload)
		return
	}

	rl.mu.Lock()
	rl.stats.TotalExitSignalsSent++
	rl.mu.Unlock()

	payload := codec.ClusterMessage{
		Kind: codec.KindExitSignal,
		ExitSignal: &codec.ExitSignalPayload{
			LinkID: wireID,
			From:   toWireRef(localRef),
			To:     toWireRef(peerRef),
			Reason: toWireReason(reason),
		},
	}
	_ = rl.transport.Send(peerNode, payload)
}

// Stats returns a copy of the current link traffic counters.
func (rl *RemoteLink) Stats() LinkStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stats
}
