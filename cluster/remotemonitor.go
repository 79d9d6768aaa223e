package cluster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/codec"
	"github.com/nyxcluster/nyx/gen"
	"github.com/nyxcluster/nyx/node"
)

// pendingMonitor is a monitor this node is waiting on an ack for, having
// just sent a monitor_request to target's node.
type pendingMonitor struct {
	subscriber gen.Ref
	target     gen.Ref
	ackCh      chan error
}

// RemoteMonitor implements the Monitor/Demonitor half of gen.RemoteHooks
// (spec.md §4.12, component C12): the three-phase request -> ack ->
// down/exit protocol, plus node-down resolution for every monitor whose
// target lived on a node that just went down.
type RemoteMonitor struct {
	self      node.ID
	localNode *gen.Node
	transport *Transport
	logger    *zap.Logger

	mu sync.Mutex
	// pending tracks monitors awaiting their ack, keyed by the MonitorID
	// we minted when Monitor() was called locally.
	pending map[gen.MonitorRef]*pendingMonitor
	// watching tracks monitors we issued that have been acked: the target
	// lives on watchingNode, so a node_down for that node must synthesize
	// a MessageDown locally.
	watching map[gen.MonitorRef]watchEntry
}

type watchEntry struct {
	subscriber gen.Ref
	target     gen.Ref
	targetNode node.ID
}

// NewRemoteMonitor wires a RemoteMonitor to the local process runtime and
// transport.
func NewRemoteMonitor(self node.ID, localNode *gen.Node, transport *Transport, logger *zap.Logger) *RemoteMonitor {
	return &RemoteMonitor{
		self:      self,
		localNode: localNode,
		transport: transport,
		logger:    logger,
		pending:   make(map[gen.MonitorRef]*pendingMonitor),
		watching:  make(map[gen.MonitorRef]watchEntry),
	}
}

// Monitor implements gen.RemoteHooks.Monitor: send monitor_request to
// target's node and block for the ack (or MonitorTimeoutError).
func (rm *RemoteMonitor) Monitor(subscriber gen.Ref, target gen.Ref) (gen.MonitorRef, error) {
	id := gen.NewMonitorRef()
	ack := make(chan error, 1)

	rm.mu.Lock()
	rm.pending[id] = &pendingMonitor{subscriber: subscriber, target: target, ackCh: ack}
	rm.mu.Unlock()

	payload := codec.ClusterMessage{
		Kind: codec.KindMonitorRequest,
		MonitorRequest: &codec.MonitorRequestPayload{
			MonitorID: string(id),
			Target:    toWireRef(target),
			Watcher:   toWireRef(subscriber),
		},
	}
	if err := rm.transport.Send(target.NodeID, payload); err != nil {
		rm.mu.Lock()
		delete(rm.pending, id)
		rm.mu.Unlock()
		return "", err
	}

	select {
	case err := <-ack:
		return id, err
	case <-time.After(defaultCallTimeoutMs * time.Millisecond):
		rm.mu.Lock()
		delete(rm.pending, id)
		rm.mu.Unlock()
		return "", &MonitorTimeoutError{MonitorID: string(id)}
	}
}

// Demonitor implements gen.RemoteHooks.Demonitor.
func (rm *RemoteMonitor) Demonitor(id gen.MonitorRef) {
	rm.mu.Lock()
	entry, wasWatching := rm.watching[id]
	delete(rm.watching, id)
	delete(rm.pending, id)
	rm.mu.Unlock()
	if !wasWatching {
		return
	}
	payload := codec.ClusterMessage{
		Kind:             codec.KindDemonitorRequest,
		DemonitorRequest: &codec.DemonitorRequestPayload{MonitorID: string(id)},
	}
	_ = rm.transport.Send(entry.targetNode, payload)
}

// HandleMonitorRequest services an inbound monitor_request: register the
// remote watcher against the local target and ack success/failure (spec.md
// §4.12 steps 2-3).
func (rm *RemoteMonitor) HandleMonitorRequest(from node.ID, p *codec.MonitorRequestPayload) {
	target, err := fromWireRef(p.Target)
	if err != nil {
		rm.ack(from, p.MonitorID, false, "invalid_target")
		return
	}
	if _, ok := rm.localNode.MonitorRemote(from, target); !ok {
		rm.ack(from, p.MonitorID, false, "noproc")
		return
	}
	rm.ack(from, p.MonitorID, true, "")
}

func (rm *RemoteMonitor) ack(to node.ID, monitorID string, success bool, reason string) {
	payload := codec.ClusterMessage{
		Kind:       codec.KindMonitorAck,
		MonitorAck: &codec.MonitorAckPayload{MonitorID: monitorID, Success: success, Reason: reason},
	}
	if err := rm.transport.Send(to, payload); err != nil {
		rm.logger.Warn("cluster: failed to send monitor_ack", zap.String("peer", to.String()), zap.Error(err))
	}
}

// HandleMonitorAck resolves a pending Monitor call, and on success starts
// tracking the monitor so a future node_down can synthesize its
// MessageDown (spec.md §4.12 step 3).
func (rm *RemoteMonitor) HandleMonitorAck(from node.ID, p *codec.MonitorAckPayload) {
	id := gen.MonitorRef(p.MonitorID)
	rm.mu.Lock()
	pc, ok := rm.pending[id]
	if ok {
		delete(rm.pending, id)
		if p.Success {
			rm.watching[id] = watchEntry{subscriber: pc.subscriber, target: pc.target, targetNode: from}
		}
	}
	rm.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if !p.Success {
		err = &RemoteServerNotRunningError{ServerID: pc.target.ID, NodeID: from.String()}
	}
	pc.ackCh <- err
}

// HandleDemonitorRequest services an inbound demonitor_request.
func (rm *RemoteMonitor) HandleDemonitorRequest(p *codec.DemonitorRequestPayload) {
	rm.localNode.Demonitor(gen.MonitorRef(p.MonitorID))
}

// HandleProcessDown delivers an inbound process_down as a MessageDown to
// the local subscriber (spec.md §4.12 "down" phase).
func (rm *RemoteMonitor) HandleProcessDown(p *codec.ProcessDownPayload) {
	id := gen.MonitorRef(p.MonitorID)
	rm.mu.Lock()
	entry, ok := rm.watching[id]
	delete(rm.watching, id)
	rm.mu.Unlock()
	if !ok {
		return
	}
	ref, err := fromWireRef(p.Ref)
	if err != nil {
		return
	}
	rm.localNode.DeliverInfo(entry.subscriber, gen.MessageDown{MonitorID: id, Ref: ref, Reason: fromWireReason(p.Reason)})
}

// NodeDown synthesizes a process_down{reason:noconnection} for every
// monitor whose target lived on downNode, since no further wire traffic
// from that node will ever arrive (spec.md §4.12 "node-down resolution").
func (rm *RemoteMonitor) NodeDown(downNode node.ID) {
	rm.mu.Lock()
	var affected []struct {
		id    gen.MonitorRef
		entry watchEntry
	}
	for id, entry := range rm.watching {
		if entry.targetNode.Equal(downNode) {
			affected = append(affected, struct {
				id    gen.MonitorRef
				entry watchEntry
			}{id, entry})
			delete(rm.watching, id)
		}
	}
	rm.mu.Unlock()

	for _, a := range affected {
		rm.localNode.DeliverInfo(a.entry.subscriber, gen.MessageDown{
			MonitorID: a.id,
			Ref:       a.entry.target,
			Reason:    gen.NoConnection,
		})
	}
}
