package cluster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/codec"
	"github.com/nyxcluster/nyx/gen"
	"github.com/nyxcluster/nyx/node"
)

type pendingCall struct {
	replyCh chan callOutcome
	node    node.ID
}

type callOutcome struct {
	value any
	err   error
}

// RemoteCall implements the Call/Cast half of gen.RemoteHooks (spec.md
// §4.11, component C11): the 7-step request/reply protocol over the wire,
// plus local servicing of inbound call/cast envelopes addressed to a
// process this node actually runs.
type RemoteCall struct {
	self      node.ID
	localNode *gen.Node
	transport *Transport
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	stats   CallStats
}

// NewRemoteCall wires a RemoteCall to the local process runtime and the
// transport used to reach other nodes.
func NewRemoteCall(self node.ID, localNode *gen.Node, transport *Transport, logger *zap.Logger) *RemoteCall {
	return &RemoteCall{
		self:      self,
		localNode: localNode,
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*pendingCall),
	}
}

func toWireRef(ref gen.Ref) codec.WireRef {
	nodeID := ref.NodeID
	if nodeID.IsZero() {
		return codec.WireRef{ID: ref.ID}
	}
	return codec.WireRef{ID: ref.ID, NodeID: nodeID.String()}
}

func fromWireRef(w codec.WireRef) (gen.Ref, error) {
	if w.NodeID == "" {
		return gen.Ref{ID: w.ID}, nil
	}
	nid, err := node.Parse(w.NodeID)
	if err != nil {
		return gen.Ref{}, err
	}
	return gen.Ref{ID: w.ID, NodeID: nid}, nil
}

func toWireReason(r gen.Reason) codec.WireReason {
	msg := ""
	if r.Err != nil {
		msg = r.Err.Error()
	}
	return codec.WireReason{Kind: r.Kind.String(), Message: msg}
}

func fromWireReason(w codec.WireReason) gen.Reason {
	switch w.Kind {
	case "normal":
		return gen.Normal
	case "shutdown":
		return gen.Shutdown
	case "kill":
		return gen.Kill
	case "noconnection":
		return gen.NoConnection
	case "error":
		if w.Message != "" {
			return gen.ErrorReason(errString(w.Message))
		}
		return gen.Reason{Kind: gen.ReasonError}
	default:
		return gen.Reason{Kind: gen.ReasonError, Err: errString(w.Message)}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// Call implements gen.RemoteHooks.Call: send a call envelope to target's
// node, block on a per-call reply channel until call_reply/call_error
// arrives or timeoutMs elapses.
func (rc *RemoteCall) Call(target gen.Ref, msg any, timeoutMs int) (any, error) {
	if timeoutMs <= 0 {
		timeoutMs = defaultCallTimeoutMs
	}
	callID := gen.NewPrefixedID("c")
	ch := make(chan callOutcome, 1)

	rc.mu.Lock()
	rc.pending[callID] = &pendingCall{replyCh: ch, node: target.NodeID}
	rc.stats.PendingCalls = len(rc.pending)
	rc.stats.TotalCalls++
	rc.mu.Unlock()

	payload := codec.ClusterMessage{
		Kind: codec.KindCall,
		Call: &codec.CallPayload{
			CallID:    callID,
			Ref:       toWireRef(target),
			Msg:       msg,
			TimeoutMs: timeoutMs,
			SentAt:    time.Now().UnixMilli(),
		},
	}

	if err := rc.transport.Send(target.NodeID, payload); err != nil {
		rc.dropPending(callID)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.value, out.err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		rc.dropPending(callID)
		rc.mu.Lock()
		rc.stats.TotalTimedOut++
		rc.mu.Unlock()
		return nil, &RemoteCallTimeoutError{CallID: callID, TimeoutMs: timeoutMs}
	}
}

func (rc *RemoteCall) dropPending(callID string) {
	rc.mu.Lock()
	delete(rc.pending, callID)
	rc.stats.PendingCalls = len(rc.pending)
	rc.mu.Unlock()
}

// Cast implements gen.RemoteHooks.Cast: fire-and-forget send, no reply
// expected. A cast to a node that is not reachable is dropped without an
// error.
func (rc *RemoteCall) Cast(target gen.Ref, msg any) error {
	rc.mu.Lock()
	rc.stats.TotalCasts++
	rc.mu.Unlock()
	payload := codec.ClusterMessage{
		Kind: codec.KindCast,
		Cast: &codec.CastPayload{Ref: toWireRef(target), Msg: msg},
	}
	if err := rc.transport.Send(target.NodeID, payload); err != nil {
		if _, unreachable := err.(*NodeNotReachableError); unreachable {
			return nil
		}
		return err
	}
	return nil
}

// NodeDown rejects every pending call addressed to downNode with
// NodeNotReachableError, rather than leaving it to time out (spec.md §7,
// §8 scenario S5).
func (rc *RemoteCall) NodeDown(downNode node.ID) {
	rc.mu.Lock()
	var affected []*pendingCall
	for callID, pc := range rc.pending {
		if pc.node.Equal(downNode) {
			affected = append(affected, pc)
			delete(rc.pending, callID)
		}
	}
	rc.stats.PendingCalls = len(rc.pending)
	rc.stats.TotalRejected += len(affected)
	rc.mu.Unlock()

	for _, pc := range affected {
		pc.replyCh <- callOutcome{err: &NodeNotReachableError{NodeID: downNode.String()}}
	}
}

// Stats returns a copy of the current call/cast counters.
func (rc *RemoteCall) Stats() CallStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}

// HandleCall services an inbound `call` envelope: look up the target
// locally and reply call_reply/call_error over the same connection (spec.md
// §4.11 steps 3-6).
func (rc *RemoteCall) HandleCall(from node.ID, p *codec.CallPayload) {
	ref, err := fromWireRef(p.Ref)
	if err != nil || !rc.localNode.IsRunning(ref) {
		rc.replyError(from, p.CallID, "server_not_running", "")
		return
	}
	value, err := rc.localNode.Call(ref, p.Msg, p.TimeoutMs)
	if err != nil {
		rc.replyError(from, p.CallID, "call_failed", err.Error())
		return
	}
	reply := codec.ClusterMessage{
		Kind:      codec.KindCallReply,
		CallReply: &codec.CallReplyPayload{CallID: p.CallID, Value: value},
	}
	if err := rc.transport.Send(from, reply); err != nil {
		rc.logger.Warn("cluster: failed to send call_reply", zap.String("peer", from.String()), zap.Error(err))
	}
}

func (rc *RemoteCall) replyError(to node.ID, callID, errorType, message string) {
	reply := codec.ClusterMessage{
		Kind:      codec.KindCallError,
		CallError: &codec.CallErrorPayload{CallID: callID, ErrorType: errorType, Message: message},
	}
	if err := rc.transport.Send(to, reply); err != nil {
		rc.logger.Warn("cluster: failed to send call_error", zap.String("peer", to.String()), zap.Error(err))
	}
}

// HandleCallReply resolves a pending Call on success.
func (rc *RemoteCall) HandleCallReply(p *codec.CallReplyPayload) {
	rc.mu.Lock()
	pc, ok := rc.pending[p.CallID]
	if ok {
		delete(rc.pending, p.CallID)
		rc.stats.PendingCalls = len(rc.pending)
		rc.stats.TotalResolved++
	}
	rc.mu.Unlock()
	if ok {
		pc.replyCh <- callOutcome{value: p.Value}
	}
}

// HandleCallError resolves a pending Call on failure, mapping the
// errorType to the matching named error (spec.md §7).
func (rc *RemoteCall) HandleCallError(p *codec.CallErrorPayload) {
	rc.mu.Lock()
	pc, ok := rc.pending[p.CallID]
	if ok {
		delete(rc.pending, p.CallID)
		rc.stats.PendingCalls = len(rc.pending)
		rc.stats.TotalRejected++
	}
	rc.mu.Unlock()
	if !ok {
		return
	}
	var err error
	switch p.ErrorType {
	case "server_not_running":
		err = &RemoteServerNotRunningError{ServerID: "", NodeID: ""}
	case "serialization_error":
		err = &SerializationErrorMapped{Detail: p.Message}
	default:
		err = errString(p.Message)
	}
	pc.replyCh <- callOutcome{err: err}
}

// HandleCast services an inbound `cast` envelope: deliver msg to the local
// target if it exists; silently drop otherwise (spec.md §7, documented
// silent-drop exception: a cast has no reply path to report failure on).
func (rc *RemoteCall) HandleCast(p *codec.CastPayload) {
	ref, err := fromWireRef(p.Ref)
	if err != nil || !rc.localNode.IsRunning(ref) {
		return
	}
	_ = rc.localNode.Cast(ref, p.Msg)
}
