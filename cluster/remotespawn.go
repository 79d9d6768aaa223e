package cluster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/codec"
	"github.com/nyxcluster/nyx/gen"
	"github.com/nyxcluster/nyx/node"
)

type spawnOutcome struct {
	ref gen.Ref
	err error
}

type pendingSpawn struct {
	replyCh chan spawnOutcome
}

// SpawnOptions configures a RemoteSpawn.Spawn call (spec.md §4.13).
type SpawnOptions struct {
	Name          string
	InitTimeoutMs int
	TimeoutMs     int
}

// RemoteSpawn implements component C13's client half: requesting that a
// peer node start a process on this node's behalf, by behavior name rather
// than by shipping code (spec.md §4.13).
type RemoteSpawn struct {
	self      node.ID
	localNode *gen.Node
	transport *Transport
	behaviors *BehaviorRegistry
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingSpawn
}

// NewRemoteSpawn wires a RemoteSpawn to the local process runtime,
// transport, and the behaviors this node is willing to spawn for peers.
func NewRemoteSpawn(self node.ID, localNode *gen.Node, transport *Transport, behaviors *BehaviorRegistry, logger *zap.Logger) *RemoteSpawn {
	return &RemoteSpawn{
		self:      self,
		localNode: localNode,
		transport: transport,
		behaviors: behaviors,
		logger:    logger,
		pending:   make(map[string]*pendingSpawn),
	}
}

// Spawn asks targetNode to start behaviorName, blocking until spawn_reply,
// spawn_error, or timeout (spec.md §4.13 steps 1-3, 5).
func (rs *RemoteSpawn) Spawn(targetNode node.ID, behaviorName string, opts SpawnOptions, args ...any) (gen.Ref, error) {
	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultCallTimeoutMs
	}
	spawnID := gen.NewPrefixedID("s")
	ch := make(chan spawnOutcome, 1)

	rs.mu.Lock()
	rs.pending[spawnID] = &pendingSpawn{replyCh: ch}
	rs.mu.Unlock()

	payload := codec.ClusterMessage{
		Kind: codec.KindSpawnRequest,
		SpawnRequest: &codec.SpawnRequestPayload{
			SpawnID:       spawnID,
			BehaviorName:  behaviorName,
			Name:          opts.Name,
			InitTimeoutMs: opts.InitTimeoutMs,
			TimeoutMs:     timeoutMs,
			Args:          args,
		},
	}
	if err := rs.transport.Send(targetNode, payload); err != nil {
		rs.dropPending(spawnID)
		return gen.Ref{}, err
	}

	select {
	case out := <-ch:
		return out.ref, out.err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		rs.dropPending(spawnID)
		return gen.Ref{}, &RemoteSpawnTimeoutError{SpawnID: spawnID}
	}
}

func (rs *RemoteSpawn) dropPending(spawnID string) {
	rs.mu.Lock()
	delete(rs.pending, spawnID)
	rs.mu.Unlock()
}

// HandleSpawnRequest services an inbound spawn_request: construct the named
// behavior, start it locally, and reply spawn_reply/spawn_error (spec.md
// §4.13 step 4).
func (rs *RemoteSpawn) HandleSpawnRequest(from node.ID, p *codec.SpawnRequestPayload) {
	behavior, ok := rs.behaviors.New(p.BehaviorName)
	if !ok {
		rs.replyError(from, p.SpawnID, string(SpawnErrorBehaviorNotFound), "")
		return
	}
	opts := gen.ProcessOptions{Name: p.Name, InitTimeoutMs: p.InitTimeoutMs}
	ref, err := rs.localNode.Start(behavior, opts, p.Args...)
	if err != nil {
		rs.replyError(from, p.SpawnID, string(SpawnErrorInitFailed), err.Error())
		return
	}
	reply := codec.ClusterMessage{
		Kind: codec.KindSpawnReply,
		SpawnReply: &codec.SpawnReplyPayload{
			SpawnID:  p.SpawnID,
			ServerID: ref.ID,
			NodeID:   rs.self.String(),
		},
	}
	if err := rs.transport.Send(from, reply); err != nil {
		rs.logger.Warn("cluster: failed to send spawn_reply", zap.String("peer", from.String()), zap.Error(err))
	}
}

func (rs *RemoteSpawn) replyError(to node.ID, spawnID, errorType, message string) {
	reply := codec.ClusterMessage{
		Kind:       codec.KindSpawnError,
		SpawnError: &codec.SpawnErrorPayload{SpawnID: spawnID, ErrorType: errorType, Message: message},
	}
	if err := rs.transport.Send(to, reply); err != nil {
		rs.logger.Warn("cluster: failed to send spawn_error", zap.String("peer", to.String()), zap.Error(err))
	}
}

// HandleSpawnReply resolves a pending Spawn call on success.
func (rs *RemoteSpawn) HandleSpawnReply(p *codec.SpawnReplyPayload) {
	rs.mu.Lock()
	ps, ok := rs.pending[p.SpawnID]
	if ok {
		delete(rs.pending, p.SpawnID)
	}
	rs.mu.Unlock()
	if !ok {
		return
	}
	nid, err := node.Parse(p.NodeID)
	if err != nil {
		ps.replyCh <- spawnOutcome{err: err}
		return
	}
	ps.replyCh <- spawnOutcome{ref: gen.Ref{ID: p.ServerID, NodeID: nid}}
}

// HandleSpawnError resolves a pending Spawn call on failure.
func (rs *RemoteSpawn) HandleSpawnError(p *codec.SpawnErrorPayload) {
	rs.mu.Lock()
	ps, ok := rs.pending[p.SpawnID]
	if ok {
		delete(rs.pending, p.SpawnID)
	}
	rs.mu.Unlock()
	if !ok {
		return
	}
	ps.replyCh <- spawnOutcome{err: &RemoteSpawnError{Kind: RemoteSpawnErrorKind(p.ErrorType), Message: p.Message}}
}
