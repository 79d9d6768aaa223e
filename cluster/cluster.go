// Package cluster implements components C8-C13 of the distributed runtime:
// the connection state machine, transport, membership/failure detection,
// remote call/cast, remote monitor/link, and remote spawn (spec.md §4.8-
// §4.13). Cluster is the orchestrator that wires them together and
// satisfies gen.RemoteHooks so a gen.Node can transparently address
// processes on other nodes.
package cluster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/codec"
	"github.com/nyxcluster/nyx/gen"
	"github.com/nyxcluster/nyx/node"
)

// Status is a point-in-time snapshot returned by Cluster.GetStatus.
type Status struct {
	LocalNodeID node.ID
	Members     []MembershipEntry
	CallStats   CallStats
	LinkStats   LinkStats
}

// Cluster is the top-level handle for a node's participation in a
// distributed runtime (spec.md §6 public API surface). It owns the
// transport, membership table, remote call/monitor/link/spawn subsystems,
// and registers itself as the local gen.Node's RemoteHooks.
type Cluster struct {
	cfg       Config
	localNode *gen.Node
	logger    *zap.Logger

	transport  *Transport
	membership *Membership
	behaviors  *BehaviorRegistry

	call    *RemoteCall
	monitor *RemoteMonitor
	link    *RemoteLink
	spawn   *RemoteSpawn

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	onNodeUp func(node.ID)
	onDown   func(node.ID, string)
}

// New constructs a Cluster bound to localNode, which is wired as its
// RemoteHooks implementation once Start succeeds.
func New(localNode *gen.Node, logger *zap.Logger) *Cluster {
	return &Cluster{localNode: localNode, logger: logger, behaviors: NewBehaviorRegistry()}
}

// Behaviors exposes the registry of behaviors this node is willing to
// spawn on a peer's behalf, so callers can Register before Start.
func (c *Cluster) Behaviors() *BehaviorRegistry { return c.behaviors }

// OnNodeUp registers a callback invoked whenever a peer is first seen or
// returns from a down state.
func (c *Cluster) OnNodeUp(fn func(node.ID)) { c.onNodeUp = fn }

// OnNodeDown registers a callback invoked whenever a peer is marked down,
// with the reason it was marked down (spec.md §4.10: "heartbeat_timeout",
// "connection_lost", or "graceful_shutdown").
func (c *Cluster) OnNodeDown(fn func(node.ID, string)) { c.onDown = fn }

// GetLocalNodeId returns the node id this cluster was started with.
func (c *Cluster) GetLocalNodeId() node.ID { return c.cfg.LocalNodeID }

// GetStatus returns a snapshot of membership and traffic counters.
func (c *Cluster) GetStatus() Status {
	return Status{
		LocalNodeID: c.cfg.LocalNodeID,
		Members:     c.membership.Snapshot(),
		CallStats:   c.call.Stats(),
		LinkStats:   c.link.Stats(),
	}
}

// Start validates cfg, opens the listener, wires every subsystem, connects
// to the configured seeds, and begins heartbeating (spec.md §6
// "Cluster: start(config)").
func (c *Cluster) Start(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.cfg = cfg
	c.stopCh = make(chan struct{})
	c.started = true
	c.mu.Unlock()

	c.transport = NewTransport(cfg, c.logger, c.handleEnvelope, c.handleTransportEvent)
	c.membership = NewMembership(cfg.LocalNodeID, cfg.failureWindow(), c.logger, c.handleMembershipEvent)
	c.call = NewRemoteCall(cfg.LocalNodeID, c.localNode, c.transport, c.logger)
	c.monitor = NewRemoteMonitor(cfg.LocalNodeID, c.localNode, c.transport, c.logger)
	c.link = NewRemoteLink(cfg.LocalNodeID, c.localNode, c.transport, c.logger)
	c.spawn = NewRemoteSpawn(cfg.LocalNodeID, c.localNode, c.transport, c.behaviors, c.logger)

	c.localNode.SetRemoteHooks(c)

	if err := c.transport.Start(); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	for _, seed := range cfg.Seeds {
		if err := c.transport.ConnectTo(seed); err != nil {
			c.logger.Warn("cluster: failed to connect to seed", zap.String("seed", seed.String()), zap.Error(err))
		}
	}

	go c.heartbeatLoop()
	return nil
}

// Stop tears down the listener, every connection, and the heartbeat loop.
// Before doing so, it tells every known peer it is leaving gracefully and
// forgets them from its own membership table (spec.md §4.10
// "removeNode(nodeId)").
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()

	c.transport.Broadcast(codec.ClusterMessage{
		Kind:     codec.KindNodeDown,
		NodeDown: &codec.NodeDownPayload{NodeID: c.cfg.LocalNodeID.String(), Reason: "graceful_shutdown"},
	})
	for _, entry := range c.membership.Snapshot() {
		c.membership.RemoveNode(entry.NodeID)
	}

	c.membership.Stop()
	return c.transport.Stop()
}

func (c *Cluster) heartbeatLoop() {
	interval := time.Duration(c.cfg.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.broadcastHeartbeat()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cluster) broadcastHeartbeat() {
	known := make([]string, 0)
	for _, peer := range c.transport.Peers() {
		known = append(known, peer.String())
	}
	payload := codec.ClusterMessage{
		Kind: codec.KindHeartbeat,
		Heartbeat: &codec.HeartbeatPayload{
			NodeInfo:   codec.NodeInfo{NodeID: c.cfg.LocalNodeID.String()},
			KnownNodes: known,
		},
	}
	c.transport.Broadcast(payload)
}

func (c *Cluster) handleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case EventConnectionLost:
		c.membership.MarkNodeDown(ev.Peer, "connection_lost")
	}
}

func (c *Cluster) handleMembershipEvent(ev MembershipEvent) {
	switch ev.Kind {
	case MembershipNodeUp:
		if c.onNodeUp != nil {
			c.onNodeUp(ev.Node)
		}
	case MembershipNodeDown:
		c.call.NodeDown(ev.Node)
		c.monitor.NodeDown(ev.Node)
		c.link.NodeDown(ev.Node)
		if c.onDown != nil {
			c.onDown(ev.Node, ev.Reason)
		}
	}
}

// handleEnvelope is the single dispatch point for every inbound envelope,
// fanning out by MessageKind to the owning subsystem (spec.md §3's closed
// MessageKind union keeps this switch exhaustive).
func (c *Cluster) handleEnvelope(peer node.ID, env codec.Envelope) {
	c.membership.UpdateNode(peer)

	msg := env.Payload
	switch msg.Kind {
	case codec.KindHeartbeat:
		// liveness already recorded above; nothing further to do.
	case codec.KindCall:
		c.call.HandleCall(peer, msg.Call)
	case codec.KindCallReply:
		c.call.HandleCallReply(msg.CallReply)
	case codec.KindCallError:
		c.call.HandleCallError(msg.CallError)
	case codec.KindCast:
		c.call.HandleCast(msg.Cast)
	case codec.KindNodeDown:
		reason := "graceful_shutdown"
		if msg.NodeDown != nil && msg.NodeDown.Reason != "" {
			reason = msg.NodeDown.Reason
		}
		c.membership.MarkNodeDown(peer, reason)
	case codec.KindMonitorRequest:
		c.monitor.HandleMonitorRequest(peer, msg.MonitorRequest)
	case codec.KindMonitorAck:
		c.monitor.HandleMonitorAck(peer, msg.MonitorAck)
	case codec.KindDemonitorRequest:
		c.monitor.HandleDemonitorRequest(msg.DemonitorRequest)
	case codec.KindProcessDown:
		c.monitor.HandleProcessDown(msg.ProcessDown)
	case codec.KindLinkRequest:
		c.link.HandleLinkRequest(peer, msg.LinkRequest)
	case codec.KindLinkAck:
		c.link.HandleLinkAck(msg.LinkAck)
	case codec.KindUnlinkRequest:
		c.link.HandleUnlinkRequest(msg.UnlinkRequest)
	case codec.KindExitSignal:
		c.link.HandleExitSignal(msg.ExitSignal)
	case codec.KindSpawnRequest:
		c.spawn.HandleSpawnRequest(peer, msg.SpawnRequest)
	case codec.KindSpawnReply:
		c.spawn.HandleSpawnReply(msg.SpawnReply)
	case codec.KindSpawnError:
		c.spawn.HandleSpawnError(msg.SpawnError)
	case codec.KindRegistrySync:
		// registry replication is out of scope; reserved for a future
		// Non-goal reversal (spec.md §9 open questions).
	}
}

// Call implements gen.RemoteHooks.
func (c *Cluster) Call(target gen.Ref, msg any, timeoutMs int) (any, error) {
	return c.call.Call(target, msg, timeoutMs)
}

// Cast implements gen.RemoteHooks.
func (c *Cluster) Cast(target gen.Ref, msg any) error {
	return c.call.Cast(target, msg)
}

// Monitor implements gen.RemoteHooks.
func (c *Cluster) Monitor(subscriber gen.Ref, target gen.Ref) (gen.MonitorRef, error) {
	return c.monitor.Monitor(subscriber, target)
}

// Demonitor implements gen.RemoteHooks.
func (c *Cluster) Demonitor(id gen.MonitorRef) {
	c.monitor.Demonitor(id)
}

// Link implements gen.RemoteHooks.
func (c *Cluster) Link(a, b gen.Ref) (gen.LinkRef, error) {
	return c.link.Link(a, b)
}

// Unlink implements gen.RemoteHooks.
func (c *Cluster) Unlink(id gen.LinkRef) {
	c.link.Unlink(id)
}

// Spawn asks targetNode to start a process running the named behavior
// (spec.md §4.13). Unlike Call/Cast/Monitor/Link, spawn is not part of
// gen.RemoteHooks — it has no local-process analogue to delegate from, so
// callers invoke it directly on Cluster.
func (c *Cluster) Spawn(targetNode node.ID, behaviorName string, opts SpawnOptions, args ...any) (gen.Ref, error) {
	return c.spawn.Spawn(targetNode, behaviorName, opts, args...)
}

// NotifyTerminated implements gen.RemoteHooks: turn a local process's
// termination into process_down/exit_signal wire traffic for every remote
// subscriber and link peer (spec.md §4.4, §4.12).
func (c *Cluster) NotifyTerminated(ref gen.Ref, monitors []gen.RemoteMonitorNotice, links []gen.RemoteLinkNotice, reason gen.Reason) {
	for _, m := range monitors {
		payload := codec.ClusterMessage{
			Kind: codec.KindProcessDown,
			ProcessDown: &codec.ProcessDownPayload{
				MonitorID: string(m.MonitorID),
				Ref:       toWireRef(ref),
				Reason:    toWireReason(reason),
			},
		}
		if err := c.transport.Send(m.WatcherNode, payload); err != nil {
			c.logger.Warn("cluster: failed to send process_down", zap.String("peer", m.WatcherNode.String()), zap.Error(err))
		}
	}
	for _, l := range links {
		c.link.SendExitSignal(l.LinkID, l.PeerNode, ref, l.PeerRef, reason, l.Normal)
	}
}
