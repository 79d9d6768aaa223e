package cluster

import (
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nyxcluster/nyx/codec"
	"github.com/nyxcluster/nyx/node"
)

// TransportEvent is the closed set of notifications Transport emits as
// connections come and go (spec.md §4.9).
type TransportEventKind int

const (
	EventConnectionEstablished TransportEventKind = iota
	EventConnectionLost
)

type TransportEvent struct {
	Kind TransportEventKind
	Peer node.ID
}

// Transport owns the listening socket and the set of live peer connections
// (spec.md §4.9, component C9). It never interprets envelope contents;
// that's the Cluster orchestrator's job.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	conns map[node.ID]*Connection

	listener net.Listener

	onMessage func(peer node.ID, env codec.Envelope)
	onEvent   func(TransportEvent)
}

// NewTransport builds a Transport bound to cfg's local node. Start must be
// called to actually begin listening.
func NewTransport(cfg Config, logger *zap.Logger, onMessage func(node.ID, codec.Envelope), onEvent func(TransportEvent)) *Transport {
	return &Transport{
		cfg:       cfg,
		logger:    logger,
		conns:     make(map[node.ID]*Connection),
		onMessage: onMessage,
		onEvent:   onEvent,
	}
}

// Start opens the listening socket for cfg.LocalNodeID's bound port and
// begins accepting inbound connections.
func (t *Transport) Start() error {
	addr := net.JoinHostPort(t.cfg.LocalNodeID.Host(), strconv.Itoa(t.cfg.LocalNodeID.Port()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleInbound(conn)
	}
}

// handleInbound reads the first envelope off a freshly accepted socket to
// learn the peer's node id (carried in Envelope.From), then adopts it as a
// tracked Connection. Until that first envelope arrives the socket has no
// home in t.conns.
func (t *Transport) handleInbound(raw net.Conn) {
	dec := codec.NewFrameDecoder()
	buf := make([]byte, 64*1024)
	n, err := raw.Read(buf)
	if err != nil {
		_ = raw.Close()
		return
	}
	frames, err := dec.Push(buf[:n])
	if err != nil || len(frames) == 0 {
		_ = raw.Close()
		return
	}
	env, err := codec.DecodeEnvelope(frames[0], t.cfg.Secret, t.cfg.RequireSignature)
	if err != nil {
		t.logger.Warn("cluster: rejecting inbound connection", zap.Error(err))
		_ = raw.Close()
		return
	}
	peer, err := node.Parse(env.From)
	if err != nil {
		_ = raw.Close()
		return
	}
	if peer.Equal(t.cfg.LocalNodeID) {
		t.logger.Warn("cluster: rejecting self-connection", zap.String("peer", peer.String()))
		_ = raw.Close()
		return
	}

	conn := t.getOrCreateConn(peer)
	conn.adopt(raw, false)
	conn.setDecoder(dec)
	if t.onMessage != nil {
		t.onMessage(peer, env)
		// the first read may have carried further complete frames behind
		// the identifying one; the decoder only retains an incomplete tail.
		for _, extra := range frames[1:] {
			next, err := codec.DecodeEnvelope(extra, t.cfg.Secret, t.cfg.RequireSignature)
			if err != nil {
				t.logger.Warn("cluster: envelope decode error, dropping frame",
					zap.String("peer", peer.String()), zap.Error(err))
				continue
			}
			t.onMessage(peer, next)
		}
	}
	if t.onEvent != nil {
		t.onEvent(TransportEvent{Kind: EventConnectionEstablished, Peer: peer})
	}
	conn.readLoop()
}

func (t *Transport) getOrCreateConn(peer node.ID) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[peer]; ok {
		return c
	}
	c := NewConnection(peer, t.cfg, t.logger, t.onMessage, func(p node.ID, s ConnState) {
		if t.onEvent == nil {
			return
		}
		switch s {
		case StateConnected:
			t.onEvent(TransportEvent{Kind: EventConnectionEstablished, Peer: p})
		case StateDisconnected:
			t.onEvent(TransportEvent{Kind: EventConnectionLost, Peer: p})
		}
	})
	t.conns[peer] = c
	return c
}

// ConnectTo establishes an outbound connection to peer if one doesn't
// already exist. Idempotent: calling it again while already connected or
// connecting is a no-op.
func (t *Transport) ConnectTo(peer node.ID) error {
	if peer.Equal(t.cfg.LocalNodeID) {
		return &InvalidClusterConfigError{Reason: "cannot connect to the local node"}
	}
	conn := t.getOrCreateConn(peer)
	if conn.State() != StateDisconnected {
		return nil
	}
	return conn.connect()
}

// Send delivers msg to peer, returning NodeNotReachableError if no live
// connection exists.
func (t *Transport) Send(peer node.ID, msg codec.ClusterMessage) error {
	t.mu.Lock()
	conn, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return &NodeNotReachableError{NodeID: peer.String()}
	}
	return conn.send(msg)
}

// Broadcast sends msg to every currently connected peer concurrently,
// returning the number of peers it was successfully delivered to. Fan-out
// is a natural errgroup use: every send is independent and the only thing
// the caller needs back is a count, unlike a mailbox driver loop where
// message order within one process must be preserved.
func (t *Transport) Broadcast(msg codec.ClusterMessage) int {
	t.mu.Lock()
	peers := make([]node.ID, 0, len(t.conns))
	for p, c := range t.conns {
		if c.State() == StateConnected {
			peers = append(peers, p)
		}
	}
	t.mu.Unlock()

	var mu sync.Mutex
	sent := 0
	var g errgroup.Group
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := t.Send(p, msg); err != nil {
				return nil
			}
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return sent
}

// Peers returns the node ids of every peer the transport currently tracks
// (regardless of connection state).
func (t *Transport) Peers() []node.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]node.ID, 0, len(t.conns))
	for p := range t.conns {
		out = append(out, p)
	}
	return out
}

// Stop closes the listener and every tracked connection.
func (t *Transport) Stop() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.destroy()
			return nil
		})
	}
	return g.Wait()
}
