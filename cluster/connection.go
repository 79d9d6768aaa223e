package cluster

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/codec"
	"github.com/nyxcluster/nyx/internal/backoff"
	"github.com/nyxcluster/nyx/node"
)

// ConnState is the closed state machine a Connection moves through
// (spec.md §4.8): disconnected -> connecting -> connected -> (disconnected
// | reconnecting) -> connecting ...
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Connection owns one TCP socket to a single peer node, the framing/signing
// over it, and reconnect scheduling (spec.md §4.8, component C8). It is
// grounded on the teacher's single-goroutine-per-process driver loop: one
// goroutine reads the socket and feeds envelopes to onMessage, so the rest
// of the cluster package never touches net.Conn directly.
type Connection struct {
	mu    sync.Mutex
	state ConnState
	peer  node.ID
	conn  net.Conn
	dec   *codec.FrameDecoder
	stats ConnectionStats

	outbound bool // true if we dialed; false if adopted from the listener

	cfg    Config
	logger *zap.Logger
	back   *backoff.Strategy

	onMessage    func(peer node.ID, env codec.Envelope)
	onStateChange func(peer node.ID, state ConnState)

	closeCh chan struct{}
	closed  bool
}

// NewConnection creates a Connection for peer, not yet connected.
func NewConnection(peer node.ID, cfg Config, logger *zap.Logger,
	onMessage func(node.ID, codec.Envelope), onStateChange func(node.ID, ConnState)) *Connection {
	return &Connection{
		state:         StateDisconnected,
		peer:          peer,
		dec:           codec.NewFrameDecoder(),
		cfg:           cfg,
		logger:        logger,
		back:          backoff.New(cfg.BackoffBase, cfg.BackoffMax),
		onMessage:     onMessage,
		onStateChange: onStateChange,
		closeCh:       make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the current traffic counters.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onStateChange != nil {
		c.onStateChange(c.peer, s)
	}
}

// connect dials the peer and starts the receive loop. Blocks until the TCP
// handshake completes or the connect timeout elapses.
func (c *Connection) connect() error {
	c.setState(StateConnecting)
	d := net.Dialer{Timeout: time.Duration(c.cfg.ConnectTimeoutMs) * time.Millisecond}
	conn, err := d.Dial("tcp", c.peer.Host()+":"+strconv.Itoa(c.peer.Port()))
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.adopt(conn, true)
	go c.readLoop()
	return nil
}

// adopt takes ownership of an already-established socket (either one we
// just dialed, or one accepted by the Transport's listener) but does not
// start the read loop itself — callers start exactly one readLoop
// goroutine once any pre-read bytes have been handed off via setDecoder,
// so a leading frame peeked off an inbound socket (to learn the peer's
// identity) is never read twice.
func (c *Connection) adopt(conn net.Conn, outbound bool) {
	c.mu.Lock()
	c.conn = conn
	c.outbound = outbound
	c.stats.ConnectedAt = time.Now()
	c.dec = codec.NewFrameDecoder()
	c.closed = false
	c.closeCh = make(chan struct{})
	c.mu.Unlock()
	c.setState(StateConnected)
}

// setDecoder replaces the connection's frame decoder, used to carry over
// any bytes already buffered while the caller was peeking the peer's
// identity from the first frame.
func (c *Connection) setDecoder(dec *codec.FrameDecoder) {
	c.mu.Lock()
	c.dec = dec
	c.mu.Unlock()
}

// send frames, optionally signs, and writes msg to the socket. Returns
// NodeNotReachableError if the connection isn't currently connected.
func (c *Connection) send(payload codec.ClusterMessage) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	secret := c.cfg.Secret
	c.mu.Unlock()

	if !connected || conn == nil {
		return &NodeNotReachableError{NodeID: c.peer.String()}
	}

	data, err := codec.EncodeEnvelope(c.cfg.LocalNodeID.String(), time.Now().UnixMilli(), payload, secret)
	if err != nil {
		return err
	}
	framed, err := codec.Frame(data)
	if err != nil {
		return err
	}
	if _, err := conn.Write(framed); err != nil {
		c.handleIOError(err)
		return err
	}
	c.mu.Lock()
	c.stats.recordSent(len(framed))
	c.mu.Unlock()
	return nil
}

func (c *Connection) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			frames, decErr := c.dec.Push(buf[:n])
			if decErr != nil {
				c.logger.Warn("cluster: frame decode error, closing connection",
					zap.String("peer", c.peer.String()), zap.Error(decErr))
				c.handleIOError(decErr)
				return
			}
			for _, frame := range frames {
				env, envErr := codec.DecodeEnvelope(frame, c.cfg.Secret, c.cfg.RequireSignature)
				if envErr != nil {
					c.logger.Warn("cluster: envelope decode error, dropping frame",
						zap.String("peer", c.peer.String()), zap.Error(envErr))
					continue
				}
				c.mu.Lock()
				c.stats.recordReceived(len(frame))
				c.mu.Unlock()
				if c.onMessage != nil {
					c.onMessage(c.peer, env)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("cluster: connection read error",
					zap.String("peer", c.peer.String()), zap.Error(err))
			}
			c.handleIOError(err)
			return
		}
	}
}

func (c *Connection) handleIOError(err error) {
	c.close()
	c.scheduleReconnect()
}

// close tears down the socket without discarding connection identity, so a
// reconnect attempt can reuse the same Connection value.
func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.closeCh)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// destroy permanently tears down the connection: no further reconnect
// attempts will be scheduled.
func (c *Connection) destroy() {
	c.mu.Lock()
	c.cfg.MaxReconnectAttempts = 0
	c.mu.Unlock()
	c.close()
}

func (c *Connection) scheduleReconnect() {
	if !c.outbound {
		return // inbound connections are re-established by the peer dialing us
	}
	c.mu.Lock()
	attempt := c.stats.ReconnectAttempts
	maxAttempts := c.cfg.MaxReconnectAttempts
	c.mu.Unlock()
	if attempt >= maxAttempts {
		c.logger.Warn("cluster: giving up reconnecting", zap.String("peer", c.peer.String()))
		return
	}
	c.setState(StateReconnecting)
	delay := c.back.Delay(attempt)
	go func() {
		// closeCh is already closed by the time a reconnect is scheduled, so
		// it cannot cut the wait short; destroy is observed after the delay.
		time.Sleep(delay)
		c.mu.Lock()
		destroyed := c.cfg.MaxReconnectAttempts == 0
		c.stats.ReconnectAttempts++
		c.mu.Unlock()
		if destroyed {
			return
		}
		if err := c.connect(); err != nil {
			c.scheduleReconnect()
		}
	}()
}
