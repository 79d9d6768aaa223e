// Package gen implements the generic-server process runtime: mailboxes,
// the per-process driver loop, the name registry, monitor/link bookkeeping,
// and the supervision tree (spec.md §4.1-§4.5, components C1-C5).
package gen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/node"
)

const (
	defaultCallTimeoutMs     = 5000
	defaultInitTimeoutMs     = 5000
	defaultShutdownTimeoutMs = 5000
)

// RemoteHooks is the seam §9 calls for instead of a global singleton: a
// Node is handed an explicit RemoteHooks implementation (by the cluster
// package) when cross-node operations are needed, and tests construct a
// Node with none for fully local operation.
type RemoteHooks interface {
	Call(target Ref, msg any, timeoutMs int) (any, error)
	Cast(target Ref, msg any) error
	Monitor(subscriber Ref, target Ref) (MonitorRef, error)
	Demonitor(id MonitorRef)
	Link(a, b Ref) (LinkRef, error)
	Unlink(id LinkRef)
	// NotifyTerminated is called once, synchronously, whenever a local
	// process that has remote subscribers/links terminates. The cluster
	// layer turns this into process_down/exit_signal/unlink wire messages.
	NotifyTerminated(ref Ref, monitors []RemoteMonitorNotice, links []RemoteLinkNotice, reason Reason)
}

// RemoteMonitorNotice describes one remote monitor that must be told about
// a local process's termination.
type RemoteMonitorNotice struct {
	MonitorID   MonitorRef
	WatcherNode node.ID
}

// RemoteLinkNotice describes one remote link that must be resolved
// (exit_signal or unlink) on a local process's termination. Normal
// distinguishes which: spec.md §4.12 sends unlink_request for a normal
// exit and exit_signal otherwise.
type RemoteLinkNotice struct {
	LinkID   LinkRef
	PeerNode node.ID
	PeerRef  Ref
	Normal   bool
}

// ProcessOptions configures Start (spec.md §4.2).
type ProcessOptions struct {
	Name              string
	TrapExit          bool
	InitTimeoutMs     int
	ShutdownTimeoutMs int
	Env               map[string]any
}

// Node is the explicit, non-global runtime value that owns every local
// process plus the shared Registry/MonitorTable/LinkTable (spec.md §9:
// "model as an explicit Runtime value... tests construct and tear down
// isolated runtimes"). It is the realization of component C2
// (ProcessRuntime) at the node-wide level described in spec.md §6's public
// API surface.
type Node struct {
	mu    sync.RWMutex
	procs map[string]*process

	localNodeID node.ID
	registry    *Registry
	monitors    *MonitorTable
	links       *LinkTable
	logger      *zap.Logger

	remote RemoteHooks
}

// NewNode creates an isolated runtime. localID may be the zero node.ID for
// a node that never joins a cluster (purely local process supervision).
func NewNode(localID node.ID, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		procs:       make(map[string]*process),
		localNodeID: localID,
		registry:    NewRegistry(),
		monitors:    NewMonitorTable(),
		links:       NewLinkTable(),
		logger:      logger,
	}
}

// SetRemoteHooks wires cross-node operations. Called once by cluster.Cluster
// during Start.
func (n *Node) SetRemoteHooks(hooks RemoteHooks) {
	n.mu.Lock()
	n.remote = hooks
	n.mu.Unlock()
}

// Registry exposes the shared name registry for embedding callers (spec.md §6).
func (n *Node) Registry() *Registry { return n.registry }

// LocalNodeID returns the node identity this runtime is bound to.
func (n *Node) LocalNodeID() node.ID { return n.localNodeID }

func (n *Node) isLocalTarget(ref Ref) bool {
	return ref.IsLocal() || ref.NodeID.Equal(n.localNodeID)
}

func (n *Node) lookupProcess(ref Ref) (*process, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.procs[ref.ID]
	return p, ok
}

func (n *Node) remoteHooks() RemoteHooks {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.remote
}

// Start creates a new local process running behavior, blocking until Init
// completes (or fails/times out), per spec.md §4.2.
func (n *Node) Start(behavior Behavior, opts ProcessOptions, args ...any) (Ref, error) {
	initTimeout := opts.InitTimeoutMs
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeoutMs
	}
	shutdownTimeout := opts.ShutdownTimeoutMs
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeoutMs
	}

	ref := Ref{ID: newLocalID(), NodeID: n.localNodeID}
	p := &process{
		ref:               ref,
		name:              opts.Name,
		trapExit:          opts.TrapExit,
		status:            StatusStarting,
		mailbox:           NewMailbox(),
		doneCh:            make(chan struct{}),
		env:               opts.Env,
		shutdownTimeoutMs: shutdownTimeout,
	}

	n.mu.Lock()
	n.procs[ref.ID] = p
	n.mu.Unlock()

	if opts.Name != "" {
		if err := n.registry.Register(opts.Name, ref); err != nil {
			n.mu.Lock()
			delete(n.procs, ref.ID)
			n.mu.Unlock()
			return Ref{}, err
		}
	}

	started := make(chan error, 1)
	go n.runProcess(p, behavior, args, initTimeout, started)

	if err := <-started; err != nil {
		if opts.Name != "" {
			n.registry.Unregister(opts.Name, ref)
		}
		n.mu.Lock()
		delete(n.procs, ref.ID)
		n.mu.Unlock()
		return Ref{}, err
	}

	return ref, nil
}

type initResult struct {
	state any
	err   error
}

func (n *Node) runProcess(p *process, behavior Behavior, args []any, initTimeoutMs int, started chan<- error) {
	resultCh := make(chan initResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- initResult{err: fmt.Errorf("panic in Init: %v", r)}
			}
		}()
		state, err := behavior.Init(args...)
		resultCh <- initResult{state: state, err: err}
	}()

	var state any
	select {
	case res := <-resultCh:
		if res.err != nil {
			started <- &InitError{Err: res.err}
			return
		}
		state = res.state
	case <-time.After(time.Duration(initTimeoutMs) * time.Millisecond):
		started <- &InitError{Err: fmt.Errorf("init exceeded %dms", initTimeoutMs)}
		return
	}

	p.setStatus(StatusRunning)
	started <- nil
	n.logger.Debug("process started", zap.String("ref", p.ref.String()), zap.String("name", p.name))

	reason, finalState := n.driverLoop(p, behavior, state)
	n.finishTerminate(p, behavior, finalState, reason)
}

// driverLoop is the single goroutine that owns this process's state and
// mailbox consumption (spec.md §4.2, §5: callbacks never overlap with
// themselves). Unlike the teacher's per-envelope goroutine + mutex, this
// loop processes one envelope fully before taking the next, which gives the
// same non-overlap guarantee without extra synchronization (see SPEC_FULL.md §5).
func (n *Node) driverLoop(p *process, behavior Behavior, initial any) (reason Reason, state any) {
	state = initial
	defer func() {
		if r := recover(); r != nil {
			reason = ErrorReason(fmt.Errorf("panic: %v", r))
		}
	}()

	for {
		env, ok := p.mailbox.Take()
		if !ok {
			return Normal, state
		}

		switch env.kind {
		case envelopeSystem:
			if env.sys == systemStop {
				return env.sysReason, state
			}

		case envelopeCall:
			reply, newState, err := behavior.HandleCall(env.msg, state)
			if err != nil {
				if env.reply != nil {
					env.reply <- callReply{err: err}
				}
				return ErrorReason(err), state
			}
			state = newState
			if env.reply != nil {
				env.reply <- callReply{value: reply}
			}

		case envelopeCast:
			newState, err := behavior.HandleCast(env.msg, state)
			if err != nil {
				return ErrorReason(err), state
			}
			state = newState

		case envelopeInfo:
			newState, err := behavior.HandleInfo(env.msg, state)
			if err != nil {
				return ErrorReason(err), state
			}
			state = newState
		}
	}
}

func (n *Node) finishTerminate(p *process, behavior Behavior, state any, reason Reason) {
	p.setStatus(StatusStopping)

	done := make(chan struct{}, 1)
	go func() {
		defer func() { recover(); done <- struct{}{} }()
		behavior.Terminate(reason, state)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(p.shutdownTimeoutMs) * time.Millisecond):
		n.logger.Warn("terminate callback abandoned after shutdown timeout",
			zap.String("ref", p.ref.String()))
	}

	p.mailbox.Close(reason)

	n.mu.Lock()
	delete(n.procs, p.ref.ID)
	n.mu.Unlock()

	n.registry.UnregisterAll(p.ref)
	n.resolveMonitorsAndLinks(p.ref, reason)

	p.setStatus(StatusStopped)
	close(p.doneCh)
	n.logger.Debug("process stopped", zap.String("ref", p.ref.String()), zap.String("reason", reason.String()))
}

func (n *Node) resolveMonitorsAndLinks(ref Ref, reason Reason) {
	subs := n.monitors.TakeSubscribers(ref)
	var remoteMonitors []RemoteMonitorNotice
	for _, s := range subs {
		if s.subscriber.Chan != nil {
			s.subscriber.Chan <- MessageDown{MonitorID: s.id, Ref: ref, Reason: reason}
			continue
		}
		if s.subscriber.IsRemote() {
			remoteMonitors = append(remoteMonitors, RemoteMonitorNotice{
				MonitorID:   s.id,
				WatcherNode: s.subscriber.RemoteNode,
			})
			continue
		}
		n.deliverInfo(s.subscriber.Local, MessageDown{MonitorID: s.id, Ref: ref, Reason: reason})
	}

	linkEntries := n.links.TakeLinksOf(ref)
	var remoteLinks []RemoteLinkNotice
	for _, e := range linkEntries {
		peer := e.other(ref)
		if !n.isLocalTarget(peer) {
			// Normal termination still needs a wire message: the remote
			// peer's own link bookkeeping must be torn down, just silently
			// (unlink_request) rather than as an exit (exit_signal).
			remoteLinks = append(remoteLinks, RemoteLinkNotice{
				LinkID:   e.id,
				PeerNode: peer.NodeID,
				PeerRef:  peer,
				Normal:   reason.IsNormal(),
			})
			continue
		}
		if reason.IsNormal() {
			// spec.md §4.4: normal termination does not propagate; the
			// link is simply removed, already done by TakeLinksOf.
			continue
		}
		n.resolveLocalExit(peer, ref, reason)
	}

	if hooks := n.remoteHooks(); hooks != nil && (len(remoteMonitors) > 0 || len(remoteLinks) > 0) {
		hooks.NotifyTerminated(ref, remoteMonitors, remoteLinks, reason)
	}
}

// resolveLocalExit delivers the consequence of from's non-normal
// termination to a locally-linked peer: an EXIT info envelope if the peer
// traps exits, otherwise a forced termination with the same reason when it
// is an error reason, or an error reason naming from and its reason when it
// is not.
func (n *Node) resolveLocalExit(peer Ref, from Ref, reason Reason) {
	p, ok := n.lookupProcess(peer)
	if !ok {
		return
	}
	p.mu.Lock()
	trap := p.trapExit
	p.mu.Unlock()

	if trap {
		n.deliverInfo(peer, MessageExit{From: from, Reason: reason})
		return
	}
	wrapped := reason
	if reason.Kind != ReasonError {
		wrapped = ErrorReason(fmt.Errorf("linked process %s exited: %s", from, reason))
	}
	n.stopInternal(p, wrapped)
}

func (n *Node) deliverInfo(ref Ref, msg any) {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return
	}
	_ = p.mailbox.Enqueue(envelope{kind: envelopeInfo, msg: msg})
}

// DeliverInfo pushes an info-kind message into a local process's mailbox.
// Exported for the cluster package to inject inbound EXIT/down notices that
// originated on a remote peer.
func (n *Node) DeliverInfo(ref Ref, msg any) {
	n.deliverInfo(ref, msg)
}

// ForceTerminate force-stops a local process without waiting on a reply,
// exported for the cluster package's inbound exit_signal handling.
func (n *Node) ForceTerminate(ref Ref, reason Reason) {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return
	}
	n.stopInternal(p, reason)
}

func (n *Node) stopInternal(p *process, reason Reason) {
	p.mu.Lock()
	if p.status == StatusStopping || p.status == StatusStopped {
		p.mu.Unlock()
		return
	}
	p.status = StatusStopping
	p.mu.Unlock()
	_ = p.mailbox.Enqueue(envelope{kind: envelopeSystem, sys: systemStop, sysReason: reason})
}

// Stop initiates graceful termination of a local process, blocking until
// Terminate completes or the process's shutdown timeout elapses (spec.md §4.2).
func (n *Node) Stop(ref Ref, reason Reason) error {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return nil
	}
	n.stopInternal(p, reason)
	<-p.doneCh
	return nil
}

// Kill asks a process to stop with reason Kill and returns without waiting
// for it. The stop request is queued behind messages already in the
// mailbox, and Terminate then runs bounded by the process's shutdown
// timeout, as it does for Stop.
func (n *Node) Kill(ref Ref) {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return
	}
	n.stopInternal(p, Kill)
}

// IsRunning reports whether ref names a process that exists and has not
// yet fully stopped.
func (n *Node) IsRunning(ref Ref) bool {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return false
	}
	s := p.getStatus()
	return s == StatusStarting || s == StatusRunning
}

// Wait blocks until ref's process has fully stopped.
func (n *Node) Wait(ref Ref) {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return
	}
	<-p.doneCh
}

// WaitWithTimeout blocks until ref stops or the timeout elapses.
func (n *Node) WaitWithTimeout(ref Ref, d time.Duration) error {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return nil
	}
	select {
	case <-p.doneCh:
		return nil
	case <-time.After(d):
		return context.DeadlineExceeded
	}
}

// Call performs a synchronous request against ref, routing to the remote
// hooks when ref does not belong to this node (spec.md §4.2, §4.11).
func (n *Node) Call(ref Ref, msg any, timeoutMs int) (any, error) {
	if timeoutMs <= 0 {
		timeoutMs = defaultCallTimeoutMs
	}
	if !n.isLocalTarget(ref) {
		hooks := n.remoteHooks()
		if hooks == nil {
			return nil, fmt.Errorf("gen: no remote hooks configured for %s", ref)
		}
		return hooks.Call(ref, msg, timeoutMs)
	}

	p, ok := n.lookupProcess(ref)
	if !ok {
		return nil, &ProcessTerminatedError{Ref: ref, Reason: Normal}
	}

	replyCh := make(chan callReply, 1)
	if err := p.mailbox.Enqueue(envelope{kind: envelopeCall, msg: msg, reply: replyCh}); err != nil {
		return nil, &ProcessTerminatedError{Ref: ref, Reason: Shutdown}
	}

	select {
	case r := <-replyCh:
		return r.value, r.err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil, &CallTimeoutError{Ref: ref, TimeoutMs: timeoutMs}
	}
}

// Cast sends a fire-and-forget request. A cast to a dead local process, or
// to an unreachable remote one, is silently dropped per spec.md §4.2.
func (n *Node) Cast(ref Ref, msg any) error {
	if !n.isLocalTarget(ref) {
		hooks := n.remoteHooks()
		if hooks == nil {
			return nil
		}
		return hooks.Cast(ref, msg)
	}
	p, ok := n.lookupProcess(ref)
	if !ok {
		return nil
	}
	_ = p.mailbox.Enqueue(envelope{kind: envelopeCast, msg: msg})
	return nil
}

// SendAfter schedules msg as an info envelope to ref after d, returning a
// cancel function. This is the supplemented timer-helper feature named in
// SPEC_FULL.md §4.15.
func (n *Node) SendAfter(ref Ref, msg any, d time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.NewTimer(d)
	go func() {
		select {
		case <-timer.C:
			n.deliverInfo(ref, msg)
		case <-ctx.Done():
			timer.Stop()
		}
	}()
	return cancel
}

// Monitor registers a one-shot observation of target by subscriber
// (spec.md §4.4).
func (n *Node) Monitor(subscriber Ref, target Ref) (MonitorRef, error) {
	if !n.isLocalTarget(target) {
		hooks := n.remoteHooks()
		if hooks == nil {
			return "", fmt.Errorf("gen: no remote hooks configured for %s", target)
		}
		return hooks.Monitor(subscriber, target)
	}

	id := n.monitors.Add(Subscriber{Local: subscriber}, target)
	if _, ok := n.lookupProcess(target); !ok {
		n.monitors.Remove(id)
		n.deliverInfo(subscriber, MessageDown{MonitorID: id, Ref: target, Reason: ErrorReason(fmt.Errorf("noproc"))})
	}
	return id, nil
}

// MonitorChan is like Monitor but delivers the eventual MessageDown on a
// channel instead of as an info envelope, for non-actor Go code (such as
// Supervisor) that has no mailbox of its own to watch a local process.
func (n *Node) MonitorChan(target Ref) (<-chan MessageDown, MonitorRef, error) {
	if !n.isLocalTarget(target) {
		return nil, "", fmt.Errorf("gen: MonitorChan only supports local targets, got %s", target)
	}
	ch := make(chan MessageDown, 1)
	id := n.monitors.Add(Subscriber{Chan: ch}, target)
	if _, ok := n.lookupProcess(target); !ok {
		n.monitors.Remove(id)
		ch <- MessageDown{MonitorID: id, Ref: target, Reason: ErrorReason(fmt.Errorf("noproc"))}
	}
	return ch, id, nil
}

// Demonitor cancels a monitor by id. Idempotent; always attempts both the
// local table and the remote hooks since the id's origin isn't locally
// disambiguated (spec.md §7: demonitor on an absent entry is a no-op).
func (n *Node) Demonitor(id MonitorRef) {
	n.monitors.Remove(id)
	if hooks := n.remoteHooks(); hooks != nil {
		hooks.Demonitor(id)
	}
}

// Link creates a symmetric link between a and b (spec.md §4.4).
func (n *Node) Link(a, b Ref) (LinkRef, error) {
	if !n.isLocalTarget(b) {
		hooks := n.remoteHooks()
		if hooks == nil {
			return "", fmt.Errorf("gen: no remote hooks configured for %s", b)
		}
		return hooks.Link(a, b)
	}
	if _, ok := n.lookupProcess(b); !ok {
		return "", &ProcessTerminatedError{Ref: b, Reason: Normal}
	}
	return n.links.Add(a, b), nil
}

// Unlink removes a link between a and a local b. Idempotent. For a remote b
// it does nothing: a cross-node link is removed through RemoteHooks.Unlink
// with the LinkRef that Link returned.
func (n *Node) Unlink(a, b Ref) {
	if n.isLocalTarget(b) {
		n.links.RemoveBetween(a, b)
		return
	}
	if hooks := n.remoteHooks(); hooks != nil {
		// the cluster layer tracks the LinkRef for remote peers and removes
		// the link through its own Unlink(LinkRef); nothing is removed here.
		_ = hooks
	}
}

// MonitorRemote registers target's termination to notify a subscriber that
// lives on watcherNode. A RemoteHooks implementation calls this while
// servicing an inbound monitor_request from another node (spec.md §4.12);
// ok is false if target isn't a process this node runs.
func (n *Node) MonitorRemote(watcherNode node.ID, target Ref) (id MonitorRef, ok bool) {
	if !n.isLocalTarget(target) {
		return "", false
	}
	if _, running := n.lookupProcess(target); !running {
		return "", false
	}
	return n.monitors.Add(Subscriber{RemoteNode: watcherNode}, target), true
}

// LinkRemote registers the local half of a cross-node link directly in the
// link table, bypassing Link's remote-delegation path. A RemoteHooks
// implementation calls this both when establishing its own outbound half of
// a link and while servicing an inbound link_request; ok is false if local
// isn't a process this node runs.
func (n *Node) LinkRemote(local Ref, peer Ref) (id LinkRef, ok bool) {
	if !n.isLocalTarget(local) {
		return "", false
	}
	if _, running := n.lookupProcess(local); !running {
		return "", false
	}
	return n.links.Add(local, peer), true
}

// UnlinkRemote removes a link by id, for a RemoteHooks implementation that
// holds the LinkRef from a remote unlink_request or its own bookkeeping.
func (n *Node) UnlinkRemote(id LinkRef) {
	n.links.Remove(id)
}

// SetTrapExit toggles whether ref receives MessageExit info envelopes
// instead of being force-terminated on a linked peer's non-normal exit.
func (n *Node) SetTrapExit(ref Ref, trap bool) {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return
	}
	p.mu.Lock()
	p.trapExit = trap
	p.mu.Unlock()
}

// TrapExit reports the current trap-exit setting for ref.
func (n *Node) TrapExit(ref Ref) bool {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trapExit
}

// Env returns the value of an environment variable set on ref at Start.
func (n *Node) Env(ref Ref, name string) any {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.env == nil {
		return nil
	}
	return p.env[name]
}

// MailboxLen returns the current queue depth for ref (diagnostics).
func (n *Node) MailboxLen(ref Ref) int {
	p, ok := n.lookupProcess(ref)
	if !ok {
		return 0
	}
	return p.mailbox.Len()
}
