package gen

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RestartStrategy selects how a Supervisor reacts to a child crash
// (spec.md §4.5).
type RestartStrategy int

const (
	OneForOne RestartStrategy = iota
	OneForAll
	RestForOne
)

// RestartPolicy selects which termination reasons trigger a restart for a
// given child (spec.md §4.5 table).
type RestartPolicy int

const (
	Permanent RestartPolicy = iota
	Transient
	Temporary
)

// shouldRestart implements the restart-eligibility table from spec.md §4.5.
func (p RestartPolicy) shouldRestart(reason Reason) bool {
	switch p {
	case Permanent:
		return true
	case Transient:
		return reason.Kind == ReasonError
	case Temporary:
		return false
	default:
		return false
	}
}

// ChildSpec describes one supervised child (spec.md §3, §4.5).
type ChildSpec struct {
	ID                string
	Start             func() (Ref, Behavior, error)
	Restart           RestartPolicy
	ShutdownTimeoutMs int
}

// Intensity bounds the number of restarts a Supervisor tolerates within a
// sliding time window (spec.md §4.5).
type Intensity struct {
	MaxRestarts int
	WithinMs    int
}

// SupervisorSpec configures a Supervisor at Start.
type SupervisorSpec struct {
	Strategy  RestartStrategy
	Children  []ChildSpec
	Intensity Intensity
}

type childState struct {
	spec ChildSpec
	ref  Ref
}

// Supervisor implements component C5: it starts children sequentially,
// restarts them per strategy on crash, and enforces the restart intensity
// window, shutting itself down (cascading to its own supervisor, if any)
// when the window is exceeded.
type Supervisor struct {
	mu sync.Mutex

	node   *Node
	logger *zap.Logger
	spec   SupervisorSpec

	children []childState
	restarts []time.Time

	stopping   bool
	stopCh     chan struct{}
	suppressed map[string]bool // Ref.ID of children being stopped by the supervisor itself

	// supervisorRef is the Ref this Supervisor was started under, set via
	// SetSupervisorRef when it is itself running as a gen process (see
	// SupervisorBehavior and StartSupervised in supervisor_behavior.go).
	// It lets shutdownSelf force-terminate that process so a watching
	// parent supervisor observes an ordinary crash, mirroring spec.md
	// §4.5's cascading behavior.
	supervisorRef Ref
}

// SetSupervisorRef records the Ref this Supervisor is running under once it
// has been wrapped as a gen process. Called by StartSupervised; a Supervisor
// that was never nested under a parent never has this set, and
// shutdownSelf's cascade becomes a no-op.
func (s *Supervisor) SetSupervisorRef(ref Ref) {
	s.mu.Lock()
	s.supervisorRef = ref
	s.mu.Unlock()
}

// NewSupervisor creates a Supervisor bound to node, ready for Start.
func NewSupervisor(n *Node, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{node: n, logger: logger, stopCh: make(chan struct{}), suppressed: make(map[string]bool)}
}

// Start begins supervising spec's children: starts each in declared order,
// watching each via a monitor so crashes are observed asynchronously.
func (s *Supervisor) Start(spec SupervisorSpec) error {
	s.mu.Lock()
	s.spec = spec
	s.mu.Unlock()

	for _, cs := range spec.Children {
		if err := s.startChild(cs); err != nil {
			// a temporary child's start failure is logged and the rest
			// still start; any other start failure ends Start with an
			// error, leaving the children already started running. Start
			// failures are not retried under the restart policy.
			if cs.Restart == Temporary {
				s.logger.Warn("child failed to start, leaving as temporary", zap.String("child", cs.ID), zap.Error(err))
				continue
			}
			return fmt.Errorf("gen: supervisor: child %q failed to start: %w", cs.ID, err)
		}
	}
	return nil
}

func (s *Supervisor) startChild(cs ChildSpec) error {
	ref, behavior, err := cs.Start()
	if err != nil {
		return err
	}
	_ = behavior // behavior already running inside ref via cs.Start()'s own Node.Start call

	s.mu.Lock()
	s.children = append(s.children, childState{spec: cs, ref: ref})
	s.mu.Unlock()

	go s.watchChild(cs, ref)
	return nil
}

// watchChild monitors one child and reacts to its termination according to
// the supervisor's strategy. The Supervisor is a plain Go value (not a gen
// process), so it observes child termination via MonitorChan rather than a
// mailbox — the channel delivers the same MessageDown a gen process would
// receive as an info envelope.
func (s *Supervisor) watchChild(cs ChildSpec, ref Ref) {
	down, _, err := s.node.MonitorChan(ref)
	if err != nil {
		return
	}

	msg := <-down

	s.mu.Lock()
	if s.suppressed[ref.ID] {
		delete(s.suppressed, ref.ID)
		s.mu.Unlock()
		return
	}
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.handleChildDown(cs, ref, msg.Reason)
}

// handleChildDown applies the configured strategy once a child has
// terminated outside of a supervisor-initiated shutdown.
func (s *Supervisor) handleChildDown(cs ChildSpec, deadRef Ref, reason Reason) {
	if !cs.Restart.shouldRestart(reason) {
		s.logger.Info("child terminated, not eligible for restart",
			zap.String("child", cs.ID), zap.String("reason", reason.String()))
		s.removeChild(cs.ID)
		return
	}

	if s.overIntensity() {
		err := &SupervisorMaxRestartsExceededError{
			ChildID:  cs.ID,
			WindowMs: s.spec.Intensity.WithinMs,
			Limit:    s.spec.Intensity.MaxRestarts,
		}
		s.logger.Error("restart intensity exceeded, supervisor shutting down", zap.Error(err))
		s.shutdownSelf(err)
		return
	}

	switch s.spec.Strategy {
	case OneForOne:
		s.restartOne(cs)
	case OneForAll:
		s.restartAll()
	case RestForOne:
		s.restartRestOf(cs.ID)
	}
}

// overIntensity records the restart attempt and reports whether it would
// exceed maxRestarts within withinMs (spec.md §4.5, §8 property 6).
func (s *Supervisor) overIntensity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	window := time.Duration(s.spec.Intensity.WithinMs) * time.Millisecond
	cutoff := now.Add(-window)

	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts)+1 > s.spec.Intensity.MaxRestarts {
		return true
	}
	s.restarts = append(s.restarts, now)
	return false
}

func (s *Supervisor) restartOne(cs ChildSpec) {
	s.removeChild(cs.ID)
	if err := s.startChild(cs); err != nil {
		s.logger.Error("failed to restart child", zap.String("child", cs.ID), zap.Error(err))
	}
}

func (s *Supervisor) restartAll() {
	s.mu.Lock()
	all := append([]childState(nil), s.children...)
	s.children = nil
	s.mu.Unlock()

	for i := len(all) - 1; i >= 0; i-- {
		s.stopChildRef(all[i].ref, all[i].spec.ShutdownTimeoutMs)
	}
	for _, cs := range all {
		if err := s.startChild(cs.spec); err != nil {
			s.logger.Error("failed to restart child", zap.String("child", cs.spec.ID), zap.Error(err))
		}
	}
}

func (s *Supervisor) restartRestOf(crashedID string) {
	s.mu.Lock()
	idx := -1
	for i, c := range s.children {
		if c.spec.ID == crashedID {
			idx = i
			break
		}
	}
	var rest []childState
	if idx >= 0 {
		rest = append([]childState(nil), s.children[idx+1:]...)
		s.children = s.children[:idx]
	}
	s.mu.Unlock()

	for i := len(rest) - 1; i >= 0; i-- {
		s.stopChildRef(rest[i].ref, rest[i].spec.ShutdownTimeoutMs)
	}

	// restart the crashed child itself, then the rest in original order
	var crashedSpec *ChildSpec
	s.mu.Lock()
	for _, c := range s.children {
		if c.spec.ID == crashedID {
			cp := c.spec
			crashedSpec = &cp
		}
	}
	s.mu.Unlock()
	_ = crashedSpec // always nil: the crashed child was cut from s.children above; startChildByID restarts it from s.spec

	if err := s.startChildByID(crashedID, rest); err != nil {
		s.logger.Error("failed to restart crashed child", zap.String("child", crashedID), zap.Error(err))
	}
}

// startChildByID restarts the crashed child (looked up from its retained
// spec before removal) followed by the rest-of-one tail in original order.
func (s *Supervisor) startChildByID(crashedID string, rest []childState) error {
	var crashedSpec ChildSpec
	found := false
	for _, cs := range s.spec.Children {
		if cs.ID == crashedID {
			crashedSpec = cs
			found = true
			break
		}
	}
	if found {
		if err := s.startChild(crashedSpec); err != nil {
			return err
		}
	}
	for _, c := range rest {
		if err := s.startChild(c.spec); err != nil {
			s.logger.Error("failed to restart child", zap.String("child", c.spec.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Supervisor) removeChild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.children {
		if c.spec.ID == id {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// stopChildRef stops ref on the supervisor's own initiative. It marks the
// child suppressed first so the watchChild goroutine blocked on its
// MonitorChan doesn't treat this expected termination as a crash and
// restart it a second time.
func (s *Supervisor) stopChildRef(ref Ref, shutdownTimeoutMs int) {
	_ = shutdownTimeoutMs
	s.mu.Lock()
	s.suppressed[ref.ID] = true
	s.mu.Unlock()
	_ = s.node.Stop(ref, Shutdown)
}

// shutdownSelf terminates every remaining child (reverse start order) and
// marks this supervisor stopped. If this Supervisor was itself started as a
// gen process via StartSupervised, force-terminating supervisorRef with err
// is what cascades the shutdown: a parent Supervisor watching that Ref sees
// an ordinary crash and applies its own restart strategy to it, exactly as
// spec.md §4.5 requires.
func (s *Supervisor) shutdownSelf(err error) {
	s.mu.Lock()
	s.stopping = true
	children := append([]childState(nil), s.children...)
	s.children = nil
	supervisorRef := s.supervisorRef
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		s.stopChildRef(children[i].ref, children[i].spec.ShutdownTimeoutMs)
	}
	close(s.stopCh)

	if !supervisorRef.Equal(Ref{}) {
		s.node.ForceTerminate(supervisorRef, ErrorReason(err))
	}
}

// Stop terminates every child in reverse start order with reason Shutdown,
// waiting for each to stop. Each child's Terminate is bounded by its own
// process shutdown timeout (ProcessOptions.ShutdownTimeoutMs);
// ChildSpec.ShutdownTimeoutMs is not applied, and a child that does not
// stop is not force-terminated.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	children := append([]childState(nil), s.children...)
	s.children = nil
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		s.stopChildRef(children[i].ref, children[i].spec.ShutdownTimeoutMs)
	}
}

// Children returns the refs of all currently-running children, in start order.
func (s *Supervisor) Children() []Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ref, len(s.children))
	for i, c := range s.children {
		out[i] = c.ref
	}
	return out
}

// GetChild returns the ref of the named child, if currently running.
func (s *Supervisor) GetChild(id string) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.spec.ID == id {
			return c.ref, true
		}
	}
	return Ref{}, false
}
