package gen

import (
	"fmt"
	"testing"
	"time"

	"github.com/nyxcluster/nyx/node"
)

// counterBehavior implements S1's counter process: handleCall("get") returns
// the current count, handleCast("inc") increments it, and handleCast("boom")
// returns an error to exercise the crash-and-restart path.
type counterBehavior struct{}

func (counterBehavior) Init(args ...any) (any, error) {
	return 0, nil
}

func (counterBehavior) HandleCall(msg any, state any) (any, any, error) {
	if msg == "get" {
		return state, state, nil
	}
	return nil, state, ErrUnsupportedRequest
}

func (counterBehavior) HandleCast(msg any, state any) (any, error) {
	count := state.(int)
	switch msg {
	case "inc":
		return count + 1, nil
	case "boom":
		return count, fmt.Errorf("boom")
	}
	return state, nil
}

func (counterBehavior) HandleInfo(info any, state any) (any, error) {
	return state, nil
}

func (counterBehavior) Terminate(reason Reason, state any) {}

func startCounterChild(n *Node, id string, restart RestartPolicy) ChildSpec {
	return ChildSpec{
		ID:      id,
		Restart: restart,
		Start: func() (Ref, Behavior, error) {
			b := counterBehavior{}
			ref, err := n.Start(b, ProcessOptions{Name: id})
			return ref, b, err
		},
	}
}

// TestSupervisedCounterRestartsOnCrash implements scenario S1 (spec.md §8):
// cast inc three times, call get -> 3; force a crash; the supervisor
// restarts the child under a new ref and its state resets to 0.
func TestSupervisedCounterRestartsOnCrash(t *testing.T) {
	n := NewNode(node.ID{}, nil)
	sup := NewSupervisor(n, nil)

	cs := startCounterChild(n, "counter", Permanent)
	if err := sup.Start(SupervisorSpec{
		Strategy:  OneForOne,
		Children:  []ChildSpec{cs},
		Intensity: Intensity{MaxRestarts: 3, WithinMs: 5000},
	}); err != nil {
		t.Fatalf("supervisor start: %v", err)
	}

	ref, ok := sup.GetChild("counter")
	if !ok {
		t.Fatalf("child not found after start")
	}

	for i := 0; i < 3; i++ {
		if err := n.Cast(ref, "inc"); err != nil {
			t.Fatalf("cast inc: %v", err)
		}
	}

	v, err := n.Call(ref, "get", 1000)
	if err != nil {
		t.Fatalf("call get: %v", err)
	}
	if v.(int) != 3 {
		t.Fatalf("expected count 3, got %v", v)
	}

	if err := n.Cast(ref, "boom"); err != nil {
		t.Fatalf("cast boom: %v", err)
	}

	// wait for the crash to be observed and the child restarted.
	var newRef Ref
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		r, ok := sup.GetChild("counter")
		if ok && !r.Equal(ref) {
			newRef = r
			break
		}
	}
	if newRef.Equal(Ref{}) {
		t.Fatalf("child was not restarted within 5s")
	}

	v, err = n.Call(newRef, "get", 1000)
	if err != nil {
		t.Fatalf("call get after restart: %v", err)
	}
	if v.(int) != 0 {
		t.Fatalf("expected fresh state 0 after restart, got %v", v)
	}
}

// TestSupervisorIntensityShutsDownAfterTooManyRestarts implements scenario
// S2 (spec.md §8): a child that crashes on every cast; once restarts exceed
// maxRestarts within the window, the supervisor stops restarting the child
// and terminates itself with max_restarts_exceeded.
func TestSupervisorIntensityShutsDownAfterTooManyRestarts(t *testing.T) {
	n := NewNode(node.ID{}, nil)
	sup := NewSupervisor(n, nil)

	cs := startCounterChild(n, "boomer", Permanent)
	spec := SupervisorSpec{
		Strategy:  OneForOne,
		Children:  []ChildSpec{cs},
		Intensity: Intensity{MaxRestarts: 3, WithinMs: 5000},
	}

	// Wrap sup as a gen process (via SupervisorBehavior, the same path
	// StartSupervised uses) so its own termination is observable, the way
	// spec.md §8 scenario S2 expects.
	supBehavior := NewSupervisorBehavior(sup, spec)
	supRef, err := n.Start(supBehavior, ProcessOptions{Name: "sup"})
	if err != nil {
		t.Fatalf("start supervisor process: %v", err)
	}
	sup.SetSupervisorRef(supRef)

	for i := 0; i < 4; i++ {
		ref, ok := sup.GetChild("boomer")
		if !ok {
			break
		}
		_ = n.Cast(ref, "boom")
		time.Sleep(100 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sup.GetChild("boomer"); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := sup.GetChild("boomer"); ok {
		t.Fatalf("expected supervisor to stop restarting boomer after intensity exceeded")
	}

	if !waitFor(t, 2*time.Second, func() bool { return !n.IsRunning(supRef) }) {
		t.Fatalf("expected supervisor itself to terminate after max_restarts_exceeded")
	}
}

// TestNestedSupervisorCascadesToParent implements spec.md §4.5's cascading
// invariant: a nested supervisor started via StartSupervised exceeds its own
// restart intensity, force-terminates itself, and the parent supervisor
// observes it as an ordinary crash and restarts it under its own strategy.
func TestNestedSupervisorCascadesToParent(t *testing.T) {
	n := NewNode(node.ID{}, nil)
	parent := NewSupervisor(n, nil)

	childCS := StartSupervised(n, "child-sup", SupervisorSpec{
		Strategy:  OneForOne,
		Children:  []ChildSpec{startCounterChild(n, "boomer", Permanent)},
		Intensity: Intensity{MaxRestarts: 1, WithinMs: 5000},
	}, nil)
	childCS.Restart = Permanent

	if err := parent.Start(SupervisorSpec{
		Strategy:  OneForOne,
		Children:  []ChildSpec{childCS},
		Intensity: Intensity{MaxRestarts: 3, WithinMs: 5000},
	}); err != nil {
		t.Fatalf("parent start: %v", err)
	}

	firstChildSupRef, ok := parent.GetChild("child-sup")
	if !ok {
		t.Fatalf("nested supervisor not found after start")
	}

	for i := 0; i < 3; i++ {
		boomerRef, ok := n.Registry().Lookup("boomer")
		if !ok {
			break
		}
		_ = n.Cast(boomerRef, "boom")
		time.Sleep(100 * time.Millisecond)
	}

	if !waitFor(t, 3*time.Second, func() bool {
		r, ok := parent.GetChild("child-sup")
		return ok && !r.Equal(firstChildSupRef)
	}) {
		t.Fatalf("parent never restarted the nested supervisor after it exceeded its own intensity")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
