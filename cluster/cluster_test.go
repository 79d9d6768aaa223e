package cluster

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nyxcluster/nyx/gen"
	"github.com/nyxcluster/nyx/node"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func mustNodeID(t *testing.T, name string, port int) node.ID {
	t.Helper()
	id, err := node.New(name, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	return id
}

func startCluster(t *testing.T, name string, port int, seeds ...node.ID) (*Cluster, *gen.Node) {
	t.Helper()
	localID := mustNodeID(t, name, port)
	n := gen.NewNode(localID, testLogger())
	c := New(n, testLogger())
	cfg := NewConfig(localID, WithSeeds(seeds...), WithHeartbeat(100, 3))
	if err := c.Start(cfg); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return c, n
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

// TestHeartbeatFailureDetection implements scenario S4 (spec.md §8): two
// nodes connect, one goes silent (without announcing a graceful shutdown),
// and the other marks it down with reason "heartbeat_timeout" once the
// heartbeat window elapses.
func TestHeartbeatFailureDetection(t *testing.T) {
	aID := mustNodeID(t, "a", 14371)
	bID := mustNodeID(t, "b", 14372)

	a, _ := startCluster(t, "a", 14371)
	b, _ := startCluster(t, "b", 14372, aID)
	defer a.Stop()
	defer b.transport.Stop()

	if err := b.transport.ConnectTo(aID); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return a.membership.IsUp(bID) }) {
		t.Fatalf("A never saw B as up")
	}

	var mu sync.Mutex
	var gotReason string
	a.OnNodeDown(func(n node.ID, reason string) {
		if n.Equal(bID) {
			mu.Lock()
			gotReason = reason
			mu.Unlock()
		}
	})

	close(b.stopCh) // silence B's heartbeat broadcaster; leaves the connection open, no graceful announcement

	if !waitFor(t, 2*time.Second, func() bool {
		for _, m := range a.membership.Snapshot() {
			if m.NodeID.Equal(bID) && m.State == MemberDown {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("A never marked B down")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReason != "heartbeat_timeout" {
		t.Fatalf("expected A to mark B down with reason heartbeat_timeout, got %q", gotReason)
	}
}

type echoBehavior struct{}

func (echoBehavior) Init(args ...any) (any, error) { return nil, nil }
func (echoBehavior) HandleCall(msg any, state any) (any, any, error) {
	req, ok := msg.(map[string]any)
	if !ok {
		return nil, state, fmt.Errorf("unexpected message %#v", msg)
	}
	n, _ := req["n"].(float64)
	return map[string]any{"n": n + 1}, state, nil
}
func (echoBehavior) HandleCast(msg any, state any) (any, error) { return state, nil }
func (echoBehavior) HandleInfo(info any, state any) (any, error) { return state, nil }
func (echoBehavior) Terminate(reason gen.Reason, state any)     {}

// TestRemoteCallSuccess implements the success half of scenario S5
// (spec.md §8): B calls a process registered on A and gets the expected
// reply.
func TestRemoteCallSuccess(t *testing.T) {
	aID := mustNodeID(t, "a2", 14381)
	bID := mustNodeID(t, "b2", 14382)

	a, aNode := startCluster(t, "a2", 14381)
	b, bNode := startCluster(t, "b2", 14382, aID)
	defer a.Stop()
	defer b.Stop()

	ref, err := aNode.Start(echoBehavior{}, gen.ProcessOptions{Name: "srv"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := b.transport.ConnectTo(aID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return b.membership.IsUp(aID) }) {
		t.Fatalf("B never saw A as up")
	}

	remoteRef := gen.Ref{ID: ref.ID, NodeID: aID}
	out, err := bNode.Call(remoteRef, map[string]any{"n": float64(41)}, 2000)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	reply, ok := out.(map[string]any)
	if !ok || reply["n"] != float64(42) {
		t.Fatalf("expected n=42, got %#v", out)
	}
	_ = bID
}

type slowBehavior struct{}

func (slowBehavior) Init(args ...any) (any, error) { return nil, nil }
func (slowBehavior) HandleCall(msg any, state any) (any, any, error) {
	time.Sleep(5 * time.Second)
	return "too late", state, nil
}
func (slowBehavior) HandleCast(msg any, state any) (any, error) { return state, nil }
func (slowBehavior) HandleInfo(info any, state any) (any, error) { return state, nil }
func (slowBehavior) Terminate(reason gen.Reason, state any)     {}

// TestRemoteCallRejectsOnNodeDown implements the failure half of scenario S5
// (spec.md §8): a call is in flight when its target node A stops (A
// announces node_down and closes its connections); B marks A down and the
// call rejects with NodeNotReachableError, rather than waiting out the
// call's own timeout.
func TestRemoteCallRejectsOnNodeDown(t *testing.T) {
	aID := mustNodeID(t, "a4", 14401)
	bID := mustNodeID(t, "b4", 14402)

	a, aNode := startCluster(t, "a4", 14401)
	b, bNode := startCluster(t, "b4", 14402, aID)
	defer b.Stop()

	ref, err := aNode.Start(slowBehavior{}, gen.ProcessOptions{Name: "slow"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := b.transport.ConnectTo(aID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return b.membership.IsUp(aID) }) {
		t.Fatalf("B never saw A as up")
	}

	remoteRef := gen.Ref{ID: ref.ID, NodeID: aID}

	type callResult struct {
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		_, err := bNode.Call(remoteRef, "ping", 10000)
		done <- callResult{err: err}
	}()

	time.Sleep(50 * time.Millisecond) // let the call land before A goes silent
	a.Stop()

	select {
	case res := <-done:
		var notReachable *NodeNotReachableError
		if res.err == nil {
			t.Fatalf("expected NodeNotReachableError, got nil")
		}
		if !asNodeNotReachable(res.err, &notReachable) {
			t.Fatalf("expected NodeNotReachableError, got %v", res.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("call was never rejected after node went down")
	}
	_ = bID
}

func asNodeNotReachable(err error, target **NodeNotReachableError) bool {
	if e, ok := err.(*NodeNotReachableError); ok {
		*target = e
		return true
	}
	return false
}

type dieOnCastBehavior struct{}

func (dieOnCastBehavior) Init(args ...any) (any, error) { return nil, nil }
func (dieOnCastBehavior) HandleCall(msg any, state any) (any, any, error) {
	return nil, state, gen.ErrUnsupportedRequest
}
func (dieOnCastBehavior) HandleCast(msg any, state any) (any, error) {
	if msg == "die" {
		return state, fmt.Errorf("boom")
	}
	return state, nil
}
func (dieOnCastBehavior) HandleInfo(info any, state any) (any, error) { return state, nil }
func (dieOnCastBehavior) Terminate(reason gen.Reason, state any)     {}

type survivorBehavior struct{}

func (survivorBehavior) Init(args ...any) (any, error) { return nil, nil }
func (survivorBehavior) HandleCall(msg any, state any) (any, any, error) {
	return nil, state, gen.ErrUnsupportedRequest
}
func (survivorBehavior) HandleCast(msg any, state any) (any, error) { return state, nil }
func (survivorBehavior) HandleInfo(info any, state any) (any, error) { return state, nil }
func (survivorBehavior) Terminate(reason gen.Reason, state any)     {}

// TestRemoteLinkExitOnCrash implements scenario S6 (spec.md §8): a process
// on A linked to a process on B; when the A side crashes, the non-trapping
// B side is force-terminated with an equivalent error reason.
func TestRemoteLinkExitOnCrash(t *testing.T) {
	aID := mustNodeID(t, "a3", 14391)
	bID := mustNodeID(t, "b3", 14392)

	a, aNode := startCluster(t, "a3", 14391)
	b, bNode := startCluster(t, "b3", 14392, aID)
	defer a.Stop()
	defer b.Stop()

	pRef, err := aNode.Start(dieOnCastBehavior{}, gen.ProcessOptions{Name: "p"})
	if err != nil {
		t.Fatalf("start p: %v", err)
	}
	qRef, err := bNode.Start(survivorBehavior{}, gen.ProcessOptions{Name: "q"})
	if err != nil {
		t.Fatalf("start q: %v", err)
	}

	if err := b.transport.ConnectTo(aID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return b.membership.IsUp(aID) }) {
		t.Fatalf("B never saw A as up")
	}

	remoteP := gen.Ref{ID: pRef.ID, NodeID: aID}
	if _, err := bNode.Link(qRef, remoteP); err != nil {
		t.Fatalf("link: %v", err)
	}

	if err := aNode.Cast(pRef, "die"); err != nil {
		t.Fatalf("cast die: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return !bNode.IsRunning(qRef) }) {
		t.Fatalf("Q was never force-terminated after P's crash")
	}
	_ = bID
}
