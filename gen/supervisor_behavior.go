package gen

import "go.uber.org/zap"

// SupervisorBehavior adapts a *Supervisor into a Behavior so it can run as
// an ordinary gen process. This is what makes nested supervision trees
// possible (spec.md §4.5, component C5): a parent Supervisor can place this
// behavior in a ChildSpec.Start like any other, watch the resulting Ref via
// the same MonitorChan path it watches every other child with, and apply
// its own restart strategy when the wrapped Supervisor crashes.
type SupervisorBehavior struct {
	DefaultBehavior
	sup  *Supervisor
	spec SupervisorSpec
}

// NewSupervisorBehavior wraps sup so it can be started via Node.Start.
func NewSupervisorBehavior(sup *Supervisor, spec SupervisorSpec) *SupervisorBehavior {
	return &SupervisorBehavior{sup: sup, spec: spec}
}

// Init starts sup's children. A failure here fails the wrapping process's
// start the same way it would fail a direct Supervisor.Start call.
func (b *SupervisorBehavior) Init(args ...any) (any, error) {
	if err := b.sup.Start(b.spec); err != nil {
		return nil, err
	}
	return nil, nil
}

// Terminate stops every remaining child when the wrapping process is torn
// down through the ordinary shutdown path (as opposed to sup.shutdownSelf's
// own-initiative force-termination, which has already stopped them).
func (b *SupervisorBehavior) Terminate(reason Reason, state any) {
	b.sup.Stop()
}

// StartSupervised starts a nested Supervisor as a child process of n,
// returning a ChildSpec ready to place in a parent SupervisorSpec.Children.
// This is the supported way to nest supervisors: it records the resulting
// Ref on the child supervisor so that exceeding its own restart intensity
// force-terminates that Ref, cascading the failure to whichever Supervisor
// ends up watching it.
func StartSupervised(n *Node, id string, spec SupervisorSpec, logger *zap.Logger) ChildSpec {
	return ChildSpec{
		ID: id,
		Start: func() (Ref, Behavior, error) {
			child := NewSupervisor(n, logger)
			behavior := NewSupervisorBehavior(child, spec)
			ref, err := n.Start(behavior, ProcessOptions{Name: id})
			if err != nil {
				return Ref{}, nil, err
			}
			child.SetSupervisorRef(ref)
			return ref, behavior, nil
		},
	}
}
