package gen

import "fmt"

// ErrMailboxClosed is returned by Mailbox.Enqueue after Close.
var ErrMailboxClosed = fmt.Errorf("gen: mailbox closed")

// ProcessTerminatedError reports that a call or monitor target is gone.
type ProcessTerminatedError struct {
	Ref    Ref
	Reason Reason
}

func (e *ProcessTerminatedError) Error() string {
	return fmt.Sprintf("gen: process %s terminated: %s", e.Ref, e.Reason)
}

// CallTimeoutError reports that a local call did not receive a reply within
// its timeout.
type CallTimeoutError struct {
	Ref       Ref
	TimeoutMs int
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("gen: call to %s timed out after %dms", e.Ref, e.TimeoutMs)
}

// InitError reports that a behavior's Init callback failed or exceeded its
// init timeout.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return fmt.Sprintf("gen: init failed: %v", e.Err) }
func (e *InitError) Unwrap() error { return e.Err }

// NotFoundError reports that a registry lookup found nothing live.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("gen: name %q not registered", e.Name) }

// NameTakenError reports a unique-mode registration collision.
type NameTakenError struct {
	Name string
}

func (e *NameTakenError) Error() string { return fmt.Sprintf("gen: name %q already registered", e.Name) }

// SupervisorMaxRestartsExceededError reports that a supervisor exceeded its
// restart intensity window and is terminating itself.
type SupervisorMaxRestartsExceededError struct {
	ChildID  string
	WindowMs int
	Limit    int
}

func (e *SupervisorMaxRestartsExceededError) Error() string {
	return fmt.Sprintf("gen: max restarts (%d) exceeded within %dms, last crashing child %q",
		e.Limit, e.WindowMs, e.ChildID)
}
