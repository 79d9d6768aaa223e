package gen

// Behavior is the duck-typed callback contract a generic-server process
// runs on, matching spec.md §4.2. Only Init is mandatory; HandleCall,
// HandleCast, HandleInfo, and Terminate are optional and may be embedded via
// DefaultBehavior for behaviors that don't need every callback, the same
// way the teacher's gen.Server provides default no-op implementations that
// concrete behaviors override selectively.
type Behavior interface {
	// Init runs once, before the process transitions from starting to
	// running. Returning an error fails start() with InitError and the
	// process never becomes running.
	Init(args ...any) (state any, err error)

	// HandleCall serves a synchronous request. Returning a non-nil err
	// terminates the process with Reason{Kind: ReasonError} after the
	// same err is returned to the caller.
	HandleCall(msg any, state any) (reply any, newState any, err error)

	// HandleCast serves a fire-and-forget request.
	HandleCast(msg any, state any) (newState any, err error)

	// HandleInfo serves any non-call/cast message delivered to the
	// process's mailbox (monitor down notifications, link exit signals
	// when trapping exits, timer fires, etc).
	HandleInfo(info any, state any) (newState any, err error)

	// Terminate is invoked best-effort, bounded by the runtime's shutdown
	// timeout, on every path to termination.
	Terminate(reason Reason, state any)
}

// DefaultBehavior provides no-op implementations of every Behavior method
// so concrete behaviors can embed it and override only what they need,
// mirroring the teacher's gen.Server embeddable default callbacks.
type DefaultBehavior struct{}

func (DefaultBehavior) Init(args ...any) (any, error) { return nil, nil }

func (DefaultBehavior) HandleCall(msg any, state any) (any, any, error) {
	return nil, state, ErrUnsupportedRequest
}

func (DefaultBehavior) HandleCast(msg any, state any) (any, error) {
	return state, nil
}

func (DefaultBehavior) HandleInfo(info any, state any) (any, error) {
	return state, nil
}

func (DefaultBehavior) Terminate(reason Reason, state any) {}

// ErrUnsupportedRequest is returned by the default HandleCall when a
// behavior doesn't override it and a call still arrives.
var ErrUnsupportedRequest = errUnsupported{}

type errUnsupported struct{}

func (errUnsupported) Error() string { return "gen: unsupported request" }
