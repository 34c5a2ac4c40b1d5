package debug

import "errors"

// Sentinel errors for the debug package.
var (
	// ErrIllegalState is returned when an operation is used in a state that
	// indicates a controller misuse, such as launching while a session runs.
	ErrIllegalState = errors.New("illegal debugger state")

	// ErrInternal is returned in place of protocol failures.
	ErrInternal = errors.New("internal error")

	// ErrNoSession is returned when an operation needs a live session and none is available.
	ErrNoSession = errors.New("no debug session")

	// ErrSessionClosed is returned by sessions whose target is already gone.
	ErrSessionClosed = errors.New("debug session closed")

	// ErrNameInUse is returned when a binding name already exists in the scope.
	ErrNameInUse = errors.New("binding name already in use")

	// ErrDispatcherStopped is returned when exclusive access is requested
	// from a dispatcher that has exited.
	ErrDispatcherStopped = errors.New("event dispatcher stopped")

	// ErrNotReady is returned when the target did not signal readiness in time.
	ErrNotReady = errors.New("target did not become ready")

	// ErrUnknownThread is returned for thread ids the registry does not know.
	ErrUnknownThread = errors.New("unknown thread")
)

// targetGone reports whether err means the target has already disconnected.
func targetGone(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrNoSession) ||
		errors.Is(err, ErrDispatcherStopped)
}
