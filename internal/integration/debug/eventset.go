package debug

import "fmt"

// EventKind identifies a protocol event.
type EventKind int

const (
	EventVMStart EventKind = iota
	EventVMDisconnect
	EventThreadStart
	EventThreadDeath
	EventBreakpoint
	EventStep
	EventException
	EventClassPrepare
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventVMStart:
		return "vm-start"
	case EventVMDisconnect:
		return "vm-disconnect"
	case EventThreadStart:
		return "thread-start"
	case EventThreadDeath:
		return "thread-death"
	case EventBreakpoint:
		return "breakpoint"
	case EventStep:
		return "step"
	case EventException:
		return "exception"
	case EventClassPrepare:
		return "class-prepare"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// SuspendPolicy is the suspension applied by the target when it delivers
// an event set.
type SuspendPolicy int

const (
	// SuspendNone leaves all threads running.
	SuspendNone SuspendPolicy = iota
	// SuspendEventThread suspends only the thread that raised the events.
	SuspendEventThread
	// SuspendAll suspends every thread.
	SuspendAll
)

// Event is a single protocol event.
type Event struct {
	Kind EventKind

	// Thread is the thread the event concerns, if any.
	Thread ThreadRef

	// ClassName is set for ClassPrepare events.
	ClassName string

	// Unit and Line locate Breakpoint and Step events.
	Unit string
	Line int

	// Exception is set for Exception events.
	Exception *ExceptionInfo

	// KeepSuspended asks the dispatcher to leave Thread halted after the
	// set is resumed.
	KeepSuspended bool
}

// EventSet is a group of events delivered atomically by the target.
type EventSet struct {
	Policy SuspendPolicy
	Events []Event
}

// Has reports whether the set contains an event of the given kind.
func (s *EventSet) Has(kind EventKind) bool {
	for _, e := range s.Events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
