package debug

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DebuggerEventKind identifies a notification raised to listeners.
type DebuggerEventKind int

const (
	// StateChanged reports a controller state transition.
	StateChanged DebuggerEventKind = iota
	// ThreadHalt reports a thread halted on request.
	ThreadHalt
	// ThreadBreakpoint reports a thread stopped at a breakpoint or after a step.
	ThreadBreakpoint
	// RemoveStepMarks asks presenters to drop execution-point markers.
	RemoveStepMarks
	// CreateFailed reports that a session could not be established.
	CreateFailed
)

// String returns a string representation of the event kind.
func (k DebuggerEventKind) String() string {
	switch k {
	case StateChanged:
		return "state-changed"
	case ThreadHalt:
		return "thread-halt"
	case ThreadBreakpoint:
		return "thread-breakpoint"
	case RemoveStepMarks:
		return "remove-step-marks"
	case CreateFailed:
		return "create-failed"
	default:
		return "unknown"
	}
}

// DebuggerEvent is an immutable notification delivered to listeners.
type DebuggerEvent struct {
	Kind DebuggerEventKind

	// OldState and NewState are set for StateChanged.
	OldState MachineStatus
	NewState MachineStatus

	// Thread is set for ThreadHalt and ThreadBreakpoint.
	Thread *Thread

	// Err is set for CreateFailed.
	Err error
}

// String returns a short human readable description of the event.
func (e DebuggerEvent) String() string {
	switch e.Kind {
	case StateChanged:
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.OldState, e.NewState)
	case ThreadHalt, ThreadBreakpoint:
		if e.Thread != nil {
			return fmt.Sprintf("%s %s", e.Kind, e.Thread)
		}
	case CreateFailed:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
	}
	return e.Kind.String()
}

func stateChangedEvent(old, new MachineStatus) DebuggerEvent {
	return DebuggerEvent{Kind: StateChanged, OldState: old, NewState: new}
}

// Listener receives debugger events. OnEvent may be called from the event
// dispatcher goroutine; it must return quickly and must not request
// exclusive access synchronously. Listeners are removed by identity, so
// implementations must be comparable; pointer receivers are the norm.
type Listener interface {
	OnEvent(DebuggerEvent)
}

type funcListener struct {
	fn func(DebuggerEvent)
}

func (l *funcListener) OnEvent(e DebuggerEvent) { l.fn(e) }

// listenerList is a copy-on-write list of listeners. Writers serialize on mu
// and publish a fresh slice; readers iterate a snapshot without locking.
type listenerList struct {
	mu        sync.Mutex
	listeners atomic.Pointer[[]Listener]
}

func (l *listenerList) add(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next []Listener
	if cur := l.listeners.Load(); cur != nil {
		next = make([]Listener, len(*cur), len(*cur)+1)
		copy(next, *cur)
	}
	next = append(next, listener)
	l.listeners.Store(&next)
}

func (l *listenerList) remove(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.listeners.Load()
	if cur == nil {
		return
	}
	next := make([]Listener, 0, len(*cur))
	for _, existing := range *cur {
		if existing != listener {
			next = append(next, existing)
		}
	}
	l.listeners.Store(&next)
}

// raise delivers e to every listener, most recently registered first.
func (l *listenerList) raise(e DebuggerEvent) {
	cur := l.listeners.Load()
	if cur == nil {
		return
	}
	snapshot := *cur
	for i := len(snapshot) - 1; i >= 0; i-- {
		snapshot[i].OnEvent(e)
	}
}

func (l *listenerList) len() int {
	cur := l.listeners.Load()
	if cur == nil {
		return 0
	}
	return len(*cur)
}
