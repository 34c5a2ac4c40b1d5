package debug

import (
	"context"
	"io"
)

// DefaultSupportClass is the class whose preparation signals that the
// target-side support code is loaded and accepting operations.
const DefaultSupportClass = "remotedbg.runtime.Server"

// Operation identifiers understood by the target-side support class.
const (
	OpSetLibraryPath = "setLibraryPath"
	OpAddObject      = "addObject"
	OpRemoveObject   = "removeObject"
	OpNewLoader      = "newLoader"
)

// SessionFactory opens sessions to a new target process.
type SessionFactory interface {
	// Open starts or attaches to a target whose working directory is
	// workingDir. Target output is written to sink. Open returns once the
	// connection is established; readiness of the target-side support code
	// is reported later through a ClassPrepare event for the support class.
	Open(ctx context.Context, workingDir string, sink io.Writer) (Session, error)
}

// Session is one live connection to a target process. A Session is never
// reused: each launch opens a new one.
type Session interface {
	// Status reports the current machine status.
	Status() MachineStatus

	// Close asks the target to terminate. The event stream delivers a
	// VMDisconnect set and is then closed.
	Close() error

	// SetBreakpoint installs a line breakpoint and returns its request handle.
	SetBreakpoint(ctx context.Context, unit string, line int) (any, error)

	// ClearBreakpoint removes a line breakpoint.
	ClearBreakpoint(ctx context.Context, unit string, line int) error

	// Invoke calls an operation of the target-side support class.
	Invoke(ctx context.Context, op string, args ...any) (any, error)

	// EventSets returns the stream of event sets. The channel is closed
	// once the session is disconnected.
	EventSets() <-chan *EventSet

	// Resume performs the generic resume for a processed event set,
	// undoing the suspension applied by its policy.
	Resume(set *EventSet) error

	// ExceptionInfo describes the last uncaught exception, or nil.
	ExceptionInfo() *ExceptionInfo

	// ExitStatus reports how the target terminated.
	ExitStatus() ExitStatus
}

// ThreadRef is a handle to a thread in the target.
type ThreadRef interface {
	// ID is the stable identity of the thread within its session.
	ID() int64

	// Name is the display name of the thread.
	Name() string

	// IsSystem reports whether the thread belongs to the runtime rather
	// than to user code.
	IsSystem() bool

	// Suspend raises the thread's suspend count by one. It returns once
	// the thread has stopped.
	Suspend() error

	// Resume lowers the thread's suspend count by one. The thread runs
	// when the count reaches zero.
	Resume() error

	// Step resumes the thread for a single step of the given kind.
	Step(kind StepKind) error

	// IsSuspended reports whether the suspend count is above zero.
	IsSuspended() bool

	// SuspendCount reports the current suspend count.
	SuspendCount() int
}

// StepKind selects the granularity of a step.
type StepKind int

const (
	// StepOver steps over calls on the current line.
	StepOver StepKind = iota
	// StepInto steps into calls on the current line.
	StepInto
	// StepOut runs until the current frame returns.
	StepOut
)

// String returns a string representation of the step kind.
func (k StepKind) String() string {
	switch k {
	case StepOver:
		return "over"
	case StepInto:
		return "into"
	case StepOut:
		return "out"
	default:
		return "unknown"
	}
}

// ExitStatus describes how a target process terminated.
type ExitStatus int

const (
	// ExitUnknown means the target has not terminated or the cause is unknown.
	ExitUnknown ExitStatus = iota
	// ExitNormal means the target exited with status zero.
	ExitNormal
	// ExitForced means the target was terminated by the debugger.
	ExitForced
	// ExitException means the target died from an uncaught exception.
	ExitException
	// ExitError means the target exited with a non-zero status.
	ExitError
)

// String returns a string representation of the exit status.
func (s ExitStatus) String() string {
	switch s {
	case ExitNormal:
		return "normal"
	case ExitForced:
		return "forced"
	case ExitException:
		return "exception"
	case ExitError:
		return "error"
	default:
		return "unknown"
	}
}

// Abnormal reports whether the exit indicates a target fault.
func (s ExitStatus) Abnormal() bool {
	return s == ExitException || s == ExitError || s == ExitUnknown
}

// ExceptionInfo describes an uncaught exception in the target.
type ExceptionInfo struct {
	TypeName string
	Message  string
	ThreadID int64
	Unit     string
	Line     int
}

// ObjectRef is a handle to an object living in the target.
type ObjectRef struct {
	ID       int64
	TypeName string
}
