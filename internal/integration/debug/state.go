package debug

// MachineStatus is the controller-level state of the target.
type MachineStatus int

const (
	// StatusUnknown is the state before the first launch.
	StatusUnknown MachineStatus = iota
	// StatusNotReady means no session is usable yet.
	StatusNotReady
	// StatusIdle means the target is loaded and waiting for work.
	StatusIdle
	// StatusRunning means user code is executing.
	StatusRunning
	// StatusSuspended means at least one thread is halted.
	StatusSuspended
)

// String returns a string representation of the status.
func (s MachineStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not-ready"
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}
