package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is the lifecycle state of a process.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ExitKind classifies how a process ended.
type ExitKind int

const (
	// ExitNone means the process has not exited.
	ExitNone ExitKind = iota
	// ExitClean is a zero exit code.
	ExitClean
	// ExitFailed is a non-zero exit code.
	ExitFailed
	// ExitSignaled is death by a signal nobody here sent.
	ExitSignaled
	// ExitStopped is an exit that followed Stop.
	ExitStopped
)

func (k ExitKind) String() string {
	switch k {
	case ExitNone:
		return "none"
	case ExitClean:
		return "clean"
	case ExitFailed:
		return "failed"
	case ExitSignaled:
		return "signaled"
	case ExitStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// Process is a supervised child process: a debug adapter or the debuggee
// itself. It is safe for concurrent use.
type Process struct {
	ID   string
	Name string

	// Stdin, Stdout and Stderr are set when the supervisor piped them.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32
	stopping atomic.Bool

	mu      sync.RWMutex
	exitErr error
}

func newProcess(id, name string, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:   id,
		Name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)
	return p
}

// State returns the current lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// Running reports whether the process is still running.
func (p *Process) Running() bool { return p.State() == StateRunning }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is the exit code, or -1 while running or when killed.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// Err returns the error Wait reported.
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// PID returns the OS process id, or -1 before start.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Uptime is how long the process has been (or was) running.
func (p *Process) Uptime() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	return time.Since(p.started)
}

// ExitKind classifies the exit. A process that died after Stop was
// requested reports ExitStopped whatever its exit code.
func (p *Process) ExitKind() ExitKind {
	switch p.State() {
	case StateCreated, StateRunning:
		return ExitNone
	}
	if p.stopping.Load() {
		return ExitStopped
	}
	if p.State() == StateKilled {
		return ExitSignaled
	}
	if p.ExitCode() == 0 {
		return ExitClean
	}
	return ExitFailed
}

// Signal delivers sig to a running process.
func (p *Process) Signal(sig os.Signal) error {
	if !p.Running() || p.cmd.Process == nil {
		return ErrNotRunning
	}
	return p.cmd.Process.Signal(sig)
}

// Stop asks the process to terminate with SIGTERM and kills it if it is
// still alive after grace. Stop returns once the process has exited.
func (p *Process) Stop(grace time.Duration) error {
	if p.State() == StateCreated {
		return ErrNotRunning
	}
	p.stopping.Store(true)

	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrNotRunning) {
		return fmt.Errorf("terminate %s: %w", p.Name, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := p.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrNotRunning) {
		return fmt.Errorf("kill %s: %w", p.Name, err)
	}
	<-p.done
	return nil
}

func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrAlreadyStarted
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.Name, err)
	}
	p.started = time.Now()
	p.state.Store(int32(StateRunning))
	go p.wait()
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	code, state := 0, StateExited
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			state = StateKilled
		}
	case err != nil:
		code = -1
	}

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	p.exitCode.Store(int32(code))
	p.state.Store(int32(state))
	close(p.done)
}

// closePipes closes the pipes the supervisor created.
func (p *Process) closePipes() {
	for _, c := range []io.Closer{p.Stdin, p.Stdout, p.Stderr} {
		if c != nil {
			_ = c.Close()
		}
	}
}

var (
	ErrNotRunning     = errors.New("process not running")
	ErrAlreadyStarted = errors.New("process already started")
	ErrNotFound       = errors.New("process not found")
	ErrShutdown       = errors.New("supervisor is shutting down")
)
