package process

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Supervisor starts child processes, tracks them until they exit and stops
// whatever is left on shutdown. It is safe for concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process
	monitors  sync.WaitGroup

	closed atomic.Bool

	maxProcesses int
	onExit       func(p *Process)
	logger       *zap.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses caps the number of live processes. Zero means no cap.
func WithMaxProcesses(n int) SupervisorOption {
	return func(s *Supervisor) { s.maxProcesses = n }
}

// WithExitHook registers fn to run after each process exits.
func WithExitHook(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) { s.onExit = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts cmd under a fresh id. Any of stdin, stdout and stderr the
// command leaves unset is piped and exposed on the Process.
func (s *Supervisor) Start(name string, cmd *exec.Cmd) (*Process, error) {
	return s.StartWithID(uuid.NewString(), name, cmd)
}

// StartWithID starts cmd under the given id.
func (s *Supervisor) StartWithID(id, name string, cmd *exec.Cmd) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrShutdown
	}
	if s.maxProcesses > 0 && len(s.processes) >= s.maxProcesses {
		return nil, fmt.Errorf("process limit %d reached", s.maxProcesses)
	}
	if _, ok := s.processes[id]; ok {
		return nil, fmt.Errorf("process id %s already in use", id)
	}

	p := newProcess(id, name, cmd)
	if err := pipe(p, cmd); err != nil {
		p.closePipes()
		return nil, err
	}
	if err := p.start(); err != nil {
		p.closePipes()
		return nil, err
	}

	s.processes[id] = p
	s.monitors.Add(1)
	go s.monitor(p)

	s.logger.Debug("process started",
		zap.String("id", id),
		zap.String("name", name),
		zap.Int("pid", p.PID()))
	return p, nil
}

func pipe(p *Process, cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		w, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		p.Stdin = w
	}
	if cmd.Stdout == nil {
		r, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		p.Stdout = r
	}
	if cmd.Stderr == nil {
		r, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("stderr pipe: %w", err)
		}
		p.Stderr = r
	}
	return nil
}

func (s *Supervisor) monitor(p *Process) {
	defer s.monitors.Done()
	<-p.Done()

	s.logger.Debug("process exited",
		zap.String("id", p.ID),
		zap.String("name", p.Name),
		zap.Int("code", p.ExitCode()),
		zap.Stringer("kind", p.ExitKind()))

	if s.onExit != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("process exit hook panicked", zap.Any("panic", r))
				}
			}()
			s.onExit(p)
		}()
	}

	s.mu.Lock()
	delete(s.processes, p.ID)
	s.mu.Unlock()
}

// Get returns the live process with id, or nil.
func (s *Supervisor) Get(id string) *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes[id]
}

// List returns the live processes, oldest first.
func (s *Supervisor) List() []*Process {
	s.mu.RLock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	sort.Slice(procs, func(i, j int) bool { return procs[i].started.Before(procs[j].started) })
	return procs
}

// Count returns the number of live processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// Stop stops the process with id. See Process.Stop.
func (s *Supervisor) Stop(id string, grace time.Duration) error {
	p := s.Get(id)
	if p == nil {
		return ErrNotFound
	}
	return p.Stop(grace)
}

// Closed reports whether Shutdown has been called.
func (s *Supervisor) Closed() bool { return s.closed.Load() }

// Shutdown stops every live process, giving each grace to exit before it
// is killed, and waits until all of them have been reaped. Later Starts
// fail with ErrShutdown.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()
	if already {
		return
	}

	var wg sync.WaitGroup
	for _, p := range s.List() {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := p.Stop(grace); err != nil {
				s.logger.Warn("stop process", zap.String("name", p.Name), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()
	s.monitors.Wait()
}
