// Package debugtest provides scriptable in-memory sessions for exercising
// the debug engine without a real target.
package debugtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dshills/remotedbg/internal/integration/debug"
)

// Thread is an in-memory target thread with a real suspend count.
type Thread struct {
	id     int64
	name   string
	system bool

	mu       sync.Mutex
	suspends int
	steps    []debug.StepKind
	err      error
}

// NewThread creates a running thread.
func NewThread(id int64, name string, system bool) *Thread {
	return &Thread{id: id, name: name, system: system}
}

func (t *Thread) ID() int64      { return t.id }
func (t *Thread) Name() string   { return t.name }
func (t *Thread) IsSystem() bool { return t.system }

// Suspend raises the suspend count.
func (t *Thread) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.suspends++
	return nil
}

// Resume lowers the suspend count, never below zero.
func (t *Thread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if t.suspends > 0 {
		t.suspends--
	}
	return nil
}

// Step records the step and resumes the thread.
func (t *Thread) Step(kind debug.StepKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.steps = append(t.steps, kind)
	if t.suspends > 0 {
		t.suspends--
	}
	return nil
}

// IsSuspended reports whether the suspend count is above zero.
func (t *Thread) IsSuspended() bool { return t.SuspendCount() > 0 }

// SuspendCount returns the suspend count.
func (t *Thread) SuspendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspends
}

// Steps returns the recorded steps.
func (t *Thread) Steps() []debug.StepKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]debug.StepKind(nil), t.steps...)
}

// Fail makes every later thread operation return err.
func (t *Thread) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Invocation records one Invoke call.
type Invocation struct {
	Op   string
	Args []any
}

// Session is a scriptable debug.Session.
type Session struct {
	mu          sync.Mutex
	base        debug.MachineStatus
	events      chan *debug.EventSet
	closed      bool
	threads     map[int64]*Thread
	breakpoints map[string]any
	rejected    map[string]error
	invokeErrs  map[string]error
	invocations []Invocation
	resumes     int
	exit        debug.ExitStatus
	exception   *debug.ExceptionInfo
	nextHandle  int
	stalled     bool
	sink        io.Writer
}

// NewSession creates an idle session.
func NewSession() *Session {
	return &Session{
		base:        debug.StatusIdle,
		events:      make(chan *debug.EventSet, 1024),
		threads:     make(map[int64]*Thread),
		breakpoints: make(map[string]any),
		rejected:    make(map[string]error),
		invokeErrs:  make(map[string]error),
		sink:        io.Discard,
	}
}

func bpKey(unit string, line int) string { return fmt.Sprintf("%s:%d", unit, line) }

// Status reports NotReady once closed, Suspended while any thread is
// halted and the base status otherwise.
func (s *Session) Status() debug.MachineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return debug.StatusNotReady
	}
	for _, t := range s.threads {
		if t.IsSuspended() {
			return debug.StatusSuspended
		}
	}
	return s.base
}

// Close terminates the session as a forced exit.
func (s *Session) Close() error {
	s.Disconnect(debug.ExitForced)
	return nil
}

// SetBreakpoint installs unit:line unless the unit was rejected. A
// stalled session blocks until ctx is done.
func (s *Session) SetBreakpoint(ctx context.Context, unit string, line int) (any, error) {
	s.mu.Lock()
	if s.stalled && !s.closed {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer s.mu.Unlock()

	if s.closed {
		return nil, debug.ErrSessionClosed
	}
	if err, ok := s.rejected[unit]; ok {
		return nil, err
	}
	s.nextHandle++
	handle := fmt.Sprintf("bp-%d", s.nextHandle)
	s.breakpoints[bpKey(unit, line)] = handle
	return handle, nil
}

// ClearBreakpoint removes unit:line.
func (s *Session) ClearBreakpoint(_ context.Context, unit string, line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return debug.ErrSessionClosed
	}
	delete(s.breakpoints, bpKey(unit, line))
	return nil
}

// Invoke records the call.
func (s *Session) Invoke(_ context.Context, op string, args ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, debug.ErrSessionClosed
	}
	if err, ok := s.invokeErrs[op]; ok {
		return nil, err
	}
	s.invocations = append(s.invocations, Invocation{Op: op, Args: args})
	return nil, nil
}

// EventSets returns the event stream.
func (s *Session) EventSets() <-chan *debug.EventSet { return s.events }

// Resume undoes the suspension applied by set's policy.
func (s *Session) Resume(set *debug.EventSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return debug.ErrSessionClosed
	}
	s.resumes++
	for _, t := range s.policyThreads(set) {
		_ = t.Resume()
	}
	return nil
}

// ExceptionInfo returns the last reported exception.
func (s *Session) ExceptionInfo() *debug.ExceptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exception
}

// ExitStatus returns how the session ended.
func (s *Session) ExitStatus() debug.ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// policyThreads returns the threads suspended by set (must hold lock).
func (s *Session) policyThreads(set *debug.EventSet) []*Thread {
	switch set.Policy {
	case debug.SuspendAll:
		out := make([]*Thread, 0, len(s.threads))
		for _, t := range s.threads {
			out = append(out, t)
		}
		return out
	case debug.SuspendEventThread:
		var out []*Thread
		seen := make(map[int64]bool)
		for _, e := range set.Events {
			if e.Thread == nil || seen[e.Thread.ID()] {
				continue
			}
			seen[e.Thread.ID()] = true
			if t, ok := s.threads[e.Thread.ID()]; ok {
				out = append(out, t)
			}
		}
		return out
	default:
		return nil
	}
}

// Emit delivers set after applying its suspend policy. Thread-start
// events register their thread first.
func (s *Session) Emit(set *debug.EventSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, e := range set.Events {
		if t, ok := e.Thread.(*Thread); ok && e.Kind == debug.EventThreadStart {
			s.threads[t.ID()] = t
		}
		if e.Kind == debug.EventException && e.Exception != nil {
			s.exception = e.Exception
		}
	}
	for _, t := range s.policyThreads(set) {
		_ = t.Suspend()
	}
	s.events <- set
}

// Ready reports the support class as prepared.
func (s *Session) Ready(supportClass string) {
	s.Emit(&debug.EventSet{Events: []debug.Event{{Kind: debug.EventClassPrepare, ClassName: supportClass}}})
}

// Run moves the base status to running.
func (s *Session) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = debug.StatusRunning
}

// StartThread reports t as started.
func (s *Session) StartThread(t *Thread) {
	s.Emit(&debug.EventSet{Events: []debug.Event{{Kind: debug.EventThreadStart, Thread: t}}})
}

// EndThread reports t as dead.
func (s *Session) EndThread(t *Thread) {
	s.mu.Lock()
	delete(s.threads, t.ID())
	s.mu.Unlock()
	s.Emit(&debug.EventSet{Events: []debug.Event{{Kind: debug.EventThreadDeath, Thread: t}}})
}

// HitBreakpoint suspends every thread and reports t stopped at unit:line.
func (s *Session) HitBreakpoint(t *Thread, unit string, line int) {
	s.Emit(&debug.EventSet{
		Policy: debug.SuspendAll,
		Events: []debug.Event{{
			Kind:          debug.EventBreakpoint,
			Thread:        t,
			Unit:          unit,
			Line:          line,
			KeepSuspended: true,
		}},
	})
}

// Throw reports an uncaught exception on t.
func (s *Session) Throw(t *Thread, info *debug.ExceptionInfo) {
	s.Emit(&debug.EventSet{
		Policy: debug.SuspendAll,
		Events: []debug.Event{{Kind: debug.EventException, Thread: t, Exception: info, KeepSuspended: true}},
	})
}

// Disconnect delivers the disconnect set and closes the stream.
func (s *Session) Disconnect(exit debug.ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.exit = exit
	s.events <- &debug.EventSet{Events: []debug.Event{{Kind: debug.EventVMDisconnect}}}
	s.closed = true
	close(s.events)
}

// Crash disconnects as if the target died from an uncaught exception.
func (s *Session) Crash() { s.Disconnect(debug.ExitException) }

// RejectUnit makes breakpoints in unit fail with err.
func (s *Session) RejectUnit(unit string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[unit] = err
}

// StallBreakpoints makes SetBreakpoint hang like an unresponsive target.
func (s *Session) StallBreakpoints() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
}

// FailInvoke makes op fail with err.
func (s *Session) FailInvoke(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invokeErrs[op] = err
}

// HasBreakpoint reports whether unit:line is installed.
func (s *Session) HasBreakpoint(unit string, line int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.breakpoints[bpKey(unit, line)]
	return ok
}

// BreakpointCount returns the number of installed breakpoints.
func (s *Session) BreakpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breakpoints)
}

// Invocations returns the recorded Invoke calls.
func (s *Session) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.invocations...)
}

// Resumes returns how many event sets were resumed.
func (s *Session) Resumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes
}

// Closed reports whether the session has disconnected.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Output writes target output to the sink given to Open.
func (s *Session) Output(text string) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	_, _ = io.WriteString(sink, text)
}

// Factory opens Sessions and remembers them.
type Factory struct {
	// SupportClass, if set, is reported ready as soon as a session opens.
	SupportClass string

	// Script, if set, runs in its own goroutine after each session opens.
	Script func(s *Session)

	mu       sync.Mutex
	prepare  func(s *Session)
	sessions []*Session
	failures []error
	dirs     []string
}

// NewFactory creates a factory whose sessions become ready immediately.
func NewFactory(supportClass string) *Factory {
	return &Factory{SupportClass: supportClass}
}

// Open creates a session, or returns the next queued failure.
func (f *Factory) Open(ctx context.Context, workingDir string, sink io.Writer) (debug.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.dirs = append(f.dirs, workingDir)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return nil, err
	}
	s := NewSession()
	if sink != nil {
		s.sink = sink
	}
	f.sessions = append(f.sessions, s)
	prepare, script := f.prepare, f.Script
	f.mu.Unlock()

	if prepare != nil {
		prepare(s)
	}
	if f.SupportClass != "" {
		s.Ready(f.SupportClass)
	}
	if script != nil {
		go script(s)
	}
	return s, nil
}

// OnOpen sets a hook that configures each session before Open returns it.
func (f *Factory) OnOpen(prepare func(s *Session)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepare = prepare
}

// FailNext queues err as the result of the next Open.
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
}

// Opened returns how many sessions were opened.
func (f *Factory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Session returns the i-th opened session.
func (f *Factory) Session(i int) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.sessions) {
		return nil
	}
	return f.sessions[i]
}

// Last returns the most recently opened session, or nil.
func (f *Factory) Last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// WorkingDirs returns the working directories passed to Open.
func (f *Factory) WorkingDirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dirs...)
}
