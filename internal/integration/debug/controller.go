package debug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dshills/remotedbg/internal/integration"
)

var errLoadAbandoned = errors.New("load abandoned")

// Controller orchestrates the session lifecycle and owns the thread
// registry, the breakpoint table and the scope bindings.
//
// Controller is safe for concurrent use. Its methods never block on the
// network for longer than the configured call timeout.
type Controller struct {
	factory      SessionFactory
	workingDir   string
	sink         io.Writer
	libraryPath  []string
	supportClass string
	readyTimeout time.Duration
	callTimeout  time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	breaker      *integration.CircuitBreaker
	breakerCfg   integration.CircuitBreakerConfig
	hideSystem   bool

	threads     *ThreadRegistry
	breakpoints *BreakpointTable
	scopes      *ScopeBindings
	names       *NameGuesser
	listeners   listenerList

	mu          sync.Mutex
	session     Session
	dispatcher  *Dispatcher
	running     bool
	loading     bool
	autoRestart bool
	closing     bool
	generation  uint64
	future      *sessionFuture
	cancelLoad  context.CancelFunc
	status      MachineStatus
	exitStatus  ExitStatus
	exception   *ExceptionInfo
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWorkingDir sets the working directory of launched targets.
func WithWorkingDir(dir string) Option {
	return func(c *Controller) { c.workingDir = dir }
}

// WithIOSink sets where target output is written.
func WithIOSink(w io.Writer) Option {
	return func(c *Controller) {
		if w != nil {
			c.sink = w
		}
	}
}

// WithLibraryPath sets the class/library path installed after the target is ready.
func WithLibraryPath(paths ...string) Option {
	return func(c *Controller) { c.libraryPath = append([]string(nil), paths...) }
}

// WithSupportClass overrides the class whose preparation marks the target ready.
func WithSupportClass(name string) Option {
	return func(c *Controller) {
		if name != "" {
			c.supportClass = name
		}
	}
}

// WithReadyTimeout bounds how long the loader waits for the target to become ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// WithCallTimeout bounds how long public operations wait for a session.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithClock sets the clock used for timeouts and the restart guard.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithRestartPolicy stops automatic restarts after maxFailures abnormal
// disconnects until cooldown has passed.
func WithRestartPolicy(maxFailures int, cooldown time.Duration) Option {
	return func(c *Controller) {
		c.breakerCfg.FailureThreshold = maxFailures
		c.breakerCfg.Timeout = cooldown
	}
}

// WithHideSystemThreads sets the initial thread display filter.
func WithHideSystemThreads(hide bool) Option {
	return func(c *Controller) { c.hideSystem = hide }
}

// New creates a controller that opens sessions through factory.
func New(factory SessionFactory, opts ...Option) *Controller {
	c := &Controller{
		factory:      factory,
		workingDir:   ".",
		sink:         io.Discard,
		supportClass: DefaultSupportClass,
		readyTimeout: 30 * time.Second,
		callTimeout:  5 * time.Second,
		clock:        clock.New(),
		logger:       zap.NewNop(),
		breakerCfg:   integration.DefaultCircuitBreakerConfig(),
		status:       StatusUnknown,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breakerCfg.Clock = c.clock
	c.breakerCfg.OnStateChange = func(from, to integration.CircuitBreakerState) {
		c.logger.Info("restart guard changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	c.breaker = integration.NewCircuitBreaker(c.breakerCfg)
	c.threads = NewThreadRegistry(c.hideSystem)
	c.breakpoints = NewBreakpointTable(c.logger.Named("breakpoints"), c.callTimeout)
	c.scopes = NewScopeBindings()
	c.names = NewNameGuesser()
	return c
}

// AddListener registers l. Listeners are notified most recently added first.
func (c *Controller) AddListener(l Listener) { c.listeners.add(l) }

// RemoveListener unregisters l.
func (c *Controller) RemoveListener(l Listener) { c.listeners.remove(l) }

// Subscribe registers fn as a listener and returns a function removing it.
func (c *Controller) Subscribe(fn func(DebuggerEvent)) (unsubscribe func()) {
	l := &funcListener{fn: fn}
	c.listeners.add(l)
	return func() { c.listeners.remove(l) }
}

func (c *Controller) raise(e DebuggerEvent) {
	c.logger.Debug("debugger event", zap.Stringer("event", e))
	c.listeners.raise(e)
}

// Launch starts loading a new session. It fails with ErrIllegalState if a
// session is running and does nothing while a load is in flight.
func (c *Controller) Launch() error {
	return c.launch(true)
}

func (c *Controller) launch(explicit bool) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrIllegalState
	}
	if c.loading {
		c.mu.Unlock()
		return nil
	}

	// A session closed by the caller whose disconnect has not arrived yet
	// is dropped now; its late events belong to a stale generation.
	detached := c.session != nil
	c.session = nil
	c.dispatcher = nil

	c.loading = true
	c.autoRestart = true
	c.closing = false
	c.generation++
	gen := c.generation
	future := newSessionFuture()
	c.future = future
	loadCtx, cancelLoad := context.WithCancel(context.Background())
	c.cancelLoad = cancelLoad
	c.exception = nil
	c.status = StatusNotReady
	c.mu.Unlock()

	if detached {
		c.breakpoints.Detach()
	}
	if explicit {
		c.breaker.Reset()
	}
	c.threads.Clear()
	c.names.Reset()
	c.scopes.Clear()

	c.raise(stateChangedEvent(StatusUnknown, StatusNotReady))

	loader := &sessionLoader{
		c:          c,
		generation: gen,
		future:     future,
		logger:     c.logger.With(zap.Uint64("generation", gen)),
	}
	loader.start(loadCtx, cancelLoad)
	return nil
}

// publish makes d's session the live session of generation gen.
func (c *Controller) publish(gen uint64, d *Dispatcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || !c.loading {
		return errLoadAbandoned
	}
	if d.Disconnected() {
		return fmt.Errorf("%w: target disconnected during startup", ErrNotReady)
	}

	c.session = d.session
	c.dispatcher = d
	c.running = true
	c.loading = false
	c.status = StatusIdle
	return nil
}

// loadFailed ends the load of generation gen. It reports false when that
// load was already abandoned.
func (c *Controller) loadFailed(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return false
	}
	c.loading = false
	c.status = StatusNotReady
	return true
}

// Close terminates the active session. With restart set a new session is
// launched once the old one has disconnected; otherwise the controller stays
// torn down. Without an active session, restart launches immediately.
func (c *Controller) Close(restart bool) error {
	c.mu.Lock()
	s := c.session
	if s == nil || !c.running {
		var abandon context.CancelFunc
		if c.loading && !restart {
			// The loader closes whatever it has opened; publish refuses it.
			c.generation++
			c.loading = false
			c.autoRestart = false
			c.status = StatusNotReady
			abandon = c.cancelLoad
			c.cancelLoad = nil
		}
		c.mu.Unlock()
		if abandon != nil {
			c.logger.Info("abandoning session load")
			abandon()
		}
		if restart {
			return c.launch(true)
		}
		return nil
	}

	c.autoRestart = restart
	c.closing = true
	c.running = false
	c.mu.Unlock()

	c.logger.Info("closing session", zap.Bool("restart", restart))
	if err := s.Close(); err != nil && !targetGone(err) {
		c.logger.Warn("close session", zap.Error(err))
	}
	return nil
}

// Shutdown closes the session without restart and waits for its
// dispatcher to exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()

	if err := c.Close(false); err != nil {
		return err
	}
	if d == nil {
		return nil
	}

	select {
	case <-d.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns StatusNotReady without an active session and the
// session's status otherwise.
func (c *Controller) Status() MachineStatus {
	c.mu.Lock()
	s := c.session
	running := c.running
	c.mu.Unlock()

	if s == nil || !running {
		return StatusNotReady
	}
	return s.Status()
}

// Generation returns the number of launches so far.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// ExceptionInfo returns the last uncaught exception of the current session.
func (c *Controller) ExceptionInfo() *ExceptionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exception
}

// ExitStatus returns how the last session terminated.
func (c *Controller) ExitStatus() ExitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitStatus
}

// HideSystemThreads sets the display filter, rebuilding the thread tree
// if the value changed.
func (c *Controller) HideSystemThreads(hide bool) {
	if c.threads.SetHideSystem(hide) {
		c.logger.Debug("thread tree rebuilt", zap.Bool("hide_system", hide))
	}
}

// Threads returns every known thread in registration order.
func (c *Controller) Threads() []*Thread { return c.threads.Threads() }

// VisibleThreads returns the threads of the display tree in display order.
func (c *Controller) VisibleThreads() []*Thread { return c.threads.Visible() }

// DisplayNodes returns the children of the display tree root.
func (c *Controller) DisplayNodes() []*DisplayNode { return c.threads.Nodes() }

// Breakpoints returns the breakpoint table.
func (c *Controller) Breakpoints() *BreakpointTable { return c.breakpoints }

// DiscardBreakpoints drops all breakpoints so the next session starts without them.
func (c *Controller) DiscardBreakpoints() { c.breakpoints.Discard() }

// GuessNewName returns an unused binding name derived from typeName.
func (c *Controller) GuessNewName(typeName string) string {
	return c.names.Guess(typeName)
}

// Bindings returns the sorted binding names of scope.
func (c *Controller) Bindings(scope string) []string { return c.scopes.Names(scope) }

// Scopes returns the scopes holding at least one binding.
func (c *Controller) Scopes() []string { return c.scopes.Scopes() }

// Lookup returns the object bound to name in scope.
func (c *Controller) Lookup(scope, name string) (ObjectRef, bool) {
	return c.scopes.Lookup(scope, name)
}

// ToggleBreakpoint sets or clears the breakpoint at unit:line. Protocol
// failures are logged and reported as ErrInternal.
func (c *Controller) ToggleBreakpoint(ctx context.Context, unit string, line int, set bool) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var err error
	if set {
		err = c.breakpoints.Set(ctx, unit, line)
	} else {
		err = c.breakpoints.Clear(ctx, unit, line)
	}
	if err != nil {
		c.logger.Error("toggle breakpoint",
			zap.String("unit", unit),
			zap.Int("line", line),
			zap.Bool("set", set),
			zap.Error(err))
		return ErrInternal
	}
	return nil
}

// AwaitSession returns the live session, waiting for an in-flight load to
// finish. It fails with ErrNoSession when no session is running or loading.
func (c *Controller) AwaitSession(ctx context.Context) (Session, error) {
	s, _, err := c.awaitSession(ctx)
	return s, err
}

func (c *Controller) awaitSession(ctx context.Context) (Session, *Dispatcher, error) {
	c.mu.Lock()
	if c.running && c.session != nil {
		s, d := c.session, c.dispatcher
		c.mu.Unlock()
		return s, d, nil
	}
	future := c.future
	loading := c.loading
	c.mu.Unlock()

	if !loading || future == nil {
		return nil, nil, ErrNoSession
	}

	s, err := future.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s || !c.running {
		return nil, nil, ErrNoSession
	}
	return s, c.dispatcher, nil
}

// RunExclusive runs fn with exclusive control of the target. No event is
// processed while fn runs, so fn must be short.
func (c *Controller) RunExclusive(ctx context.Context, fn func(Session) error) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	s, d, err := c.awaitSession(ctx)
	if err != nil {
		return err
	}
	return d.Exclusive(ctx, func() error { return fn(s) })
}

// Invoke calls op on the target-side support class under exclusive access.
func (c *Controller) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	var result any
	err := c.RunExclusive(ctx, func(s Session) error {
		r, err := s.Invoke(ctx, op, args...)
		result = r
		return err
	})
	return result, err
}

// AddObjectToScope binds obj as name in scope and registers the binding
// with the target.
func (c *Controller) AddObjectToScope(ctx context.Context, scope, name string, obj ObjectRef) error {
	if err := c.scopes.Bind(scope, name, obj); err != nil {
		return err
	}
	c.names.MarkUsed(name)

	if _, err := c.Invoke(ctx, OpAddObject, scope, name, obj.ID); err != nil {
		c.scopes.Unbind(scope, name)
		if targetGone(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		c.logger.Error("add object",
			zap.String("scope", scope),
			zap.String("name", name),
			zap.Error(err))
		return ErrInternal
	}
	return nil
}

// RemoveObjectFromScope drops the binding name from scope. It is a no-op
// when the binding or the session is already gone.
func (c *Controller) RemoveObjectFromScope(ctx context.Context, scope, name string) error {
	if _, ok := c.scopes.Unbind(scope, name); !ok {
		return nil
	}

	c.mu.Lock()
	live := c.running && c.session != nil
	c.mu.Unlock()
	if !live {
		return nil
	}

	if _, err := c.Invoke(ctx, OpRemoveObject, scope, name); err != nil {
		if targetGone(err) {
			return nil
		}
		c.logger.Error("remove object",
			zap.String("scope", scope),
			zap.String("name", name),
			zap.Error(err))
		return ErrInternal
	}
	return nil
}

// NewLoaderGeneration starts a new class-loading generation on the target.
// Bindings from the previous generation are dropped.
func (c *Controller) NewLoaderGeneration(ctx context.Context, libraryPath ...string) error {
	c.scopes.Clear()

	args := make([]any, len(libraryPath))
	for i, p := range libraryPath {
		args[i] = p
	}
	if _, err := c.Invoke(ctx, OpNewLoader, args...); err != nil {
		if targetGone(err) {
			return nil
		}
		c.logger.Error("new loader", zap.Error(err))
		return ErrInternal
	}
	return nil
}

// ContinueThread resumes a halted thread.
func (c *Controller) ContinueThread(id int64) error {
	t := c.threads.Find(id)
	if t == nil {
		return ErrUnknownThread
	}
	if err := c.threadCall("continue", t, t.Ref().Resume); err != nil {
		return err
	}
	c.raise(DebuggerEvent{Kind: RemoveStepMarks})
	c.noteStatus()
	return nil
}

// HaltThread suspends a thread. ThreadHalt is raised once the target has
// confirmed the thread stopped.
func (c *Controller) HaltThread(id int64) error {
	t := c.threads.Find(id)
	if t == nil {
		return ErrUnknownThread
	}
	if err := c.threadCall("halt", t, t.Ref().Suspend); err != nil {
		return err
	}
	if !t.Ref().IsSuspended() {
		// The session went away before the thread stopped.
		return nil
	}
	c.threads.Locate(t.Ref())
	c.raise(DebuggerEvent{Kind: ThreadHalt, Thread: t})
	c.noteStatus()
	return nil
}

// StepThread single-steps a halted thread. The arrival is reported as a
// ThreadBreakpoint event.
func (c *Controller) StepThread(id int64, kind StepKind) error {
	t := c.threads.Find(id)
	if t == nil {
		return ErrUnknownThread
	}
	step := func() error { return t.Ref().Step(kind) }
	if err := c.threadCall("step "+kind.String(), t, step); err != nil {
		return err
	}
	c.raise(DebuggerEvent{Kind: RemoveStepMarks})
	return nil
}

func (c *Controller) threadCall(op string, t *Thread, fn func() error) error {
	if err := fn(); err != nil {
		if targetGone(err) {
			return nil
		}
		c.logger.Error("thread operation",
			zap.String("op", op),
			zap.Int64("thread", t.ID()),
			zap.Error(err))
		return ErrInternal
	}
	return nil
}

// noteStatus raises StateChanged if the session status moved since it was
// last observed.
func (c *Controller) noteStatus() {
	c.mu.Lock()
	s := c.session
	if s == nil || !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	current := s.Status()

	c.mu.Lock()
	old := c.status
	changed := c.session == s && c.running && current != old
	if changed {
		c.status = current
	}
	c.mu.Unlock()

	if changed {
		c.raise(stateChangedEvent(old, current))
	}
}

func (c *Controller) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// current reports whether d belongs to the newest generation.
func (c *Controller) current(d *Dispatcher) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return d.generation == c.generation
}

func (c *Controller) threadStarted(d *Dispatcher, ref ThreadRef) {
	if c.current(d) {
		c.threads.Add(ref)
	}
}

func (c *Controller) threadDied(d *Dispatcher, ref ThreadRef) {
	if c.current(d) {
		c.threads.Remove(ref.ID())
	}
}

func (c *Controller) threadStopped(d *Dispatcher, e Event) {
	if e.Thread == nil || !c.current(d) {
		return
	}
	t, _ := c.threads.Locate(e.Thread)
	c.raise(DebuggerEvent{Kind: ThreadBreakpoint, Thread: t})
}

func (c *Controller) exceptionRaised(d *Dispatcher, info *ExceptionInfo) {
	if info == nil {
		info = d.session.ExceptionInfo()
	}

	c.mu.Lock()
	if d.generation == c.generation {
		c.exception = info
	}
	c.mu.Unlock()
}

func (c *Controller) vmStarted(d *Dispatcher) {
	c.logger.Debug("target started", zap.Uint64("generation", d.generation))
}

func (c *Controller) setProcessed(d *Dispatcher) {
	c.mu.Lock()
	published := c.dispatcher == d
	c.mu.Unlock()

	if published {
		c.noteStatus()
	}
}

// vmDisconnected tears down the published session of d and relaunches
// when auto-restart is enabled.
func (c *Controller) vmDisconnected(d *Dispatcher) {
	c.mu.Lock()
	if c.dispatcher != d {
		c.mu.Unlock()
		c.logger.Debug("ignoring disconnect of inactive session", zap.Uint64("generation", d.generation))
		return
	}

	s := d.session
	c.session = nil
	c.dispatcher = nil
	c.running = false
	c.status = StatusNotReady
	c.exitStatus = s.ExitStatus()
	exit := c.exitStatus
	planned := c.closing
	c.closing = false
	restart := c.autoRestart
	c.mu.Unlock()

	c.breakpoints.Detach()
	c.logger.Info("session disconnected",
		zap.Uint64("generation", d.generation),
		zap.Stringer("exit", exit),
		zap.Bool("planned", planned))

	if restart && !planned {
		if exit.Abnormal() {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		if !c.breaker.Allow() {
			c.logger.Warn("target keeps failing; automatic restart suspended",
				zap.Stringer("exit", exit))
			restart = false
		}
	}
	if !restart {
		return
	}

	c.raise(DebuggerEvent{Kind: RemoveStepMarks})
	c.raise(stateChangedEvent(StatusIdle, StatusNotReady))
	c.threads.Clear()
	c.names.Reset()
	c.scopes.Clear()

	if err := c.launch(false); err != nil {
		c.logger.Warn("relaunch", zap.Error(err))
	}
}
