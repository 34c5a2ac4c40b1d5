package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	godap "github.com/google/go-dap"
	"go.uber.org/zap"

	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/process"
)

const defaultCallTimeout = 5 * time.Second

// Options configure a Session.
type Options struct {
	// AdapterID is sent in the initialize request.
	AdapterID string
	// SupportClass is reported in the ready ClassPrepare event.
	SupportClass string
	// SystemPrefixes classify system threads by name.
	SystemPrefixes []string
	// CallTimeout bounds requests the session sends on its own.
	CallTimeout time.Duration
	// Sink receives the target's output events.
	Sink   io.Writer
	Logger *zap.Logger
}

// Session is a debug.Session backed by a DAP adapter.
type Session struct {
	client   *Client
	logger   *zap.Logger
	sink     io.Writer
	support  string
	prefixes []string
	timeout  time.Duration

	// proc is the adapter process when the session owns one.
	proc    *process.Process
	cleanup func() error

	initialized chan struct{}
	initOnce    sync.Once
	queue       *setQueue

	mu           sync.Mutex
	threads      map[int]*threadRef
	suspended    map[*debug.EventSet][]*threadRef
	singleThread bool
	configured   bool
	closing      bool
	gone         bool
	exitCode     *int
	exception    *debug.ExceptionInfo
	exit         debug.ExitStatus

	bpMu    sync.Mutex
	sources map[string][]int

	disconnectOnce sync.Once
}

var _ debug.Session = (*Session)(nil)

// NewSession wraps transport t. The session is not usable until Start has
// completed the handshake.
func NewSession(t Transport, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = io.Discard
	}
	if opts.SupportClass == "" {
		opts.SupportClass = debug.DefaultSupportClass
	}
	if len(opts.SystemPrefixes) == 0 {
		opts.SystemPrefixes = DefaultSystemPrefixes
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	s := &Session{
		logger:      opts.Logger,
		sink:        opts.Sink,
		support:     opts.SupportClass,
		prefixes:    opts.SystemPrefixes,
		timeout:     opts.CallTimeout,
		initialized: make(chan struct{}),
		threads:     make(map[int]*threadRef),
		suspended:   make(map[*debug.EventSet][]*threadRef),
		sources:     make(map[string][]int),
	}
	s.queue = newSetQueue(s.enrich)
	s.client = NewClient(t, s.handleEvent, opts.Logger)
	go s.watch()
	return s
}

// Start runs the DAP handshake: initialize, the launch or attach request,
// then configurationDone once the adapter reports it is initialized. On
// success the session queues the ready event for the support class.
func (s *Session) Start(ctx context.Context, adapterID, request string, args any) error {
	caps, err := s.client.Initialize(ctx, godap.InitializeRequestArguments{
		ClientID:        "remotedbg",
		ClientName:      "remotedbg",
		AdapterID:       adapterID,
		Locale:          "en-US",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	s.mu.Lock()
	s.singleThread = caps.SupportsSingleThreadExecutionRequests
	s.mu.Unlock()

	started := make(chan error, 1)
	go func() { started <- s.client.Call(ctx, request, args, nil) }()

	var startErr error
	startDone := false
	select {
	case <-s.initialized:
	case startErr = <-started:
		startDone = true
		if startErr != nil {
			return fmt.Errorf("%s: %w", request, startErr)
		}
		select {
		case <-s.initialized:
		case <-s.client.Done():
			return fmt.Errorf("%s: adapter hung up: %w", request, ErrClientClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-s.client.Done():
		return fmt.Errorf("%s: adapter hung up: %w", request, ErrClientClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	if caps.SupportsConfigurationDoneRequest {
		if err := s.client.ConfigurationDone(ctx); err != nil {
			return fmt.Errorf("configurationDone: %w", err)
		}
	}

	if !startDone {
		select {
		case startErr = <-started:
		case <-ctx.Done():
			return ctx.Err()
		}
		if startErr != nil {
			return fmt.Errorf("%s: %w", request, startErr)
		}
	}

	s.mu.Lock()
	s.configured = true
	s.mu.Unlock()

	s.queue.push(&debug.EventSet{Events: []debug.Event{
		{Kind: debug.EventVMStart},
		{Kind: debug.EventClassPrepare, ClassName: s.support},
	}})
	return nil
}

// Abandon tears down a session that never became usable.
func (s *Session) Abandon() {
	s.queue.abandon()
	_ = s.client.Close()
	if s.cleanup != nil {
		if err := s.cleanup(); err != nil {
			s.logger.Debug("abandon cleanup", zap.Error(err))
		}
	}
}

// Status implements debug.Session.
func (s *Session) Status() debug.MachineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone || !s.configured {
		return debug.StatusNotReady
	}
	for _, t := range s.threads {
		if t.count > 0 {
			return debug.StatusSuspended
		}
	}
	return debug.StatusRunning
}

// Close implements debug.Session. The target is terminated and the event
// stream ends with a VMDisconnect set.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.gone || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	ctx, cancel := s.callContext()
	if err := s.client.Disconnect(ctx, true); err != nil {
		s.logger.Debug("disconnect request", zap.Error(err))
	}
	cancel()

	err := s.client.Close()
	if s.cleanup != nil {
		if cerr := s.cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if errors.Is(err, ErrClientClosed) {
		err = nil
	}
	return err
}

// SetBreakpoint implements debug.Session. The handle is the adapter's
// godap.Breakpoint.
func (s *Session) SetBreakpoint(ctx context.Context, unit string, line int) (any, error) {
	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	if s.isGone() {
		return nil, debug.ErrSessionClosed
	}

	lines := insertLine(s.sources[unit], line)
	bps, err := s.client.SetBreakpoints(ctx, breakpointArgs(unit, lines))
	if err != nil {
		return nil, s.wrap(err)
	}
	s.sources[unit] = lines

	i := sort.SearchInts(lines, line)
	if i < len(bps) {
		bp := bps[i]
		if !bp.Verified {
			s.logger.Debug("breakpoint not verified",
				zap.String("unit", unit),
				zap.Int("line", line),
				zap.String("reason", bp.Message))
		}
		return bp, nil
	}
	return godap.Breakpoint{Line: line}, nil
}

// ClearBreakpoint implements debug.Session.
func (s *Session) ClearBreakpoint(ctx context.Context, unit string, line int) error {
	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	if s.isGone() {
		return debug.ErrSessionClosed
	}

	lines := removeLine(s.sources[unit], line)
	if _, err := s.client.SetBreakpoints(ctx, breakpointArgs(unit, lines)); err != nil {
		return s.wrap(err)
	}
	if len(lines) == 0 {
		delete(s.sources, unit)
	} else {
		s.sources[unit] = lines
	}
	return nil
}

// Invoke implements debug.Session by sending op as a custom request whose
// arguments are args. It returns the raw response body.
func (s *Session) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	var body json.RawMessage
	if err := s.client.Call(ctx, op, args, &body); err != nil {
		return nil, s.wrap(err)
	}
	return body, nil
}

// EventSets implements debug.Session.
func (s *Session) EventSets() <-chan *debug.EventSet { return s.queue.out }

// Resume implements debug.Session by undoing the suspension applied when
// the set was emitted.
func (s *Session) Resume(set *debug.EventSet) error {
	s.mu.Lock()
	threads, ok := s.suspended[set]
	delete(s.suspended, set)
	if !ok || s.gone {
		s.mu.Unlock()
		return nil
	}
	for _, t := range threads {
		if t.count > 0 {
			t.count--
		}
	}
	calls := s.continuationsLocked(threads)
	s.mu.Unlock()

	return s.sendContinues(calls)
}

// ExceptionInfo implements debug.Session.
func (s *Session) ExceptionInfo() *debug.ExceptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exception
}

// ExitStatus implements debug.Session.
func (s *Session) ExitStatus() debug.ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

func (s *Session) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Session) isGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

// wrap reports calls that failed because the adapter went away as
// debug.ErrSessionClosed.
func (s *Session) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClientClosed) || s.isGone() {
		return fmt.Errorf("%w: %v", debug.ErrSessionClosed, err)
	}
	return err
}

type continuation struct {
	thread int
	single bool
}

// continuationsLocked decides which continue requests follow a drop in the
// suspend counts of threads. Adapters without single-thread execution
// resume everything at once, so they only continue when no thread is left
// suspended.
func (s *Session) continuationsLocked(threads []*threadRef) []continuation {
	var calls []continuation
	if s.singleThread {
		for _, t := range threads {
			if t.count == 0 && !t.running {
				t.running = true
				calls = append(calls, continuation{thread: t.id, single: true})
			}
		}
		return calls
	}

	stopped := -1
	for _, t := range s.threads {
		if t.count > 0 {
			return nil
		}
		if !t.running {
			stopped = t.id
		}
	}
	if stopped < 0 {
		return nil
	}
	for _, t := range s.threads {
		t.running = true
	}
	return []continuation{{thread: stopped}}
}

func (s *Session) sendContinues(calls []continuation) error {
	var first error
	for _, c := range calls {
		ctx, cancel := s.callContext()
		err := s.client.Continue(ctx, c.thread, c.single)
		cancel()
		if err != nil && first == nil {
			first = s.wrap(err)
		}
	}
	return first
}

// threadLocked returns the ref for id, creating it when unknown.
func (s *Session) threadLocked(id int) (*threadRef, bool) {
	if t, ok := s.threads[id]; ok {
		return t, false
	}
	t := &threadRef{s: s, id: id, name: fmt.Sprintf("thread %d", id), running: true}
	s.threads[id] = t
	return t, true
}

// handleEvent runs on the client's receive goroutine. It translates
// adapter events into event sets; slow lookups are left to enrich.
func (s *Session) handleEvent(event string, body json.RawMessage) {
	switch event {
	case "initialized":
		s.initOnce.Do(func() { close(s.initialized) })

	case "stopped":
		var b godap.StoppedEventBody
		if s.decode(event, body, &b) {
			s.stopped(b)
		}

	case "continued":
		var b godap.ContinuedEventBody
		if s.decode(event, body, &b) {
			s.mu.Lock()
			for _, t := range s.threads {
				if b.AllThreadsContinued || t.id == b.ThreadId {
					t.running = true
				}
			}
			s.mu.Unlock()
		}

	case "thread":
		var b godap.ThreadEventBody
		if s.decode(event, body, &b) {
			s.threadEvent(b)
		}

	case "output":
		var b godap.OutputEventBody
		if s.decode(event, body, &b) && b.Category != "telemetry" {
			if _, err := io.WriteString(s.sink, b.Output); err != nil {
				s.logger.Debug("write target output", zap.Error(err))
			}
		}

	case "exited":
		var b godap.ExitedEventBody
		if s.decode(event, body, &b) {
			s.mu.Lock()
			code := b.ExitCode
			s.exitCode = &code
			s.mu.Unlock()
		}

	case "terminated":
		s.disconnect()

	default:
		s.logger.Debug("ignoring dap event", zap.String("event", event))
	}
}

func (s *Session) decode(event string, body json.RawMessage, v any) bool {
	if err := json.Unmarshal(body, v); err != nil {
		s.logger.Warn("undecodable dap event", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) threadEvent(b godap.ThreadEventBody) {
	s.mu.Lock()
	var set *debug.EventSet
	switch b.Reason {
	case "started":
		t, created := s.threadLocked(b.ThreadId)
		if created {
			set = &debug.EventSet{Events: []debug.Event{{Kind: debug.EventThreadStart, Thread: t}}}
		}
	case "exited":
		if t, ok := s.threads[b.ThreadId]; ok {
			delete(s.threads, b.ThreadId)
			t.pauseDoneLocked()
			set = &debug.EventSet{Events: []debug.Event{{Kind: debug.EventThreadDeath, Thread: t}}}
		}
	}
	s.mu.Unlock()

	if set != nil {
		s.queue.push(set)
	}
}

func stopKind(reason string) debug.EventKind {
	switch reason {
	case "breakpoint", "function breakpoint", "data breakpoint", "instruction breakpoint":
		return debug.EventBreakpoint
	case "exception":
		return debug.EventException
	default:
		return debug.EventStep
	}
}

func (s *Session) stopped(b godap.StoppedEventBody) {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}

	t, created := s.threadLocked(b.ThreadId)

	// A stop answering our own pause changes no counts.
	if b.Reason == "pause" && t.pausing {
		for _, other := range s.threads {
			if b.AllThreadsStopped || other == t {
				other.running = false
				other.pauseDoneLocked()
			}
		}
		s.mu.Unlock()
		return
	}

	set := &debug.EventSet{Policy: debug.SuspendEventThread}
	affected := []*threadRef{t}
	if b.AllThreadsStopped {
		set.Policy = debug.SuspendAll
		affected = affected[:0]
		for _, other := range s.threads {
			affected = append(affected, other)
		}
	}
	for _, a := range affected {
		a.running = false
		a.count++
		a.pauseDoneLocked()
	}
	s.suspended[set] = affected

	if created {
		set.Events = append(set.Events, debug.Event{Kind: debug.EventThreadStart, Thread: t})
	}
	e := debug.Event{Kind: stopKind(b.Reason), Thread: t, KeepSuspended: true}
	if e.Kind == debug.EventException {
		e.Exception = &debug.ExceptionInfo{TypeName: b.Description, Message: b.Text, ThreadID: int64(t.id)}
	}
	set.Events = append(set.Events, e)
	s.mu.Unlock()

	s.queue.push(set)
}

// watch turns the end of the transport into a disconnect.
func (s *Session) watch() {
	<-s.client.Done()
	s.disconnect()
}

// disconnect queues the final VMDisconnect set once.
func (s *Session) disconnect() {
	s.disconnectOnce.Do(func() {
		s.mu.Lock()
		s.gone = true
		for _, t := range s.threads {
			t.pauseDoneLocked()
		}
		s.mu.Unlock()

		s.queue.push(&debug.EventSet{Events: []debug.Event{{Kind: debug.EventVMDisconnect}}})
		s.queue.finish()
	})
}

// enrich runs on the delivery goroutine before a set is handed to the
// dispatcher, where it may call the adapter.
func (s *Session) enrich(set *debug.EventSet) {
	if set.Has(debug.EventVMDisconnect) {
		s.resolveExit()
		return
	}
	if s.isGone() {
		return
	}

	ctx, cancel := s.callContext()
	defer cancel()

	if set.Has(debug.EventThreadStart) {
		s.refreshNames(ctx)
	}

	for i := range set.Events {
		e := &set.Events[i]
		switch e.Kind {
		case debug.EventBreakpoint, debug.EventStep:
			e.Unit, e.Line = s.location(ctx, e.Thread)
		case debug.EventException:
			info := e.Exception
			if info == nil {
				info = &debug.ExceptionInfo{ThreadID: e.Thread.ID()}
			}
			tid := int(e.Thread.ID())
			if body, err := s.client.ExceptionInfo(ctx, tid); err == nil {
				info.TypeName = body.ExceptionId
				info.Message = body.Description
			} else {
				s.logger.Debug("exceptionInfo", zap.Int("thread", tid), zap.Error(err))
			}
			info.Unit, info.Line = s.location(ctx, e.Thread)
			e.Unit, e.Line = info.Unit, info.Line
			e.Exception = info

			s.mu.Lock()
			s.exception = info
			s.mu.Unlock()
		}
	}
}

func (s *Session) location(ctx context.Context, t debug.ThreadRef) (string, int) {
	if t == nil {
		return "", 0
	}
	frame, err := s.client.TopFrame(ctx, int(t.ID()))
	if err != nil || frame == nil {
		if err != nil {
			s.logger.Debug("stackTrace", zap.Int64("thread", t.ID()), zap.Error(err))
		}
		return "", 0
	}
	if frame.Source == nil {
		return frame.Name, frame.Line
	}
	unit := frame.Source.Path
	if unit == "" {
		unit = frame.Source.Name
	}
	return unit, frame.Line
}

func (s *Session) refreshNames(ctx context.Context) {
	threads, err := s.client.Threads(ctx)
	if err != nil {
		s.logger.Debug("threads", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, th := range threads {
		if t, ok := s.threads[th.Id]; ok && th.Name != "" {
			t.name = th.Name
		}
	}
}

// resolveExit settles the exit status once the adapter is gone. The adapter
// process gets a short grace period to be reaped so its exit can be read.
func (s *Session) resolveExit() {
	if s.proc != nil {
		timer := time.NewTimer(s.timeout)
		select {
		case <-s.proc.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closing:
		s.exit = debug.ExitForced
	case s.exitCode != nil && *s.exitCode == 0:
		s.exit = debug.ExitNormal
	case s.exitCode != nil && s.exception != nil:
		s.exit = debug.ExitException
	case s.exitCode != nil:
		s.exit = debug.ExitError
	case s.proc != nil:
		s.exit = exitFromProcess(s.proc.ExitKind(), s.exception != nil)
	default:
		s.exit = debug.ExitUnknown
	}
}

func exitFromProcess(kind process.ExitKind, excepted bool) debug.ExitStatus {
	switch kind {
	case process.ExitClean:
		return debug.ExitNormal
	case process.ExitStopped:
		return debug.ExitForced
	case process.ExitFailed:
		if excepted {
			return debug.ExitException
		}
		return debug.ExitError
	default:
		return debug.ExitUnknown
	}
}

func breakpointArgs(unit string, lines []int) godap.SetBreakpointsArguments {
	bps := make([]godap.SourceBreakpoint, len(lines))
	for i, l := range lines {
		bps[i] = godap.SourceBreakpoint{Line: l}
	}
	return godap.SetBreakpointsArguments{
		Source:      godap.Source{Path: unit},
		Breakpoints: bps,
	}
}

func insertLine(lines []int, line int) []int {
	i := sort.SearchInts(lines, line)
	if i < len(lines) && lines[i] == line {
		return lines
	}
	out := make([]int, 0, len(lines)+1)
	out = append(out, lines[:i]...)
	out = append(out, line)
	return append(out, lines[i:]...)
}

func removeLine(lines []int, line int) []int {
	i := sort.SearchInts(lines, line)
	if i == len(lines) || lines[i] != line {
		return lines
	}
	out := make([]int, 0, len(lines)-1)
	out = append(out, lines[:i]...)
	return append(out, lines[i+1:]...)
}
