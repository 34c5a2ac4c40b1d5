package debug

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/remotedbg/internal/integration"
)

// sessionFuture resolves once per session generation with the live session
// or the reason loading failed.
type sessionFuture struct {
	done    chan struct{}
	once    sync.Once
	session Session
	err     error
}

func newSessionFuture() *sessionFuture {
	return &sessionFuture{done: make(chan struct{})}
}

func (f *sessionFuture) resolve(s Session, err error) {
	f.once.Do(func() {
		f.session = s
		f.err = err
		close(f.done)
	})
}

// Await blocks until the future resolves or ctx is done.
func (f *sessionFuture) Await(ctx context.Context) (Session, error) {
	select {
	case <-f.done:
		return f.session, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sessionLoader establishes one session generation in the background.
type sessionLoader struct {
	c          *Controller
	generation uint64
	future     *sessionFuture
	logger     *zap.Logger
}

// start runs the loader until the session is published or the load fails.
// Cancelling ctx abandons the load.
func (l *sessionLoader) start(ctx context.Context, cancel context.CancelFunc) {
	integration.SafeGo(func() {
		defer cancel()
		lowerPriority()
		l.run(ctx)
	}, func(r any) {
		l.fail(nil, fmt.Errorf("%w: loader panic: %v", ErrInternal, r))
	})
}

func (l *sessionLoader) run(ctx context.Context) {
	c := l.c

	l.logger.Debug("opening session", zap.String("working_dir", c.workingDir))
	s, err := c.factory.Open(ctx, c.workingDir, c.sink)
	if err != nil {
		l.fail(nil, fmt.Errorf("open session: %w", err))
		return
	}

	d := newDispatcher(s, l.generation, c, c.supportClass, l.logger)
	go d.run()

	if err := l.awaitReady(ctx, d); err != nil {
		l.fail(s, err)
		return
	}

	if len(c.libraryPath) > 0 {
		args := make([]any, len(c.libraryPath))
		for i, p := range c.libraryPath {
			args[i] = p
		}
		callCtx, cancel := c.bounded(ctx)
		err := d.Exclusive(callCtx, func() error {
			_, err := s.Invoke(callCtx, OpSetLibraryPath, args...)
			return err
		})
		cancel()
		if err != nil {
			l.fail(s, fmt.Errorf("install library path: %w", err))
			return
		}
	}

	if err := c.publish(l.generation, d); err != nil {
		if errors.Is(err, errLoadAbandoned) {
			l.logger.Debug("load abandoned")
			_ = s.Close()
			l.future.resolve(nil, ErrNoSession)
			return
		}
		l.fail(s, err)
		return
	}

	if err := c.breakpoints.Attach(ctx, s); err != nil {
		l.logger.Warn("some breakpoints could not be restored", zap.Error(err))
	}

	c.raise(stateChangedEvent(StatusNotReady, StatusIdle))
	l.future.resolve(s, nil)
	l.logger.Info("session ready")
}

// awaitReady blocks until the support class is prepared, the session
// disconnects, the ready timeout expires or the load is abandoned.
func (l *sessionLoader) awaitReady(ctx context.Context, d *Dispatcher) error {
	timer := l.c.clock.Timer(l.c.readyTimeout)
	defer timer.Stop()

	select {
	case <-d.Ready():
		return nil
	case <-d.Done():
		return fmt.Errorf("%w: target disconnected during startup", ErrNotReady)
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrNotReady, l.c.readyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *sessionLoader) fail(s Session, err error) {
	if s != nil {
		if cerr := s.Close(); cerr != nil && !errors.Is(cerr, ErrSessionClosed) {
			l.logger.Debug("close failed session", zap.Error(cerr))
		}
	}
	if !l.c.loadFailed(l.generation) {
		l.logger.Debug("load abandoned", zap.Error(err))
		l.future.resolve(nil, ErrNoSession)
		return
	}
	l.logger.Error("session creation failed", zap.Error(err))
	l.c.raise(DebuggerEvent{Kind: CreateFailed, Err: err})
	l.future.resolve(nil, err)
}
