package dap

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/remotedbg/internal/integration/debug"
)

// DefaultSystemPrefixes name the threads treated as system threads when no
// prefixes are configured. Leading "[...]" labels such as delve's
// "[Go 12]" are ignored when matching.
var DefaultSystemPrefixes = []string{
	"runtime.",
	"Reference Handler",
	"Finalizer",
	"Signal Dispatcher",
	"Common-Cleaner",
	"pydevd.",
}

// threadRef is a DAP thread with an emulated suspend count. All mutable
// fields are guarded by the session mutex.
type threadRef struct {
	s  *Session
	id int

	name    string
	count   int
	running bool
	// pausing is set while a pause this session sent is in flight.
	pausing bool
	// paused is closed when the adapter confirms that pause.
	paused chan struct{}
}

var _ debug.ThreadRef = (*threadRef)(nil)

func (t *threadRef) ID() int64 { return int64(t.id) }

func (t *threadRef) Name() string {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.name
}

func (t *threadRef) IsSystem() bool {
	return isSystem(t.Name(), t.s.prefixes)
}

func (t *threadRef) IsSuspended() bool {
	return t.SuspendCount() > 0
}

func (t *threadRef) SuspendCount() int {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.count
}

// Suspend adds one to the suspend count. A running thread is paused and
// Suspend waits for the adapter's stopped event before returning.
func (t *threadRef) Suspend() error {
	s := t.s
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return debug.ErrSessionClosed
	}
	t.count++
	pause := t.count == 1 && t.running
	if pause {
		t.running = false
		t.pausing = true
		t.paused = make(chan struct{})
	}
	paused := t.paused
	s.mu.Unlock()

	if !pause {
		return nil
	}
	ctx, cancel := s.callContext()
	defer cancel()
	if err := s.client.Pause(ctx, t.id); err != nil {
		return s.wrap(err)
	}

	select {
	case <-paused:
	case <-ctx.Done():
		return fmt.Errorf("pause thread %d: no stopped event: %w", t.id, ctx.Err())
	}
	if s.isGone() {
		return debug.ErrSessionClosed
	}
	return nil
}

// pauseDoneLocked ends the pause in flight on t, if any.
func (t *threadRef) pauseDoneLocked() {
	t.pausing = false
	if t.paused != nil {
		close(t.paused)
		t.paused = nil
	}
}

// Resume takes one from the suspend count. The thread runs again once no
// suspension is left.
func (t *threadRef) Resume() error {
	s := t.s
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return debug.ErrSessionClosed
	}
	if t.count == 0 {
		s.mu.Unlock()
		return nil
	}
	t.count--
	calls := s.continuationsLocked([]*threadRef{t})
	s.mu.Unlock()

	return s.sendContinues(calls)
}

// Step clears the suspension and lets the thread run to the next line.
func (t *threadRef) Step(kind debug.StepKind) error {
	s := t.s
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return debug.ErrSessionClosed
	}
	if t.count == 0 {
		s.mu.Unlock()
		return fmt.Errorf("step %s: thread %d is running: %w", kind, t.id, debug.ErrIllegalState)
	}
	t.count = 0
	t.running = true
	if !s.singleThread {
		for _, other := range s.threads {
			other.running = true
		}
	}
	s.mu.Unlock()

	ctx, cancel := s.callContext()
	defer cancel()
	return s.wrap(stepCall(ctx, s.client, t.id, kind))
}

func stepCall(ctx context.Context, c *Client, id int, kind debug.StepKind) error {
	switch kind {
	case debug.StepInto:
		return c.StepIn(ctx, id)
	case debug.StepOut:
		return c.StepOut(ctx, id)
	default:
		return c.Next(ctx, id)
	}
}

func (t *threadRef) String() string {
	return fmt.Sprintf("thread %d (%s)", t.id, t.Name())
}

// isSystem matches name against prefixes after dropping a leading label.
func isSystem(name string, prefixes []string) bool {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "[") {
		if i := strings.IndexByte(name, ']'); i >= 0 {
			name = strings.TrimSpace(name[i+1:])
		}
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
