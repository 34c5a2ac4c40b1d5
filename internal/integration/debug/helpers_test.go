package debug_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/debug/debugtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder collects every event raised by a controller.
type recorder struct {
	mu     sync.Mutex
	events []debug.DebuggerEvent
}

func (r *recorder) OnEvent(e debug.DebuggerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []debug.DebuggerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]debug.DebuggerEvent(nil), r.events...)
}

func (r *recorder) kinds() []debug.DebuggerEventKind {
	out := []debug.DebuggerEventKind{}
	for _, e := range r.all() {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) count(match func(debug.DebuggerEvent) bool) int {
	n := 0
	for _, e := range r.all() {
		if match(e) {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func isState(old, new debug.MachineStatus) func(debug.DebuggerEvent) bool {
	return func(e debug.DebuggerEvent) bool {
		return e.Kind == debug.StateChanged && e.OldState == old && e.NewState == new
	}
}

func isKind(kind debug.DebuggerEventKind) func(debug.DebuggerEvent) bool {
	return func(e debug.DebuggerEvent) bool { return e.Kind == kind }
}

// newController returns a controller over a fresh factory plus a recorder
// registered as its listener.
func newController(t *testing.T, opts ...debug.Option) (*debug.Controller, *debugtest.Factory, *recorder) {
	t.Helper()

	factory := debugtest.NewFactory(debug.DefaultSupportClass)
	opts = append([]debug.Option{debug.WithCallTimeout(time.Second)}, opts...)
	ctrl := debug.New(factory, opts...)
	rec := &recorder{}
	ctrl.AddListener(rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return ctrl, factory, rec
}

// launchIdle launches ctrl and waits until the new session is ready.
func launchIdle(t *testing.T, ctrl *debug.Controller, factory *debugtest.Factory, rec *recorder) *debugtest.Session {
	t.Helper()

	ready := rec.count(isState(debug.StatusNotReady, debug.StatusIdle))
	require.NoError(t, ctrl.Launch())
	waitReady(t, rec, ready+1)
	return factory.Last()
}

// waitReady waits until n sessions have reported ready.
func waitReady(t *testing.T, rec *recorder, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return rec.count(isState(debug.StatusNotReady, debug.StatusIdle)) >= n
	}, waitFor, tick)
}
