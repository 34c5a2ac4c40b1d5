package debug_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/remotedbg/internal/integration/debug"
	"github.com/dshills/remotedbg/internal/integration/debug/debugtest"
)

func threadIDs(threads []*debug.Thread) []int64 {
	ids := []int64{}
	for _, t := range threads {
		ids = append(ids, t.ID())
	}
	return ids
}

func TestController_LaunchReachesIdle(t *testing.T) {
	ctrl, factory, rec := newController(t, debug.WithWorkingDir("/srv/project"))
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())

	s := launchIdle(t, ctrl, factory, rec)

	assert.Equal(t, debug.StatusIdle, ctrl.Status())
	assert.False(t, s.Closed())
	assert.Equal(t, []string{"/srv/project"}, factory.WorkingDirs())

	events := rec.all()
	require.Len(t, events, 2)
	assert.True(t, isState(debug.StatusUnknown, debug.StatusNotReady)(events[0]))
	assert.True(t, isState(debug.StatusNotReady, debug.StatusIdle)(events[1]))
}

func TestController_LaunchWhileRunningIsIllegal(t *testing.T) {
	ctrl, factory, rec := newController(t)
	launchIdle(t, ctrl, factory, rec)

	assert.ErrorIs(t, ctrl.Launch(), debug.ErrIllegalState)
	assert.Equal(t, 1, factory.Opened())
}

func TestController_LaunchWhileLoadingIsIgnored(t *testing.T) {
	factory := debugtest.NewFactory("")
	ctrl := debug.New(factory)
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })

	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool { return factory.Opened() == 1 }, waitFor, tick)

	require.NoError(t, ctrl.Launch())
	assert.Never(t, func() bool { return factory.Opened() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())

	factory.Last().Ready(debug.DefaultSupportClass)
	require.Eventually(t, func() bool { return ctrl.Status() == debug.StatusIdle }, waitFor, tick)
}

func TestController_AwaitSessionWaitsForLoader(t *testing.T) {
	factory := debugtest.NewFactory("")
	ctrl := debug.New(factory)
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })

	_, err := ctrl.AwaitSession(context.Background())
	assert.ErrorIs(t, err, debug.ErrNoSession)

	require.NoError(t, ctrl.Launch())

	type result struct {
		s   debug.Session
		err error
	}
	got := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s, err := ctrl.AwaitSession(ctx)
		got <- result{s, err}
	}()

	require.Eventually(t, func() bool { return factory.Opened() == 1 }, waitFor, tick)
	factory.Last().Ready(debug.DefaultSupportClass)

	r := <-got
	require.NoError(t, r.err)
	assert.Same(t, factory.Last(), r.s)
}

func TestController_BreakpointHit(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", 10, true))
	assert.True(t, s.HasBreakpoint("Foo", 10))

	main := debugtest.NewThread(1, "main", false)
	s.StartThread(main)
	s.Run()
	s.HitBreakpoint(main, "Foo", 10)

	require.Eventually(t, func() bool {
		return rec.count(isKind(debug.ThreadBreakpoint)) == 1 && s.Resumes() == 3
	}, waitFor, tick)

	for _, e := range rec.all() {
		if e.Kind == debug.ThreadBreakpoint {
			require.NotNil(t, e.Thread)
			assert.Equal(t, int64(1), e.Thread.ID())
			assert.Equal(t, "main", e.Thread.Name())
		}
	}
	assert.Equal(t, debug.StatusSuspended, ctrl.Status())
	assert.Equal(t, 1, main.SuspendCount())
	assert.Equal(t, []int64{1}, threadIDs(ctrl.VisibleThreads()))
}

func TestController_AutoRestartAfterCrash(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	s1 := launchIdle(t, ctrl, factory, rec)

	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", 10, true))
	name := ctrl.GuessNewName("Widget")
	require.NoError(t, ctrl.AddObjectToScope(ctx, "main", name, debug.ObjectRef{ID: 3, TypeName: "Widget"}))

	s1.Run()
	s1.StartThread(debugtest.NewThread(1, "main", false))
	require.Eventually(t, func() bool {
		return rec.count(isState(debug.StatusIdle, debug.StatusRunning)) == 1
	}, waitFor, tick)
	require.Len(t, ctrl.Threads(), 1)

	rec.reset()
	s1.Crash()
	waitReady(t, rec, 1)

	events := rec.all()
	require.Len(t, events, 4)
	assert.Equal(t, debug.RemoveStepMarks, events[0].Kind)
	assert.True(t, isState(debug.StatusIdle, debug.StatusNotReady)(events[1]))
	assert.True(t, isState(debug.StatusUnknown, debug.StatusNotReady)(events[2]))
	assert.True(t, isState(debug.StatusNotReady, debug.StatusIdle)(events[3]))

	s2 := factory.Last()
	assert.Equal(t, 2, factory.Opened())
	assert.NotSame(t, s1, s2)
	assert.True(t, s2.HasBreakpoint("Foo", 10))
	assert.Empty(t, ctrl.Threads())
	assert.Empty(t, ctrl.Bindings("main"))
	assert.Equal(t, "widget1", ctrl.GuessNewName("Widget"))
	assert.Equal(t, debug.ExitException, ctrl.ExitStatus())
	assert.Equal(t, debug.StatusIdle, ctrl.Status())
}

func TestController_CloseWithoutRestartStaysDown(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	require.NoError(t, ctrl.Close(false))
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())

	require.Eventually(t, func() bool {
		return s.Closed() && ctrl.ExitStatus() == debug.ExitForced
	}, waitFor, tick)
	assert.Never(t, func() bool { return factory.Opened() > 1 }, 100*time.Millisecond, tick)

	assert.Zero(t, rec.count(isKind(debug.RemoveStepMarks)))
	assert.Zero(t, rec.count(isState(debug.StatusIdle, debug.StatusNotReady)))
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())

	// Without a session, close(false) is a no-op and close(true) launches.
	require.NoError(t, ctrl.Close(false))
	assert.Equal(t, 1, factory.Opened())
	require.NoError(t, ctrl.Close(true))
	waitReady(t, rec, 2)
	assert.Equal(t, 2, factory.Opened())
}

func TestController_CloseWithRestartPreservesBreakpoints(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	s1 := launchIdle(t, ctrl, factory, rec)

	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", 10, true))
	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Bar", 20, true))
	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Gone", 5, true))

	factory.OnOpen(func(s *debugtest.Session) {
		s.RejectUnit("Gone", errors.New("class not found"))
	})

	require.NoError(t, ctrl.Close(true))
	waitReady(t, rec, 2)

	s2 := factory.Last()
	assert.NotSame(t, s1, s2)
	assert.True(t, s1.Closed())
	assert.True(t, s2.HasBreakpoint("Foo", 10))
	assert.True(t, s2.HasBreakpoint("Bar", 20))
	assert.False(t, s2.HasBreakpoint("Gone", 5))

	var restored []string
	for _, bp := range ctrl.Breakpoints().Snapshot() {
		restored = append(restored, bp.String())
		assert.True(t, bp.Installed())
	}
	assert.Equal(t, []string{"Bar:20", "Foo:10"}, restored)
}

func TestController_CloseWhileLoadingAbandonsLoad(t *testing.T) {
	factory := debugtest.NewFactory("")
	ctrl := debug.New(factory)
	rec := &recorder{}
	ctrl.AddListener(rec)

	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool { return factory.Opened() == 1 }, waitFor, tick)

	require.NoError(t, ctrl.Close(false))
	s := factory.Last()
	s.Ready(debug.DefaultSupportClass)

	require.Eventually(t, s.Closed, waitFor, tick)
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())
	assert.Zero(t, rec.count(isState(debug.StatusNotReady, debug.StatusIdle)))
	assert.Zero(t, rec.count(isKind(debug.CreateFailed)))
}

func TestController_CloseWhileLoadingClosesUnreadyTarget(t *testing.T) {
	factory := debugtest.NewFactory("")
	ctrl := debug.New(factory, debug.WithReadyTimeout(time.Minute))
	rec := &recorder{}
	ctrl.AddListener(rec)

	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool { return factory.Opened() == 1 }, waitFor, tick)
	first := factory.Last()

	// The target never reports ready; closing must not wait out the timeout.
	require.NoError(t, ctrl.Close(false))
	require.Eventually(t, first.Closed, waitFor, tick)

	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool { return factory.Opened() == 2 }, waitFor, tick)
	factory.Last().Ready(debug.DefaultSupportClass)
	waitReady(t, rec, 1)

	assert.Zero(t, rec.count(isKind(debug.CreateFailed)))
	assert.Equal(t, debug.StatusIdle, ctrl.Status())
	assert.Equal(t, 2, rec.count(isState(debug.StatusUnknown, debug.StatusNotReady)))
}

func TestController_CreateFailed(t *testing.T) {
	ctrl, factory, rec := newController(t)
	factory.FailNext(errors.New("adapter not found"))

	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool {
		return rec.count(isKind(debug.CreateFailed)) == 1
	}, waitFor, tick)

	for _, e := range rec.all() {
		if e.Kind == debug.CreateFailed {
			assert.ErrorContains(t, e.Err, "adapter not found")
		}
	}
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())

	_, err := ctrl.AwaitSession(context.Background())
	assert.ErrorIs(t, err, debug.ErrNoSession)

	launchIdle(t, ctrl, factory, rec)
	assert.Equal(t, debug.StatusIdle, ctrl.Status())
}

func TestController_ReadyTimeout(t *testing.T) {
	mock := clock.NewMock()
	factory := debugtest.NewFactory("")
	ctrl := debug.New(factory, debug.WithClock(mock), debug.WithReadyTimeout(time.Second))
	rec := &recorder{}
	ctrl.AddListener(rec)

	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return rec.count(isKind(debug.CreateFailed)) == 1
	}, waitFor, tick)

	for _, e := range rec.all() {
		if e.Kind == debug.CreateFailed {
			assert.ErrorIs(t, e.Err, debug.ErrNotReady)
		}
	}
	require.Eventually(t, factory.Last().Closed, waitFor, tick)
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())
}

func TestController_InstallsLibraryPath(t *testing.T) {
	ctrl, factory, rec := newController(t, debug.WithLibraryPath("lib/a.jar", "lib/b.jar"))
	s := launchIdle(t, ctrl, factory, rec)

	calls := s.Invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, debug.OpSetLibraryPath, calls[0].Op)
	assert.Equal(t, []any{"lib/a.jar", "lib/b.jar"}, calls[0].Args)
}

func TestController_LibraryPathFailureFailsLoad(t *testing.T) {
	ctrl, factory, rec := newController(t, debug.WithLibraryPath("missing"))
	factory.OnOpen(func(s *debugtest.Session) {
		s.FailInvoke(debug.OpSetLibraryPath, errors.New("no such directory"))
	})

	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool {
		return rec.count(isKind(debug.CreateFailed)) == 1
	}, waitFor, tick)
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())
	assert.True(t, factory.Last().Closed())
}

func TestController_ToggleBoundedWhileRestoreStalls(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t, debug.WithCallTimeout(200*time.Millisecond))
	factory.OnOpen(func(s *debugtest.Session) { s.StallBreakpoints() })

	for line := 1; line <= 5; line++ {
		require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", line, true))
	}
	require.NoError(t, ctrl.Launch())
	require.Eventually(t, func() bool { return ctrl.Status() == debug.StatusIdle }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	// Restoring five breakpoints against the hung target takes about a
	// second; the toggle is bounded by its own call timeout.
	start := time.Now()
	err := ctrl.ToggleBreakpoint(ctx, "Bar", 1, true)
	assert.ErrorIs(t, err, debug.ErrInternal)
	assert.Less(t, time.Since(start), 700*time.Millisecond)

	waitReady(t, rec, 1)
	assert.Zero(t, ctrl.Breakpoints().Len())
}

func TestController_ToggleBreakpoint(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)

	// Breakpoints set before launch are installed once the session is ready.
	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Early", 1, true))
	s := launchIdle(t, ctrl, factory, rec)
	assert.True(t, s.HasBreakpoint("Early", 1))

	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", 10, true))
	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", 10, true))
	assert.Equal(t, 2, s.BreakpointCount())
	assert.Equal(t, 2, ctrl.Breakpoints().Len())

	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Never", 3, false))

	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", 10, false))
	assert.False(t, s.HasBreakpoint("Foo", 10))
	assert.False(t, ctrl.Breakpoints().Has("Foo", 10))

	s.RejectUnit("Bad", errors.New("class not loaded"))
	err := ctrl.ToggleBreakpoint(ctx, "Bad", 7, true)
	assert.ErrorIs(t, err, debug.ErrInternal)
	assert.Equal(t, "internal error", err.Error())
	assert.False(t, ctrl.Breakpoints().Has("Bad", 7))
}

func TestController_DiscardBreakpoints(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	launchIdle(t, ctrl, factory, rec)

	require.NoError(t, ctrl.ToggleBreakpoint(ctx, "Foo", 10, true))
	ctrl.DiscardBreakpoints()

	require.NoError(t, ctrl.Close(true))
	waitReady(t, rec, 2)
	assert.Zero(t, factory.Last().BreakpointCount())
}

func TestController_ObjectBindings(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	name := ctrl.GuessNewName("java.util.HashMap")
	assert.Equal(t, "hashMap1", name)

	obj := debug.ObjectRef{ID: 7, TypeName: "java.util.HashMap"}
	require.NoError(t, ctrl.AddObjectToScope(ctx, "scope1", name, obj))
	assert.Equal(t, []string{"hashMap1"}, ctrl.Bindings("scope1"))
	got, ok := ctrl.Lookup("scope1", "hashMap1")
	require.True(t, ok)
	assert.Equal(t, obj, got)

	assert.Equal(t, "hashMap2", ctrl.GuessNewName("java.util.HashMap"))
	assert.ErrorIs(t, ctrl.AddObjectToScope(ctx, "scope1", name, obj), debug.ErrNameInUse)

	require.NoError(t, ctrl.RemoveObjectFromScope(ctx, "scope1", name))
	assert.Empty(t, ctrl.Bindings("scope1"))
	assert.Equal(t, "hashMap2", ctrl.GuessNewName("java.util.HashMap"))

	calls := s.Invocations()
	require.Len(t, calls, 2)
	assert.Equal(t, debug.OpAddObject, calls[0].Op)
	assert.Equal(t, []any{"scope1", "hashMap1", int64(7)}, calls[0].Args)
	assert.Equal(t, debug.OpRemoveObject, calls[1].Op)

	require.NoError(t, ctrl.Close(true))
	waitReady(t, rec, 2)
	assert.Equal(t, "hashMap1", ctrl.GuessNewName("java.util.HashMap"))
}

func TestController_AddObjectProtocolFailure(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)
	s.FailInvoke(debug.OpAddObject, errors.New("object collected"))

	err := ctrl.AddObjectToScope(ctx, "scope1", "obj1", debug.ObjectRef{ID: 1})
	assert.ErrorIs(t, err, debug.ErrInternal)
	assert.Empty(t, ctrl.Bindings("scope1"))
}

func TestController_RemoveObjectAfterSessionGone(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	require.NoError(t, ctrl.AddObjectToScope(ctx, "scope1", "obj1", debug.ObjectRef{ID: 1}))
	require.NoError(t, ctrl.Close(false))
	require.Eventually(t, s.Closed, waitFor, tick)

	assert.NoError(t, ctrl.RemoveObjectFromScope(ctx, "scope1", "obj1"))
	assert.NoError(t, ctrl.RemoveObjectFromScope(ctx, "scope1", "never-bound"))
}

func TestController_NewLoaderGenerationClearsBindings(t *testing.T) {
	ctx := context.Background()
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	require.NoError(t, ctrl.AddObjectToScope(ctx, "scope1", "obj1", debug.ObjectRef{ID: 1}))
	require.NoError(t, ctrl.NewLoaderGeneration(ctx, "build/classes"))

	assert.Empty(t, ctrl.Bindings("scope1"))
	calls := s.Invocations()
	require.Len(t, calls, 2)
	assert.Equal(t, debug.OpNewLoader, calls[1].Op)
	assert.Equal(t, []any{"build/classes"}, calls[1].Args)
}

func TestController_ExceptionInfo(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)
	main := debugtest.NewThread(1, "main", false)
	s.StartThread(main)

	info := &debug.ExceptionInfo{TypeName: "NullPointerException", Message: "boom", ThreadID: 1}
	s.Throw(main, info)

	require.Eventually(t, func() bool { return ctrl.ExceptionInfo() != nil }, waitFor, tick)
	assert.Equal(t, info, ctrl.ExceptionInfo())
}

func TestController_HideSystemThreads(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	s.StartThread(debugtest.NewThread(1, "main", false))
	s.StartThread(debugtest.NewThread(2, "Finalizer", true))
	require.Eventually(t, func() bool { return len(ctrl.Threads()) == 2 }, waitFor, tick)

	assert.Equal(t, []int64{2, 1}, threadIDs(ctrl.VisibleThreads()))

	ctrl.HideSystemThreads(true)
	assert.Equal(t, []int64{1}, threadIDs(ctrl.VisibleThreads()))
	assert.Len(t, ctrl.DisplayNodes(), 1)

	ctrl.HideSystemThreads(false)
	assert.Equal(t, []int64{2, 1}, threadIDs(ctrl.VisibleThreads()))
}

func TestController_ThreadLifecycle(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	main := debugtest.NewThread(1, "main", false)
	s.StartThread(main)
	require.Eventually(t, func() bool { return len(ctrl.Threads()) == 1 }, waitFor, tick)

	s.EndThread(main)
	require.Eventually(t, func() bool { return len(ctrl.Threads()) == 0 }, waitFor, tick)
	assert.Empty(t, ctrl.VisibleThreads())
}

func TestController_ThreadControl(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	main := debugtest.NewThread(1, "main", false)
	s.StartThread(main)
	require.Eventually(t, func() bool { return len(ctrl.Threads()) == 1 }, waitFor, tick)

	require.NoError(t, ctrl.HaltThread(1))
	assert.Equal(t, 1, main.SuspendCount())
	assert.Equal(t, 1, rec.count(isKind(debug.ThreadHalt)))
	assert.Equal(t, debug.StatusSuspended, ctrl.Status())

	require.NoError(t, ctrl.StepThread(1, debug.StepOver))
	assert.Equal(t, []debug.StepKind{debug.StepOver}, main.Steps())
	assert.Zero(t, main.SuspendCount())

	require.NoError(t, ctrl.HaltThread(1))
	require.NoError(t, ctrl.ContinueThread(1))
	assert.Zero(t, main.SuspendCount())

	assert.ErrorIs(t, ctrl.ContinueThread(99), debug.ErrUnknownThread)
	assert.ErrorIs(t, ctrl.HaltThread(99), debug.ErrUnknownThread)

	main.Fail(errors.New("thread collected"))
	assert.ErrorIs(t, ctrl.HaltThread(1), debug.ErrInternal)
}

func TestController_HaltOfVanishedTargetRaisesNothing(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	main := debugtest.NewThread(1, "main", false)
	s.StartThread(main)
	require.Eventually(t, func() bool { return len(ctrl.Threads()) == 1 }, waitFor, tick)

	main.Fail(debug.ErrSessionClosed)
	require.NoError(t, ctrl.HaltThread(1))
	assert.Zero(t, rec.count(isKind(debug.ThreadHalt)))
}

func TestController_EventSetSuspendsAtMostOnce(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	main := debugtest.NewThread(1, "main", false)
	s.StartThread(main)
	require.Eventually(t, func() bool { return len(ctrl.Threads()) == 1 }, waitFor, tick)

	const n = 3
	for m := 0; m <= n; m++ {
		events := make([]debug.Event, n)
		for i := range events {
			events[i] = debug.Event{
				Kind:          debug.EventStep,
				Thread:        main,
				KeepSuspended: i < m,
			}
		}

		before := main.SuspendCount()
		resumes := s.Resumes()
		s.Emit(&debug.EventSet{Policy: debug.SuspendAll, Events: events})
		require.Eventually(t, func() bool { return s.Resumes() == resumes+1 }, waitFor, tick)

		if m == 0 {
			assert.Equal(t, before, main.SuspendCount(), "m=%d", m)
		} else {
			assert.Equal(t, before+1, main.SuspendCount(), "m=%d", m)
		}
	}
}

func TestController_ExclusiveAccessPausesDispatch(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- ctrl.RunExclusive(context.Background(), func(got debug.Session) error {
			assert.Same(t, s, got)
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	s.StartThread(debugtest.NewThread(5, "worker", false))
	assert.Never(t, func() bool { return len(ctrl.Threads()) > 0 }, 100*time.Millisecond, tick)

	close(release)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return len(ctrl.Threads()) == 1 }, waitFor, tick)
}

func TestController_RestartGuard(t *testing.T) {
	mock := clock.NewMock()
	ctrl, factory, rec := newController(t,
		debug.WithClock(mock),
		debug.WithRestartPolicy(2, time.Minute),
	)

	s1 := launchIdle(t, ctrl, factory, rec)
	s1.Crash()
	waitReady(t, rec, 2)

	s2 := factory.Last()
	s2.Crash()
	assert.Never(t, func() bool { return factory.Opened() > 2 }, 100*time.Millisecond, tick)
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())

	// An explicit launch clears the guard.
	launchIdle(t, ctrl, factory, rec)
	assert.Equal(t, 3, factory.Opened())
}

func TestController_ListenersNotifiedMostRecentFirst(t *testing.T) {
	ctrl, _, _ := newController(t)

	var mu sync.Mutex
	var order []string
	note := func(name string) func(debug.DebuggerEvent) {
		return func(e debug.DebuggerEvent) {
			if e.Kind == debug.StateChanged && e.OldState == debug.StatusUnknown {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
		}
	}

	unsubscribeFirst := ctrl.Subscribe(note("first"))
	ctrl.Subscribe(note("second"))
	removed := &recorder{}
	ctrl.AddListener(removed)
	ctrl.RemoveListener(removed)

	require.NoError(t, ctrl.Launch())

	mu.Lock()
	assert.Equal(t, []string{"second", "first"}, order)
	mu.Unlock()
	assert.Empty(t, removed.all())

	unsubscribeFirst()
}

func TestController_Shutdown(t *testing.T) {
	ctrl, factory, rec := newController(t)
	s := launchIdle(t, ctrl, factory, rec)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ctrl.Shutdown(ctx))

	assert.True(t, s.Closed())
	assert.Equal(t, debug.StatusNotReady, ctrl.Status())
	assert.Equal(t, 1, factory.Opened())
}
