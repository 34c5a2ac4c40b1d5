// Package debug implements the remote debuggee control engine.
//
// The engine launches and supervises a target process through a Session,
// keeps consistent views of the target's threads, breakpoints and named
// object bindings, and survives target crashes by relaunching.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                          Controller                              │
//	│  - Launch / Close(restart) / auto-restart                        │
//	│  - ThreadRegistry, BreakpointTable, ScopeBindings                │
//	│  - Listener fan-out of DebuggerEvents                            │
//	└─────────────────────────────────────────────────────────────────┘
//	          │ launch                              ▲ callbacks
//	          ▼                                     │
//	┌───────────────────────┐   publish   ┌───────────────────────────┐
//	│     sessionLoader      │ ──────────▶ │        Dispatcher          │
//	│  - SessionFactory.Open │             │  - sole reader of EventSets│
//	│  - wait for ready      │             │  - exclusive-access handoff│
//	│  - install library path│             │  - resume / keep suspended │
//	└───────────────────────┘             └───────────────────────────┘
//	                                                │
//	                                                ▼
//	                                          Session (dap)
//
// # Goroutines
//
// Three kinds of goroutine touch the engine: callers of the public
// Controller methods, the short-lived loader goroutine of each launch, and
// the dispatcher goroutine of the live session. Listeners may be invoked
// from any of them.
//
// # Controller States
//
//   - NotReady: no usable session (loading, closed or crashed)
//   - Idle: the target is loaded and ready
//   - Running: user code is executing
//   - Suspended: at least one thread is halted
//
// # Usage
//
//	ctrl := debug.New(factory,
//	    debug.WithLogger(logger),
//	    debug.WithWorkingDir("./project"),
//	)
//	unsubscribe := ctrl.Subscribe(func(e debug.DebuggerEvent) {
//	    fmt.Println(e)
//	})
//	defer unsubscribe()
//
//	if err := ctrl.Launch(); err != nil {
//	    return err
//	}
//	if err := ctrl.ToggleBreakpoint(ctx, "Foo", 10, true); err != nil {
//	    return err
//	}
//
// # Subpackages
//
//   - adapters: debug adapter launch configurations
//   - dap: Session implementation over the Debug Adapter Protocol
//   - debugtest: scriptable in-memory sessions for tests and demos
package debug
