// Package integration provides the recovery primitives shared by the debugger
// integration packages.
//
// The debug engine talks to an external debug adapter and a target process,
// both of which can fail independently of the controlling application. The
// helpers here keep those failures contained:
//
//   - Retry: retries an operation with exponential backoff, used when dialing
//     an adapter that is still binding its listening socket.
//   - CircuitBreaker: trips after repeated failures and stays open for a
//     cooldown period, used to stop auto-restart storms when a target keeps
//     crashing.
//   - SafeGo: runs a goroutine with panic capture, used for the session loader.
//   - Debouncer: collapses bursts of calls, used for config file reloads.
//
// All time-dependent helpers take a clock.Clock so tests can drive them with
// a mock clock.
//
// # Subpackages
//
//   - debug: the remote debuggee control engine
//   - process: child process supervision for debug adapters
package integration
