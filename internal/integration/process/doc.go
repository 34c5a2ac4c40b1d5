// Package process supervises the child processes of a debug session: the
// debug adapter and, for socket adapters, whatever it spawns.
//
// A Supervisor starts commands, pipes their standard streams and tracks
// them until they are reaped:
//
//	sup := process.NewSupervisor(process.WithLogger(logger))
//	defer sup.Shutdown(2 * time.Second)
//
//	p, err := sup.Start("dlv", exec.Command("dlv", "dap"))
//	...
//	<-p.Done()
//	fmt.Println(p.ExitKind(), p.ExitCode())
//
// ExitKind separates a process stopped on request (ExitStopped) from one
// that exited on its own (ExitClean, ExitFailed) or was signaled by someone
// else (ExitSignaled). The debug engine maps these onto a session's exit
// status.
package process
