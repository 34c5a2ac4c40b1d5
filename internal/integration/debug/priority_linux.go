//go:build linux

package debug

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// loaderNice is the niceness applied to the loader's OS thread.
const loaderNice = 10

// lowerPriority pins the calling goroutine to its OS thread and lowers that
// thread's scheduling priority. The thread is discarded when the goroutine
// exits without unlocking.
func lowerPriority() {
	runtime.LockOSThread()
	_ = unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), loaderNice)
}
