//go:build linux

package tid

import "golang.org/x/sys/unix"

// Current returns the calling OS thread's id.
//
// Callers must have called runtime.LockOSThread first; otherwise the
// goroutine scheduler may move execution to a different OS thread between
// calls and the returned value becomes meaningless.
func Current() int64 {
	return int64(unix.Gettid())
}
