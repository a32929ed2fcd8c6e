//go:build !linux && !windows

package tid

import "sync/atomic"

// counter hands out synthetic thread ids on platforms without a convenient
// Gettid-equivalent wrapped by golang.org/x/sys (e.g. darwin). Callers fetch
// this once per LockOSThread'd goroutine and cache the result themselves
// (see threadlocal.Attach) — Current has no notion of "the same thread"
// across calls, it only guarantees process-wide uniqueness per call.
var counter int64

// Current returns a fresh, process-unique synthetic id. It does not read
// any real kernel thread id on this platform.
func Current() int64 {
	return atomic.AddInt64(&counter, 1)
}
