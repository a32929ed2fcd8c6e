// Package tid reads the calling OS thread's identifier.
//
// The allocator core needs a real, stable thread id to tag chunks with
// (alloc_tid/free_tid) and to key per-thread caches. Go goroutines migrate
// between OS threads by default, so callers pin themselves with
// runtime.LockOSThread before calling Current — see threadlocal.Attach.
package tid
