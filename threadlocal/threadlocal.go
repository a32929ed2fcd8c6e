// Package threadlocal implements spec.md component F: per-thread free-list
// caches and a per-thread quarantine buffer, both exclusive to their
// owning thread and therefore lock-free.
//
// Go has no native OS-thread-local storage for goroutines the way the
// source's compiler-generated TLS does, so this package makes the binding
// explicit: Attach locks the calling goroutine to its current OS thread
// with runtime.LockOSThread and returns a *Cache keyed by that thread's
// real id (internal/tid). Callers thread the *Cache through every
// allocate/deallocate call themselves, rather than relying on an implicit
// "current thread" lookup — the Go-native reading of spec.md §9's "no
// current thread" sentinel is simply a nil *Cache.
package threadlocal

import (
	"runtime"

	"github.com/rzguard/redzone/chunk"
	"github.com/rzguard/redzone/config"
	"github.com/rzguard/redzone/fakestack"
	"github.com/rzguard/redzone/heap"
	"github.com/rzguard/redzone/internal/tid"
	"github.com/rzguard/redzone/shadow"
)

// InvalidTID is the explicit sentinel spec.md §9 asks for, distinct from
// any real OS thread id (which the tid package never returns for the
// fallback-synthetic path either, since that counter starts at 1).
const InvalidTID int64 = -1

// kMaxSizeForThreadLocalFreeList is spec.md §4.F's 128 KiB cutoff: classes
// at or above this size bypass the per-thread free-list cache entirely.
const kMaxSizeForThreadLocalFreeList = 128 << 10

// kMaxThreadLocalQuarantine is spec.md §4.F's 1 MiB drain threshold.
const kMaxThreadLocalQuarantine = 1 << 20

// Cache is one thread's free-list and quarantine buffer. Exclusive to its
// owning thread; callers must never share a *Cache across goroutines
// running on different OS threads.
type Cache struct {
	tid int64
	h   *heap.Heap
	fs  *fakestack.FakeStack

	freeLists []chunk.Ptr

	quarantineHead, quarantineTail chunk.Ptr
	quarantineBytes                uint64
}

// Attach locks the calling goroutine to its current OS thread and returns
// a fresh Cache bound to it, to h, and to a freshly-built fake-stack
// allocator (spec.md component H) sized by fsCfg. Callers are responsible
// for calling Detach when the goroutine is done using the cache (mirroring
// thread exit in spec.md §4.F: Detach unconditionally swallows the
// cache's storage into h, draining both quarantine and free lists, and
// tears down the fake stack).
func Attach(h *heap.Heap, fsCfg fakestack.Config, poisoner *shadow.Poisoner, kinds config.Kinds) *Cache {
	runtime.LockOSThread()
	return &Cache{
		tid:       tid.Current(),
		h:         h,
		fs:        fakestack.New(fsCfg, poisoner, kinds),
		freeLists: make([]chunk.Ptr, h.NumClasses()),
	}
}

// FakeStack returns this thread's off-stack frame allocator (spec.md
// component H).
func (c *Cache) FakeStack() *fakestack.FakeStack {
	return c.fs
}

// TID returns the OS thread id this Cache is bound to.
func (c *Cache) TID() int64 {
	return c.tid
}

// NumClasses reports how many size classes this Cache tracks. Part of
// heap.ThreadQuarantine.
func (c *Cache) NumClasses() int {
	return len(c.freeLists)
}

// usesCache reports whether class's chunks are small enough to be served
// from this thread's cache rather than drawn directly from the global
// free list, per spec.md §4.F.
func usesCache(h *heap.Heap, class uint8) bool {
	return h.Classes().BytesOf(class) < kMaxSizeForThreadLocalFreeList
}

// Get returns one Available chunk of class, refilling this thread's cache
// from the global allocator when it is empty. Classes at or above
// kMaxSizeForThreadLocalFreeList bypass the cache and draw one chunk
// directly from h.
func (c *Cache) Get(class uint8) (*chunk.Header, error) {
	if !usesCache(c.h, class) {
		head, n, err := c.h.AllocateChunks(class, 1)
		if n == 0 {
			return nil, err
		}
		return chunk.At(uintptr(head)), err
	}

	if c.freeLists[class] == 0 {
		classSize := c.h.Classes().BytesOf(class)
		want := int(kMaxSizeForThreadLocalFreeList / classSize)
		if want < 1 {
			want = 1
		}
		head, n, err := c.h.AllocateChunks(class, want)
		if n == 0 {
			return nil, err
		}
		c.freeLists[class] = head
	}

	cur := c.freeLists[class]
	hdr := chunk.At(uintptr(cur))
	c.freeLists[class] = hdr.Next
	hdr.Next = 0
	return hdr, nil
}

// PutQuarantine pushes a freshly-Quarantined chunk onto this thread's
// local quarantine FIFO, draining to the global allocator once the local
// buffer exceeds kMaxThreadLocalQuarantine bytes.
func (c *Cache) PutQuarantine(h *chunk.Header) {
	ptr := chunk.Ptr(h.Addr())
	size := c.h.Classes().BytesOf(h.SizeClass)

	if c.quarantineHead == 0 {
		c.quarantineHead = ptr
	} else {
		chunk.At(uintptr(c.quarantineTail)).Next = ptr
	}
	c.quarantineTail = ptr
	c.quarantineBytes += size

	if c.quarantineBytes > kMaxThreadLocalQuarantine {
		c.h.SwallowThreadStorage(c, false)
	}
}

// DrainQuarantine empties this Cache's local quarantine and returns its
// head, tail, and byte size. Part of heap.ThreadQuarantine.
func (c *Cache) DrainQuarantine() (head, tail chunk.Ptr, bytes uint64) {
	head, tail, bytes = c.quarantineHead, c.quarantineTail, c.quarantineBytes
	c.quarantineHead, c.quarantineTail, c.quarantineBytes = 0, 0, 0
	return head, tail, bytes
}

// DrainFreeList empties this Cache's free-list cache for class and returns
// its head. Part of heap.ThreadQuarantine.
func (c *Cache) DrainFreeList(class uint8) chunk.Ptr {
	if int(class) >= len(c.freeLists) {
		return 0
	}
	head := c.freeLists[class]
	c.freeLists[class] = 0
	return head
}

// Detach flushes this Cache's quarantine and every free-list entry into
// the global allocator and unlocks the calling goroutine from its OS
// thread. Call this on thread exit, mirroring spec.md §4.F's
// swallow_thread_storage(this, eat_free_lists=true).
func (c *Cache) Detach() {
	c.h.SwallowThreadStorage(c, true)
	c.fs.Cleanup()
	runtime.UnlockOSThread()
}
