// Package heap implements spec.md component E, the global allocator (the
// source's "malloc-info"): it owns the authoritative free lists, the
// global quarantine FIFO, and the page-group registry, and it is the only
// place new OS pages are ever mapped in. Per-thread caches (package
// threadlocal) are a thin, lock-free layer in front of this package;
// every refill and every overflow eventually comes back here.
//
// The struct shape — one mutex guarding a handful of slices/lists, a
// sync.Pool-free design because chunk headers are allocator-owned memory,
// not Go-heap objects — follows the teacher's FastAllocator: a single
// struct owning segregated free lists plus the bookkeeping needed to
// refill them, with a lock held for short, bounded critical sections
// (spec.md §5).
package heap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rzguard/redzone/chunk"
	"github.com/rzguard/redzone/config"
	"github.com/rzguard/redzone/diag"
	"github.com/rzguard/redzone/internal/osmap"
	"github.com/rzguard/redzone/internal/tid"
	"github.com/rzguard/redzone/pagegroup"
	"github.com/rzguard/redzone/shadow"
	"github.com/rzguard/redzone/sizeclass"
)

// kMinMmapSize is spec.md §4.B's floor on a single OS mapping: 1024 pages,
// chosen so that N_regions stays small enough for pagegroup.Registry's
// linear scan to stay cheap.
const kMinMmapSize = 1024

// ThreadQuarantine is the minimal surface Heap needs from a per-thread
// cache to drain it. threadlocal.Cache implements this structurally;
// defining the interface here (rather than heap importing threadlocal)
// keeps threadlocal free to depend on heap without a cycle.
type ThreadQuarantine interface {
	// DrainQuarantine empties the cache's local quarantine FIFO and
	// returns its head, tail, and accumulated byte size. The cache's own
	// quarantine is left empty.
	DrainQuarantine() (head, tail chunk.Ptr, bytes uint64)
	// DrainFreeList empties the cache's free-list cache for class and
	// returns its head. The cache's own list for that class is left
	// empty.
	DrainFreeList(class uint8) chunk.Ptr
	// NumClasses reports how many size classes the cache tracks.
	NumClasses() int
}

// Heap is the global allocator: spec.md component E. The zero value is
// not usable; construct with New.
type Heap struct {
	mu sync.Mutex

	cfg      config.Options
	classes  *sizeclass.Table
	poisoner *shadow.Poisoner
	registry *pagegroup.Registry
	reporter *diag.Reporter
	pageSize uint64

	numClasses int
	freeLists  []chunk.Ptr

	quarantineHead, quarantineTail chunk.Ptr
	quarantineBytes                uint64
}

// New builds a Heap sized to hold every size class up to and including
// maxClass.
func New(
	cfg config.Options,
	classes *sizeclass.Table,
	poisoner *shadow.Poisoner,
	registry *pagegroup.Registry,
	reporter *diag.Reporter,
	pageSize uint64,
	maxClass uint8,
) *Heap {
	return &Heap{
		cfg:        cfg,
		classes:    classes,
		poisoner:   poisoner,
		registry:   registry,
		reporter:   reporter,
		pageSize:   pageSize,
		numClasses: int(maxClass) + 1,
		freeLists:  make([]chunk.Ptr, int(maxClass)+1),
	}
}

// NumClasses returns how many size classes this Heap was built to serve.
func (h *Heap) NumClasses() int {
	return h.numClasses
}

// Classes returns the size-class table this Heap was built with, so
// callers (the threadlocal cache, the redzone entry paths) can compute
// class_of/bytes_of without threading a second reference around.
func (h *Heap) Classes() *sizeclass.Table {
	return h.classes
}

// Config returns the configuration this Heap was built with.
func (h *Heap) Config() config.Options {
	return h.cfg
}

// AllocateChunks pops n chunks of class from the global free list,
// refilling by mapping new pages when the list is empty, and returns them
// linked through Header.Next. It may return fewer than n chunks alongside
// a non-nil error if a refill failed; ErrOutOfMemory means the Reporter's
// Exit was overridden by a test rather than the process having aborted.
func (h *Heap) AllocateChunks(class uint8, n int) (chunk.Ptr, int, error) {
	if int(class) >= h.numClasses {
		return 0, 0, ErrClassOutOfRange
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocateChunksLocked(class, n)
}

func (h *Heap) allocateChunksLocked(class uint8, n int) (chunk.Ptr, int, error) {
	var head, tail chunk.Ptr
	got := 0
	for got < n {
		if h.freeLists[class] == 0 {
			newHead, err := h.refill(class)
			if err != nil {
				return head, got, err
			}
			h.freeLists[class] = newHead
		}
		cur := h.freeLists[class]
		hdr := chunk.At(uintptr(cur))
		h.freeLists[class] = hdr.Next
		hdr.Next = 0
		if head == 0 {
			head = cur
		} else {
			chunk.At(uintptr(tail)).Next = cur
		}
		tail = cur
		got++
	}
	return head, got, nil
}

// refill maps fresh pages for class and returns them as a free-list chain.
// Callers must hold h.mu. See spec.md §4.E.
func (h *Heap) refill(class uint8) (chunk.Ptr, error) {
	unit := h.classes.BytesOf(class)
	minMapSize := kMinMmapSize * h.pageSize
	if minMapSize < unit {
		minMapSize = unit
	}
	n := (minMapSize + unit - 1) / unit
	mapSize := n * unit

	sentinel := unit < h.pageSize
	var extra uint64
	if !sentinel {
		extra = h.pageSize
	}
	total := mapSize + extra

	mem, err := osmap.Anonymous(int(total))
	if err != nil {
		h.reporter.Abort(diag.Report{
			Kind: diag.OutOfMemory,
			Summary: fmt.Sprintf(
				"requested %d bytes for size class %d on thread T%d: %v",
				total, class, tid.Current(), err,
			),
		})
		return 0, ErrOutOfMemory
	}
	base := uintptr(unsafe.Pointer(&mem[0]))

	h.poisoner.Poison(base, uintptr(total), h.cfg.Kinds.LeftRedzone)

	usable := n
	if sentinel {
		usable = n - 1
	}

	var head, prev chunk.Ptr
	for i := uint64(0); i < usable; i++ {
		addr := base + uintptr(i*unit)
		hdr := chunk.At(addr)
		hdr.State = chunk.Available
		hdr.SizeClass = class
		hdr.Offset = 0
		hdr.UsedSize = 0
		hdr.AllocTID = 0
		hdr.FreeTID = 0
		hdr.Next = 0
		if prev == 0 {
			head = chunk.Ptr(addr)
		} else {
			chunk.At(uintptr(prev)).Next = chunk.Ptr(addr)
		}
		prev = chunk.Ptr(addr)
	}

	end := base + uintptr(usable)*uintptr(unit)
	h.registry.Register(pagegroup.Group{
		Begin:       base,
		End:         end,
		SizeClass:   class,
		SizeOfChunk: unit,
	})

	return head, nil
}

// SwallowThreadStorage splices tc's local quarantine onto the global
// quarantine and, while the global quarantine's byte size exceeds the
// configured budget, recycles the oldest chunks back onto the free lists.
// When eatFreeLists is true it additionally drains every per-thread
// free-list cache into the corresponding global free list. See spec.md
// §4.E/§4.F: this is called on local overflow and unconditionally on
// thread exit.
func (h *Heap) SwallowThreadStorage(tc ThreadQuarantine, eatFreeLists bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	qHead, qTail, qBytes := tc.DrainQuarantine()
	h.spliceQuarantineLocked(qHead, qTail, qBytes)

	if eatFreeLists {
		for class := 0; class < tc.NumClasses() && class < h.numClasses; class++ {
			drained := tc.DrainFreeList(uint8(class))
			h.spliceFreeListLocked(uint8(class), drained)
		}
	}

	h.reclaimLocked()
}

// BypassThreadQuarantine pushes a single freshly-Quarantined chunk
// directly onto the global quarantine, for callers with no thread-local
// storage attached (spec.md §5's "no current thread" path).
func (h *Heap) BypassThreadQuarantine(c *chunk.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ptr := chunk.Ptr(c.Addr())
	h.spliceQuarantineLocked(ptr, ptr, h.classes.BytesOf(c.SizeClass))
	h.reclaimLocked()
}

func (h *Heap) spliceQuarantineLocked(head, tail chunk.Ptr, bytes uint64) {
	if head == 0 {
		return
	}
	if h.quarantineHead == 0 {
		h.quarantineHead = head
	} else {
		chunk.At(uintptr(h.quarantineTail)).Next = head
	}
	h.quarantineTail = tail
	h.quarantineBytes += bytes
}

func (h *Heap) spliceFreeListLocked(class uint8, head chunk.Ptr) {
	if head == 0 {
		return
	}
	tail := head
	for chunk.At(uintptr(tail)).Next != 0 {
		tail = chunk.At(uintptr(tail)).Next
	}
	chunk.At(uintptr(tail)).Next = h.freeLists[class]
	h.freeLists[class] = head
}

// reclaimLocked pops the oldest quarantined chunks back onto their free
// lists until the quarantine's byte budget is no longer exceeded. Callers
// must hold h.mu. This is spec.md §3's quarantine-FIFO invariant: a freed
// chunk never returns to Available until its removal would bring the
// global quarantine back under budget.
func (h *Heap) reclaimLocked() {
	for h.quarantineBytes > h.cfg.QuarantineSize && h.quarantineHead != 0 {
		ptr := h.quarantineHead
		hdr := chunk.At(uintptr(ptr))
		h.quarantineHead = hdr.Next
		if h.quarantineHead == 0 {
			h.quarantineTail = 0
		}

		size := h.classes.BytesOf(hdr.SizeClass)
		h.quarantineBytes -= size

		hdr.State = chunk.Available
		hdr.Next = h.freeLists[hdr.SizeClass]
		h.freeLists[hdr.SizeClass] = ptr
	}
}

// QuarantineBytes reports the global quarantine's current byte size
// (test/diagnostic use).
func (h *Heap) QuarantineBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quarantineBytes
}
