package redzone

import (
	"sync"
	"unsafe"

	"github.com/rzguard/redzone/chunk"
	"github.com/rzguard/redzone/config"
	"github.com/rzguard/redzone/diag"
	"github.com/rzguard/redzone/fakestack"
	"github.com/rzguard/redzone/heap"
	"github.com/rzguard/redzone/pagegroup"
	"github.com/rzguard/redzone/shadow"
	"github.com/rzguard/redzone/sizeclass"
	"github.com/rzguard/redzone/stacktrace"
	"github.com/rzguard/redzone/threadlocal"
)

// Params configures a new Allocator. Mapper and Granularity describe the
// external shadow-memory checker this allocator cooperates with (spec.md
// §1's out-of-scope collaborator); every other field tunes the allocator
// itself.
type Params struct {
	Config      config.Options
	Mapper      shadow.Mapper
	Granularity uintptr
	PageSize    uint64
	SizeClasses sizeclass.Config
	FakeStack   fakestack.Config
}

// Allocator is the top-level redzone heap: spec.md component G wired to
// every leaf component beneath it.
type Allocator struct {
	cfg      config.Options
	classes  *sizeclass.Table
	poisoner *shadow.Poisoner
	registry *pagegroup.Registry
	heap     *heap.Heap
	reporter *diag.Reporter
	fsCfg    fakestack.Config
	pageSize uint64

	// traces is an address-keyed side table of alloc/free stack traces.
	// spec.md §3 describes these as compressed traces inlined into each
	// chunk's own memory; this module keeps them out-of-band instead,
	// because an inline encoding would require writing live Go interface
	// values into GC-invisible raw memory (stacktrace compression is
	// itself an out-of-scope collaborator per spec.md §1, so there is no
	// fixed wire format to target). See DESIGN.md for this resolution.
	tracesMu sync.Mutex
	traces   map[uintptr]*traceEntry
}

type traceEntry struct {
	alloc, free         stacktrace.Trace
	allocTID, freeTID   int64
}

// New builds an Allocator from p. Any unset Config/SizeClasses/FakeStack
// field falls back to that package's Default.
func New(p Params) *Allocator {
	cfg := p.Config
	if cfg.Redzone == 0 {
		cfg = config.Default()
	}
	scCfg := p.SizeClasses
	if scCfg.Step == 0 {
		scCfg = sizeclass.Default
	}
	fsCfg := p.FakeStack
	if fsCfg.NumberOfSizeClasses == 0 {
		fsCfg = fakestack.DefaultConfig
	}
	pageSize := p.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}

	classes := sizeclass.New(scCfg)
	poisoner := shadow.New(p.Mapper, p.Granularity)
	registry := pagegroup.New()
	reporter := diag.NewReporter()
	maxClass := classes.ClassOf(sizeclass.MaxAllowedMallocSize())

	return &Allocator{
		cfg:      cfg,
		classes:  classes,
		poisoner: poisoner,
		registry: registry,
		heap:     heap.New(cfg, classes, poisoner, registry, reporter, pageSize, maxClass),
		reporter: reporter,
		fsCfg:    fsCfg,
		pageSize: pageSize,
		traces:   make(map[uintptr]*traceEntry),
	}
}

// PageGroups returns the page-group registry backing this Allocator's
// address-to-chunk lookups, for operator tooling that wants to enumerate
// live mappings without reaching into package heap directly.
func (a *Allocator) PageGroups() *pagegroup.Registry {
	return a.registry
}

// QuarantineBytes reports the global quarantine's current byte size.
func (a *Allocator) QuarantineBytes() uint64 {
	return a.heap.QuarantineBytes()
}

// Reporter returns the diagnostic Reporter this Allocator aborts through.
// Tests override Reporter().Exit to observe abort paths without killing
// the test binary.
func (a *Allocator) Reporter() *diag.Reporter {
	return a.reporter
}

// Attach binds the calling goroutine to its current OS thread and returns
// a fresh per-thread cache (spec.md components F and H together: free-list
// cache, quarantine buffer, and fake-stack allocator). Callers must call
// Cache.Detach when done.
func (a *Allocator) Attach() *threadlocal.Cache {
	return threadlocal.Attach(a.heap, a.fsCfg, a.poisoner, a.cfg.Kinds)
}

func (a *Allocator) currentTID(tls *threadlocal.Cache) int64 {
	if tls == nil {
		return threadlocal.InvalidTID
	}
	return tls.TID()
}

func (a *Allocator) storeAllocTrace(chunkAddr uintptr, stack stacktrace.Trace, allocTID int64) {
	a.tracesMu.Lock()
	defer a.tracesMu.Unlock()
	a.traces[chunkAddr] = &traceEntry{alloc: stack, allocTID: allocTID, freeTID: threadlocal.InvalidTID}
}

func (a *Allocator) storeFreeTrace(chunkAddr uintptr, stack stacktrace.Trace, freeTID int64) {
	a.tracesMu.Lock()
	defer a.tracesMu.Unlock()
	te, ok := a.traces[chunkAddr]
	if !ok {
		te = &traceEntry{allocTID: threadlocal.InvalidTID}
		a.traces[chunkAddr] = te
	}
	te.free = stack
	te.freeTID = freeTID
}

func (a *Allocator) lookupTrace(chunkAddr uintptr) *traceEntry {
	a.tracesMu.Lock()
	defer a.tracesMu.Unlock()
	return a.traces[chunkAddr]
}

func roundUp(x, multiple uint64) uint64 {
	if multiple == 0 {
		return x
	}
	return ((x + multiple - 1) / multiple) * multiple
}

func roundUpPtr(x, multiple uintptr) uintptr {
	if multiple == 0 {
		return x
	}
	return ((x + multiple - 1) / multiple) * multiple
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// obtainChunk draws one Available chunk of class from tls's cache, or
// directly from the global allocator when tls is nil (spec.md §5's "no
// current thread" path), aborting on exhaustion.
func (a *Allocator) obtainChunk(tls *threadlocal.Cache, class uint8, stack stacktrace.Trace) (*chunk.Header, error) {
	if tls != nil {
		hdr, err := tls.Get(class)
		if err != nil {
			a.abortOOM(class, stack)
			return nil, err
		}
		return hdr, nil
	}
	head, n, err := a.heap.AllocateChunks(class, 1)
	if n == 0 {
		a.abortOOM(class, stack)
		return nil, err
	}
	return chunk.At(uintptr(head)), nil
}

func (a *Allocator) abortOOM(class uint8, stack stacktrace.Trace) {
	a.reporter.Abort(diag.Report{
		Kind:    diag.OutOfMemory,
		Summary: "allocator ran out of memory trying to allocate a chunk",
		Stack:   stack,
	})
}

// Allocate implements spec.md §4.G's Allocate algorithm: size/alignment
// validation, size-class lookup, chunk acquisition, optional
// MemalignForwarder installation, header bookkeeping, and shadow marking.
func (a *Allocator) Allocate(tls *threadlocal.Cache, alignment, size uint64, stack stacktrace.Trace) (uintptr, error) {
	if size == 0 {
		size = 1
	}
	if alignment != 0 && !isPowerOfTwo(alignment) {
		a.reporter.Abort(diag.Report{
			Kind:    diag.InvariantViolation,
			Summary: "alignment must be a power of two",
			Stack:   stack,
		})
		return 0, ErrInvalidAlignment
	}

	redzone := a.cfg.Redzone
	rounded := roundUp(size, redzone)
	needed := rounded + redzone
	if alignment > redzone {
		needed += alignment
	}

	if needed > sizeclass.MaxAllowedMallocSize() {
		a.reporter.Abort(diag.Report{
			Kind:    diag.OutOfMemory,
			Summary: "requested size exceeds the allocator's ceiling",
			Stack:   stack,
		})
		return 0, ErrRequestTooLarge
	}

	class := a.classes.ClassOf(needed)
	hdr, err := a.obtainChunk(tls, class, stack)
	if err != nil {
		return 0, err
	}
	if hdr.State != chunk.Available {
		a.reporter.Abort(diag.Report{
			Kind:    diag.InvariantViolation,
			Summary: "chunk drawn from the free list was not Available",
			Stack:   stack,
		})
		return 0, nil
	}

	chunkAddr := hdr.Addr()
	hdr.State = chunk.Allocated
	addr := chunkAddr + uintptr(redzone)

	if alignment > redzone && addr%uintptr(alignment) != 0 {
		addr = roundUpPtr(addr, uintptr(alignment))
		fw := chunk.At(addr - uintptr(redzone))
		fw.State = chunk.MemalignForwarder
		fw.Next = chunk.Ptr(chunkAddr)
	}

	hdr.Offset = uint32(addr - chunkAddr)
	hdr.UsedSize = size
	hdr.AllocTID = a.currentTID(tls)
	hdr.FreeTID = threadlocal.InvalidTID

	a.storeAllocTrace(chunkAddr, stack, hdr.AllocTID)

	a.poisoner.Poison(addr, uintptr(rounded), a.cfg.Kinds.Addressable)
	if size < rounded {
		cellBase := addr + uintptr(rounded) - uintptr(redzone)
		addressable := size % redzone
		a.poisoner.PartialRightRedzone(cellBase, uintptr(addressable), uintptr(redzone), a.cfg.Kinds.Addressable, a.cfg.Kinds.RightRedzone)
	}

	return addr, nil
}

// Deallocate implements spec.md §4.G's Deallocate algorithm: pointer
// resolution, double-free/invalid-free detection, header bookkeeping,
// shadow marking, and quarantine hand-off.
func (a *Allocator) Deallocate(tls *threadlocal.Cache, ptr uintptr, stack stacktrace.Trace) error {
	if ptr == 0 {
		return nil
	}

	if _, ok := a.registry.Find(ptr); !ok {
		a.reporter.Abort(diag.Report{
			Kind:    diag.InvalidFree,
			Summary: "attempting free on address which was not malloc()-ed",
			Stack:   stack,
		})
		return ErrInvalidFree
	}

	hdr := chunk.FromUser(ptr, uintptr(a.cfg.Redzone))
	switch hdr.State {
	case chunk.Quarantined:
		a.reporter.Abort(diag.Report{
			Kind:     diag.DoubleFree,
			Summary:  "attempting double-free",
			Stack:    stack,
			Location: a.describeChunk(hdr, ptr, 1),
		})
		return ErrDoubleFree
	case chunk.Allocated:
		// fall through to the real free path below.
	default:
		a.reporter.Abort(diag.Report{
			Kind:    diag.InvalidFree,
			Summary: "attempting free on address which was not malloc()-ed",
			Stack:   stack,
		})
		return ErrInvalidFree
	}

	chunkAddr := hdr.Addr()
	freeTID := a.currentTID(tls)
	hdr.FreeTID = freeTID
	a.storeFreeTrace(chunkAddr, stack, freeTID)

	rounded := roundUp(hdr.UsedSize, a.cfg.Redzone)
	a.poisoner.Poison(hdr.Begin(), uintptr(rounded), a.cfg.Kinds.Freed)

	hdr.State = chunk.Quarantined

	if tls != nil {
		tls.PutQuarantine(hdr)
	} else {
		a.heap.BypassThreadQuarantine(hdr)
	}
	return nil
}

// Reallocate implements spec.md §4.G's Reallocate semantics, including the
// deliberate realloc(p, 0) => nil-without-freeing behavior §9 flags as an
// open question this module resolves by keeping the source's behavior
// verbatim: the caller's interception layer, out of this module's scope,
// owns deciding whether to follow up with Deallocate(old).
func (a *Allocator) Reallocate(tls *threadlocal.Cache, old uintptr, newSize uint64, stack stacktrace.Trace) (uintptr, error) {
	if old == 0 {
		return a.Allocate(tls, 0, newSize, stack)
	}
	if newSize == 0 {
		return 0, nil
	}

	hdr := chunk.FromUser(old, uintptr(a.cfg.Redzone))
	oldUsed := hdr.UsedSize

	next, err := a.Allocate(tls, 0, newSize, stack)
	if err != nil {
		return 0, err
	}

	n := oldUsed
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(old)), int(n))  //nolint:govet // raw user memory
		dst := unsafe.Slice((*byte)(unsafe.Pointer(next)), int(n)) //nolint:govet
		copy(dst, src)
	}

	if err := a.Deallocate(tls, old, stack); err != nil {
		return 0, err
	}
	return next, nil
}
