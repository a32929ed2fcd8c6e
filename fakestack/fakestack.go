// Package fakestack implements spec.md component H: per-thread,
// off-main-stack storage for compiler-rewritten stack frames, so that a
// frame's shadow memory can stay poisoned after the function returns and
// a subsequent access can be reported as use-after-return.
//
// This module chooses the per-size-class FIFO variant spec.md §9 resolves
// the source's two competing fake-stack designs to: each size class owns
// one lazily-mapped region, carved into fixed-size frames recycled
// oldest-first. Unlike chunk.Header, frames carry no allocator-defined
// header of their own — the two machine words at a live frame's base (a
// magic value and a pointer to a frame-name string) are written by the
// instrumenting compiler, an external collaborator this package never
// simulates except through the WriteFrameHeader test/integration seam.
package fakestack

import (
	"errors"
	"unsafe"

	"github.com/rzguard/redzone/config"
	"github.com/rzguard/redzone/internal/osmap"
	"github.com/rzguard/redzone/shadow"
)

// Magic is the word value an instrumented frame's first machine word holds
// while the frame is live, matching the conventional ASan-family ABI
// constant this package's scan-back FrameNameByAddr depends on.
const Magic uintptr = 0x41b58ab3

var (
	// ErrNotAlive is returned from Allocate when the FakeStack has been
	// torn down (Cleanup called, or never marked alive). Callers should
	// fall back to the real hardware stack, per spec.md §4.H/§5.
	ErrNotAlive = errors.New("fakestack: not alive")
	// ErrSizeTooLarge is returned when a request exceeds the largest
	// configured size class.
	ErrSizeTooLarge = errors.New("fakestack: requested size exceeds largest class")
)

// Config names the four knobs spec.md §4.H's fake-stack parameters are
// built from.
type Config struct {
	// MinStackFrameSizeLog is the smallest size class's log2 frame size.
	MinStackFrameSizeLog uint8
	// NumberOfSizeClasses is the total number of classes, class 0 (the
	// minimum) included.
	NumberOfSizeClasses uint8
	// MaxStackMallocSize bounds what Allocate will accept; requests above
	// this are the caller's signal to fall back to the real stack.
	MaxStackMallocSize uint64
	// ThreadStackSize is the real hardware stack size this per-thread
	// fake stack is sized to stand in for; each class's mapping is
	// round_up_pow2(ThreadStackSize) bytes.
	ThreadStackSize uint64
}

// DefaultConfig matches a conventional 8 MiB thread stack with frame
// classes from 64 bytes (2^6) up through 2^(6+10) = 64 KiB, wide enough for
// all but the largest rewritten frames.
var DefaultConfig = Config{
	MinStackFrameSizeLog: 6,
	NumberOfSizeClasses:  11,
	MaxStackMallocSize:   1 << 16,
	ThreadStackSize:      8 << 20,
}

// ClassSize returns the fixed frame size for size class c.
func (cfg Config) ClassSize(c uint8) uint64 {
	return 1 << (uint64(cfg.MinStackFrameSizeLog) + uint64(c))
}

// classMmapSize returns the single mapping size every class reserves: the
// real stack size, rounded up to a power of two.
func (cfg Config) classMmapSize() uint64 {
	return roundUpPow2(cfg.ThreadStackSize)
}

func roundUpPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// class is one size class's lazily-mapped region and FIFO of available
// frames.
type class struct {
	mapped bool
	base   uintptr
	size   uint64 // mapping size in bytes
	queue  []uintptr
}

func (c *class) end() uintptr {
	return c.base + uintptr(c.size)
}

// FakeStack is one thread's off-stack storage. Exclusive to its owning
// thread; never share a *FakeStack across threads.
type FakeStack struct {
	cfg      Config
	poisoner *shadow.Poisoner
	kinds    config.Kinds
	classes  []class
	alive    bool

	// names pins every frame-name buffer WriteFrameHeader installs so the
	// Go garbage collector never reclaims memory a raw uintptr still
	// points into.
	names [][]byte
}

// New builds a FakeStack with no classes mapped yet; each class's region
// is mapped lazily on its first Allocate.
func New(cfg Config, poisoner *shadow.Poisoner, kinds config.Kinds) *FakeStack {
	return &FakeStack{
		cfg:      cfg,
		poisoner: poisoner,
		kinds:    kinds,
		classes:  make([]class, cfg.NumberOfSizeClasses),
		alive:    true,
	}
}

// classOfSize returns the smallest class whose ClassSize covers size,
// floored at class 0.
func (fs *FakeStack) classOfSize(size uint64) (uint8, error) {
	if size > fs.cfg.MaxStackMallocSize {
		return 0, ErrSizeTooLarge
	}
	minSize := fs.cfg.ClassSize(0)
	if size <= minSize {
		return 0, nil
	}
	c := uint8(0)
	for fs.cfg.ClassSize(c) < size {
		c++
		if c >= fs.cfg.NumberOfSizeClasses {
			return 0, ErrSizeTooLarge
		}
	}
	return c, nil
}

// Allocate carves one frame at least size bytes large out of this thread's
// fake stack, shadow-marking it addressable, and returns its address.
// Requires the FakeStack to be alive; callers observing ErrNotAlive must
// fall back to the real hardware stack (spec.md §4.H/§5).
func (fs *FakeStack) Allocate(size uint64) (uintptr, error) {
	if !fs.alive {
		return 0, ErrNotAlive
	}
	c, err := fs.classOfSize(size)
	if err != nil {
		return 0, err
	}
	cls := &fs.classes[c]
	if !cls.mapped {
		if err := fs.mapClass(c); err != nil {
			return 0, err
		}
	}
	if len(cls.queue) == 0 {
		return 0, errors.New("fakestack: no free frame left in this size class")
	}
	addr := cls.queue[0]
	cls.queue = cls.queue[1:]
	fs.poisoner.Poison(addr, uintptr(fs.cfg.ClassSize(c)), fs.kinds.Addressable)
	return addr, nil
}

func (fs *FakeStack) mapClass(c uint8) error {
	cls := &fs.classes[c]
	frameSize := fs.cfg.ClassSize(c)
	mmapSize := fs.cfg.classMmapSize()

	mem, err := osmap.Anonymous(int(mmapSize))
	if err != nil {
		return err
	}
	base := uintptr(unsafe.Pointer(&mem[0]))

	n := mmapSize / frameSize
	queue := make([]uintptr, n)
	for i := uint64(0); i < n; i++ {
		queue[i] = base + uintptr(i*frameSize)
	}

	cls.base = base
	cls.size = mmapSize
	cls.queue = queue
	cls.mapped = true
	return nil
}

// Deallocate shadow-marks the whole frame of size's class, starting at
// addr, with the stack-after-return kind and returns the frame to its
// class's FIFO, to be handed out again
// only after every other currently-queued frame in that class has been
// reused first.
func (fs *FakeStack) Deallocate(addr uintptr, size uint64) {
	c, err := fs.classOfSize(size)
	if err != nil {
		return
	}
	fs.poisoner.Poison(addr, uintptr(fs.cfg.ClassSize(c)), fs.kinds.StackAfterReturn)
	fs.classes[c].queue = append(fs.classes[c].queue, addr)
}

// AddrIsInFakeStack probes every mapped class's region for addr and
// returns that region's base address, or 0 if addr belongs to none of
// them.
func (fs *FakeStack) AddrIsInFakeStack(addr uintptr) uintptr {
	for i := range fs.classes {
		cls := &fs.classes[i]
		if cls.mapped && addr >= cls.base && addr < cls.end() {
			return cls.base
		}
	}
	return 0
}

// WriteFrameHeader installs the two-word frame header — the magic marker
// and a pointer to name — at addr, standing in for the instrumenting
// compiler's prologue (spec.md §4.H). name's bytes are pinned for the
// lifetime of this FakeStack so the raw pointer FrameNameByAddr later
// dereferences never outlives its backing memory.
func (fs *FakeStack) WriteFrameHeader(addr uintptr, name string) {
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	fs.names = append(fs.names, buf)

	wordSize := unsafe.Sizeof(uintptr(0))
	*(*uintptr)(unsafe.Pointer(addr)) = Magic                                  //nolint:govet // raw frame memory
	*(*uintptr)(unsafe.Pointer(addr + wordSize)) = uintptr(unsafe.Pointer(&buf[0])) //nolint:govet
}

// FrameNameByAddr scans backward, word-aligned, from addr toward the base
// of whichever class's region contains it, looking for Magic. If found,
// it returns the frame's installed name; if the scan reaches the class
// base without a hit, it returns "UNKNOWN" per spec.md §4.H.
func (fs *FakeStack) FrameNameByAddr(addr uintptr) string {
	wordSize := unsafe.Sizeof(uintptr(0))
	for i := range fs.classes {
		cls := &fs.classes[i]
		if !cls.mapped || addr < cls.base || addr >= cls.end() {
			continue
		}
		p := addr &^ (wordSize - 1)
		for {
			magic := *(*uintptr)(unsafe.Pointer(p)) //nolint:govet // raw frame memory
			if magic == Magic {
				namePtr := *(*uintptr)(unsafe.Pointer(p + wordSize)) //nolint:govet
				return cString(namePtr)
			}
			if p == cls.base {
				break
			}
			p -= wordSize
		}
		return "UNKNOWN"
	}
	return "UNKNOWN"
}

// cString reads a NUL-terminated byte string starting at ptr.
func cString(ptr uintptr) string {
	if ptr == 0 {
		return "UNKNOWN"
	}
	n := 0
	for *(*byte)(unsafe.Pointer(ptr + uintptr(n))) != 0 { //nolint:govet // raw frame memory
		n++
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n) //nolint:govet
	return string(buf)
}

// Cleanup zeroes the shadow bytes covering every mapped class's region and
// unmaps it, then marks the FakeStack no longer alive. Call this on thread
// exit.
func (fs *FakeStack) Cleanup() {
	for i := range fs.classes {
		cls := &fs.classes[i]
		if !cls.mapped {
			continue
		}
		fs.poisoner.Poison(cls.base, uintptr(cls.size), shadow.Kind(0))
		mem := unsafe.Slice((*byte)(unsafe.Pointer(cls.base)), int(cls.size)) //nolint:govet
		_ = osmap.Release(mem)
		cls.mapped = false
		cls.queue = nil
	}
	fs.alive = false
}

// Alive reports whether this FakeStack still accepts Allocate calls.
func (fs *FakeStack) Alive() bool {
	return fs.alive
}
