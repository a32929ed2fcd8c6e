package redzone

import (
	"unsafe"

	"github.com/rzguard/redzone/diag"
	"github.com/rzguard/redzone/stacktrace"
	"github.com/rzguard/redzone/threadlocal"
)

// Malloc is malloc(size): Allocate with no alignment requirement beyond
// the configured redzone.
func (a *Allocator) Malloc(tls *threadlocal.Cache, size uint64, stack stacktrace.Trace) (uintptr, error) {
	return a.Allocate(tls, 0, size, stack)
}

// Free is free(ptr).
func (a *Allocator) Free(tls *threadlocal.Cache, ptr uintptr, stack stacktrace.Trace) error {
	return a.Deallocate(tls, ptr, stack)
}

// Calloc is calloc(nmemb, size): the nmemb*size overflow check libc's
// calloc is required to make, then a zeroed Allocate.
func (a *Allocator) Calloc(tls *threadlocal.Cache, nmemb, size uint64, stack stacktrace.Trace) (uintptr, error) {
	if nmemb != 0 && size > (^uint64(0))/nmemb {
		a.reporter.Abort(diag.Report{
			Kind:    diag.OutOfMemory,
			Summary: "calloc(nmemb, size) would overflow nmemb*size",
			Stack:   stack,
		})
		return 0, ErrRequestTooLarge
	}

	total := nmemb * size
	addr, err := a.Allocate(tls, 0, total, stack)
	if err != nil {
		return 0, err
	}
	if total > 0 {
		buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(total)) //nolint:govet // raw user memory
		for i := range buf {
			buf[i] = 0
		}
	}
	return addr, nil
}

// Realloc is realloc(ptr, size).
func (a *Allocator) Realloc(tls *threadlocal.Cache, ptr uintptr, size uint64, stack stacktrace.Trace) (uintptr, error) {
	return a.Reallocate(tls, ptr, size, stack)
}

// Memalign is memalign(alignment, size).
func (a *Allocator) Memalign(tls *threadlocal.Cache, alignment, size uint64, stack stacktrace.Trace) (uintptr, error) {
	return a.Allocate(tls, alignment, size, stack)
}

// PosixMemalign is posix_memalign(memptr, alignment, size): it writes the
// result through memptr and returns a libc-style errno instead of the
// pointer itself, matching that call's out-parameter convention. Returns
// 0 on success, EINVAL (22) for a bad alignment, ENOMEM (12) on failure.
func (a *Allocator) PosixMemalign(tls *threadlocal.Cache, memptr *uintptr, alignment, size uint64, stack stacktrace.Trace) int {
	const einval, enomem = 22, 12
	if alignment == 0 || !isPowerOfTwo(alignment) || alignment%uint64(unsafe.Sizeof(memptr)) != 0 {
		return einval
	}
	addr, err := a.Allocate(tls, alignment, size, stack)
	if err != nil {
		return enomem
	}
	*memptr = addr
	return 0
}

// Valloc is valloc(size): a page-aligned allocation.
func (a *Allocator) Valloc(tls *threadlocal.Cache, size uint64, stack stacktrace.Trace) (uintptr, error) {
	return a.Allocate(tls, a.pageSize, size, stack)
}

// Pvalloc is pvalloc(size): page-aligned, and rounded up to a whole number
// of pages, with a zero size treated as exactly one page.
func (a *Allocator) Pvalloc(tls *threadlocal.Cache, size uint64, stack stacktrace.Trace) (uintptr, error) {
	if size == 0 {
		size = a.pageSize
	} else {
		size = roundUp(size, a.pageSize)
	}
	return a.Allocate(tls, a.pageSize, size, stack)
}

// AllocationSize is malloc_usable_size(ptr).
func (a *Allocator) AllocationSize(ptr uintptr) uint64 {
	return a.heap.AllocationSize(ptr)
}

// StackMalloc carves a frame of size bytes from tls's fake stack. A nil
// tls, a FakeStack no longer alive, or a size exceeding the largest
// configured frame class all return realSP unchanged, the signal the
// instrumented caller uses to fall back to the real hardware stack (spec.md
// §4.H/§5, matching __asan_stack_malloc's real_sp fallback convention).
func (a *Allocator) StackMalloc(tls *threadlocal.Cache, size uint64, realSP uintptr) uintptr {
	if tls == nil {
		return realSP
	}
	addr, err := tls.FakeStack().Allocate(size)
	if err != nil {
		return realSP
	}
	return addr
}

// StackFree returns a frame addr/size to its fake stack's class FIFO. A
// no-op when addr equals realSP: that is the sentinel meaning the frame
// was never drawn from a fake stack to begin with (StackMalloc fell back to
// the real stack pointer), so there is nothing to return.
func (a *Allocator) StackFree(tls *threadlocal.Cache, addr uintptr, size uint64, realSP uintptr) {
	if tls == nil || addr == realSP {
		return
	}
	tls.FakeStack().Deallocate(addr, size)
}
