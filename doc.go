// Package redzone composes the allocator's leaf components (sizeclass,
// chunk, shadow, pagegroup, heap, threadlocal, fakestack) into spec.md
// component G: the Allocate/Deallocate/Reallocate entry paths and the
// public operations every libc-interception-shaped frontend calls —
// Malloc, Free, Calloc, Realloc, Memalign, PosixMemalign, Valloc, Pvalloc,
// AllocationSize, DescribeHeapAddress, StackMalloc, StackFree.
//
// Building and wiring an Allocator:
//
//	a := redzone.New(redzone.Params{
//	    Config:      config.Default(),
//	    Mapper:      myShadowMapper,
//	    Granularity: 8,
//	    PageSize:    4096,
//	})
//	tls := a.Attach()
//	defer tls.Detach()
//
//	p, err := a.Malloc(tls, 128, stacktrace.Capture(0))
//	...
//	a.Free(tls, p, stacktrace.Capture(0))
//
// A nil *threadlocal.Cache is the explicit Go-native reading of spec.md
// §5/§9's "no current thread" sentinel: every entry point accepts one, and
// every path that would otherwise consult a thread-local cache instead
// goes straight to the global allocator, exactly as spec.md requires for
// signal-handler and thread-teardown windows.
package redzone
