package threadlocal_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/rzguard/redzone/chunk"
	"github.com/rzguard/redzone/config"
	"github.com/rzguard/redzone/diag"
	"github.com/rzguard/redzone/fakestack"
	"github.com/rzguard/redzone/heap"
	"github.com/rzguard/redzone/internal/osmap"
	"github.com/rzguard/redzone/pagegroup"
	"github.com/rzguard/redzone/shadow"
	"github.com/rzguard/redzone/sizeclass"
	"github.com/rzguard/redzone/threadlocal"
)

func newTestPoisoner(t *testing.T) *shadow.Poisoner {
	t.Helper()
	mem, err := osmap.Anonymous(1 << 24)
	require.NoError(t, err)
	base := uintptr(unsafe.Pointer(&mem[0]))
	mask := uintptr(len(mem) - 1)
	mapper := func(addr uintptr) uintptr {
		return base + ((addr >> 3) & mask)
	}
	return shadow.New(mapper, 8)
}

func newTestHeap(t *testing.T, opts ...config.Option) *heap.Heap {
	t.Helper()
	cfg := config.New(opts...)
	classes := sizeclass.New(sizeclass.Default)
	poisoner := newTestPoisoner(t)
	registry := pagegroup.New()
	reporter := &diag.Reporter{Exit: func(code int) { t.Fatalf("unexpected abort, exit %d", code) }}
	maxClass := classes.ClassOf(sizeclass.MaxAllowedMallocSize())
	return heap.New(cfg, classes, poisoner, registry, reporter, 4096, maxClass)
}

func smallFakeStackConfig() fakestack.Config {
	return fakestack.Config{
		MinStackFrameSizeLog: 6,
		NumberOfSizeClasses:  2,
		MaxStackMallocSize:   1 << 8,
		ThreadStackSize:      1 << 8,
	}
}

func TestAttachBindsTIDAndDetachReturnsEverything(t *testing.T) {
	h := newTestHeap(t)
	c := threadlocal.Attach(h, smallFakeStackConfig(), newTestPoisoner(t), config.DefaultKinds)
	defer c.Detach()

	require.NotEqual(t, int64(0), c.TID())
	require.Equal(t, h.NumClasses(), c.NumClasses())
	require.NotNil(t, c.FakeStack())
}

func TestGetRefillsFromGlobalHeapAndReusesLocally(t *testing.T) {
	h := newTestHeap(t)
	c := threadlocal.Attach(h, smallFakeStackConfig(), newTestPoisoner(t), config.DefaultKinds)
	defer c.Detach()

	classes := h.Classes()
	class := classes.ClassOf(64)

	hdr1, err := c.Get(class)
	require.NoError(t, err)
	hdr2, err := c.Get(class)
	require.NoError(t, err)
	require.NotEqual(t, hdr1.Addr(), hdr2.Addr())
}

func TestGetForLargeClassBypassesLocalCache(t *testing.T) {
	h := newTestHeap(t)
	c := threadlocal.Attach(h, smallFakeStackConfig(), newTestPoisoner(t), config.DefaultKinds)
	defer c.Detach()

	classes := h.Classes()
	class := classes.ClassOf(1 << 20) // well above the 128 KiB local-cache cutoff

	hdr, err := c.Get(class)
	require.NoError(t, err)
	require.NotNil(t, hdr)

	// Nothing should have landed in this thread's own free list for the
	// bypassed class: draining it must come back empty.
	require.Equal(t, chunk.Ptr(0), c.DrainFreeList(class))
}

func TestPutQuarantineAccumulatesThenDrainsOnOverflow(t *testing.T) {
	// The global budget must exceed the 2 MiB chunk below, or the global
	// quarantine would recycle it as soon as it arrived.
	h := newTestHeap(t, config.WithQuarantineSize(4<<20))
	c := threadlocal.Attach(h, smallFakeStackConfig(), newTestPoisoner(t), config.DefaultKinds)
	defer c.Detach()

	classes := h.Classes()
	class := classes.ClassOf(1 << 21) // large enough that one chunk overflows the 1 MiB local quarantine budget

	hdr, err := c.Get(class)
	require.NoError(t, err)
	hdr.State = chunk.Quarantined

	c.PutQuarantine(hdr)

	// The local quarantine overflowed straight through to the global one.
	head, tail, bytes := c.DrainQuarantine()
	require.Equal(t, chunk.Ptr(0), head)
	require.Equal(t, chunk.Ptr(0), tail)
	require.Equal(t, uint64(0), bytes)
	require.Greater(t, h.QuarantineBytes(), uint64(0))
}

func TestDetachSwallowsRemainingLocalState(t *testing.T) {
	h := newTestHeap(t)
	c := threadlocal.Attach(h, smallFakeStackConfig(), newTestPoisoner(t), config.DefaultKinds)

	classes := h.Classes()
	class := classes.ClassOf(64)

	hdr, err := c.Get(class)
	require.NoError(t, err)
	hdr.State = chunk.Quarantined
	c.PutQuarantine(hdr)

	c.Detach()

	require.Equal(t, classes.BytesOf(class), h.QuarantineBytes())
}
