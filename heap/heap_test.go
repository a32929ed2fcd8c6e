package heap_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/rzguard/redzone/chunk"
	"github.com/rzguard/redzone/config"
	"github.com/rzguard/redzone/diag"
	"github.com/rzguard/redzone/heap"
	"github.com/rzguard/redzone/internal/osmap"
	"github.com/rzguard/redzone/pagegroup"
	"github.com/rzguard/redzone/shadow"
	"github.com/rzguard/redzone/sizeclass"
)

const testShadowSize = 1 << 24 // 16 MiB, large enough for every test's working set

func newTestMapper(t *testing.T) shadow.Mapper {
	t.Helper()
	mem, err := osmap.Anonymous(testShadowSize)
	require.NoError(t, err)
	base := uintptr(unsafe.Pointer(&mem[0]))
	mask := uintptr(testShadowSize - 1)
	return func(addr uintptr) uintptr {
		return base + ((addr >> 3) & mask)
	}
}

func newTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	cfg := config.Default()
	classes := sizeclass.New(sizeclass.Default)
	poisoner := shadow.New(newTestMapper(t), 8)
	registry := pagegroup.New()
	reporter := &diag.Reporter{Exit: func(code int) { t.Fatalf("unexpected abort, exit code %d", code) }}
	maxClass := classes.ClassOf(sizeclass.MaxAllowedMallocSize())
	return heap.New(cfg, classes, poisoner, registry, reporter, 4096, maxClass)
}

// fakeCache is a minimal heap.ThreadQuarantine for exercising
// SwallowThreadStorage without pulling in package threadlocal.
type fakeCache struct {
	qHead, qTail chunk.Ptr
	qBytes       uint64
	freeLists    []chunk.Ptr
}

func newFakeCache(n int) *fakeCache {
	return &fakeCache{freeLists: make([]chunk.Ptr, n)}
}

func (c *fakeCache) DrainQuarantine() (head, tail chunk.Ptr, bytes uint64) {
	head, tail, bytes = c.qHead, c.qTail, c.qBytes
	c.qHead, c.qTail, c.qBytes = 0, 0, 0
	return
}

func (c *fakeCache) DrainFreeList(class uint8) chunk.Ptr {
	head := c.freeLists[class]
	c.freeLists[class] = 0
	return head
}

func (c *fakeCache) NumClasses() int {
	return len(c.freeLists)
}

func TestAllocateChunksRefillsAndReuses(t *testing.T) {
	h := newTestHeap(t)
	classes := h.Classes()
	class := classes.ClassOf(64)

	head, n, err := h.AllocateChunks(class, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	seen := map[uintptr]bool{}
	cur := head
	count := 0
	for cur != 0 {
		hdr := chunk.At(uintptr(cur))
		require.Equal(t, chunk.Available, hdr.State)
		require.False(t, seen[hdr.Addr()], "chunk addresses must be distinct")
		seen[hdr.Addr()] = true
		cur = hdr.Next
		count++
	}
	require.Equal(t, 3, count)
}

func TestAllocateChunksOutOfRangeClass(t *testing.T) {
	h := newTestHeap(t)
	_, _, err := h.AllocateChunks(255, 1)
	require.Error(t, err)
}

func TestBypassThreadQuarantineAndReclaim(t *testing.T) {
	h := newTestHeap(t)
	classes := h.Classes()
	class := classes.ClassOf(64)

	head, _, err := h.AllocateChunks(class, 1)
	require.NoError(t, err)
	hdr := chunk.At(uintptr(head))
	hdr.State = chunk.Quarantined

	h.BypassThreadQuarantine(hdr)
	require.Equal(t, classes.BytesOf(class), h.QuarantineBytes())
}

func TestSwallowThreadStorageSplicesQuarantineAndFreeLists(t *testing.T) {
	h := newTestHeap(t)
	classes := h.Classes()
	class := classes.ClassOf(64)

	head, _, err := h.AllocateChunks(class, 2)
	require.NoError(t, err)
	first := chunk.At(uintptr(head))
	second := chunk.At(uintptr(first.Next))

	first.State = chunk.Quarantined
	second.State = chunk.Quarantined

	tc := newFakeCache(int(classes.ClassOf(sizeclass.MaxAllowedMallocSize())) + 1)
	tc.qHead, tc.qTail = chunk.Ptr(first.Addr()), chunk.Ptr(second.Addr())
	first.Next = chunk.Ptr(second.Addr())
	second.Next = 0
	tc.qBytes = 2 * classes.BytesOf(class)

	h.SwallowThreadStorage(tc, false)
	require.Equal(t, 2*classes.BytesOf(class), h.QuarantineBytes())
}

func TestReclaimReturnsChunksOnceOverBudget(t *testing.T) {
	cfg := config.New(config.WithQuarantineSize(1)) // force every quarantined chunk to reclaim immediately
	classes := sizeclass.New(sizeclass.Default)
	poisoner := shadow.New(newTestMapper(t), 8)
	registry := pagegroup.New()
	reporter := &diag.Reporter{Exit: func(code int) { t.Fatalf("unexpected abort") }}
	maxClass := classes.ClassOf(sizeclass.MaxAllowedMallocSize())
	h := heap.New(cfg, classes, poisoner, registry, reporter, 4096, maxClass)

	class := classes.ClassOf(64)
	head, _, err := h.AllocateChunks(class, 1)
	require.NoError(t, err)
	hdr := chunk.At(uintptr(head))
	hdr.State = chunk.Quarantined

	h.BypassThreadQuarantine(hdr)
	require.Equal(t, uint64(0), h.QuarantineBytes())
	require.Equal(t, chunk.Available, hdr.State)
}

func TestAllocationSizeAndFindChunkByAddr(t *testing.T) {
	h := newTestHeap(t)
	classes := h.Classes()
	class := classes.ClassOf(64)

	head, _, err := h.AllocateChunks(class, 1)
	require.NoError(t, err)
	hdr := chunk.At(uintptr(head))
	hdr.State = chunk.Allocated
	hdr.Offset = uint32(h.Config().Redzone)
	hdr.UsedSize = 40

	userPtr := hdr.Addr() + uintptr(hdr.Offset)
	require.Equal(t, uint64(40), h.AllocationSize(userPtr))

	found, ok := h.FindChunkByAddr(userPtr)
	require.True(t, ok)
	require.Equal(t, hdr.Addr(), found.Addr())
}

func TestAllocationSizeUnknownPointer(t *testing.T) {
	h := newTestHeap(t)
	require.Equal(t, uint64(0), h.AllocationSize(0xdeadbeef))
}

func TestConfigAndNumClassesAccessors(t *testing.T) {
	h := newTestHeap(t)
	require.Equal(t, uint64(16), h.Config().Redzone)
	require.Greater(t, h.NumClasses(), 0)
}
