package redzone

import (
	"bytes"
	"fmt"

	"github.com/rzguard/redzone/chunk"
)

// DescribeHeapAddress renders spec.md §4.I's heap-address diagnostic for
// addr: which chunk it falls in, how far from its user window, and, when
// known, the traces of the allocation and free that produced its current
// state. Unlike Reporter.Abort this never terminates the process — it is
// meant for a caller (an external checker, a test, an operator CLI) that
// already knows something is wrong at addr and wants the allocator's own
// account of it.
func (a *Allocator) DescribeHeapAddress(addr uintptr, accessSize uint64) string {
	hdr, ok := a.heap.FindChunkByAddr(addr)
	if !ok {
		return fmt.Sprintf("0x%x is not owned by this allocator", addr)
	}
	if hdr.State == chunk.MemalignForwarder {
		hdr = chunk.At(uintptr(hdr.Next))
	}

	var buf bytes.Buffer
	buf.WriteString(a.describeChunk(hdr, addr, accessSize))

	if te := a.lookupTrace(hdr.Addr()); te != nil {
		if te.alloc != nil {
			fmt.Fprintf(&buf, "\nallocated by thread T%d here:\n", te.allocTID)
			te.alloc.Print(&buf)
		}
		if te.free != nil {
			fmt.Fprintf(&buf, "\nfreed by thread T%d here:\n", te.freeTID)
			te.free.Print(&buf)
		}
	}
	return buf.String()
}

// describeChunk renders hdr's location sentence for addr, building the
// chunk.Region its footprint needs from this Allocator's own size-class
// table rather than threading one through every caller.
func (a *Allocator) describeChunk(hdr *chunk.Header, addr uintptr, accessSize uint64) string {
	region := chunk.Region{
		ChunkSize: uintptr(a.classes.BytesOf(hdr.SizeClass)),
		Redzone:   uintptr(a.cfg.Redzone),
	}
	return hdr.Describe(region, addr, uintptr(accessSize))
}
