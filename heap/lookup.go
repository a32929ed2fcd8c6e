package heap

import "github.com/rzguard/redzone/chunk"

// AllocationSize locates the page-group containing ptr and, if the chunk
// it resolves to (following a MemalignForwarder if present) is currently
// Allocated, returns its exact requested byte count. Returns 0 for any
// pointer this Heap does not own or that is not currently live — this is
// spec.md §4.E's malloc_usable_size emulation.
func (h *Heap) AllocationSize(ptr uintptr) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.registry.Find(ptr); !ok {
		return 0
	}
	c := chunk.FromUser(ptr, uintptr(h.cfg.Redzone))
	if c.State != chunk.Allocated {
		return 0
	}
	return c.UsedSize
}

// FindChunkByAddr resolves addr (which need not be aligned to any chunk
// boundary) to the chunk whose footprint contains it, tolerating the
// spec.md §4.C boundary case where floor-division alone cannot
// distinguish a chunk's trailing redzone from its right neighbor's
// leading redzone: the left neighbor is consulted, and it wins only when
// its AddrIsAtRight distance is smaller than the candidate's AddrIsAtLeft
// distance.
func (h *Heap) FindChunkByAddr(addr uintptr) (*chunk.Header, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.findChunkByAddrLocked(addr)
}

func (h *Heap) findChunkByAddrLocked(addr uintptr) (*chunk.Header, bool) {
	g, ok := h.registry.Find(addr)
	if !ok {
		return nil, false
	}

	rel := addr - g.Begin
	idx := rel / uintptr(g.SizeOfChunk)
	candidateAddr := g.Begin + idx*uintptr(g.SizeOfChunk)
	candidate := chunk.At(candidateAddr)

	if idx == 0 {
		return candidate, true
	}

	region := chunk.Region{ChunkSize: uintptr(g.SizeOfChunk), Redzone: uintptr(h.cfg.Redzone)}
	prevAddr := candidateAddr - uintptr(g.SizeOfChunk)
	prev := chunk.At(prevAddr)

	_, prevRight := prev.AddrIsAtRight(region, addr, 1)
	_, candLeft := candidate.AddrIsAtLeft(addr)
	if !prevRight || !candLeft {
		return candidate, true
	}

	prevDist, _ := prev.AddrIsAtRight(region, addr, 1)
	candDist, _ := candidate.AddrIsAtLeft(addr)
	if prevDist < candDist {
		return prev, true
	}
	return candidate, true
}
