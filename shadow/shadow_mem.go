package shadow

import "unsafe"

// fillShadow memsets the raw shadow range [beg, end) to value. The shadow
// table itself lives outside any Go slice this module can see — the mapper
// hands back a bare address — so this overlays a byte slice onto it the
// same way chunk.Header overlays allocator headers onto raw chunk memory.
func fillShadow(beg, end uintptr, value byte) {
	if end <= beg {
		return
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(beg)), int(end-beg)) //nolint:govet // raw shadow memory, not GC-managed
	for i := range buf {
		buf[i] = value
	}
}

// pokeShadowByte writes a single shadow byte at addr.
func pokeShadowByte(addr uintptr, value byte) {
	*(*byte)(unsafe.Pointer(addr)) = value
}
