// Package osmap provides the OS anonymous-mapping primitive the allocator
// core needs to obtain fresh pages: an address range backed by no file,
// zero-filled, and held until Release unmaps it. The heap never releases
// its page-groups; fake-stack regions are released on Cleanup.
//
// This mirrors the teacher repo's internal/mmfile package (which mapped a
// file's contents into memory) but swaps the file-backed mapping for an
// anonymous one, since the allocator never persists to disk.
package osmap
