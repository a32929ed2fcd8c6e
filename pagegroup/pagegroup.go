// Package pagegroup tracks every OS-mapped region the allocator owns and
// answers "which region (if any) contains this address, and what size
// class does it carve into?"
//
// Registration is append-only: a writer (always holding the global
// allocator's lock, per spec.md §4.B) builds a new backing slice with one
// more entry and publishes it with a single atomic pointer store. Readers
// load that pointer once and iterate a slice that is never mutated in
// place, so Find never observes a half-written Group and never races with
// a concurrent Register. This mirrors the teacher's dirty.Tracker in
// spirit — an append-only record the rest of the package reads back —
// generalized to the registry's concurrent-reader requirement.
package pagegroup

import "sync/atomic"

// Group describes one OS-mapped region, all of whose chunks share a single
// size class.
type Group struct {
	Begin       uintptr
	End         uintptr
	SizeClass   uint8
	SizeOfChunk uint64
}

// Contains reports whether addr falls inside this group's mapped range.
func (g Group) Contains(addr uintptr) bool {
	return addr >= g.Begin && addr < g.End
}

// Registry is a process-wide, append-only list of page-groups. The zero
// value is ready to use.
type Registry struct {
	groups atomic.Pointer[[]Group]
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	empty := []Group{}
	r.groups.Store(&empty)
	return r
}

// Register appends a new page-group and returns its insertion index.
// Callers must hold the global allocator's lock; Register is not safe to
// call concurrently with itself.
func (r *Registry) Register(g Group) int {
	cur := *r.groups.Load()
	next := make([]Group, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = g
	r.groups.Store(&next)
	return len(cur)
}

// Count returns the number of page-groups currently registered.
func (r *Registry) Count() int {
	return len(*r.groups.Load())
}

// At returns the group at index i. i must be < Count().
func (r *Registry) At(i int) Group {
	return (*r.groups.Load())[i]
}

// Find scans the registered groups for the one containing addr.
//
// Lookup is intentionally O(N_regions): every region is at least
// kMinMmapSize (1024 pages), so even a process with a large working set
// has few regions, and a linear scan beats the bookkeeping cost of a
// balanced tree for this workload.
func (r *Registry) Find(addr uintptr) (Group, bool) {
	groups := *r.groups.Load()
	for _, g := range groups {
		if g.Contains(addr) {
			return g, true
		}
	}
	return Group{}, false
}
