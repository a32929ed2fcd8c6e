package redzone

import "errors"

var (
	// ErrInvalidAlignment is returned (after a Reporter.Abort call) when
	// an alignment argument is not a power of two.
	ErrInvalidAlignment = errors.New("redzone: alignment must be a power of two")

	// ErrRequestTooLarge is returned (after a Reporter.Abort call) when a
	// request's computed footprint exceeds sizeclass.MaxAllowedMallocSize.
	ErrRequestTooLarge = errors.New("redzone: requested size exceeds the allocator's ceiling")

	// ErrDoubleFree is returned (after a Reporter.Abort call) when Free is
	// called on a chunk that is already Quarantined.
	ErrDoubleFree = errors.New("redzone: double free")

	// ErrInvalidFree is returned (after a Reporter.Abort call) when Free
	// is called on an address that does not resolve to an Allocated
	// chunk.
	ErrInvalidFree = errors.New("redzone: invalid free")
)
