//go:build unix

package osmap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Anonymous maps size bytes of zero-filled, anonymous, private memory.
// size must already be page-aligned; callers round up before calling.
func Anonymous(size int) ([]byte, error) {
	data, err := unix.Mmap(
		-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("osmap: mmap %d bytes: %w", size, err)
	}
	return data, nil
}

// Release unmaps a region previously returned by Anonymous.
func Release(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
