//go:build windows

package osmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Anonymous maps size bytes of zero-filled, anonymous, private memory via
// VirtualAlloc. size must already be page-aligned.
func Anonymous(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(
		0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, fmt.Errorf("osmap: VirtualAlloc %d bytes: %w", size, err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// Release unmaps a region previously returned by Anonymous.
func Release(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
