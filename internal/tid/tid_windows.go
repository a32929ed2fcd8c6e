//go:build windows

package tid

import "golang.org/x/sys/windows"

// Current returns the calling OS thread's id.
func Current() int64 {
	return int64(windows.GetCurrentThreadId())
}
