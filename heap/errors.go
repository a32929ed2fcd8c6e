package heap

import "errors"

var (
	// ErrOutOfMemory is returned (after a Reporter.Abort call) when the OS
	// mapping primitive fails or a request exceeds the size ceiling. In
	// production Abort terminates the process before this is observed;
	// tests that inject a non-terminating Exit see it as the call's
	// return value.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrClassOutOfRange is returned when a caller asks for a size class
	// this Heap was not sized to hold.
	ErrClassOutOfRange = errors.New("heap: size class out of range")
)
