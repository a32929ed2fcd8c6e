// Package stacktrace is the Go-native reading of spec.md §4.I's
// out-of-scope "stack-trace capture/compression" collaborator: every
// alloc/free entry path takes one, and every diagnostic report prints one,
// so this module needs a default implementation even though spec.md treats
// it as external.
package stacktrace

import (
	"fmt"
	"io"
	"runtime"
)

// Trace is the contract redzone's entry paths and diag's reports depend
// on. A caller may supply any implementation; Capture below is this
// module's default.
type Trace interface {
	// Frames returns the call-site program counters, innermost first.
	Frames() []uintptr
	// Print writes a human-readable rendering to w.
	Print(w io.Writer)
}

// maxFrames bounds how deep Capture walks the call stack — deep enough for
// any realistic allocation call chain without growing unbounded under
// recursive callers.
const maxFrames = 32

// goTrace is the default Trace, backed by runtime.Callers.
type goTrace struct {
	pcs []uintptr
}

// Capture walks the calling goroutine's stack starting skip frames above
// its own frame (skip=0 means "start at Capture's caller").
func Capture(skip int) Trace {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(2+skip, pcs)
	return &goTrace{pcs: pcs[:n]}
}

// Frames returns the captured program counters, innermost first.
func (t *goTrace) Frames() []uintptr {
	return t.pcs
}

// Print renders each frame as "    at <function> (<file>:<line>)", the
// Go-native equivalent of the compressed, symbolized trace spec.md's
// diagnostic lines assume.
func (t *goTrace) Print(w io.Writer) {
	if len(t.pcs) == 0 {
		fmt.Fprintln(w, "    <no stack captured>")
		return
	}
	frames := runtime.CallersFrames(t.pcs)
	for {
		frame, more := frames.Next()
		fmt.Fprintf(w, "    at %s (%s:%d)\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
}

// Empty is a Trace with no frames, used where a caller genuinely has
// nothing to capture (e.g. a synthetic test chunk).
func Empty() Trace {
	return &goTrace{}
}
