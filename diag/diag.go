// Package diag renders spec.md §6/§7's diagnostic reports and owns the
// process-abort path every fatal allocator condition funnels through.
//
// spec.md §7 is explicit that errors are never returned to callers: the
// allocator's entire purpose is to catch memory-safety violations, and
// continuing after one would be unsound. This package is the ground floor
// — Abort prints a report and terminates the process — with an injectable
// exit function so tests can observe the report without killing the test
// binary, the same seam-injection idiom the teacher uses for things test
// code needs to intercept (e.g. DirtyTracker being nil-able for read-only
// use).
package diag

import (
	"fmt"
	"io"
	"os"

	"github.com/rzguard/redzone/stacktrace"
)

// Kind names one of spec.md §7's four fatal categories.
type Kind int

const (
	// OutOfMemory: the OS mapping primitive failed, or a request exceeds
	// the per-call size ceiling.
	OutOfMemory Kind = iota
	// DoubleFree: free() of a chunk currently Quarantined.
	DoubleFree
	// InvalidFree: free() of an address that is not Allocated and does
	// not resolve through a MemalignForwarder to one.
	InvalidFree
	// InvariantViolation: a failed internal check.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out-of-memory"
	case DoubleFree:
		return "double-free"
	case InvalidFree:
		return "invalid-free"
	case InvariantViolation:
		return "invariant-violation"
	default:
		return "unknown"
	}
}

// Report is everything a fatal diagnostic line needs to print: the
// category, a one-line summary, the call-site stack of the violating
// operation, and (when available) a location sentence describing the
// address involved plus that address's original allocation/free stacks.
type Report struct {
	Kind        Kind
	Summary     string
	Stack       stacktrace.Trace
	Location    string            // e.g. "0x... is located 50 bytes inside of 100-byte region [..., ...)"
	AllocStack  stacktrace.Trace  // nil if not applicable
	FreeStack   stacktrace.Trace  // nil if not applicable (chunk never freed)
	AllocThread int64
	FreeThread  int64
	HasThreads  bool
}

// Reporter owns where reports go and how the process terminates after one.
// The zero value writes to os.Stderr and calls os.Exit(1); tests construct
// their own Reporter with Exit replaced by a function that records the
// call instead of terminating.
type Reporter struct {
	// Output is where reports are written. Defaults to os.Stderr.
	Output io.Writer
	// Exit terminates the process after a report is printed. Defaults to
	// os.Exit. Tests inject a non-terminating function to observe the
	// report.
	Exit func(code int)
	// PID is reported in every line's "==<pid>==" prefix. Defaults to
	// os.Getpid().
	PID int
}

// NewReporter builds a Reporter with production defaults.
func NewReporter() *Reporter {
	return &Reporter{
		Output: os.Stderr,
		Exit:   os.Exit,
		PID:    os.Getpid(),
	}
}

func (r *Reporter) output() io.Writer {
	if r.Output != nil {
		return r.Output
	}
	return os.Stderr
}

func (r *Reporter) exit() func(int) {
	if r.Exit != nil {
		return r.Exit
	}
	return os.Exit
}

func (r *Reporter) pid() int {
	if r.PID != 0 {
		return r.PID
	}
	return os.Getpid()
}

// prefix renders spec.md §6's "==<pid>==" line lead-in.
func (r *Reporter) prefix() string {
	return fmt.Sprintf("==%d==", r.pid())
}

// Print writes rep to the Reporter's Output without terminating the
// process. Abort calls this before exiting; tests that need to inspect a
// report without the abort semantics call it directly.
func (r *Reporter) Print(rep Report) {
	w := r.output()
	fmt.Fprintf(w, "%s ERROR: RedzoneAllocator: %s\n", r.prefix(), rep.Kind)
	fmt.Fprintf(w, "%s %s\n", r.prefix(), rep.Summary)
	if rep.Stack != nil {
		rep.Stack.Print(w)
	}
	if rep.Location != "" {
		fmt.Fprintf(w, "%s %s\n", r.prefix(), rep.Location)
	}
	if rep.AllocStack != nil {
		fmt.Fprintf(w, "%s allocated by thread", r.prefix())
		if rep.HasThreads {
			fmt.Fprintf(w, " T%d", rep.AllocThread)
		}
		fmt.Fprintln(w, " here:")
		rep.AllocStack.Print(w)
	}
	if rep.FreeStack != nil {
		fmt.Fprintf(w, "%s freed by thread", r.prefix())
		if rep.HasThreads {
			fmt.Fprintf(w, " T%d", rep.FreeThread)
		}
		fmt.Fprintln(w, " here:")
		rep.FreeStack.Print(w)
	}
}

// Abort prints rep and terminates the process with exit code 1. It never
// returns in production; under test, Exit is typically replaced with a
// function that panics with a sentinel or records the call, so callers in
// tests should treat Abort as potentially returning.
func (r *Reporter) Abort(rep Report) {
	r.Print(rep)
	r.exit()(1)
}
