package diag_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzguard/redzone/diag"
	"github.com/rzguard/redzone/stacktrace"
)

func TestPrintRendersKindAndSummary(t *testing.T) {
	var buf bytes.Buffer
	r := &diag.Reporter{Output: &buf, PID: 42}

	r.Print(diag.Report{
		Kind:    diag.DoubleFree,
		Summary: "attempting double-free",
		Stack:   stacktrace.Empty(),
	})

	out := buf.String()
	require.Contains(t, out, "==42==")
	require.Contains(t, out, "double-free")
	require.Contains(t, out, "attempting double-free")
}

func TestPrintIncludesLocationAndTraces(t *testing.T) {
	var buf bytes.Buffer
	r := &diag.Reporter{Output: &buf, PID: 1}

	r.Print(diag.Report{
		Kind:        diag.InvalidFree,
		Summary:     "bad free",
		Location:    "0x1 is located 5 bytes inside of a 10-byte region",
		AllocStack:  stacktrace.Empty(),
		FreeStack:   stacktrace.Empty(),
		AllocThread: 7,
		FreeThread:  8,
		HasThreads:  true,
	})

	out := buf.String()
	require.Contains(t, out, "5 bytes inside of a 10-byte region")
	require.Contains(t, out, "allocated by thread T7")
	require.Contains(t, out, "freed by thread T8")
}

func TestAbortCallsExitAfterPrinting(t *testing.T) {
	var buf bytes.Buffer
	var exitCode int
	var exited bool
	r := &diag.Reporter{
		Output: &buf,
		Exit: func(code int) {
			exitCode = code
			exited = true
		},
	}

	r.Abort(diag.Report{Kind: diag.OutOfMemory, Summary: "no memory"})

	require.True(t, exited)
	require.Equal(t, 1, exitCode)
	require.Contains(t, buf.String(), "out-of-memory")
}

func TestNewReporterDefaults(t *testing.T) {
	r := diag.NewReporter()
	require.NotNil(t, r.Output)
	require.NotNil(t, r.Exit)
	require.Greater(t, r.PID, 0)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "out-of-memory", diag.OutOfMemory.String())
	require.Equal(t, "double-free", diag.DoubleFree.String())
	require.Equal(t, "invalid-free", diag.InvalidFree.String())
	require.Equal(t, "invariant-violation", diag.InvariantViolation.String())
}
