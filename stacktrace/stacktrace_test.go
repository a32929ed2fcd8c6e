package stacktrace_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzguard/redzone/stacktrace"
)

func TestCaptureReturnsCallerFrames(t *testing.T) {
	tr := stacktrace.Capture(0)
	require.NotEmpty(t, tr.Frames())
}

func TestCapturePrintIncludesThisFunction(t *testing.T) {
	tr := stacktrace.Capture(0)
	var buf bytes.Buffer
	tr.Print(&buf)
	require.Contains(t, buf.String(), "TestCapturePrintIncludesThisFunction")
}

func TestEmptyHasNoFrames(t *testing.T) {
	tr := stacktrace.Empty()
	require.Empty(t, tr.Frames())

	var buf bytes.Buffer
	tr.Print(&buf)
	require.Contains(t, buf.String(), "no stack captured")
}
