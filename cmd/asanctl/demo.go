package main

import (
	"fmt"
	"unsafe"

	"github.com/rzguard/redzone"
	"github.com/rzguard/redzone/internal/osmap"
	"github.com/rzguard/redzone/shadow"
	"github.com/rzguard/redzone/stacktrace"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDemoCmd())
}

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a self-contained allocation demo and print diagnostics",
		Long: `The demo command wires up a redzone.Allocator with an in-process shadow
table, allocates and frees a few chunks, then deliberately double-frees one
of them so its abort report can be shown without a real hardware crash.

Example:
  asanctl demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	}
	return cmd
}

// demoShadowSize is 256 MiB of lazily-committed anonymous memory, large
// enough for the handful of allocations this command makes. It is a
// direct-mapped, wrapping stand-in for a real fixed-offset shadow table:
// good enough to demonstrate poisoning, not collision-free at heap scale.
const demoShadowSize = 1 << 28

func newDemoMapper() (shadow.Mapper, func(), error) {
	mem, err := osmap.Anonymous(demoShadowSize)
	if err != nil {
		return nil, nil, fmt.Errorf("mapping demo shadow table: %w", err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	mask := uintptr(demoShadowSize - 1)
	mapper := func(addr uintptr) uintptr {
		return base + ((addr >> 3) & mask)
	}
	cleanup := func() { _ = osmap.Release(mem) }
	return mapper, cleanup, nil
}

func runDemo() error {
	mapper, cleanup, err := newDemoMapper()
	if err != nil {
		return err
	}
	defer cleanup()

	var aborted *redzoneAbort
	a := redzone.New(redzone.Params{
		Mapper:      mapper,
		Granularity: 8,
	})
	a.Reporter().Exit = func(code int) {
		aborted = &redzoneAbort{code: code}
	}

	tls := a.Attach()
	defer tls.Detach()

	printVerbose("allocating three chunks\n")
	p1, err := a.Malloc(tls, 64, stacktrace.Capture(0))
	if err != nil {
		return err
	}
	p2, err := a.Malloc(tls, 4096, stacktrace.Capture(0))
	if err != nil {
		return err
	}
	p3, err := a.Malloc(tls, 1, stacktrace.Capture(0))
	if err != nil {
		return err
	}
	printInfo("allocated: 0x%x (64B), 0x%x (4096B), 0x%x (1B)\n", p1, p2, p3)

	if err := a.Free(tls, p2, stacktrace.Capture(0)); err != nil {
		return err
	}
	printInfo("freed 0x%x; quarantine now holds %d bytes\n", p2, a.QuarantineBytes())

	printInfo("\ndescribe(0x%x):\n%s\n", p1, a.DescribeHeapAddress(p1, 1))

	printInfo("\ntriggering a deliberate double-free of 0x%x:\n", p2)
	_ = a.Free(tls, p2, stacktrace.Capture(0))
	if aborted != nil {
		printInfo("\n(abort intercepted: exit code %d — a real process would have terminated here)\n", aborted.code)
	}

	_ = a.Free(tls, p1, stacktrace.Capture(0))
	_ = a.Free(tls, p3, stacktrace.Capture(0))
	return nil
}

type redzoneAbort struct {
	code int
}
