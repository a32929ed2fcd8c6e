// Package config carries the tunable options spec.md §6 names: redzone
// width, quarantine byte budget, statistics sample period, debug checks,
// and verbosity. It follows the teacher's SizeClassConfig/DefaultConfig
// shape — named presets plus a constructor that validates — rather than a
// struct callers fill in by hand, so a malformed configuration fails at
// construction instead of deep inside the allocator.
package config

import (
	"fmt"

	"github.com/rzguard/redzone/shadow"
)

// Kinds names the shadow-poison values this module writes for each named
// purpose in spec.md §3/§4.A. shadow.Kind's numeric meaning is defined by
// the external checker's ABI (spec.md treats the checker as an external
// collaborator), so the actual byte values are configuration, not a
// constant this package hard-codes. DefaultKinds below mirrors the values
// a conventional byte-granularity checker uses, but callers wired to a
// different checker ABI override them.
type Kinds struct {
	LeftRedzone      shadow.Kind
	RightRedzone     shadow.Kind
	Freed            shadow.Kind
	Addressable      shadow.Kind
	StackAfterReturn shadow.Kind
}

// DefaultKinds are the conventional byte-granularity poison values: zero
// means addressable, and every poisoned kind uses a distinct non-zero
// byte so a dump of raw shadow memory is self-describing.
var DefaultKinds = Kinds{
	LeftRedzone:      0xfa,
	RightRedzone:     0xfb,
	Freed:            0xfd,
	Addressable:      0x00,
	StackAfterReturn: 0xf5,
}

// Options holds every allocator-wide tunable spec.md §6 recognizes.
type Options struct {
	// Redzone is the left-redzone / alignment granularity. Must be a
	// power of two, one of {16, 32, 64, 128}, and >= the shadow
	// granularity the caller's Mapper uses.
	Redzone uint64

	// QuarantineSize is the global quarantine's byte budget. Must be > 0.
	QuarantineSize uint64

	// Stats is the statistics sample period in bytes allocated. It is
	// stored and printed by asanctl only; no allocator code reads it, and
	// no statistics dumps are produced.
	Stats uint64

	// Debug is the extra-checks flag. It is stored and printed by asanctl
	// only; no allocator code reads it, so it adds no checks and no trace
	// output.
	Debug bool

	// Verbosity is 0, 1, or 2.
	Verbosity int

	// Kinds maps each shadow purpose to the poison byte the checker
	// expects. Defaults to DefaultKinds.
	Kinds Kinds
}

// allowedRedzones enumerates spec.md §6's four legal redzone widths.
var allowedRedzones = [...]uint64{16, 32, 64, 128}

// Option mutates an Options under construction.
type Option func(*Options)

// WithRedzone overrides the default redzone width.
func WithRedzone(n uint64) Option {
	return func(o *Options) { o.Redzone = n }
}

// WithQuarantineSize overrides the default global quarantine byte budget.
func WithQuarantineSize(n uint64) Option {
	return func(o *Options) { o.QuarantineSize = n }
}

// WithStats sets the periodic statistics sample period in bytes allocated.
func WithStats(n uint64) Option {
	return func(o *Options) { o.Stats = n }
}

// WithDebug sets the Debug flag (see Options.Debug).
func WithDebug(v bool) Option {
	return func(o *Options) { o.Debug = v }
}

// WithVerbosity sets verbosity (0, 1, or 2).
func WithVerbosity(v int) Option {
	return func(o *Options) { o.Verbosity = v }
}

// WithKinds overrides the default shadow-poison byte values.
func WithKinds(k Kinds) Option {
	return func(o *Options) { o.Kinds = k }
}

// defaultRedzone and defaultQuarantineSize match spec.md §3's default step
// family (REDZONE=16) plus a sane nonzero quarantine budget — spec.md only
// requires quarantine_size > 0 and leaves the actual number to the caller.
const (
	defaultRedzone        = 16
	defaultQuarantineSize = 256 << 10
)

// Default returns spec.md's default configuration: REDZONE=16 and a
// 256 KiB quarantine budget.
func Default() Options {
	return Options{
		Redzone:        defaultRedzone,
		QuarantineSize: defaultQuarantineSize,
		Kinds:          DefaultKinds,
	}
}

// New builds an Options starting from Default and applying opts in order,
// then validates the result. An invalid configuration is a programmer
// error, not a runtime condition, so New panics rather than returning an
// error — the same fail-fast convention sizeclass.New and shadow.New use
// for malformed static configuration.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return o
}

func (o Options) validate() error {
	ok := false
	for _, rz := range allowedRedzones {
		if o.Redzone == rz {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("redzone %d is not one of %v", o.Redzone, allowedRedzones)
	}
	if o.QuarantineSize == 0 {
		return fmt.Errorf("quarantine_size must be > 0")
	}
	if o.Verbosity < 0 || o.Verbosity > 2 {
		return fmt.Errorf("verbosity must be 0, 1, or 2, got %d", o.Verbosity)
	}
	return nil
}
