// Package sizeclass implements the bijection between a requested byte count
// and the allocator's size classes: powers of two up to a configurable
// step, then linear multiples of that step.
//
// The shape of this table mirrors the teacher's SizeClassConfig /
// sizeClassTable split (named configuration plus a small, constant-time
// lookup type) but the growth rule itself follows spec.md's closed-form
// formulas exactly rather than the teacher's binary-search-over-boundaries
// scheme, since the step-then-linear rule has an O(1) inverse.
package sizeclass

import "math/bits"

// Config names the two knobs the table is built from.
type Config struct {
	// Name identifies this configuration for diagnostics.
	Name string
	// Step is the boundary between power-of-two classes and linear
	// classes. Must be a power of two.
	Step uint64
}

// Default matches spec.md's default: step = 2^26 (64 MiB).
var Default = Config{Name: "Default", Step: 1 << 26}

// Table is a constant-time size-class bijection built from a Config.
type Table struct {
	cfg     Config
	stepLog uint8 // log2(Step)
}

// New builds a Table. Step must be a power of two and nonzero; New panics
// otherwise, the same fail-fast-on-malformed-static-config convention the
// teacher's newSizeClassTable uses.
func New(cfg Config) *Table {
	if cfg.Step == 0 || cfg.Step&(cfg.Step-1) != 0 {
		panic("sizeclass: step must be a nonzero power of two")
	}
	return &Table{cfg: cfg, stepLog: uint8(bits.TrailingZeros64(cfg.Step))}
}

// String returns the configuration's name.
func (t *Table) String() string {
	return t.cfg.Name
}

// Step returns the power-of-two/linear boundary.
func (t *Table) Step() uint64 {
	return t.cfg.Step
}

// ClassOf returns the size class for size, substituting 1 for a size of 0
// per spec.md §4.D.
//
//	class_of(size) = ceil(log2(size))                  for size <= step
//	class_of(size) = ceil(size/step) + log2(step)       for size >  step
func (t *Table) ClassOf(size uint64) uint8 {
	if size == 0 {
		size = 1
	}
	if size <= t.cfg.Step {
		return uint8(ceilLog2(size))
	}
	quotient := (size + t.cfg.Step - 1) / t.cfg.Step
	return uint8(quotient) + t.stepLog
}

// BytesOf is the inverse of ClassOf: the exact byte count a chunk of this
// class provides.
//
//	bytes_of(class) = 1 << class                        for class <= log2(step)
//	bytes_of(class) = (class - log2(step)) * step        for class >  log2(step)
func (t *Table) BytesOf(class uint8) uint64 {
	if class <= t.stepLog {
		return uint64(1) << class
	}
	return uint64(class-t.stepLog) * t.cfg.Step
}

func ceilLog2(x uint64) uint64 {
	if x <= 1 {
		return 0
	}
	return uint64(bits.Len64(x - 1))
}
