package shadow_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/rzguard/redzone/internal/osmap"
	"github.com/rzguard/redzone/shadow"
)

// fixture wires a real memory region to a real shadow region through a
// direct-mapped Mapper, the same shape production code uses but scaled down
// to one page of each.
type fixture struct {
	memBase    uintptr
	shadowBase uintptr
	shadow     []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := osmap.Anonymous(4096)
	require.NoError(t, err)
	shad, err := osmap.Anonymous(4096)
	require.NoError(t, err)
	return &fixture{
		memBase:    uintptr(unsafe.Pointer(&mem[0])),
		shadowBase: uintptr(unsafe.Pointer(&shad[0])),
		shadow:     shad,
	}
}

func (f *fixture) mapper(addr uintptr) uintptr {
	return f.shadowBase + (addr-f.memBase)/8
}

func (f *fixture) shadowByte(i int) byte {
	return f.shadow[i]
}

func TestPoisonWritesExactRange(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 8)

	p.Poison(f.memBase+16, 32, shadow.Kind(0xfa))

	for i := 0; i < 2; i++ {
		require.Equal(t, byte(0), f.shadowByte(i), "byte %d should be untouched", i)
	}
	for i := 2; i < 6; i++ {
		require.Equal(t, byte(0xfa), f.shadowByte(i), "byte %d should be poisoned", i)
	}
	require.Equal(t, byte(0), f.shadowByte(6))
}

func TestPoisonPanicsOnMisalignedRange(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 8)

	require.Panics(t, func() {
		p.Poison(f.memBase+1, 8, shadow.Kind(0xfa))
	})
}

func TestNewPanicsOnNonPowerOfTwoGranularity(t *testing.T) {
	f := newFixture(t)
	require.Panics(t, func() {
		shadow.New(f.mapper, 7)
	})
}

func TestPartialRightRedzoneEncodesCount(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 8)

	p.PartialRightRedzone(f.memBase+8, 5, 8, shadow.Kind(0xfa), shadow.Kind(0xfb))
	require.Equal(t, byte(5), f.shadowByte(1))
}

func TestPartialRightRedzoneZeroAddressableUsesRightRedzoneKind(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 8)

	p.PartialRightRedzone(f.memBase+8, 0, 8, shadow.Kind(0xfa), shadow.Kind(0xfb))
	require.Equal(t, byte(0xfb), f.shadowByte(1))
}

func TestPartialRightRedzoneGranularity128ForcesFullPoison(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(func(addr uintptr) uintptr { return f.shadowBase }, 128)

	p.PartialRightRedzone(f.memBase, 50, 128, shadow.Kind(0xfa), shadow.Kind(0xfb))
	require.Equal(t, byte(0xff), f.shadowByte(0))
}

func TestPartialRightRedzonePanicsOnOversizedCount(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 8)

	require.Panics(t, func() {
		p.PartialRightRedzone(f.memBase, 9, 8, shadow.Kind(0xfa), shadow.Kind(0xfb))
	})
}

// TestPartialRightRedzoneCoversEveryGranuleWhenRedzoneExceedsGranularity is
// the default-config shape (Redzone=16, Granularity=8): the cell spans two
// granules, so a fix that only wrote the first one would leave the second
// falsely addressable.
func TestPartialRightRedzoneCoversEveryGranuleWhenRedzoneExceedsGranularity(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 8)

	p.PartialRightRedzone(f.memBase, 4, 16, shadow.Kind(0xfa), shadow.Kind(0xfb))
	require.Equal(t, byte(4), f.shadowByte(0), "straddling granule should encode the live-byte count")
	require.Equal(t, byte(0xfb), f.shadowByte(1), "granule wholly past addressableBytes must be right-redzone")
}

// TestPartialRightRedzoneMarksLeadingGranulesAddressable covers the case
// where addressableBytes spans one or more whole granules before the
// straddling one.
func TestPartialRightRedzoneMarksLeadingGranulesAddressable(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 8)

	p.PartialRightRedzone(f.memBase, 11, 16, shadow.Kind(0xfa), shadow.Kind(0xfb))
	require.Equal(t, byte(0xfa), f.shadowByte(0), "granule wholly inside addressableBytes must be addressable")
	require.Equal(t, byte(3), f.shadowByte(1), "straddling granule should encode the remaining live bytes")
}

func TestGranularityAccessor(t *testing.T) {
	f := newFixture(t)
	p := shadow.New(f.mapper, 16)
	require.Equal(t, uintptr(16), p.Granularity())
}
