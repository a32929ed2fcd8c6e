package sizeclass_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzguard/redzone/sizeclass"
)

func TestClassOfZeroAndOneAreTheSameClass(t *testing.T) {
	table := sizeclass.New(sizeclass.Default)
	require.Equal(t, table.ClassOf(1), table.ClassOf(0))
}

func TestClassOfBytesOfRoundTrip(t *testing.T) {
	table := sizeclass.New(sizeclass.Default)

	cases := []uint64{1, 2, 3, 4, 63, 64, 65, 1000, 1 << 20, 1 << 26, (1 << 26) + 1, 3 * (1 << 26)}
	for _, size := range cases {
		class := table.ClassOf(size)
		bytes := table.BytesOf(class)
		require.GreaterOrEqual(t, bytes, size, "class %d for size %d must cover it", class, size)
	}
}

func TestClassOfIsMonotonic(t *testing.T) {
	table := sizeclass.New(sizeclass.Default)
	prev := table.ClassOf(1)
	for size := uint64(2); size < 1<<20; size *= 2 {
		cur := table.ClassOf(size)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestBytesOfExactBoundaries(t *testing.T) {
	table := sizeclass.New(sizeclass.Default)

	require.Equal(t, uint64(1), table.BytesOf(0))
	require.Equal(t, uint64(1)<<26, table.BytesOf(26))
	require.Equal(t, uint64(2)<<26, table.BytesOf(27))
}

func TestClassOfLinearRegion(t *testing.T) {
	table := sizeclass.New(sizeclass.Default)
	step := table.Step()

	require.Equal(t, uint8(26), table.ClassOf(step))
	require.Equal(t, uint8(28), table.ClassOf(step+1))
	require.Equal(t, uint8(28), table.ClassOf(2*step))
}

func TestMaxAllowedMallocSizeIsPositive(t *testing.T) {
	require.Greater(t, sizeclass.MaxAllowedMallocSize(), uint64(0))
}

func TestNewPanicsOnNonPowerOfTwoStep(t *testing.T) {
	require.Panics(t, func() {
		sizeclass.New(sizeclass.Config{Name: "bad", Step: 100})
	})
}

func TestTableString(t *testing.T) {
	table := sizeclass.New(sizeclass.Config{Name: "custom", Step: 1 << 10})
	require.Equal(t, "custom", table.String())
}
