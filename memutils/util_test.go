package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tieralloc/memutils"
)

func TestCheckPow2(t *testing.T) {
	for _, value := range []int{1, 2, 8, 16, 512, 1 << 20} {
		require.NoError(t, memutils.CheckPow2(value, "value"))
	}

	for _, value := range []int{0, 3, 12, 100, 513} {
		err := memutils.CheckPow2(value, "value")
		require.Error(t, err)
		require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	}
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 8, memutils.AlignUp(8, 8))
	require.Equal(t, 112, memutils.AlignUp(100, 16))
	require.Equal(t, uintptr(4032), memutils.AlignUp(uintptr(4001), 32))
}

func TestNextPow2(t *testing.T) {
	cases := map[int]int{
		-5:       1,
		0:        1,
		1:        1,
		2:        2,
		3:        4,
		9:        16,
		16:       16,
		17:       32,
		513:      1024,
		11 << 20: 16 << 20,
	}

	for in, expected := range cases {
		require.Equal(t, expected, memutils.NextPow2(in), "NextPow2(%d)", in)
	}
}

func TestLog2(t *testing.T) {
	require.Equal(t, 0, memutils.Log2(1))
	require.Equal(t, 4, memutils.Log2(16))
	require.Equal(t, 9, memutils.Log2(512))
	require.Equal(t, 9, memutils.Log2(1000))
}
