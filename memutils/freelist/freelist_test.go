package freelist_test

import (
	"strconv"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
	"github.com/vkngwrapper/tieralloc/memutils/freelist"
)

func newFreeList(t *testing.T, size int) *freelist.Allocator {
	var l freelist.Allocator
	require.NoError(t, l.Init(arena.HeapBacking{}, size))
	t.Cleanup(func() {
		require.NoError(t, l.Destroy())
	})
	return &l
}

// reserved is the number of arena bytes taken by a default-aligned allocation of size bytes
func reserved(size int) int {
	return memutils.AlignUp(16+size+memutils.DebugMargin, 8)
}

func alloc(t *testing.T, l *freelist.Allocator, size int, alignment uint) unsafe.Pointer {
	ptr, err := l.Alloc(size, alignment)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	return ptr
}

func TestFreeListCoalesce(t *testing.T) {
	l := newFreeList(t, 1024)

	a := alloc(t, l, 100, 0)
	b := alloc(t, l, 100, 0)
	require.Equal(t, uintptr(reserved(100)), uintptr(b)-uintptr(a))
	require.Equal(t, 1, l.FreeRegionsCount())
	require.Equal(t, 1024-2*reserved(100), l.SumFreeSize())

	require.NoError(t, l.Free(a))
	require.Equal(t, 2, l.FreeRegionsCount())
	require.NoError(t, l.Free(b))
	require.Equal(t, 1, l.FreeRegionsCount())
	require.Equal(t, 1024, l.SumFreeSize())

	c := alloc(t, l, 180, 0)
	require.Equal(t, a, c)
	require.Equal(t, 1, l.FreeRegionsCount())
	require.NoError(t, l.Validate())
}

func TestFreeListCoalesceBothNeighbors(t *testing.T) {
	l := newFreeList(t, 1024)

	a := alloc(t, l, 64, 0)
	b := alloc(t, l, 64, 0)
	c := alloc(t, l, 64, 0)
	_ = alloc(t, l, 64, 0)

	require.NoError(t, l.Free(a))
	require.NoError(t, l.Free(c))
	require.Equal(t, 3, l.FreeRegionsCount())

	require.NoError(t, l.Free(b))
	require.Equal(t, 2, l.FreeRegionsCount())
	require.Equal(t, 1024-reserved(64), l.SumFreeSize())
	require.Equal(t, 1, l.AllocationCount())

	// The three merged blocks hold one allocation spanning all of them
	big := alloc(t, l, 3*reserved(64)-16-memutils.DebugMargin, 0)
	require.Equal(t, a, big)
	require.NoError(t, l.Validate())
}

func TestFreeListAlignment(t *testing.T) {
	l := newFreeList(t, 8192)

	var ptrs []unsafe.Pointer
	for _, alignment := range []uint{0, 1, 2, 4, 8, 16, 32, 64, 256, 8, 32} {
		ptr := alloc(t, l, 24, alignment)

		expected := alignment
		if expected < 8 {
			expected = 8
		}
		require.Zero(t, uintptr(ptr)%uintptr(expected), "alignment %d", alignment)

		data := unsafe.Slice((*byte)(ptr), 24)
		for i := range data {
			data[i] = 0xCD
		}
		ptrs = append(ptrs, ptr)
	}
	require.NoError(t, l.Validate())

	for _, ptr := range ptrs {
		require.NoError(t, l.Free(ptr))
		require.NoError(t, l.Validate())
	}

	require.True(t, l.IsEmpty())
	require.Equal(t, 1, l.FreeRegionsCount())
	require.Equal(t, 8192, l.SumFreeSize())

	_, err := l.Alloc(24, 24)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestFreeListBestFit(t *testing.T) {
	l := newFreeList(t, 1024)

	a := alloc(t, l, 200, 0)
	_ = alloc(t, l, 40, 0)
	c := alloc(t, l, 100, 0)
	_ = alloc(t, l, 16, 0)

	require.NoError(t, l.Free(a))
	require.NoError(t, l.Free(c))

	// The block left by c is the smallest that fits
	ptr := alloc(t, l, 80, 0)
	require.Equal(t, c, ptr)
	require.Equal(t, reserved(80), mustBlockSize(t, l, ptr))

	// Exact fit for the block left by a
	ptr = alloc(t, l, 200, 0)
	require.Equal(t, a, ptr)
	require.NoError(t, l.Validate())
}

func mustBlockSize(t *testing.T, l *freelist.Allocator, ptr unsafe.Pointer) int {
	size, err := l.BlockSize(ptr)
	require.NoError(t, err)
	return size
}

func TestFreeListConsumesWholeBlock(t *testing.T) {
	l := newFreeList(t, 256)

	// Leaves 16 bytes, too few for a free block
	ptr := alloc(t, l, 224-memutils.DebugMargin, 0)
	require.Equal(t, 256, mustBlockSize(t, l, ptr))
	require.Equal(t, 0, l.FreeRegionsCount())
	require.Equal(t, 0, l.SumFreeSize())

	none, err := l.Alloc(8, 0)
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, l.Free(ptr))
	require.Equal(t, 1, l.FreeRegionsCount())
	require.Equal(t, 256, l.SumFreeSize())
	require.NoError(t, l.Validate())
}

func TestFreeListRoundTrip(t *testing.T) {
	l := newFreeList(t, 64*1024)

	_ = alloc(t, l, 1000, 0)
	held := alloc(t, l, 3000, 0)
	_ = alloc(t, l, 500, 0)
	require.NoError(t, l.Free(held))

	regions := l.FreeRegionsCount()
	free := l.SumFreeSize()

	sizes := []int{8, 100, 2999, 4096, 17, 60000}
	alignments := []uint{0, 16, 64, 128}
	for i := 0; i < 200; i++ {
		size := sizes[i%len(sizes)]
		ptr, err := l.Alloc(size, alignments[i%len(alignments)])
		require.NoError(t, err)
		if ptr == nil {
			continue
		}

		require.NoError(t, l.Free(ptr))
		require.Equal(t, regions, l.FreeRegionsCount())
		require.Equal(t, free, l.SumFreeSize())
	}

	require.NoError(t, l.Validate())
}

func TestFreeListFreeErrors(t *testing.T) {
	l := newFreeList(t, 1024)

	ptr := alloc(t, l, 64, 0)
	aligned := alloc(t, l, 64, 128)

	var outside [16]byte
	err := l.Free(unsafe.Pointer(&outside[0]))
	require.True(t, errors.Is(err, memutils.ErrForeignPointer))

	err = l.Free(unsafe.Add(ptr, 4))
	require.True(t, errors.Is(err, memutils.ErrMisalignedPointer))

	marker := (*uint32)(unsafe.Add(ptr, -4))
	saved := *marker
	*marker = 0
	err = l.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrCorruptHeader))
	*marker = saved

	require.NoError(t, l.Free(ptr))
	err = l.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))
	_, err = l.BlockSize(ptr)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	require.NoError(t, l.Free(aligned))
	err = l.Free(aligned)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	require.True(t, l.IsEmpty())
	require.Equal(t, 1, l.FreeRegionsCount())
	require.NoError(t, l.Validate())

	_, err = l.Alloc(0, 0)
	require.Error(t, err)
	_, err = l.Alloc(-5, 0)
	require.Error(t, err)
}

func TestFreeListInit(t *testing.T) {
	var l freelist.Allocator

	_, err := l.Alloc(8, 0)
	require.True(t, errors.Is(err, memutils.ErrNotInitialized))
	err = l.Free(unsafe.Pointer(&l))
	require.True(t, errors.Is(err, memutils.ErrNotInitialized))
	require.NoError(t, l.Destroy())

	err = l.Init(arena.HeapBacking{}, 16)
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))
	err = l.Init(arena.HeapBacking{}, 1001)
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))

	require.NoError(t, l.Init(arena.HeapBacking{}, freelist.MinArenaSize))
	require.Equal(t, freelist.MinArenaSize, l.Size())
	err = l.Init(arena.HeapBacking{}, 1024)
	require.True(t, errors.Is(err, memutils.ErrAlreadyInitialized))

	ptr := alloc(t, &l, 8, 0)
	require.True(t, l.ContainsAddress(ptr))

	require.NoError(t, l.Destroy())
	require.NoError(t, l.Destroy())
	require.False(t, l.IsInitialized())
	require.False(t, l.ContainsAddress(ptr))
}

func TestFreeListRegionsAndStatistics(t *testing.T) {
	l := newFreeList(t, 1024)

	a := alloc(t, l, 100, 0)
	b := alloc(t, l, 40, 0)
	require.NoError(t, l.Free(a))

	type region struct {
		offset, size int
		free         bool
	}
	var regions []region
	err := l.VisitAllRegions(func(offset int, size int, free bool) error {
		regions = append(regions, region{offset, size, free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []region{
		{0, reserved(100), true},
		{reserved(100), reserved(40), false},
		{reserved(100) + reserved(40), 1024 - reserved(100) - reserved(40), true},
	}, regions)

	var live []unsafe.Pointer
	err = l.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		require.Equal(t, reserved(40), size)
		live = append(live, ptr)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []unsafe.Pointer{b}, live)

	var stats memutils.DetailedStatistics
	stats.Clear()
	l.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 1,
			AllocationBytes: reserved(40),
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  reserved(40),
		AllocationSizeMax:  reserved(40),
		UnusedRangeSizeMin: reserved(100),
		UnusedRangeSizeMax: 1024 - reserved(100) - reserved(40),
	}, stats)

	var basic memutils.Statistics
	l.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)
	require.Equal(t, reserved(40), l.UsedSize())

	writer := jwriter.NewWriter()
	obj := writer.Object()
	l.BlockJsonData(obj)
	obj.End()
	require.JSONEq(t, `{"TotalBytes":1024,"UnusedBytes":`+strconv.Itoa(1024-reserved(40))+`,"Allocations":1,"UnusedRanges":2}`, string(writer.Bytes()))

	require.NoError(t, l.CheckCorruption())
}

func TestFreeListValidateDetectsDamage(t *testing.T) {
	l := newFreeList(t, 1024)

	ptr := alloc(t, l, 64, 0)
	require.NoError(t, l.Validate())

	// Overwrite the size word of the free block that follows the allocation
	next := (*uint64)(unsafe.Add(ptr, reserved(64)-16))
	saved := *next
	*next = 8
	require.Error(t, l.Validate())
	*next = saved

	total := (*uint64)(unsafe.Add(ptr, -16))
	saved = *total
	*total = 4096
	require.Error(t, l.Validate())
	*total = saved

	require.NoError(t, l.Validate())
}
