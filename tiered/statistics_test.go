package tiered_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tieralloc/tiered"
)

func TestSizeClasses(t *testing.T) {
	allocator := newAllocator(t, smallOptions(0))
	defer func() { require.NoError(t, allocator.Destroy()) }()

	require.Equal(t, []tiered.SizeClass{
		{Tier: tiered.TierPool, MinSize: 1, MaxSize: 16, ChunkSize: 16, ChunkCount: 4},
		{Tier: tiered.TierPool, MinSize: 17, MaxSize: 32, ChunkSize: 32, ChunkCount: 4},
		{Tier: tiered.TierPool, MinSize: 33, MaxSize: 64, ChunkSize: 64, ChunkCount: 4},
		{Tier: tiered.TierFreeList, MinSize: 65, MaxSize: 4096},
		{Tier: tiered.TierLarge, MinSize: 4097, MaxSize: math.MaxInt},
	}, allocator.SizeClasses())

	// Every class routes to the tier it advertises
	for _, class := range allocator.SizeClasses() {
		for _, size := range []int{class.MinSize, class.MinSize + (class.MaxSize-class.MinSize)/2} {
			if size > 1<<20 {
				continue
			}

			ptr, err := allocator.Alloc(size)
			require.NoError(t, err)

			tier, ok := allocator.TierOf(ptr)
			require.True(t, ok)
			require.Equal(t, class.Tier, tier, "size %d", size)
			require.NoError(t, allocator.Free(ptr))
		}
	}
}

func TestSizeClassesThresholdAtPoolLimit(t *testing.T) {
	allocator := newAllocator(t, tiered.CreateOptions{
		LargeAllocationThreshold: 1000,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	classes := allocator.SizeClasses()
	last := classes[len(classes)-1]
	require.Equal(t, tiered.TierLarge, last.Tier)
	require.Equal(t, 513, last.MinSize)

	for _, class := range classes {
		require.NotEqual(t, tiered.TierFreeList, class.Tier)
	}
}

func TestCalculateStatistics(t *testing.T) {
	allocator := newAllocator(t, smallOptions(tiered.CreateDiagnostics))

	small, err := allocator.Alloc(10)
	require.NoError(t, err)
	medium, err := allocator.Alloc(1000)
	require.NoError(t, err)
	large, err := allocator.Alloc(5000)
	require.NoError(t, err)

	var stats tiered.Statistics
	allocator.CalculateStatistics(&stats)

	pools := stats.Tiers[tiered.TierPool]
	require.Equal(t, 3, pools.BlockCount)
	require.Equal(t, (16+32+64)*4, pools.BlockBytes)
	require.Equal(t, 1, pools.AllocationCount)
	require.Equal(t, 16, pools.AllocationBytes)
	require.Equal(t, 11, pools.UnusedRangeCount)

	freeLists := stats.Tiers[tiered.TierFreeList]
	mediumSize, err := allocator.AllocationSize(medium)
	require.NoError(t, err)
	require.Equal(t, 1, freeLists.BlockCount)
	require.Equal(t, 1, freeLists.AllocationCount)
	require.Equal(t, mediumSize, freeLists.AllocationBytes)
	require.Equal(t, 1, freeLists.UnusedRangeCount)

	largeStats := stats.Tiers[tiered.TierLarge]
	require.Equal(t, 1, largeStats.BlockCount)
	require.Equal(t, 5000, largeStats.BlockBytes)
	require.Equal(t, 5000, largeStats.AllocationBytes)

	require.Equal(t, 5, stats.Total.BlockCount)
	require.Equal(t, 3, stats.Total.AllocationCount)
	require.Equal(t, 16+mediumSize+5000, stats.Total.AllocationBytes)
	require.Equal(t, 16, stats.Total.AllocationSizeMin)
	require.Equal(t, 5000, stats.Total.AllocationSizeMax)
	require.Equal(t, allocator.Counters().LiveBytes(), stats.Total.AllocationBytes)

	require.NoError(t, allocator.Free(small))
	require.NoError(t, allocator.Free(medium))
	require.NoError(t, allocator.Free(large))

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.AllocationCount)
	require.Equal(t, 4, stats.Total.BlockCount)

	require.NoError(t, allocator.Destroy())
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.BlockCount)
	require.Equal(t, 0, stats.Total.AllocationCount)
}

func TestBuildStatsString(t *testing.T) {
	allocator := newAllocator(t, smallOptions(tiered.CreateDiagnostics))

	small, err := allocator.Alloc(16)
	require.NoError(t, err)
	medium, err := allocator.Alloc(1000)
	require.NoError(t, err)
	large, err := allocator.Alloc(5000)
	require.NoError(t, err)

	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(false)), &summary))

	general := summary["General"].(map[string]interface{})
	require.Equal(t, "CreateDiagnostics", general["Flags"])
	require.Equal(t, float64(4096), general["LargeAllocationThreshold"])
	require.Equal(t, float64(3), summary["Total"].(map[string]interface{})["AllocationCount"])
	require.Equal(t, float64(3), summary["Counters"].(map[string]interface{})["AllocationCount"])
	require.NotContains(t, summary, "DetailedMap")

	tiers := summary["Tiers"].(map[string]interface{})
	require.Len(t, tiers, 3)
	require.Equal(t, float64(5000), tiers["Large"].(map[string]interface{})["AllocationBytes"])

	var detailed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &detailed))

	detailedMap := detailed["DetailedMap"].(map[string]interface{})

	pools := detailedMap["Pools"].(map[string]interface{})
	require.Len(t, pools, 3)
	pool16 := pools["16"].(map[string]interface{})
	require.Equal(t, float64(4), pool16["ChunkCount"])
	require.Equal(t, []interface{}{float64(0)}, pool16["AllocatedOffsets"])
	require.Empty(t, pools["32"].(map[string]interface{})["AllocatedOffsets"])

	freeLists := detailedMap["FreeLists"].(map[string]interface{})
	require.Len(t, freeLists, 1)
	regions := freeLists["0"].(map[string]interface{})["Regions"].([]interface{})
	require.Len(t, regions, 2)
	require.Equal(t, "Allocation", regions[0].(map[string]interface{})["Type"])
	require.Equal(t, "Free", regions[1].(map[string]interface{})["Type"])

	largeList := detailedMap["Large"].([]interface{})
	require.Len(t, largeList, 1)
	require.Equal(t, float64(5000), largeList[0].(map[string]interface{})["Size"])

	require.NoError(t, allocator.Free(small))
	require.NoError(t, allocator.Free(medium))
	require.NoError(t, allocator.Free(large))
	require.NoError(t, allocator.Destroy())

	var destroyed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &destroyed))
	require.Equal(t, true, destroyed["General"].(map[string]interface{})["Destroyed"])
	require.NotContains(t, destroyed, "DetailedMap")
}
