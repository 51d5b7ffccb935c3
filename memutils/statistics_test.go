package memutils_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tieralloc/memutils"
)

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var first memutils.DetailedStatistics
	first.Clear()
	first.BlockCount = 1
	first.BlockBytes = 1024
	first.AddAllocation(128)
	first.AddUnusedRange(896)

	var second memutils.DetailedStatistics
	second.Clear()
	second.BlockCount = 1
	second.BlockBytes = 512
	second.AddAllocation(16)
	second.AddAllocation(256)

	var total memutils.DetailedStatistics
	total.Clear()
	total.AddDetailedStatistics(&first)
	total.AddDetailedStatistics(&second)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			BlockBytes:      1536,
			AllocationCount: 3,
			AllocationBytes: 400,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  16,
		AllocationSizeMax:  256,
		UnusedRangeSizeMin: 896,
		UnusedRangeSizeMax: 896,
	}, total)
}

func TestDetailedStatisticsClear(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.AddAllocation(10)
	stats.Clear()

	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, math.MaxInt, stats.UnusedRangeSizeMin)
}

func TestUsageCounters(t *testing.T) {
	var counters memutils.UsageCounters

	counters.RecordAlloc(64)
	counters.RecordAlloc(512)
	counters.RecordFree(64)
	counters.RecordAlloc(32)

	require.Equal(t, 608, counters.BytesUsed)
	require.Equal(t, 64, counters.BytesFreed)
	require.Equal(t, 576, counters.PeakUsage)
	require.Equal(t, 544, counters.LiveBytes())
	require.Equal(t, 2, counters.LiveAllocations())

	counters.Clear()
	require.Equal(t, memutils.UsageCounters{}, counters)
}

func snapshot(counters *memutils.UsageCounters) memutils.UsageCounters { return *counters }

func TestUsageCountersSnapshot(t *testing.T) {
	var counters memutils.UsageCounters
	counters.RecordAlloc(128)

	// Snapshots returned by value can be queried directly
	require.Equal(t, 128, snapshot(&counters).LiveBytes())
	require.Equal(t, 1, snapshot(&counters).LiveAllocations())
}
