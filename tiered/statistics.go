package tiered

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tieralloc/memutils"
)

// Statistics breaks an allocator's memory down by tier. Blocks are pool and free-list arenas,
// and each large allocation counts as a block of its own.
type Statistics struct {
	Tiers [tierCount]memutils.DetailedStatistics
	Total memutils.DetailedStatistics
}

// SizeClass describes one row of the allocator's routing table: requests of MinSize through
// MaxSize bytes, inclusive, are served by Tier.
type SizeClass struct {
	Tier    Tier
	MinSize int
	MaxSize int

	// ChunkSize and ChunkCount are only set for pool classes
	ChunkSize  int
	ChunkCount int
}

// SizeClasses returns the routing table in ascending order of request size
func (a *Allocator) SizeClasses() []SizeClass {
	var classes []SizeClass

	minSize := 1
	for chunkSize := a.options.MinPoolChunkSize; chunkSize <= a.options.MaxPoolChunkSize; chunkSize <<= 1 {
		classes = append(classes, SizeClass{
			Tier:       TierPool,
			MinSize:    minSize,
			MaxSize:    chunkSize,
			ChunkSize:  chunkSize,
			ChunkCount: a.options.PoolChunkCount,
		})
		minSize = chunkSize + 1
	}

	if largest := a.options.largestFreeListClass(); largest >= minSize {
		classes = append(classes, SizeClass{
			Tier:    TierFreeList,
			MinSize: minSize,
			MaxSize: largest,
		})
		minSize = largest + 1
	}

	return append(classes, SizeClass{
		Tier:    TierLarge,
		MinSize: minSize,
		MaxSize: math.MaxInt,
	})
}

// FreeListCount returns the number of free-list arenas the allocator has created
func (a *Allocator) FreeListCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.freeLists.BlockCount()
}

// LargeAllocationCount returns the number of live allocations reserved directly from the backing
func (a *Allocator) LargeAllocationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.largeAllocations.Count()
}

// Counters returns a snapshot of the running usage counters. They are only maintained when the
// allocator was created with CreateDiagnostics, and are zero otherwise.
func (a *Allocator) Counters() memutils.UsageCounters {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.counters
}

// CalculateStatistics walks every tier and populates stats. It is O(n) in the number of chunks
// and free-list blocks.
func (a *Allocator) CalculateStatistics(stats *Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Total.Clear()
	for i := range stats.Tiers {
		stats.Tiers[i].Clear()
	}

	if a.destroyed {
		return
	}

	a.pools.AddDetailedStatistics(&stats.Tiers[TierPool])
	a.freeLists.AddDetailedStatistics(&stats.Tiers[TierFreeList])
	a.largeAllocations.AddDetailedStatistics(&stats.Tiers[TierLarge])

	for i := range stats.Tiers {
		stats.Total.AddDetailedStatistics(&stats.Tiers[i])
	}
}

// VisitLiveAllocations calls handleAllocation for every live allocation, tier by tier. size is
// the reserved size, as reported by AllocationSize. handleAllocation must not call back into
// the allocator.
func (a *Allocator) VisitLiveAllocations(handleAllocation func(ptr unsafe.Pointer, size int, tier Tier) error) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return ErrDestroyed
	}

	err := a.pools.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		return handleAllocation(ptr, size, TierPool)
	})
	if err != nil {
		return err
	}

	err = a.freeLists.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		return handleAllocation(ptr, size, TierFreeList)
	})
	if err != nil {
		return err
	}

	return a.largeAllocations.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		return handleAllocation(ptr, size, TierLarge)
	})
}

// Validate checks the internal consistency of every tier, and of the usage counters when
// diagnostics are enabled. It is expensive and meant for tests and debugging.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return ErrDestroyed
	}

	err := memutils.ValidateAll[memutils.Validatable](&a.pools, &a.freeLists, &a.largeAllocations)
	if err != nil {
		return err
	}

	if !a.diagnostics {
		return nil
	}

	liveBytes := 0
	liveCount := 0
	_ = a.pools.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		liveBytes += size
		liveCount++
		return nil
	})
	_ = a.freeLists.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		liveBytes += size
		liveCount++
		return nil
	})
	_ = a.largeAllocations.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		liveBytes += size
		liveCount++
		return nil
	})

	if liveBytes != a.counters.LiveBytes() {
		return errors.Errorf("the usage counters show %d live bytes, but live allocations reserve %d bytes", a.counters.LiveBytes(), liveBytes)
	}
	if liveCount != a.counters.LiveAllocations() {
		return errors.Errorf("the usage counters show %d live allocations, but there are %d", a.counters.LiveAllocations(), liveCount)
	}

	return nil
}

// CheckCorruption verifies the debug margins behind every free-list allocation. It always
// succeeds unless memutils is built with the debug_mem_utils tag.
func (a *Allocator) CheckCorruption() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return ErrDestroyed
	}

	return a.freeLists.CheckCorruption()
}

func printStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing the allocator's configuration and usage.
// When detailedMap is set, it also lists every arena and every allocation within it.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats Statistics
	a.CalculateStatistics(&stats)

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("Flags").String(a.createFlags.String())
	general.Name("MinPoolChunkSize").Int(a.options.MinPoolChunkSize)
	general.Name("MaxPoolChunkSize").Int(a.options.MaxPoolChunkSize)
	general.Name("PoolChunkCount").Int(a.options.PoolChunkCount)
	general.Name("FreeListArenaSize").Int(a.options.FreeListArenaSize)
	general.Name("LargeAllocationThreshold").Int(a.options.LargeAllocationThreshold)
	general.Name("Destroyed").Bool(a.destroyed)
	general.End()

	total := root.Name("Total").Object()
	printStatistics(total, &stats.Total)
	total.End()

	tiers := root.Name("Tiers").Object()
	for i := range stats.Tiers {
		tierObj := tiers.Name(Tier(i).String()).Object()
		printStatistics(tierObj, &stats.Tiers[i])
		tierObj.End()
	}
	tiers.End()

	if a.diagnostics {
		counters := root.Name("Counters").Object()
		counters.Name("BytesUsed").Int(a.counters.BytesUsed)
		counters.Name("BytesFreed").Int(a.counters.BytesFreed)
		counters.Name("PeakUsage").Int(a.counters.PeakUsage)
		counters.Name("AllocationCount").Int(a.counters.AllocationCount)
		counters.Name("FreeCount").Int(a.counters.FreeCount)
		counters.End()
	}

	if detailedMap && !a.destroyed {
		detailed := root.Name("DetailedMap").Object()

		a.pools.PrintDetailedMap(detailed.Name("Pools"))
		a.freeLists.PrintDetailedMap(detailed.Name("FreeLists"))
		a.largeAllocations.BuildStatsString(detailed.Name("Large"))

		detailed.End()
	}

	root.End()
	return string(writer.Bytes())
}
