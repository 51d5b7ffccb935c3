package memutils

import "math"

// Statistics is a cheap summary of an allocator's arenas and live allocations. Blocks are the
// arenas (or direct system reservations) owned by an allocator, allocations are the live
// suballocations inside them.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// AddStatistics folds another summary into this one, e.g. one pool into the total for its tier
func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with the size distribution of live allocations and
// of free regions. For pools every free chunk counts as its own unused range, so
// UnusedRangeCount is the number of free chunks. For free lists it is the number of free blocks
// after coalescing, which makes UnusedRangeSizeMax the largest request the arena could still
// serve before padding.
//
// The Min fields are only meaningful while the matching count is positive: Clear sets them to
// math.MaxInt so that the first AddAllocation or AddUnusedRange replaces them.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

// AddUnusedRange records one free chunk or free block of size bytes
func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

// AddAllocation records one live allocation. size is the reserved size, headers and padding
// included, not the size that was requested.
func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// UsageCounters are the running diagnostic counters kept by an allocator when diagnostics are
// enabled. BytesUsed and BytesFreed only ever grow, so BytesUsed - BytesFreed is the number of
// bytes currently reserved by live allocations.
type UsageCounters struct {
	BytesUsed       int
	BytesFreed      int
	PeakUsage       int
	AllocationCount int
	FreeCount       int
}

// LiveBytes returns the number of bytes currently reserved by live allocations
func (c UsageCounters) LiveBytes() int {
	return c.BytesUsed - c.BytesFreed
}

// LiveAllocations returns the number of allocations that have not been freed
func (c UsageCounters) LiveAllocations() int {
	return c.AllocationCount - c.FreeCount
}

// RecordAlloc adds a new allocation of size bytes to the counters and updates the peak usage
func (c *UsageCounters) RecordAlloc(size int) {
	c.BytesUsed += size
	c.AllocationCount++

	if live := c.LiveBytes(); live > c.PeakUsage {
		c.PeakUsage = live
	}
}

// RecordFree adds a released allocation of size bytes to the counters
func (c *UsageCounters) RecordFree(size int) {
	c.BytesFreed += size
	c.FreeCount++
}

func (c *UsageCounters) Clear() {
	*c = UsageCounters{}
}
