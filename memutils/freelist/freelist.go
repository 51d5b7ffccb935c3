// Package freelist implements a variable-size allocator over a single arena. Free space is kept
// as a singly-linked list of free blocks in ascending address order. Allocation is a best-fit
// scan over that list; the chosen block is split when the remainder is large enough to be useful.
// Freed blocks are reinserted in address order and merged with any free neighbor, so no two free
// blocks ever touch.
//
// An Allocator is not safe for concurrent use.
package freelist

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
)

// DefaultAlignment is used for allocations that request an alignment of 0. Smaller alignments
// are raised to it.
const DefaultAlignment uint = uint(memutils.WordSize)

// MinArenaSize is the smallest arena that can hold a single allocation
var MinArenaSize = memutils.AlignUp(minBlockSize+memutils.DebugMargin, uint(memutils.WordSize))

// Overhead returns the worst-case number of bytes beyond size that an allocation of size bytes
// with the provided alignment can consume from an arena.
func Overhead(size int, alignment uint) int {
	if alignment < DefaultAlignment {
		alignment = DefaultAlignment
	}

	total := int(alignment) - memutils.WordSize + headerSize + size + memutils.DebugMargin
	return memutils.AlignUp(total, uint(memutils.WordSize)) - size
}

type Allocator struct {
	arena *arena.Arena

	head            uint64
	freeCount       int
	sumFreeSize     int
	allocationCount int
}

// Init reserves size bytes from backing and seeds the free list with a single block covering the
// whole arena.
func (l *Allocator) Init(backing arena.Backing, size int) error {
	if l.arena != nil {
		return errors.Wrapf(memutils.ErrAlreadyInitialized, "free list of %d bytes", l.arena.Size())
	}
	if size < MinArenaSize || size%memutils.WordSize != 0 {
		return errors.Wrapf(memutils.ErrInvalidConfiguration,
			"free list arena must be a multiple of %d and at least %d bytes, got %d",
			memutils.WordSize, MinArenaSize, size)
	}

	a, err := arena.New(backing, size)
	if err != nil {
		return err
	}

	l.arena = a
	l.head = 0
	l.freeCount = 1
	l.sumFreeSize = size
	l.allocationCount = 0
	l.writeNode(0, size, noBlock)

	return nil
}

// Destroy releases the arena. Any live allocations become invalid. Destroy no-ops if the
// allocator was never initialized.
func (l *Allocator) Destroy() error {
	if l.arena == nil {
		return nil
	}

	err := l.arena.Release()
	l.arena = nil
	l.head = noBlock
	l.freeCount = 0
	l.sumFreeSize = 0
	l.allocationCount = 0

	return err
}

func (l *Allocator) IsInitialized() bool   { return l.arena != nil }
func (l *Allocator) AllocationCount() int  { return l.allocationCount }
func (l *Allocator) FreeRegionsCount() int { return l.freeCount }
func (l *Allocator) SumFreeSize() int      { return l.sumFreeSize }
func (l *Allocator) IsEmpty() bool         { return l.allocationCount == 0 }

// Size returns the size of the arena in bytes
func (l *Allocator) Size() int {
	if l.arena == nil {
		return 0
	}
	return l.arena.Size()
}

// UsedSize returns the number of arena bytes reserved by live allocations, headers included
func (l *Allocator) UsedSize() int { return l.Size() - l.sumFreeSize }

// ContainsAddress is a pure range check against the arena. It says nothing about whether ptr is
// a live allocation.
func (l *Allocator) ContainsAddress(ptr unsafe.Pointer) bool {
	return l.arena != nil && l.arena.Contains(ptr)
}

// Alloc returns size bytes aligned to alignment, or nil if no free block is large enough.
// alignment must be a power of two or 0 for DefaultAlignment.
func (l *Allocator) Alloc(size int, alignment uint) (unsafe.Pointer, error) {
	if l.arena == nil {
		return nil, errors.Wrap(memutils.ErrNotInitialized, "free list")
	}
	if size <= 0 {
		return nil, errors.Newf("allocation size must be positive, got %d", size)
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, err
	}
	if alignment < DefaultAlignment {
		alignment = DefaultAlignment
	}

	bestOffset, bestPrev := noBlock, noBlock
	var bestSize int
	var best allocation

	prev := noBlock
	for offset := l.head; offset != noBlock; prev, offset = offset, l.nodeNext(offset) {
		blockSize := l.nodeSize(offset)
		if blockSize < size {
			continue
		}

		padding := l.padding(int(offset), alignment)
		total := memutils.AlignUp(padding+size+memutils.DebugMargin, uint(memutils.WordSize))
		if total > blockSize {
			continue
		}

		if bestOffset == noBlock || blockSize < bestSize {
			bestOffset, bestPrev, bestSize = offset, prev, blockSize
			best = allocation{blockOffset: int(offset), total: total, padding: padding}
		}

		if total == blockSize {
			break
		}
	}

	if bestOffset == noBlock {
		return nil, nil
	}

	next := l.nodeNext(bestOffset)
	remainder := bestSize - best.total
	if remainder < minBlockSize {
		best.total = bestSize
		l.link(bestPrev, next)
		l.freeCount--
	} else {
		split := bestOffset + uint64(best.total)
		l.writeNode(split, remainder, next)
		l.link(bestPrev, split)
	}

	l.sumFreeSize -= best.total
	l.allocationCount++
	l.writeAllocation(best)
	if memutils.DebugMargin > 0 {
		l.arena.Fill(best.userOffset(), best.userSize(), memutils.CreatedFillPattern)
	}
	memutils.DebugValidate(l)

	return l.arena.Pointer(best.userOffset()), nil
}

func (l *Allocator) link(prev uint64, next uint64) {
	if prev == noBlock {
		l.head = next
	} else {
		l.setNodeNext(prev, next)
	}
}

// findNeighbors returns the last free block starting at or before offset and the first free
// block after it
func (l *Allocator) findNeighbors(offset int) (prev uint64, next uint64) {
	prev = noBlock
	next = l.head
	for next != noBlock && next <= uint64(offset) {
		prev = next
		next = l.nodeNext(next)
	}

	return prev, next
}

// lookup validates ptr as a live allocation of this arena
func (l *Allocator) lookup(ptr unsafe.Pointer) (allocation, uint64, uint64, error) {
	if l.arena == nil {
		return allocation{}, noBlock, noBlock, errors.Wrap(memutils.ErrNotInitialized, "free list")
	}

	offset, ok := l.arena.Offset(ptr)
	if !ok {
		return allocation{}, noBlock, noBlock, errors.Wrapf(memutils.ErrForeignPointer, "address %p is outside free list of %d bytes", ptr, l.arena.Size())
	}

	prev, next := l.findNeighbors(offset)
	if prev != noBlock && int(prev)+l.nodeSize(prev) > offset-headerSize {
		return allocation{}, noBlock, noBlock, errors.Wrapf(memutils.ErrDoubleFree, "offset %d lies inside the free block at offset %d", offset, prev)
	}

	alloc, err := l.readAllocation(offset)
	if err != nil {
		return allocation{}, noBlock, noBlock, err
	}

	if prev != noBlock && int(prev)+l.nodeSize(prev) > alloc.blockOffset {
		return allocation{}, noBlock, noBlock, errors.Wrapf(memutils.ErrDoubleFree, "allocation at offset %d overlaps the free block at offset %d", offset, prev)
	}
	if next != noBlock && uint64(alloc.blockOffset+alloc.total) > next {
		return allocation{}, noBlock, noBlock, errors.Wrapf(memutils.ErrDoubleFree, "allocation at offset %d overlaps the free block at offset %d", offset, next)
	}

	return alloc, prev, next, nil
}

// BlockSize returns the total number of arena bytes reserved by the live allocation at ptr,
// including its header and alignment padding
func (l *Allocator) BlockSize(ptr unsafe.Pointer) (int, error) {
	alloc, _, _, err := l.lookup(ptr)
	if err != nil {
		return 0, err
	}

	return alloc.total, nil
}

// Free returns the allocation at ptr to the free list, merging it with any free neighbor.
func (l *Allocator) Free(ptr unsafe.Pointer) error {
	alloc, prev, next, err := l.lookup(ptr)
	if err != nil {
		return err
	}

	if !l.arena.ValidateMagicValue(alloc.marginOffset()) {
		return errors.Wrapf(memutils.ErrMemoryCorruption, "allocation at offset %d", alloc.userOffset())
	}

	l.arena.PutUint32(alloc.headerOffset()+12, freedMarker)
	if memutils.DebugMargin > 0 {
		l.arena.Fill(alloc.userOffset(), alloc.userSize(), memutils.DestroyedFillPattern)
	}

	offset := uint64(alloc.blockOffset)
	size := alloc.total
	l.freeCount++

	if next != noBlock && offset+uint64(size) == next {
		size += l.nodeSize(next)
		next = l.nodeNext(next)
		l.freeCount--
	}
	l.writeNode(offset, size, next)

	if prev != noBlock && prev+uint64(l.nodeSize(prev)) == offset {
		l.writeNode(prev, l.nodeSize(prev)+size, next)
		l.freeCount--
	} else {
		l.link(prev, offset)
	}

	l.sumFreeSize += alloc.total
	l.allocationCount--
	memutils.DebugValidate(l)

	return nil
}

// Validate walks both the free list and the arena and verifies that they agree with each other
// and with the allocator's counters. It is O(n) in the number of blocks.
func (l *Allocator) Validate() error {
	if l.arena == nil {
		return errors.Wrap(memutils.ErrNotInitialized, "free list")
	}

	freeCount := 0
	freeSize := 0
	lastEnd := -1
	for offset := l.head; offset != noBlock; offset = l.nodeNext(offset) {
		if offset%uint64(memutils.WordSize) != 0 || offset >= uint64(l.arena.Size()) {
			return errors.Errorf("free block %d has invalid offset %d", freeCount, offset)
		}
		if int(offset) <= lastEnd {
			return errors.Errorf("free block at offset %d is out of order or touches the block ending at %d", offset, lastEnd)
		}

		size := l.nodeSize(offset)
		if size < minBlockSize || size%memutils.WordSize != 0 || size > l.arena.Size()-int(offset) {
			return errors.Errorf("free block at offset %d has invalid size %d", offset, size)
		}

		freeCount++
		freeSize += size
		lastEnd = int(offset) + size
	}

	if freeCount != l.freeCount {
		return errors.Errorf("free list has %d blocks but the allocator expects %d", freeCount, l.freeCount)
	}
	if freeSize != l.sumFreeSize {
		return errors.Errorf("free list has %d free bytes but the allocator expects %d", freeSize, l.sumFreeSize)
	}

	allocationCount := 0
	usedSize := 0
	err := l.walkBlocks(func(offset int, size int) error {
		return nil
	}, func(alloc allocation) error {
		allocationCount++
		usedSize += alloc.total
		return nil
	})
	if err != nil {
		return err
	}

	if allocationCount != l.allocationCount {
		return errors.Errorf("arena holds %d allocations but the allocator expects %d", allocationCount, l.allocationCount)
	}
	if usedSize+freeSize != l.arena.Size() {
		return errors.Errorf("arena has %d used bytes and %d free bytes, but is %d bytes", usedSize, freeSize, l.arena.Size())
	}

	return nil
}

// VisitAllRegions calls handleRegion for every block in the arena, free or allocated, in address
// order. size is the full size of the block.
func (l *Allocator) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	if l.arena == nil {
		return nil
	}

	return l.walkBlocks(func(offset int, size int) error {
		return handleRegion(offset, size, true)
	}, func(alloc allocation) error {
		return handleRegion(alloc.blockOffset, alloc.total, false)
	})
}

// VisitAllocations calls handleAllocation with the caller-facing pointer and total reserved size
// of every live allocation in address order
func (l *Allocator) VisitAllocations(handleAllocation func(ptr unsafe.Pointer, size int) error) error {
	if l.arena == nil {
		return nil
	}

	return l.walkBlocks(func(offset int, size int) error {
		return nil
	}, func(alloc allocation) error {
		return handleAllocation(l.arena.Pointer(alloc.userOffset()), alloc.total)
	})
}

// PointerAt returns a pointer to the arena byte at offset
func (l *Allocator) PointerAt(offset int) unsafe.Pointer {
	return l.arena.Pointer(offset)
}

// CheckCorruption verifies the debug margin behind every live allocation. It is fairly expensive
// and always succeeds unless memutils is built with the debug_mem_utils tag.
func (l *Allocator) CheckCorruption() error {
	if l.arena == nil || memutils.DebugMargin == 0 {
		return nil
	}

	return l.walkBlocks(func(offset int, size int) error {
		return nil
	}, func(alloc allocation) error {
		if !l.arena.ValidateMagicValue(alloc.marginOffset()) {
			return errors.Wrapf(memutils.ErrMemoryCorruption, "allocation at offset %d", alloc.userOffset())
		}
		return nil
	})
}

func (l *Allocator) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += l.Size()
	stats.AllocationCount += l.allocationCount
	stats.AllocationBytes += l.UsedSize()
}

func (l *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += l.Size()

	_ = l.VisitAllRegions(func(offset int, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with information about this arena
func (l *Allocator) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(l.Size())
	json.Name("UnusedBytes").Int(l.sumFreeSize)
	json.Name("Allocations").Int(l.allocationCount)
	json.Name("UnusedRanges").Int(l.freeCount)
}
