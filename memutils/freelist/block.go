package freelist

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tieralloc/memutils"
)

// Every allocation is preceded by a header:
//
//	[0:8]   total bytes reserved for the allocation, starting from the block start
//	[8:12]  bytes between the block start and the returned address
//	[12:16] allocatedMarker while the allocation is live
//
// Every free block starts with a node:
//
//	[0:8]  size of the free block
//	[8:16] offset of the next free block, or noBlock
//
// When an allocation's padding is larger than the header, the block start additionally holds
// padMarker<<32 | padding, so that the arena can be walked block by block.
const (
	headerSize   int = 16
	freeNodeSize int = 16

	// A free block must hold a node plus one word of payload
	minBlockSize int = headerSize + memutils.WordSize

	noBlock uint64 = math.MaxUint64

	allocatedMarker uint32 = 0xA110CA7E
	freedMarker     uint32 = 0xF4EEB10C
	padMarker       uint64 = 0x9ADD1E55
)

type allocation struct {
	blockOffset int
	total       int
	padding     int
}

func (a allocation) userOffset() int   { return a.blockOffset + a.padding }
func (a allocation) headerOffset() int { return a.blockOffset + a.padding - headerSize }
func (a allocation) userSize() int     { return a.total - a.padding - memutils.DebugMargin }
func (a allocation) marginOffset() int { return a.blockOffset + a.total - memutils.DebugMargin }

func (l *Allocator) nodeSize(offset uint64) int {
	return int(l.arena.Uint64(int(offset)))
}

func (l *Allocator) nodeNext(offset uint64) uint64 {
	return l.arena.Uint64(int(offset) + 8)
}

func (l *Allocator) writeNode(offset uint64, size int, next uint64) {
	l.arena.PutUint64(int(offset), uint64(size))
	l.arena.PutUint64(int(offset)+8, next)
}

func (l *Allocator) setNodeNext(offset uint64, next uint64) {
	l.arena.PutUint64(int(offset)+8, next)
}

// padding returns the distance from the block at offset to the first address past the
// header that satisfies alignment
func (l *Allocator) padding(offset int, alignment uint) int {
	address := l.arena.Address(offset)
	aligned := memutils.AlignUp(address+uintptr(headerSize), alignment)
	return int(aligned - address)
}

func (l *Allocator) writeAllocation(alloc allocation) {
	header := alloc.headerOffset()
	l.arena.PutUint64(header, uint64(alloc.total))
	l.arena.PutUint32(header+8, uint32(alloc.padding))
	l.arena.PutUint32(header+12, allocatedMarker)

	if alloc.padding > headerSize {
		l.arena.PutUint64(alloc.blockOffset, padMarker<<32|uint64(alloc.padding))
	}

	l.arena.WriteMagicValue(alloc.marginOffset())
}

// readAllocation decodes the header in front of the user offset. It does not consult the
// free list.
func (l *Allocator) readAllocation(userOffset int) (allocation, error) {
	if userOffset < headerSize || userOffset%memutils.WordSize != 0 {
		return allocation{}, errors.Wrapf(memutils.ErrMisalignedPointer, "offset %d cannot be the start of an allocation", userOffset)
	}

	header := userOffset - headerSize
	switch marker := l.arena.Uint32(header + 12); marker {
	case allocatedMarker:
	case freedMarker:
		return allocation{}, errors.Wrapf(memutils.ErrDoubleFree, "allocation at offset %d", userOffset)
	default:
		return allocation{}, errors.Wrapf(memutils.ErrCorruptHeader, "allocation at offset %d has marker %#x", userOffset, marker)
	}

	alloc := allocation{
		total:   int(l.arena.Uint64(header)),
		padding: int(l.arena.Uint32(header + 8)),
	}
	alloc.blockOffset = userOffset - alloc.padding

	if alloc.padding < headerSize || alloc.padding%memutils.WordSize != 0 || alloc.padding > userOffset {
		return allocation{}, errors.Wrapf(memutils.ErrCorruptHeader, "allocation at offset %d has padding %d", userOffset, alloc.padding)
	}
	if alloc.total < alloc.padding+memutils.DebugMargin || alloc.total%memutils.WordSize != 0 ||
		alloc.total > l.arena.Size()-alloc.blockOffset {
		return allocation{}, errors.Wrapf(memutils.ErrCorruptHeader, "allocation at offset %d has size %d", userOffset, alloc.total)
	}
	if alloc.padding > headerSize {
		pad := l.arena.Uint64(alloc.blockOffset)
		if pad != padMarker<<32|uint64(alloc.padding) {
			return allocation{}, errors.Wrapf(memutils.ErrCorruptHeader, "allocation at offset %d has a damaged pad marker", userOffset)
		}
	}

	return alloc, nil
}

// readAllocationAtBlock decodes the allocation whose block starts at blockOffset
func (l *Allocator) readAllocationAtBlock(blockOffset int) (allocation, error) {
	padding := headerSize
	if word := l.arena.Uint64(blockOffset); word>>32 == padMarker {
		padding = int(uint32(word))
	}

	if padding > l.arena.Size()-blockOffset {
		return allocation{}, errors.Wrapf(memutils.ErrCorruptHeader, "block at offset %d has padding %d", blockOffset, padding)
	}

	alloc, err := l.readAllocation(blockOffset + padding)
	if err != nil {
		return allocation{}, err
	}
	if alloc.blockOffset != blockOffset {
		return allocation{}, errors.Wrapf(memutils.ErrCorruptHeader, "block at offset %d has a header for a block at offset %d", blockOffset, alloc.blockOffset)
	}

	return alloc, nil
}

// walkBlocks visits every block of the arena in address order. Free blocks are taken from the
// free list, everything between them must be a chain of valid allocations.
func (l *Allocator) walkBlocks(handleFree func(offset int, size int) error, handleAlloc func(alloc allocation) error) error {
	offset := 0
	nextFree := l.head

	for offset < l.arena.Size() {
		if nextFree != noBlock && uint64(offset) > nextFree {
			return errors.Wrapf(memutils.ErrCorruptHeader, "free block at offset %d lies inside the allocation ending at %d", nextFree, offset)
		}

		if uint64(offset) == nextFree {
			size := l.nodeSize(nextFree)
			if size < minBlockSize || size > l.arena.Size()-offset {
				return errors.Errorf("free block at offset %d has size %d", offset, size)
			}
			if err := handleFree(offset, size); err != nil {
				return err
			}

			offset += size
			nextFree = l.nodeNext(nextFree)
			continue
		}

		alloc, err := l.readAllocationAtBlock(offset)
		if err != nil {
			return err
		}
		if nextFree != noBlock && uint64(offset+alloc.total) > nextFree {
			return errors.Wrapf(memutils.ErrCorruptHeader, "allocation at offset %d overlaps the free block at offset %d", offset, nextFree)
		}
		if err := handleAlloc(alloc); err != nil {
			return err
		}

		offset += alloc.total
	}

	if nextFree != noBlock {
		return errors.Errorf("free list continues to offset %d past the end of the arena", nextFree)
	}

	return nil
}
