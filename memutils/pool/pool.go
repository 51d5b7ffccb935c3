// Package pool implements a fixed-size chunk allocator over a single arena. Free chunks are
// threaded into an intrusive singly-linked list: while a chunk is free its first word holds the
// index of the next free chunk. Allocation pops the head of that list and Free pushes onto it,
// so both are O(1) and a freed chunk is the next one handed out.
//
// Links are written lazily. Init does not touch the arena; instead each call to Alloc writes the
// link for one more chunk of the untouched tail of the arena, which is always enough to keep the
// list valid because the untouched tail is only ever reached in index order.
//
// An Allocator is not safe for concurrent use.
package pool

import (
	"math"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
)

const (
	// MinChunkSize is the smallest chunk a pool can manage: a free chunk must be able to hold
	// its link word
	MinChunkSize int = memutils.WordSize
	// MaxChunkCount is the largest number of chunks a single pool can manage
	MaxChunkCount int = math.MaxInt32

	noChunk uint64 = math.MaxUint64
)

// Allocator is a pool of same-sized chunks. The zero value is ready to be initialized with Init.
type Allocator struct {
	arena      *arena.Arena
	chunkSize  int
	chunkCount int

	// Chunks below this index have had their link written at least once
	initializedCount int
	freeHead         uint64
	freeCount        int

	// One bit per chunk, set while the chunk is allocated
	allocated []uint64
}

// Init reserves chunkSize*chunkCount bytes from backing. It fails if the pool is already
// initialized.
func (p *Allocator) Init(backing arena.Backing, chunkSize, chunkCount int) error {
	if p.arena != nil {
		return errors.Wrapf(memutils.ErrAlreadyInitialized, "pool of %d byte chunks", p.chunkSize)
	}
	if chunkSize < MinChunkSize || chunkSize%memutils.WordSize != 0 {
		return errors.Wrapf(memutils.ErrInvalidConfiguration,
			"pool chunk size must be a multiple of %d and at least %d, got %d",
			memutils.WordSize, MinChunkSize, chunkSize)
	}
	if chunkCount < 1 || chunkCount > MaxChunkCount {
		return errors.Wrapf(memutils.ErrInvalidConfiguration, "pool chunk count must be in [1, %d], got %d", MaxChunkCount, chunkCount)
	}
	if chunkCount > math.MaxInt/chunkSize {
		return errors.Wrapf(memutils.ErrInvalidConfiguration, "pool of %d chunks of %d bytes overflows", chunkCount, chunkSize)
	}

	a, err := arena.New(backing, chunkSize*chunkCount)
	if err != nil {
		return err
	}

	p.arena = a
	p.chunkSize = chunkSize
	p.chunkCount = chunkCount
	p.initializedCount = 0
	p.freeHead = 0
	p.freeCount = chunkCount
	p.allocated = make([]uint64, (chunkCount+63)/64)

	return nil
}

// Destroy releases the pool's arena. Any chunks still allocated become invalid. Destroy no-ops
// if the pool was never initialized.
func (p *Allocator) Destroy() error {
	if p.arena == nil {
		return nil
	}

	err := p.arena.Release()
	p.arena = nil
	p.allocated = nil
	p.initializedCount = 0
	p.freeCount = 0
	p.freeHead = noChunk

	return err
}

func (p *Allocator) IsInitialized() bool  { return p.arena != nil }
func (p *Allocator) ChunkSize() int       { return p.chunkSize }
func (p *Allocator) ChunkCount() int      { return p.chunkCount }
func (p *Allocator) FreeChunkCount() int  { return p.freeCount }
func (p *Allocator) AllocationCount() int { return p.chunkCount - p.freeCount }
func (p *Allocator) IsEmpty() bool        { return p.freeCount == p.chunkCount }

// Size returns the size in bytes of the pool's arena
func (p *Allocator) Size() int { return p.chunkSize * p.chunkCount }

// ContainsAddress is a pure range check: it reports whether ptr falls inside this pool's arena,
// not whether the chunk at ptr is allocated.
func (p *Allocator) ContainsAddress(ptr unsafe.Pointer) bool {
	return p.arena != nil && p.arena.Contains(ptr)
}

// Alloc returns one chunk, or nil if every chunk is in use. An exhausted pool is left untouched.
func (p *Allocator) Alloc() (unsafe.Pointer, error) {
	if p.arena == nil {
		return nil, errors.Wrap(memutils.ErrNotInitialized, "pool")
	}
	if p.freeCount == 0 {
		return nil, nil
	}

	if p.initializedCount < p.chunkCount {
		p.writeLink(p.initializedCount, p.nextUntouched(p.initializedCount))
		p.initializedCount++
	}

	index := p.freeHead
	p.freeCount--
	if p.freeCount == 0 {
		p.freeHead = noChunk
	} else {
		p.freeHead = p.readLink(int(index))
	}

	p.setAllocated(int(index), true)
	if memutils.DebugMargin > 0 {
		p.arena.Fill(int(index)*p.chunkSize, p.chunkSize, memutils.CreatedFillPattern)
	}
	memutils.DebugValidate(p)

	return p.arena.Pointer(int(index) * p.chunkSize), nil
}

// Free returns a chunk to the head of the free list. ptr must have been returned by this pool's
// Alloc; callers that hold pointers from several allocators should check ContainsAddress first.
func (p *Allocator) Free(ptr unsafe.Pointer) error {
	index, err := p.chunkIndex(ptr)
	if err != nil {
		return err
	}
	if !p.isAllocated(index) {
		return errors.Wrapf(memutils.ErrDoubleFree, "chunk %d of pool of %d byte chunks", index, p.chunkSize)
	}

	p.setAllocated(index, false)
	if memutils.DebugMargin > 0 {
		p.arena.Fill(index*p.chunkSize, p.chunkSize, memutils.DestroyedFillPattern)
	}
	p.writeLink(index, p.freeHead)
	p.freeHead = uint64(index)
	p.freeCount++

	memutils.DebugValidate(p)
	return nil
}

// BlockSize returns the chunk size if ptr is a live allocation of this pool
func (p *Allocator) BlockSize(ptr unsafe.Pointer) (int, error) {
	index, err := p.chunkIndex(ptr)
	if err != nil {
		return 0, err
	}
	if !p.isAllocated(index) {
		return 0, errors.Wrapf(memutils.ErrDoubleFree, "chunk %d of pool of %d byte chunks", index, p.chunkSize)
	}

	return p.chunkSize, nil
}

func (p *Allocator) chunkIndex(ptr unsafe.Pointer) (int, error) {
	if p.arena == nil {
		return 0, errors.Wrap(memutils.ErrNotInitialized, "pool")
	}

	offset, ok := p.arena.Offset(ptr)
	if !ok {
		return 0, errors.Wrapf(memutils.ErrForeignPointer, "address %p is outside pool of %d byte chunks", ptr, p.chunkSize)
	}
	if offset%p.chunkSize != 0 {
		return 0, errors.Wrapf(memutils.ErrMisalignedPointer, "offset %d is not a multiple of chunk size %d", offset, p.chunkSize)
	}

	return offset / p.chunkSize, nil
}

func (p *Allocator) nextUntouched(index int) uint64 {
	if index+1 >= p.chunkCount {
		return noChunk
	}

	return uint64(index + 1)
}

func (p *Allocator) readLink(index int) uint64 {
	return p.arena.Uint64(index * p.chunkSize)
}

func (p *Allocator) writeLink(index int, next uint64) {
	p.arena.PutUint64(index*p.chunkSize, next)
}

func (p *Allocator) isAllocated(index int) bool {
	return p.allocated[index/64]&(1<<(index%64)) != 0
}

func (p *Allocator) setAllocated(index int, allocated bool) {
	if allocated {
		p.allocated[index/64] |= 1 << (index % 64)
	} else {
		p.allocated[index/64] &^= 1 << (index % 64)
	}
}

// Validate walks the free list and checks it against the allocation bitmap. It is O(n) in the
// number of chunks.
func (p *Allocator) Validate() error {
	if p.arena == nil {
		return errors.Wrap(memutils.ErrNotInitialized, "pool")
	}

	allocatedCount := 0
	for _, word := range p.allocated {
		allocatedCount += bits.OnesCount64(word)
	}
	if allocatedCount+p.freeCount != p.chunkCount {
		return errors.Errorf("the pool has %d allocated chunks and %d free chunks, but %d chunks in total",
			allocatedCount, p.freeCount, p.chunkCount)
	}

	visited := make([]uint64, len(p.allocated))
	index := p.freeHead
	for steps := 0; steps < p.freeCount; steps++ {
		if index >= uint64(p.chunkCount) {
			return errors.Errorf("free list entry %d has index %d, past the end of the pool (%d chunks)", steps, index, p.chunkCount)
		}

		i := int(index)
		if p.isAllocated(i) {
			return errors.Errorf("chunk %d is in the free list but is marked as allocated", i)
		}
		if visited[i/64]&(1<<(i%64)) != 0 {
			return errors.Errorf("chunk %d appears in the free list twice", i)
		}
		visited[i/64] |= 1 << (i % 64)

		if i >= p.initializedCount {
			// The rest of the list is the untouched tail of the arena, in index order
			if i != p.initializedCount {
				return errors.Errorf("free list reached untouched chunk %d, but only %d chunks have been linked", i, p.initializedCount)
			}
			if remaining := p.chunkCount - p.initializedCount; remaining != p.freeCount-steps {
				return errors.Errorf("free list has %d entries left but there are %d untouched chunks", p.freeCount-steps, remaining)
			}
			return nil
		}

		index = p.readLink(i)
	}

	if index != noChunk {
		return errors.Errorf("free list continues to index %d after its last entry", index)
	}

	return nil
}

// VisitAllChunks calls handleChunk once for every chunk in the pool, in address order
func (p *Allocator) VisitAllChunks(handleChunk func(offset int, size int, free bool) error) error {
	for i := 0; i < p.chunkCount; i++ {
		err := handleChunk(i*p.chunkSize, p.chunkSize, !p.isAllocated(i))
		if err != nil {
			return err
		}
	}

	return nil
}

// PointerAt returns the caller-facing pointer for the chunk at offset
func (p *Allocator) PointerAt(offset int) unsafe.Pointer {
	return p.arena.Pointer(offset)
}

func (p *Allocator) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += p.Size()
	stats.AllocationCount += p.AllocationCount()
	stats.AllocationBytes += p.AllocationCount() * p.chunkSize
}

func (p *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += p.Size()

	_ = p.VisitAllChunks(func(offset int, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with information about this pool
func (p *Allocator) BlockJsonData(json jwriter.ObjectState) {
	json.Name("ChunkSize").Int(p.chunkSize)
	json.Name("TotalBytes").Int(p.Size())
	json.Name("UnusedBytes").Int(p.freeCount * p.chunkSize)
	json.Name("Allocations").Int(p.AllocationCount())
	json.Name("UnusedRanges").Int(p.freeCount)
}
