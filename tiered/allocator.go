// Package tiered routes raw memory requests to the sub-allocator best suited to their size.
// Small requests are rounded up to a power of two and served by a fixed set of chunk pools,
// medium requests by a growable set of free-list arenas, and anything above the large allocation
// threshold is reserved directly from the backing. Free locates the owner of a pointer by probing
// each tier in that order.
package tiered

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/tiered/internal/utils"
	"golang.org/x/exp/slog"
)

var (
	// ErrUnknownPointer is returned when a pointer is released that was not allocated by this
	// allocator, or that has already been released from the large allocation tier
	ErrUnknownPointer = errors.New("pointer was not allocated by this allocator")
	// ErrDestroyed is returned from every operation on an allocator after Destroy
	ErrDestroyed = errors.New("allocator has been destroyed")
)

type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	options     CreateOptions
	diagnostics bool

	mutex     utils.OptionalRWMutex
	destroyed bool

	pools            poolList
	freeLists        freeListBlockList
	largeAllocations largeAllocationList

	counters memutils.UsageCounters
}

// Flags returns the flags the allocator was created with
func (a *Allocator) Flags() CreateFlags { return a.createFlags }

// Alloc reserves size bytes and returns a pointer to them. A size of 0 returns nil without
// error. When the tier serving size has run out of memory, Alloc returns nil without error:
// pools never grow, so an exhausted size class stays exhausted until one of its chunks is freed.
// The same goes for a backing that reports memutils.ErrOutOfMemory while the free-list tier
// grows or a large allocation is reserved. Any other backing failure is returned as an error.
//
// The memory is not zeroed. It is aligned to at least 8 bytes.
func (a *Allocator) Alloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("allocation size must not be negative, got %d", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, ErrDestroyed
	}
	if size == 0 {
		return nil, nil
	}

	ptr, reserved, err := a.alloc(size)
	if err != nil || ptr == nil {
		return nil, err
	}

	if a.diagnostics {
		a.counters.RecordAlloc(reserved)
	}

	return ptr, nil
}

func (a *Allocator) alloc(size int) (unsafe.Pointer, int, error) {
	if size > a.options.largestFreeListClass() {
		ptr, err := a.largeAllocations.Alloc(size)
		return ptr, size, err
	}

	rounded := memutils.NextPow2(size)
	if rounded < memutils.WordSize {
		rounded = memutils.WordSize
	}

	if rounded <= a.pools.MaxChunkSize() {
		p := a.pools.ForSize(rounded)
		ptr, err := p.Alloc()
		return ptr, p.ChunkSize(), err
	}

	ptr, block, err := a.freeLists.Alloc(rounded)
	if err != nil || ptr == nil {
		return nil, 0, err
	}

	if !a.diagnostics {
		return ptr, 0, nil
	}

	reserved, err := block.BlockSize(ptr)
	return ptr, reserved, err
}

// Free releases memory returned by Alloc. Freeing nil is a no-op. A pointer that no tier owns
// produces ErrUnknownPointer, and misuse detected by the owning tier (a double free, or a pointer
// into the middle of an allocation) produces the corresponding memutils error. In either case
// the allocator is left unchanged.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrDestroyed
	}

	reserved, err := a.free(ptr)
	if err != nil {
		return err
	}

	if a.diagnostics {
		a.counters.RecordFree(reserved)
	}

	return nil
}

func (a *Allocator) free(ptr unsafe.Pointer) (int, error) {
	if p := a.pools.Owner(ptr); p != nil {
		return p.ChunkSize(), p.Free(ptr)
	}

	if block := a.freeLists.Owner(ptr); block != nil {
		reserved := 0
		if a.diagnostics {
			var err error
			reserved, err = block.BlockSize(ptr)
			if err != nil {
				return 0, err
			}
		}
		return reserved, block.Free(ptr)
	}

	if alloc, ok := a.largeAllocations.Find(ptr); ok {
		return alloc.Size(), a.largeAllocations.Free(ptr, alloc)
	}

	return 0, errors.Wrapf(ErrUnknownPointer, "address %s", addressString(ptr))
}

// AllocBytes is Alloc returning the memory as a byte slice of length size. A size of 0 and an
// exhausted tier both return a nil slice without error.
func (a *Allocator) AllocBytes(size int) ([]byte, error) {
	ptr, err := a.Alloc(size)
	if err != nil || ptr == nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), size), nil
}

// FreeBytes releases a slice returned by AllocBytes. Freeing a nil slice is a no-op.
func (a *Allocator) FreeBytes(memory []byte) error {
	if memory == nil {
		return nil
	}

	return a.Free(unsafe.Pointer(unsafe.SliceData(memory)))
}

// AllocationSize returns the number of bytes reserved for the live allocation at ptr. This is
// at least the requested size: pool allocations report their chunk size and free-list
// allocations include their header.
func (a *Allocator) AllocationSize(ptr unsafe.Pointer) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return 0, ErrDestroyed
	}

	if p := a.pools.Owner(ptr); p != nil {
		return p.BlockSize(ptr)
	}
	if block := a.freeLists.Owner(ptr); block != nil {
		return block.BlockSize(ptr)
	}
	if alloc, ok := a.largeAllocations.Find(ptr); ok {
		return alloc.Size(), nil
	}

	return 0, errors.Wrapf(ErrUnknownPointer, "address %s", addressString(ptr))
}

// TierOf reports which tier owns the memory at ptr. For pools and free lists this is a range
// check only: it does not verify that ptr is the start of a live allocation.
func (a *Allocator) TierOf(ptr unsafe.Pointer) (Tier, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed || ptr == nil {
		return 0, false
	}

	if a.pools.Owner(ptr) != nil {
		return TierPool, true
	}
	if a.freeLists.Owner(ptr) != nil {
		return TierFreeList, true
	}
	if _, ok := a.largeAllocations.Find(ptr); ok {
		return TierLarge, true
	}

	return 0, false
}

// Destroy releases every arena and large allocation owned by this allocator. Allocations that
// are still live are logged at error level and an error is returned, but their memory is
// released regardless. Calling Destroy more than once is a no-op.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}
	a.destroyed = true

	poolLeaks, poolErr := a.pools.Destroy(a.logger)
	freeListLeaks, freeListErr := a.freeLists.Destroy(a.logger)
	largeLeaks, largeErr := a.largeAllocations.Destroy(a.logger)

	err := errors.CombineErrors(poolErr, errors.CombineErrors(freeListErr, largeErr))
	if leaked := poolLeaks + freeListLeaks + largeLeaks; leaked > 0 {
		err = errors.CombineErrors(
			errors.Newf("%d allocations were not freed before the destruction of this allocator", leaked),
			err,
		)
	}

	return err
}
