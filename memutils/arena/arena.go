// Package arena owns the raw memory behind the allocators in this module. An Arena is a single
// contiguous region reserved from a Backing; it is never resized. All reinterpretation of arena
// bytes as words happens here, behind accessors that take byte offsets and are bounds-checked
// against the region. Allocators above this package deal only in offsets, and convert to and
// from caller-facing pointers with Pointer and Offset.
package arena

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tieralloc/memutils"
)

type Arena struct {
	backing Backing
	buf     []byte
	base    uintptr
}

// New reserves size bytes from backing. The returned memory is not guaranteed to be zeroed.
func New(backing Backing, size int) (*Arena, error) {
	if backing == nil {
		return nil, errors.Wrap(memutils.ErrInvalidConfiguration, "arena backing cannot be nil")
	}
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration, "arena size must be positive, got %d", size)
	}

	buf, err := backing.Reserve(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve arena of %d bytes", size)
	}
	if len(buf) != size {
		releaseErr := backing.Release(buf)
		return nil, errors.CombineErrors(
			errors.Newf("backing reserved %d bytes for an arena of %d bytes", len(buf), size),
			releaseErr,
		)
	}

	return &Arena{
		backing: backing,
		buf:     buf,
		base:    uintptr(unsafe.Pointer(unsafe.SliceData(buf))),
	}, nil
}

// Release returns the arena's memory to its backing. The arena owns no memory afterward and
// Contains will report false for every pointer. Calling Release twice is a no-op.
func (a *Arena) Release() error {
	if a.buf == nil {
		return nil
	}

	buf := a.buf
	a.buf = nil
	a.base = 0
	return a.backing.Release(buf)
}

func (a *Arena) Size() int     { return len(a.buf) }
func (a *Arena) Base() uintptr { return a.base }
func (a *Arena) Released() bool {
	return a.buf == nil
}

// Contains is a pure range check: it reports whether ptr falls within this arena's memory. It
// says nothing about whether the memory at ptr is currently allocated.
func (a *Arena) Contains(ptr unsafe.Pointer) bool {
	address := uintptr(ptr)
	return address >= a.base && address < a.base+uintptr(len(a.buf))
}

// Offset converts a pointer into this arena to a byte offset from the start of the arena
func (a *Arena) Offset(ptr unsafe.Pointer) (int, bool) {
	if !a.Contains(ptr) {
		return 0, false
	}

	return int(uintptr(ptr) - a.base), true
}

// Pointer converts a byte offset into a pointer into the arena. Offsets equal to Size are
// rejected: the returned pointer must address arena memory.
func (a *Arena) Pointer(offset int) unsafe.Pointer {
	return unsafe.Pointer(&a.buf[offset])
}

// Address returns the numeric address of the byte at offset, for alignment calculations
func (a *Arena) Address(offset int) uintptr {
	return a.base + uintptr(offset)
}

// Uint64 reads the 8-byte word stored at offset. offset must be 8-byte aligned.
func (a *Arena) Uint64(offset int) uint64 {
	word := a.buf[offset : offset+8 : offset+8]
	return *(*uint64)(unsafe.Pointer(&word[0]))
}

// PutUint64 writes an 8-byte word at offset. offset must be 8-byte aligned.
func (a *Arena) PutUint64(offset int, value uint64) {
	word := a.buf[offset : offset+8 : offset+8]
	*(*uint64)(unsafe.Pointer(&word[0])) = value
}

// Uint32 reads the 4-byte word stored at offset. offset must be 4-byte aligned.
func (a *Arena) Uint32(offset int) uint32 {
	word := a.buf[offset : offset+4 : offset+4]
	return *(*uint32)(unsafe.Pointer(&word[0]))
}

// PutUint32 writes a 4-byte word at offset. offset must be 4-byte aligned.
func (a *Arena) PutUint32(offset int, value uint32) {
	word := a.buf[offset : offset+4 : offset+4]
	*(*uint32)(unsafe.Pointer(&word[0])) = value
}

// Slice returns the arena bytes in [offset, offset+size)
func (a *Arena) Slice(offset, size int) []byte {
	return a.buf[offset : offset+size : offset+size]
}

// Fill sets every byte in [offset, offset+size) to value
func (a *Arena) Fill(offset, size int, value byte) {
	region := a.Slice(offset, size)
	for i := range region {
		region[i] = value
	}
}

// WriteMagicValue writes the debug corruption marker at offset. It no-ops unless memutils was
// built with the debug_mem_utils tag.
func (a *Arena) WriteMagicValue(offset int) {
	if memutils.DebugMargin == 0 {
		return
	}

	_ = a.Slice(offset, memutils.DebugMargin)
	memutils.WriteMagicValue(a.Pointer(0), offset)
}

// ValidateMagicValue reports whether the debug corruption marker at offset is intact. It always
// returns true unless memutils was built with the debug_mem_utils tag.
func (a *Arena) ValidateMagicValue(offset int) bool {
	if memutils.DebugMargin == 0 {
		return true
	}

	_ = a.Slice(offset, memutils.DebugMargin)
	return memutils.ValidateMagicValue(a.Pointer(0), offset)
}
