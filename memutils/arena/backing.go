package arena

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tieralloc/memutils"
)

//go:generate mockgen -source backing.go -destination mocks/mocks.go -package mocks

// Backing is the source of the raw memory behind every arena, and of the oversized allocations
// that bypass arenas entirely. Reserve must return a slice whose length is exactly size and whose
// memory will not move for as long as it is reserved.
type Backing interface {
	Reserve(size int) ([]byte, error)
	Release(buf []byte) error
}

// HeapBacking reserves memory from the Go heap. Released memory is reclaimed by the garbage
// collector once no pointers into it remain.
type HeapBacking struct{}

var _ Backing = HeapBacking{}

// Reserve returns memutils.ErrOutOfMemory for sizes the runtime refuses to allocate. Exhausting
// the process's memory is still fatal.
func (HeapBacking) Reserve(size int) (buf []byte, err error) {
	if size <= 0 {
		return nil, errors.Newf("cannot reserve %d bytes", size)
	}

	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = errors.Wrapf(memutils.ErrOutOfMemory, "heap reservation of %d bytes failed: %s", size, fmt.Sprint(r))
		}
	}()

	return make([]byte, size), nil
}

func (HeapBacking) Release(buf []byte) error {
	return nil
}
