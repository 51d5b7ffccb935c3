//go:build linux || darwin

package arena

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tieralloc/memutils"
	"golang.org/x/sys/unix"
)

// MappedBacking reserves memory with anonymous private mappings, so that arenas live outside
// the Go heap and are returned to the OS as soon as they are released. Callers must not store
// Go pointers in memory reserved from this backing.
type MappedBacking struct{}

var _ Backing = MappedBacking{}

func (MappedBacking) Reserve(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot map %d bytes", size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if errors.Is(err, unix.ENOMEM) {
		return nil, errors.Wrapf(errors.Mark(err, memutils.ErrOutOfMemory), "mmap of %d bytes failed", size)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return buf, nil
}

func (MappedBacking) Release(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	return errors.Wrap(unix.Munmap(buf), "munmap failed")
}
