package tiered

import (
	"sort"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
	"golang.org/x/exp/slog"
)

type largeAllocation struct {
	memory []byte
}

func (a largeAllocation) Size() int { return len(a.memory) }

// largeAllocationList is the registry of allocations above the large allocation threshold. Each
// one is its own reservation from the backing, keyed by its base address.
type largeAllocationList struct {
	logger  *slog.Logger
	backing arena.Backing

	allocations *swiss.Map[uintptr, largeAllocation]
	totalBytes  int
}

func (l *largeAllocationList) Init(logger *slog.Logger, backing arena.Backing) {
	l.logger = logger
	l.backing = backing
	l.allocations = swiss.NewMap[uintptr, largeAllocation](16)
	l.totalBytes = 0
}

func (l *largeAllocationList) Count() int {
	if l.allocations == nil {
		return 0
	}
	return l.allocations.Count()
}

func (l *largeAllocationList) IsEmpty() bool { return l.Count() == 0 }

func (l *largeAllocationList) Alloc(size int) (unsafe.Pointer, error) {
	memory, err := l.backing.Reserve(size)
	if errors.Is(err, memutils.ErrOutOfMemory) {
		l.logger.Warn("Could not reserve large allocation",
			slog.Int("Size", size),
			slog.Any("Error", err),
		)
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve large allocation of %d bytes", size)
	}
	if len(memory) != size {
		return nil, errors.CombineErrors(
			errors.Newf("backing reserved %d bytes for a large allocation of %d bytes", len(memory), size),
			l.backing.Release(memory),
		)
	}

	ptr := unsafe.Pointer(unsafe.SliceData(memory))
	l.allocations.Put(uintptr(ptr), largeAllocation{memory: memory})
	l.totalBytes += size

	l.logger.Debug("Reserved large allocation",
		slog.String("Address", addressString(ptr)),
		slog.Int("Size", size),
	)

	return ptr, nil
}

func (l *largeAllocationList) Find(ptr unsafe.Pointer) (largeAllocation, bool) {
	if l.allocations == nil {
		return largeAllocation{}, false
	}
	return l.allocations.Get(uintptr(ptr))
}

// Free releases the large allocation at ptr. The caller must have found it with Find.
func (l *largeAllocationList) Free(ptr unsafe.Pointer, alloc largeAllocation) error {
	l.allocations.Delete(uintptr(ptr))
	l.totalBytes -= alloc.Size()

	l.logger.Debug("Released large allocation",
		slog.String("Address", addressString(ptr)),
		slog.Int("Size", alloc.Size()),
	)

	return l.backing.Release(alloc.memory)
}

// sortedAddresses returns the address of every large allocation in ascending order
func (l *largeAllocationList) sortedAddresses() []uintptr {
	if l.allocations == nil {
		return nil
	}

	addresses := make([]uintptr, 0, l.allocations.Count())
	l.allocations.Iter(func(address uintptr, _ largeAllocation) bool {
		addresses = append(addresses, address)
		return false
	})
	sort.Slice(addresses, func(i, j int) bool { return addresses[i] < addresses[j] })

	return addresses
}

func (l *largeAllocationList) VisitAllocations(handleAllocation func(ptr unsafe.Pointer, size int) error) error {
	for _, address := range l.sortedAddresses() {
		alloc, _ := l.allocations.Get(address)
		if err := handleAllocation(unsafe.Pointer(unsafe.SliceData(alloc.memory)), alloc.Size()); err != nil {
			return err
		}
	}

	return nil
}

func (l *largeAllocationList) Validate() error {
	declaredBytes := l.totalBytes
	actualBytes := 0

	var err error
	l.allocations.Iter(func(address uintptr, alloc largeAllocation) bool {
		if address != uintptr(unsafe.Pointer(unsafe.SliceData(alloc.memory))) {
			err = errors.Errorf("large allocation registered at %#x has memory at %p", address, unsafe.SliceData(alloc.memory))
			return true
		}
		actualBytes += alloc.Size()
		return false
	})
	if err != nil {
		return err
	}

	if declaredBytes != actualBytes {
		return errors.Errorf("the listed size of large allocations (%d) does not match the actual size of allocations (%d)", declaredBytes, actualBytes)
	}

	return nil
}

func (l *largeAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.allocations.Iter(func(_ uintptr, alloc largeAllocation) bool {
		stats.BlockCount++
		stats.BlockBytes += alloc.Size()
		stats.AddAllocation(alloc.Size())
		return false
	})
}

func (l *largeAllocationList) BuildStatsString(writer *jwriter.Writer) {
	s := writer.Array()
	defer s.End()

	_ = l.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
		o := s.Object()
		o.Name("Address").String(addressString(ptr))
		o.Name("Size").Int(size)
		o.End()
		return nil
	})
}

// Destroy releases every large allocation, logging each one since they are all leaks
func (l *largeAllocationList) Destroy(logger *slog.Logger) (leaked int, err error) {
	if l.allocations == nil {
		return 0, nil
	}

	for _, address := range l.sortedAddresses() {
		alloc, _ := l.allocations.Get(address)
		logUnreleasedMemory(logger, TierLarge, unsafe.Pointer(unsafe.SliceData(alloc.memory)), alloc.Size())

		leaked++
		err = errors.CombineErrors(err, l.backing.Release(alloc.memory))
	}

	l.allocations = nil
	l.totalBytes = 0
	return leaked, err
}
