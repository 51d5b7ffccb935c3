package tiered

import (
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
	"github.com/vkngwrapper/tieralloc/memutils/freelist"
	"golang.org/x/exp/slog"
)

// freeListBlockList is the growable free-list tier. Arenas are searched in creation order and a
// new arena of arenaSize bytes is added whenever none of the existing ones can serve a request.
// Arenas are never released before the allocator is destroyed.
type freeListBlockList struct {
	logger    *slog.Logger
	backing   arena.Backing
	arenaSize int

	blocks []*freelist.Allocator
}

func (l *freeListBlockList) Init(logger *slog.Logger, backing arena.Backing, arenaSize int) {
	l.logger = logger
	l.backing = backing
	l.arenaSize = arenaSize
}

func (l *freeListBlockList) BlockCount() int { return len(l.blocks) }

func (l *freeListBlockList) CreateList() (*freelist.Allocator, error) {
	block := &freelist.Allocator{}
	err := block.Init(l.backing, l.arenaSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create free list arena %d", len(l.blocks))
	}

	l.blocks = append(l.blocks, block)
	l.logger.Debug("Created free list arena",
		slog.Int("Index", len(l.blocks)-1),
		slog.Int("Size", l.arenaSize),
	)

	return block, nil
}

// Alloc serves size bytes from the first arena with room, growing the tier if none has any
func (l *freeListBlockList) Alloc(size int) (unsafe.Pointer, *freelist.Allocator, error) {
	for _, block := range l.blocks {
		ptr, err := block.Alloc(size, freelist.DefaultAlignment)
		if err != nil {
			return nil, nil, err
		}
		if ptr != nil {
			return ptr, block, nil
		}
	}

	block, err := l.CreateList()
	if errors.Is(err, memutils.ErrOutOfMemory) {
		l.logger.Warn("Could not grow the free list tier",
			slog.Int("Size", l.arenaSize),
			slog.Any("Error", err),
		)
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, err
	}

	ptr, err := block.Alloc(size, freelist.DefaultAlignment)
	if err != nil || ptr == nil {
		return nil, nil, err
	}

	return ptr, block, nil
}

// Owner returns the arena containing ptr, or nil
func (l *freeListBlockList) Owner(ptr unsafe.Pointer) *freelist.Allocator {
	for _, block := range l.blocks {
		if block.ContainsAddress(ptr) {
			return block
		}
	}

	return nil
}

func (l *freeListBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, block := range l.blocks {
		block.AddDetailedStatistics(stats)
	}
}

func (l *freeListBlockList) VisitAllocations(handleAllocation func(ptr unsafe.Pointer, size int) error) error {
	for _, block := range l.blocks {
		if err := block.VisitAllocations(handleAllocation); err != nil {
			return err
		}
	}

	return nil
}

func (l *freeListBlockList) Validate() error {
	for index, block := range l.blocks {
		if err := block.Validate(); err != nil {
			return errors.Wrapf(err, "free list arena %d", index)
		}
	}

	return nil
}

func (l *freeListBlockList) CheckCorruption() error {
	for index, block := range l.blocks {
		if err := block.CheckCorruption(); err != nil {
			return errors.Wrapf(err, "free list arena %d", index)
		}
	}

	return nil
}

func (l *freeListBlockList) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	for index, block := range l.blocks {
		blockObj := objState.Name(strconv.Itoa(index)).Object()
		blockObj.Name("Address").String(addressString(block.PointerAt(0)))
		block.BlockJsonData(blockObj)

		regions := blockObj.Name("Regions").Array()
		_ = block.VisitAllRegions(func(offset int, size int, free bool) error {
			obj := regions.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String("Free")
			} else {
				obj.Name("Type").String("Allocation")
			}
			obj.Name("Size").Int(size)
			return nil
		})
		regions.End()

		blockObj.End()
	}
}

func (l *freeListBlockList) Destroy(logger *slog.Logger) (leaked int, err error) {
	for _, block := range l.blocks {
		if !block.IsEmpty() {
			leaked += block.AllocationCount()
			visitErr := block.VisitAllocations(func(ptr unsafe.Pointer, size int) error {
				logUnreleasedMemory(logger, TierFreeList, ptr, size)
				return nil
			})
			if visitErr != nil {
				logger.Error("[UNRELEASED MEMORY] error while iterating unreleased memory", slog.Any("error", visitErr))
			}
		}

		err = errors.CombineErrors(err, block.Destroy())
	}

	l.blocks = nil
	return leaked, err
}
