package tiered

import (
	"context"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
	"github.com/vkngwrapper/tieralloc/memutils/pool"
	"golang.org/x/exp/slog"
)

// poolList is the fixed table of size classes: pools[i] serves chunks of minChunkSize<<i bytes
type poolList struct {
	minChunkShift int
	pools         []pool.Allocator
}

func (l *poolList) Init(backing arena.Backing, minChunkSize, maxChunkSize, chunkCount int) error {
	l.minChunkShift = memutils.Log2(minChunkSize)
	l.pools = make([]pool.Allocator, memutils.Log2(maxChunkSize)-l.minChunkShift+1)

	for i := range l.pools {
		err := l.pools[i].Init(backing, minChunkSize<<i, chunkCount)
		if err != nil {
			return errors.Wrapf(err, "failed to create pool for %d byte chunks", minChunkSize<<i)
		}
	}

	return nil
}

func (l *poolList) Len() int { return len(l.pools) }

func (l *poolList) MinChunkSize() int { return 1 << l.minChunkShift }

func (l *poolList) MaxChunkSize() int { return 1 << (l.minChunkShift + len(l.pools) - 1) }

// ForSize returns the pool for a rounded request size. Sizes below the smallest class are served
// by the smallest class.
func (l *poolList) ForSize(rounded int) *pool.Allocator {
	memutils.DebugCheckPow2(rounded, "rounded request size")

	index := memutils.Log2(rounded) - l.minChunkShift
	if index < 0 {
		index = 0
	}

	return &l.pools[index]
}

// Owner returns the pool whose arena contains ptr, or nil
func (l *poolList) Owner(ptr unsafe.Pointer) *pool.Allocator {
	for i := range l.pools {
		if l.pools[i].ContainsAddress(ptr) {
			return &l.pools[i]
		}
	}

	return nil
}

func (l *poolList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for i := range l.pools {
		l.pools[i].AddDetailedStatistics(stats)
	}
}

func (l *poolList) VisitAllocations(handleAllocation func(ptr unsafe.Pointer, size int) error) error {
	for i := range l.pools {
		p := &l.pools[i]
		err := p.VisitAllChunks(func(offset int, size int, free bool) error {
			if free {
				return nil
			}
			return handleAllocation(p.PointerAt(offset), size)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *poolList) Validate() error {
	for i := range l.pools {
		if err := l.pools[i].Validate(); err != nil {
			return errors.Wrapf(err, "pool for %d byte chunks", l.pools[i].ChunkSize())
		}
	}

	return nil
}

func (l *poolList) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	for i := range l.pools {
		p := &l.pools[i]
		poolObj := objState.Name(strconv.Itoa(p.ChunkSize())).Object()
		poolObj.Name("ChunkCount").Int(p.ChunkCount())
		p.BlockJsonData(poolObj)

		chunks := poolObj.Name("AllocatedOffsets").Array()
		_ = p.VisitAllChunks(func(offset int, size int, free bool) error {
			if !free {
				chunks.Int(offset)
			}
			return nil
		})
		chunks.End()

		poolObj.End()
	}
}

// Destroy releases every pool, logging any chunk that is still allocated. It returns the number
// of chunks that were still allocated.
func (l *poolList) Destroy(logger *slog.Logger) (leaked int, err error) {
	for i := range l.pools {
		p := &l.pools[i]
		if !p.IsInitialized() {
			continue
		}

		if !p.IsEmpty() {
			leaked += p.AllocationCount()
			_ = p.VisitAllChunks(func(offset int, size int, free bool) error {
				if !free {
					logUnreleasedMemory(logger, TierPool, p.PointerAt(offset), size)
				}
				return nil
			})
		}

		err = errors.CombineErrors(err, p.Destroy())
	}

	l.pools = nil
	return leaked, err
}

func logUnreleasedMemory(logger *slog.Logger, tier Tier, ptr unsafe.Pointer, size int) {
	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.String("tier", tier.String()),
		slog.String("address", addressString(ptr)),
		slog.Int("size", size),
	)
}

func addressString(ptr unsafe.Pointer) string {
	return "0x" + strconv.FormatUint(uint64(uintptr(ptr)), 16)
}
