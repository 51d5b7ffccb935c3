package tiered

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tieralloc/memutils"
	"github.com/vkngwrapper/tieralloc/memutils/arena"
	"github.com/vkngwrapper/tieralloc/memutils/freelist"
	"github.com/vkngwrapper/tieralloc/tiered/internal/utils"
	"golang.org/x/exp/slog"
)

const (
	defaultMinPoolChunkSize int = 16
	defaultMaxPoolChunkSize int = 512
	defaultPoolChunkCount   int = 1024
	// defaultLargeAllocationThreshold is used as the LargeAllocationThreshold when none is provided
	// via CreateOptions. It is equal to 10Mb.
	defaultLargeAllocationThreshold int = 10 * 1024 * 1024
	// defaultFreeListArenaSize leaves room for the largest free-list size class under the default
	// threshold plus its header
	defaultFreeListArenaSize int = defaultLargeAllocationThreshold + 4*1024
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave
// every field blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// MinPoolChunkSize is the smallest pool size class. Requests that round to a smaller size
	// are served from this class. It must be a power of two and at least 8.
	MinPoolChunkSize int
	// MaxPoolChunkSize is the largest pool size class. One pool is created for every power of
	// two from MinPoolChunkSize through MaxPoolChunkSize.
	MaxPoolChunkSize int
	// PoolChunkCount is the number of chunks in every pool. Pools never grow.
	PoolChunkCount int

	// FreeListArenaSize is the size of every free-list arena. It must be able to hold the
	// largest request routed to the free-list tier.
	FreeListArenaSize int
	// LargeAllocationThreshold is the largest rounded request served by the free-list tier.
	// Anything larger is reserved directly from Backing.
	LargeAllocationThreshold int

	// Backing provides memory for every arena and every large allocation. HeapBacking is used
	// when it is left nil.
	Backing arena.Backing
}

func (o CreateOptions) withDefaults() CreateOptions {
	if o.MinPoolChunkSize == 0 {
		o.MinPoolChunkSize = defaultMinPoolChunkSize
	}
	if o.MaxPoolChunkSize == 0 {
		o.MaxPoolChunkSize = defaultMaxPoolChunkSize
	}
	if o.PoolChunkCount == 0 {
		o.PoolChunkCount = defaultPoolChunkCount
	}
	if o.LargeAllocationThreshold == 0 {
		o.LargeAllocationThreshold = defaultLargeAllocationThreshold
	}
	if o.FreeListArenaSize == 0 {
		o.FreeListArenaSize = defaultFreeListArenaSize
	}
	if o.Backing == nil {
		o.Backing = arena.HeapBacking{}
	}

	return o
}

// largestFreeListClass is the largest power of two that does not exceed the threshold
func (o CreateOptions) largestFreeListClass() int {
	return 1 << memutils.Log2(o.LargeAllocationThreshold)
}

func (o CreateOptions) validate() error {
	if err := memutils.CheckPow2(o.MinPoolChunkSize, "MinPoolChunkSize"); err != nil {
		return errors.Mark(err, memutils.ErrInvalidConfiguration)
	}
	if err := memutils.CheckPow2(o.MaxPoolChunkSize, "MaxPoolChunkSize"); err != nil {
		return errors.Mark(err, memutils.ErrInvalidConfiguration)
	}
	if o.MinPoolChunkSize < memutils.WordSize {
		return errors.Wrapf(memutils.ErrInvalidConfiguration, "MinPoolChunkSize must be at least %d, got %d", memutils.WordSize, o.MinPoolChunkSize)
	}
	if o.MinPoolChunkSize > o.MaxPoolChunkSize {
		return errors.Wrapf(memutils.ErrInvalidConfiguration, "MinPoolChunkSize (%d) is larger than MaxPoolChunkSize (%d)", o.MinPoolChunkSize, o.MaxPoolChunkSize)
	}
	if o.PoolChunkCount < 0 {
		return errors.Wrapf(memutils.ErrInvalidConfiguration, "PoolChunkCount must be positive, got %d", o.PoolChunkCount)
	}
	if o.LargeAllocationThreshold < o.MaxPoolChunkSize {
		return errors.Wrapf(memutils.ErrInvalidConfiguration, "LargeAllocationThreshold (%d) is smaller than MaxPoolChunkSize (%d)", o.LargeAllocationThreshold, o.MaxPoolChunkSize)
	}

	required := freelist.MinArenaSize
	if largest := o.largestFreeListClass(); largest > o.MaxPoolChunkSize {
		required = largest + freelist.Overhead(largest, freelist.DefaultAlignment)
	}
	if o.FreeListArenaSize < required {
		return errors.Wrapf(memutils.ErrInvalidConfiguration, "FreeListArenaSize must be at least %d to hold a %d byte allocation, got %d",
			required, o.largestFreeListClass(), o.FreeListArenaSize)
	}

	return nil
}

// New creates a new Allocator. Every pool and the first free-list arena are reserved up front.
//
// logger - Receives diagnostics about arena growth and unreleased memory. slog.Default() is used
// if it is nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	options = options.withDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		options:     options,
		diagnostics: options.Flags&CreateDiagnostics != 0,
		mutex:       utils.OptionalRWMutex{UseMutex: options.Flags&CreateSynchronized != 0},
	}

	err := allocator.pools.Init(options.Backing, options.MinPoolChunkSize, options.MaxPoolChunkSize, options.PoolChunkCount)
	if err != nil {
		_, destroyErr := allocator.pools.Destroy(logger)
		return nil, errors.CombineErrors(err, destroyErr)
	}

	allocator.freeLists.Init(logger, options.Backing, options.FreeListArenaSize)
	_, err = allocator.freeLists.CreateList()
	if err != nil {
		_, destroyErr := allocator.pools.Destroy(logger)
		return nil, errors.CombineErrors(err, destroyErr)
	}

	allocator.largeAllocations.Init(logger, options.Backing)

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("PoolClasses", allocator.pools.Len()),
		slog.Int("PoolChunkCount", options.PoolChunkCount),
		slog.Int("FreeListArenaSize", options.FreeListArenaSize),
		slog.Int("LargeAllocationThreshold", options.LargeAllocationThreshold),
	)

	return allocator, nil
}
