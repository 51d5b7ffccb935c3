package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidConfiguration is returned when an allocator is initialized with sizes that can never
	// produce a usable allocation. It is only ever returned from Init or constructor methods.
	ErrInvalidConfiguration = errors.New("invalid allocator configuration")
	// ErrAlreadyInitialized is returned when Init is called twice without an intervening Destroy
	ErrAlreadyInitialized = errors.New("allocator is already initialized")
	// ErrNotInitialized is returned when an allocator is used before Init succeeded or after Destroy
	ErrNotInitialized = errors.New("allocator is not initialized")
	// ErrForeignPointer is returned when a pointer is released to an allocator that does not own it
	ErrForeignPointer = errors.New("pointer is not owned by this allocator")
	// ErrMisalignedPointer is returned when a pointer falls inside an allocator's arena but not
	// at the start of an allocation
	ErrMisalignedPointer = errors.New("pointer does not point to the start of an allocation")
	// ErrDoubleFree is returned when a pointer is released that is already free
	ErrDoubleFree = errors.New("pointer has already been freed")
	// ErrCorruptHeader is returned when the bookkeeping written alongside an allocation has been
	// overwritten
	ErrCorruptHeader = errors.New("allocation header is corrupt")
	// ErrOutOfMemory is returned by a backing that cannot reserve the requested number of bytes.
	// Allocators treat it as capacity exhaustion rather than as a failure.
	ErrOutOfMemory = errors.New("backing could not reserve memory")
	// ErrMemoryCorruption is returned when the debug margin after an allocation has been overwritten
	ErrMemoryCorruption = errors.New("memory corruption detected after allocation")
)
