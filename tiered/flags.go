package tiered

import (
	"fmt"
	"math/bits"
	"strings"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = map[CreateFlags]string{}

func (f CreateFlags) Register(str string) {
	createFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for remaining := uint32(f); remaining != 0; {
		bit := CreateFlags(1 << bits.TrailingZeros32(remaining))
		remaining &^= uint32(bit)

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("CreateFlags(%#x)", uint32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateSynchronized guards every allocator operation with an internal lock so that the
	// allocator can be shared between goroutines. Without it, the consumer must guarantee that
	// the allocator is used from one goroutine at a time.
	CreateSynchronized CreateFlags = 1 << iota
	// CreateDiagnostics maintains the running usage counters returned by Allocator.Counters.
	// The counters cost a header lookup on every free-list Free.
	CreateDiagnostics
)

func init() {
	CreateSynchronized.Register("CreateSynchronized")
	CreateDiagnostics.Register("CreateDiagnostics")
}

// Tier identifies which kind of sub-allocator serves an allocation
type Tier int

const (
	// TierPool allocations come from a fixed-size chunk pool
	TierPool Tier = iota
	// TierFreeList allocations come from one of the growable set of free-list arenas
	TierFreeList
	// TierLarge allocations are reserved directly from the backing, one reservation each
	TierLarge

	tierCount = 3
)

var tierMapping = map[Tier]string{
	TierPool:     "Pool",
	TierFreeList: "FreeList",
	TierLarge:    "Large",
}

func (t Tier) String() string {
	name, ok := tierMapping[t]
	if !ok {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return name
}
