package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

const (
	// WordSize is the size in bytes of the machine word used for intrusive links and for the
	// default alignment of every allocation
	WordSize int = 8
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment uint) T {
	return (value + T(alignment) - 1) & ^(T(alignment) - 1)
}

// NextPow2 returns the smallest power of two that is greater than or equal to value. Values
// less than 1 return 1.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}

	return 1 << (bits.Len(uint(value - 1)))
}

// Log2 returns the index of the most significant bit of value, which is the base-2 logarithm
// for powers of two. value must be positive.
func Log2(value int) int {
	return bits.Len(uint(value)) - 1
}
