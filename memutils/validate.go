package memutils

const (
	// CreatedFillPattern is written across new allocations when the debug_mem_utils build tag is present
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is written across freed allocations when the debug_mem_utils build tag is present
	DestroyedFillPattern uint8 = 0xEF
)

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// ValidateAll calls Validate on each of the provided objects in order and returns the first error
func ValidateAll[T Validatable](validatables ...T) error {
	for _, v := range validatables {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return nil
}
