//go:build !linux && !darwin

package arena

// MappedBacking falls back to the Go heap on platforms without anonymous mappings
type MappedBacking struct {
	HeapBacking
}

var _ Backing = MappedBacking{}
