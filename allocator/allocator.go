// Package allocator implements the three sub-allocation strategies the heap
// registry dispatches to: Dedicated (one memory object per request), Arena
// (bump/ring chunks for transient staging), and Dynamic (free-list chunks
// with coalescing for mid-size churn).
//
// None of the allocators are internally synchronized; a single logical owner
// must serialize calls, the same discipline the registry itself requires.
package allocator

import (
	"unsafe"

	"github.com/pkg/errors"
)

var (
	// ErrMappingOutOfRange is returned from a block Map call when the requested
	// sub-range does not fit inside the block's own range
	ErrMappingOutOfRange = errors.New("requested range is outside the block")
	// ErrAlreadyMapped is returned from a block Map call when the block already
	// has an active mapping. Blocks support one mapping at a time.
	ErrAlreadyMapped = errors.New("block already has an active mapping")
	// ErrNotMapped is returned from a block Unmap call when no mapping is active
	ErrNotMapped = errors.New("block has no active mapping")
	// ErrNotHostVisible is returned from a block Map call when the block's memory
	// type cannot be mapped at all
	ErrNotHostVisible = errors.New("memory type is not host-visible")
	// ErrOverMaxAllocation is returned when a request exceeds the allocator's
	// configured maximum allocation size. The registry's dispatch table should
	// have routed the request to the dedicated allocator instead.
	ErrOverMaxAllocation = errors.New("request exceeds the allocator's max allocation size")
)

// Range is a byte range within a memory object.
type Range struct {
	Offset int
	Size   int
}

// End returns the first byte past the range.
func (r Range) End() int {
	return r.Offset + r.Size
}

// MappedRange is a live host mapping of a sub-range of a block. It stays
// valid until the owning block's Unmap is called.
type MappedRange struct {
	ptr unsafe.Pointer
	rng Range
}

// Pointer returns the host address of the first byte of the mapped sub-range.
func (m MappedRange) Pointer() unsafe.Pointer {
	return m.ptr
}

// Range returns the mapped sub-range, relative to the owning block.
func (m MappedRange) Range() Range {
	return m.rng
}

// Bytes returns the mapped sub-range as a byte slice.
func (m MappedRange) Bytes() []byte {
	return unsafe.Slice((*byte)(m.ptr), m.rng.Size)
}

// checkSubRange verifies that a Map request fits inside a block of the given
// size. Offsets are relative to the block, not the backing memory object.
func checkSubRange(blockSize int, offset, size int) error {
	if offset < 0 || size < 0 || offset+size > blockSize {
		return errors.WithStack(ErrMappingOutOfRange)
	}
	return nil
}
