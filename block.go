package strata

import (
	"fmt"

	"github.com/vkngwrapper/strata/allocator"
	"github.com/vkngwrapper/strata/driver"
	"github.com/vkngwrapper/strata/memutils"
)

type blockFlavor int

const (
	flavorDedicated blockFlavor = iota + 1
	flavorArena
	flavorDynamic
)

var flavorMapping = map[blockFlavor]string{
	flavorDedicated: "Dedicated",
	flavorArena:     "Arena",
	flavorDynamic:   "Dynamic",
}

func (f blockFlavor) String() string {
	return flavorMapping[f]
}

// MemoryBlock is the unified handle Heaps.Allocate returns. Exactly one of
// the strategy-specific blocks is populated, selected by the flavor tag; the
// zero value is invalid and every accessor panics on it. Callers hold the
// MemoryBlock, never the strategy block inside it, so the registry can route
// Free back to the allocator that produced it.
type MemoryBlock struct {
	typeIndex uint32
	flavor    blockFlavor

	dedicated *allocator.DedicatedBlock
	arena     *allocator.ArenaBlock
	dynamic   *allocator.DynamicBlock
}

// MemoryType returns the index of the memory type this block was allocated
// from.
func (b *MemoryBlock) MemoryType() uint32 {
	return b.typeIndex
}

// Properties returns the property flags of the block's memory type.
func (b *MemoryBlock) Properties() memutils.Properties {
	switch b.flavor {
	case flavorDedicated:
		return b.dedicated.Properties()
	case flavorArena:
		return b.arena.Properties()
	case flavorDynamic:
		return b.dynamic.Properties()
	default:
		panic(fmt.Sprintf("memory block has invalid flavor %d", b.flavor))
	}
}

// Memory returns the backing memory object. For arena and dynamic blocks this
// is the shared chunk, not memory owned by the block alone.
func (b *MemoryBlock) Memory() driver.DeviceMemory {
	switch b.flavor {
	case flavorDedicated:
		return b.dedicated.Memory()
	case flavorArena:
		return b.arena.Memory()
	case flavorDynamic:
		return b.dynamic.Memory()
	default:
		panic(fmt.Sprintf("memory block has invalid flavor %d", b.flavor))
	}
}

// Range returns the block's byte range within its backing memory object.
func (b *MemoryBlock) Range() allocator.Range {
	switch b.flavor {
	case flavorDedicated:
		return b.dedicated.Range()
	case flavorArena:
		return b.arena.Range()
	case flavorDynamic:
		return b.dynamic.Range()
	default:
		panic(fmt.Sprintf("memory block has invalid flavor %d", b.flavor))
	}
}

// Map maps a sub-range of the block into host address space. Offsets are
// relative to the block, and one mapping may be active at a time. The memory
// type must be host-visible.
func (b *MemoryBlock) Map(device driver.Device, offset, size int) (allocator.MappedRange, error) {
	switch b.flavor {
	case flavorDedicated:
		return b.dedicated.Map(device, offset, size)
	case flavorArena:
		return b.arena.Map(device, offset, size)
	case flavorDynamic:
		return b.dynamic.Map(device, offset, size)
	default:
		panic(fmt.Sprintf("memory block has invalid flavor %d", b.flavor))
	}
}

// Unmap releases the block's active mapping.
func (b *MemoryBlock) Unmap(device driver.Device) error {
	switch b.flavor {
	case flavorDedicated:
		return b.dedicated.Unmap(device)
	case flavorArena:
		return b.arena.Unmap(device)
	case flavorDynamic:
		return b.dynamic.Unmap(device)
	default:
		panic(fmt.Sprintf("memory block has invalid flavor %d", b.flavor))
	}
}
