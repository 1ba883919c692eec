package allocator

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/strata/driver"
	"github.com/vkngwrapper/strata/memutils"
)

// DedicatedAllocator allocates exactly one backing memory object per request.
// There is no sub-allocation and so no fragmentation; it is the fallback for
// large or rare allocations and the only strategy every memory type carries.
//
// Live blocks are kept on an intrusive doubly-linked list so that dispose-time
// leak reporting and statistics can walk them.
type DedicatedAllocator struct {
	memoryType uint32
	properties memutils.Properties

	count     int
	blockHead *DedicatedBlock
	blockTail *DedicatedBlock
}

// NewDedicatedAllocator creates a dedicated allocator for one memory type.
func NewDedicatedAllocator(memoryType uint32, properties memutils.Properties) *DedicatedAllocator {
	return &DedicatedAllocator{
		memoryType: memoryType,
		properties: properties,
	}
}

// Alloc allocates one memory object of exactly the requested size. The
// alignment requirement is trivially met because the block starts at offset 0
// of its own memory object. Returns the block and the byte count reserved
// from the owning heap.
func (a *DedicatedAllocator) Alloc(device driver.Device, size, align int) (*DedicatedBlock, int, error) {
	memutils.DebugCheckPow2(uint(align), "align")

	memory, err := device.AllocateMemory(a.memoryType, size)
	if err != nil {
		return nil, 0, cerrors.Wrapf(err, "dedicated allocation of %d bytes from memory type %d", size, a.memoryType)
	}

	block := &DedicatedBlock{
		memory:     memory,
		properties: a.properties,
		rng:        Range{Offset: 0, Size: size},
	}
	a.pushBlock(block)

	return block, size, nil
}

// Free releases the block's memory object outright and returns the byte count
// to hand back to the owning heap. An active mapping is torn down first.
func (a *DedicatedAllocator) Free(device driver.Device, block *DedicatedBlock) int {
	if block.mapped {
		device.UnmapMemory(block.memory)
		block.mapped = false
	}

	a.removeBlock(block)
	device.FreeMemory(block.memory)
	block.memory = nil

	return block.rng.Size
}

// AllocationCount returns the number of outstanding blocks.
func (a *DedicatedAllocator) AllocationCount() int {
	return a.count
}

// AddDetailedStatistics sums the allocator's live blocks into stats. Each
// dedicated block is its own backing memory object, so block and allocation
// counts move together.
func (a *DedicatedAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for block := a.blockHead; block != nil; block = block.next {
		size := block.rng.Size
		stats.BlockCount++
		stats.BlockBytes += size
		stats.AddAllocation(size)
	}
}

// Validate checks the live-block list against the declared count.
func (a *DedicatedAllocator) Validate() error {
	actual := 0
	for block := a.blockHead; block != nil; block = block.next {
		actual++
	}

	if actual != a.count {
		return cerrors.Newf("the listed number of dedicated blocks (%d) does not match the actual number (%d)", a.count, actual)
	}

	return nil
}

// Dispose verifies no blocks remain outstanding. Leaked blocks are a caller
// programming error, so it panics rather than returning an error.
func (a *DedicatedAllocator) Dispose(device driver.Device) int {
	if a.count != 0 {
		panic(fmt.Sprintf("dedicated allocator for memory type %d disposed with %d outstanding blocks", a.memoryType, a.count))
	}
	return 0
}

func (a *DedicatedAllocator) pushBlock(block *DedicatedBlock) {
	if a.count == 0 {
		a.blockHead = block
		a.blockTail = block
		a.count = 1
		return
	}

	block.prev = a.blockTail
	a.blockTail.next = block
	a.blockTail = block
	a.count++
}

func (a *DedicatedAllocator) removeBlock(block *DedicatedBlock) {
	prev := block.prev
	next := block.next

	if prev != nil {
		prev.next = next
	} else {
		a.blockHead = next
	}

	if next != nil {
		next.prev = prev
	} else {
		a.blockTail = prev
	}

	block.next = nil
	block.prev = nil
	a.count--
}

// DedicatedBlock is a block backed by its own memory object.
type DedicatedBlock struct {
	memory     driver.DeviceMemory
	properties memutils.Properties
	rng        Range
	mapped     bool

	prev *DedicatedBlock
	next *DedicatedBlock
}

// Properties returns the property flags of the memory type this block was
// allocated from.
func (b *DedicatedBlock) Properties() memutils.Properties {
	return b.properties
}

// Memory returns the backing memory object handle.
func (b *DedicatedBlock) Memory() driver.DeviceMemory {
	return b.memory
}

// Range returns the block's byte range within its memory object. Dedicated
// blocks always span the whole object from offset 0.
func (b *DedicatedBlock) Range() Range {
	return b.rng
}

// Map maps a sub-range of the block into host address space. Offsets are
// relative to the block. Only one mapping may be active at a time.
func (b *DedicatedBlock) Map(device driver.Device, offset, size int) (MappedRange, error) {
	if !b.properties.Contains(memutils.PropertyHostVisible) {
		return MappedRange{}, cerrors.WithStack(ErrNotHostVisible)
	}
	if b.mapped {
		return MappedRange{}, cerrors.WithStack(ErrAlreadyMapped)
	}
	err := checkSubRange(b.rng.Size, offset, size)
	if err != nil {
		return MappedRange{}, err
	}

	ptr, err := device.MapMemory(b.memory, offset, size)
	if err != nil {
		return MappedRange{}, err
	}

	b.mapped = true
	return MappedRange{ptr: ptr, rng: Range{Offset: offset, Size: size}}, nil
}

// Unmap tears down the block's active mapping.
func (b *DedicatedBlock) Unmap(device driver.Device) error {
	if !b.mapped {
		return cerrors.WithStack(ErrNotMapped)
	}

	device.UnmapMemory(b.memory)
	b.mapped = false
	return nil
}
