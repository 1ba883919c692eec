package allocator

import (
	"fmt"
	"sort"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/strata/driver"
	"github.com/vkngwrapper/strata/memutils"
)

// DynamicConfig sizes a dynamic allocator.
type DynamicConfig struct {
	// ChunkSize is the byte size of each backing memory object
	ChunkSize int
	// MaxAllocation is the largest request the allocator accepts. Bigger
	// requests must be routed to the dedicated allocator.
	MaxAllocation int
}

// DynamicAllocator sub-allocates mid-size, frequently-freed blocks out of
// fixed-size chunks with a first-fit free list. Adjacent free regions are
// coalesced on free, blocks can be released in any order, and a chunk whose
// last block is freed is returned to the device immediately.
type DynamicAllocator struct {
	memoryType uint32
	properties memutils.Properties
	config     DynamicConfig

	nextChunkID uint64
	// chunkOrder keeps first-fit scans deterministic; chunksByID serves the
	// free path, which only has the block's chunk id to go on
	chunkOrder []uint64
	chunksByID *swiss.Map[uint64, *dynamicChunk]
}

type dynamicChunk struct {
	id     uint64
	memory driver.DeviceMemory

	// freeRegions and allocs are each sorted by offset and never overlap;
	// together they tile the chunk exactly
	freeRegions []Range
	allocs      []Range
	usedBytes   int

	mapPtr  unsafe.Pointer
	mapRefs int
}

// NewDynamicAllocator creates a dynamic allocator for one memory type. The
// allocator has no property requirements of its own; mapping a block still
// requires the type to be host-visible.
func NewDynamicAllocator(memoryType uint32, properties memutils.Properties, config DynamicConfig) (*DynamicAllocator, error) {
	if config.ChunkSize < 1 || config.MaxAllocation < 1 {
		return nil, cerrors.Newf("dynamic chunk size (%d) and max allocation (%d) must be positive", config.ChunkSize, config.MaxAllocation)
	}
	if config.MaxAllocation > config.ChunkSize {
		return nil, cerrors.Newf("dynamic max allocation (%d) cannot exceed the chunk size (%d)", config.MaxAllocation, config.ChunkSize)
	}

	return &DynamicAllocator{
		memoryType: memoryType,
		properties: properties,
		config:     config,
		chunksByID: swiss.NewMap[uint64, *dynamicChunk](42),
	}, nil
}

// MaxAllocation returns the largest request this allocator accepts.
func (a *DynamicAllocator) MaxAllocation() int {
	return a.config.MaxAllocation
}

// ChunkSize returns the byte size of each backing chunk.
func (a *DynamicAllocator) ChunkSize() int {
	return a.config.ChunkSize
}

// FitsExistingChunk reports whether a request would be served from a live
// chunk's free list without reserving more heap bytes.
func (a *DynamicAllocator) FitsExistingChunk(size, align int) bool {
	for _, id := range a.chunkOrder {
		chunk, ok := a.chunksByID.Get(id)
		if !ok {
			continue
		}

		for _, region := range chunk.freeRegions {
			offset := memutils.AlignUp(region.Offset, uint(align))
			if offset+size <= region.End() {
				return true
			}
		}
	}
	return false
}

// Alloc places the request in the first chunk with a fitting free region,
// allocating a fresh chunk when none fits. The returned reserved count is
// the number of bytes newly taken from the heap: a whole chunk when one was
// created, zero otherwise.
func (a *DynamicAllocator) Alloc(device driver.Device, size, align int) (*DynamicBlock, int, error) {
	memutils.DebugCheckPow2(uint(align), "align")

	if size > a.config.MaxAllocation {
		return nil, 0, cerrors.Wrapf(ErrOverMaxAllocation, "%d bytes requested, dynamic allocator accepts at most %d", size, a.config.MaxAllocation)
	}

	for _, id := range a.chunkOrder {
		chunk, ok := a.chunksByID.Get(id)
		if !ok {
			panic(fmt.Sprintf("dynamic chunk %d is in the scan order but not the chunk table", id))
		}

		offset, ok := chunk.takeRegion(size, align)
		if ok {
			return a.makeBlock(chunk, offset, size), 0, nil
		}
	}

	memory, err := device.AllocateMemory(a.memoryType, a.config.ChunkSize)
	if err != nil {
		return nil, 0, cerrors.Wrapf(err, "dynamic chunk allocation of %d bytes from memory type %d", a.config.ChunkSize, a.memoryType)
	}

	chunk := &dynamicChunk{
		id:          a.nextChunkID,
		memory:      memory,
		freeRegions: []Range{{Offset: 0, Size: a.config.ChunkSize}},
	}
	a.nextChunkID++
	a.chunkOrder = append(a.chunkOrder, chunk.id)
	a.chunksByID.Put(chunk.id, chunk)

	offset, ok := chunk.takeRegion(size, align)
	if !ok {
		panic(fmt.Sprintf("a %d-byte request did not fit an empty %d-byte chunk", size, a.config.ChunkSize))
	}

	return a.makeBlock(chunk, offset, size), a.config.ChunkSize, nil
}

// Free returns the block's range to its chunk's free list, coalescing with
// adjacent free regions. Returns the byte count released back to the heap:
// a whole chunk when the block was the chunk's last, zero otherwise.
func (a *DynamicAllocator) Free(device driver.Device, block *DynamicBlock) int {
	chunk, ok := a.chunksByID.Get(block.chunkID)
	if !ok {
		panic(fmt.Sprintf("dynamic block freed from unknown chunk %d", block.chunkID))
	}

	if block.mapped {
		chunk.unmap(device)
		block.mapped = false
	}
	chunk.returnRegion(block.rng)

	if chunk.usedBytes > 0 {
		return 0
	}

	// Last block gone, give the whole chunk back
	if chunk.mapRefs != 0 {
		panic(fmt.Sprintf("dynamic chunk %d became empty while still mapped", chunk.id))
	}

	for i, id := range a.chunkOrder {
		if id == chunk.id {
			a.chunkOrder = append(a.chunkOrder[:i], a.chunkOrder[i+1:]...)
			break
		}
	}
	a.chunksByID.Delete(chunk.id)
	device.FreeMemory(chunk.memory)
	chunk.memory = nil

	return a.config.ChunkSize
}

// AllocationCount returns the number of outstanding blocks across all chunks.
func (a *DynamicAllocator) AllocationCount() int {
	total := 0
	a.chunksByID.Iter(func(id uint64, chunk *dynamicChunk) bool {
		total += len(chunk.allocs)
		return false
	})
	return total
}

// FreeRegionsCount returns the number of distinct free regions across all
// chunks. Rising counts against a flat allocation count mean fragmentation.
func (a *DynamicAllocator) FreeRegionsCount() int {
	total := 0
	a.chunksByID.Iter(func(id uint64, chunk *dynamicChunk) bool {
		total += len(chunk.freeRegions)
		return false
	})
	return total
}

// AddDetailedStatistics sums chunk usage into stats.
func (a *DynamicAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, id := range a.chunkOrder {
		chunk, ok := a.chunksByID.Get(id)
		if !ok {
			continue
		}

		stats.BlockCount++
		stats.BlockBytes += a.config.ChunkSize
		for _, alloc := range chunk.allocs {
			stats.AddAllocation(alloc.Size)
		}
		for _, free := range chunk.freeRegions {
			stats.AddUnusedRange(free.Size)
		}
	}
}

// Validate checks that every chunk's allocation and free-region lists tile
// the chunk exactly.
func (a *DynamicAllocator) Validate() error {
	var err error
	a.chunksByID.Iter(func(id uint64, chunk *dynamicChunk) bool {
		err = chunk.validate(a.config.ChunkSize)
		return err != nil
	})
	return err
}

// Dispose destroys any remaining chunks and returns the byte count released
// back to the heap. It panics if any block is still outstanding.
func (a *DynamicAllocator) Dispose(device driver.Device) int {
	if count := a.AllocationCount(); count != 0 {
		panic(fmt.Sprintf("dynamic allocator for memory type %d disposed with %d outstanding blocks", a.memoryType, count))
	}

	released := 0
	a.chunksByID.Iter(func(id uint64, chunk *dynamicChunk) bool {
		device.FreeMemory(chunk.memory)
		chunk.memory = nil
		released += a.config.ChunkSize
		return false
	})

	a.chunkOrder = nil
	a.chunksByID = swiss.NewMap[uint64, *dynamicChunk](42)
	return released
}

func (a *DynamicAllocator) makeBlock(chunk *dynamicChunk, offset, size int) *DynamicBlock {
	return &DynamicBlock{
		allocator:  a,
		chunkID:    chunk.id,
		properties: a.properties,
		rng:        Range{Offset: offset, Size: size},
	}
}

// takeRegion finds the first free region that can hold an aligned allocation
// of the given size, splits it, and records the allocation. Alignment padding
// stays on the free list.
func (c *dynamicChunk) takeRegion(size, align int) (int, bool) {
	for i, region := range c.freeRegions {
		offset := memutils.AlignUp(region.Offset, uint(align))
		if offset+size > region.End() {
			continue
		}

		var replacement []Range
		if offset > region.Offset {
			replacement = append(replacement, Range{Offset: region.Offset, Size: offset - region.Offset})
		}
		if offset+size < region.End() {
			replacement = append(replacement, Range{Offset: offset + size, Size: region.End() - offset - size})
		}

		c.freeRegions = append(c.freeRegions[:i], append(replacement, c.freeRegions[i+1:]...)...)

		alloc := Range{Offset: offset, Size: size}
		insertAt := sort.Search(len(c.allocs), func(j int) bool {
			return c.allocs[j].Offset > offset
		})
		c.allocs = append(c.allocs, Range{})
		copy(c.allocs[insertAt+1:], c.allocs[insertAt:])
		c.allocs[insertAt] = alloc

		c.usedBytes += size
		return offset, true
	}

	return 0, false
}

// returnRegion removes an allocation and merges its range into the free list,
// coalescing with the regions on either side.
func (c *dynamicChunk) returnRegion(rng Range) {
	allocAt := sort.Search(len(c.allocs), func(j int) bool {
		return c.allocs[j].Offset >= rng.Offset
	})
	if allocAt >= len(c.allocs) || c.allocs[allocAt] != rng {
		panic(fmt.Sprintf("dynamic chunk %d has no live allocation at offset %d size %d", c.id, rng.Offset, rng.Size))
	}
	c.allocs = append(c.allocs[:allocAt], c.allocs[allocAt+1:]...)
	c.usedBytes -= rng.Size

	insertAt := sort.Search(len(c.freeRegions), func(j int) bool {
		return c.freeRegions[j].Offset > rng.Offset
	})

	mergeBefore := insertAt > 0 && c.freeRegions[insertAt-1].End() == rng.Offset
	mergeAfter := insertAt < len(c.freeRegions) && rng.End() == c.freeRegions[insertAt].Offset

	switch {
	case mergeBefore && mergeAfter:
		c.freeRegions[insertAt-1].Size += rng.Size + c.freeRegions[insertAt].Size
		c.freeRegions = append(c.freeRegions[:insertAt], c.freeRegions[insertAt+1:]...)
	case mergeBefore:
		c.freeRegions[insertAt-1].Size += rng.Size
	case mergeAfter:
		c.freeRegions[insertAt].Offset = rng.Offset
		c.freeRegions[insertAt].Size += rng.Size
	default:
		c.freeRegions = append(c.freeRegions, Range{})
		copy(c.freeRegions[insertAt+1:], c.freeRegions[insertAt:])
		c.freeRegions[insertAt] = rng
	}
}

// map and unmap share the chunk's single device-level mapping across every
// mapped block in the chunk.
func (c *dynamicChunk) mapChunk(device driver.Device) (unsafe.Pointer, error) {
	if c.mapRefs == 0 {
		ptr, err := device.MapMemory(c.memory, 0, c.memory.Size())
		if err != nil {
			return nil, err
		}
		c.mapPtr = ptr
	}

	c.mapRefs++
	return c.mapPtr, nil
}

func (c *dynamicChunk) unmap(device driver.Device) {
	if c.mapRefs < 1 {
		panic(fmt.Sprintf("dynamic chunk %d unmapped more times than it was mapped", c.id))
	}

	c.mapRefs--
	if c.mapRefs == 0 {
		device.UnmapMemory(c.memory)
		c.mapPtr = nil
	}
}

func (c *dynamicChunk) validate(chunkSize int) error {
	covered := 0
	lastEnd := 0
	fi, ai := 0, 0

	for fi < len(c.freeRegions) || ai < len(c.allocs) {
		var next Range
		switch {
		case fi >= len(c.freeRegions):
			next = c.allocs[ai]
			ai++
		case ai >= len(c.allocs):
			next = c.freeRegions[fi]
			fi++
		case c.freeRegions[fi].Offset < c.allocs[ai].Offset:
			next = c.freeRegions[fi]
			fi++
		default:
			next = c.allocs[ai]
			ai++
		}

		if next.Offset != lastEnd {
			return cerrors.Newf("dynamic chunk %d has a gap or overlap at offset %d (expected %d)", c.id, next.Offset, lastEnd)
		}
		lastEnd = next.End()
		covered += next.Size
	}

	if covered != chunkSize {
		return cerrors.Newf("dynamic chunk %d regions cover %d bytes of a %d-byte chunk", c.id, covered, chunkSize)
	}
	return nil
}

// DynamicBlock is a block sub-allocated from a dynamic chunk.
type DynamicBlock struct {
	allocator  *DynamicAllocator
	chunkID    uint64
	properties memutils.Properties
	rng        Range
	mapped     bool
}

// Properties returns the property flags of the memory type this block was
// allocated from.
func (b *DynamicBlock) Properties() memutils.Properties {
	return b.properties
}

// Memory returns the chunk memory object this block lives in, or nil if the
// chunk has already been destroyed.
func (b *DynamicBlock) Memory() driver.DeviceMemory {
	chunk, ok := b.allocator.chunksByID.Get(b.chunkID)
	if !ok {
		return nil
	}
	return chunk.memory
}

// Range returns the block's byte range within its chunk.
func (b *DynamicBlock) Range() Range {
	return b.rng
}

// Map maps a sub-range of the block into host address space, sharing the
// chunk's device-level mapping with other mapped blocks. Offsets are relative
// to the block. Only one mapping may be active at a time.
func (b *DynamicBlock) Map(device driver.Device, offset, size int) (MappedRange, error) {
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

	chunk, ok := b.allocator.chunksByID.Get(b.chunkID)
	if !ok {
		panic(fmt.Sprintf("dynamic block mapped from unknown chunk %d", b.chunkID))
	}

	ptr, err := chunk.mapChunk(device)
	if err != nil {
		return MappedRange{}, err
	}

	b.mapped = true
	return MappedRange{
		ptr: unsafe.Add(ptr, b.rng.Offset+offset),
		rng: Range{Offset: offset, Size: size},
	}, nil
}

// Unmap releases the block's active mapping, dropping one reference on the
// chunk's shared device-level mapping.
func (b *DynamicBlock) Unmap(device driver.Device) error {
	if !b.mapped {
		return cerrors.WithStack(ErrNotMapped)
	}

	chunk, ok := b.allocator.chunksByID.Get(b.chunkID)
	if !ok {
		panic(fmt.Sprintf("dynamic block unmapped from unknown chunk %d", b.chunkID))
	}

	chunk.unmap(device)
	b.mapped = false
	return nil
}
