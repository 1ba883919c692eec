package allocator

import (
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/strata/driver"
	"github.com/vkngwrapper/strata/memutils"
)

// ArenaRequiredProperties is the property subset a memory type must carry
// before an arena allocator can be attached to it. Arena chunks are mapped
// whole for their entire lifetime, so the type must be host-visible.
const ArenaRequiredProperties = memutils.PropertyHostVisible

// ArenaConfig sizes an arena allocator.
type ArenaConfig struct {
	// ChunkSize is the byte size of each backing memory object
	ChunkSize int
	// MaxAllocation is the largest request the arena accepts. Bigger requests
	// must be routed to the dedicated allocator.
	MaxAllocation int
}

// ArenaAllocator bump-allocates out of fixed-size chunks and reclaims with a
// ring discipline: a chunk's bytes go back to the heap only when every
// allocation in it has been freed and every older chunk is gone. Per-block
// free is nearly free, which suits short-lived staging memory where whole
// batches of allocations retire together.
type ArenaAllocator struct {
	memoryType uint32
	properties memutils.Properties
	config     ArenaConfig

	// chunks[0] has absolute index firstChunkIndex; blocks address chunks by
	// absolute index so the ring can slide without invalidating handles
	firstChunkIndex uint64
	chunks          []*arenaChunk
}

type arenaChunk struct {
	memory     driver.DeviceMemory
	ptr        unsafe.Pointer
	used       int
	liveAllocs int
}

// NewArenaAllocator creates an arena allocator for one memory type. The type's
// properties must contain ArenaRequiredProperties.
func NewArenaAllocator(memoryType uint32, properties memutils.Properties, config ArenaConfig) (*ArenaAllocator, error) {
	if !properties.Contains(ArenaRequiredProperties) {
		return nil, cerrors.Newf("memory type %d properties (%s) do not include %s, which the arena allocator requires", memoryType, properties, ArenaRequiredProperties)
	}
	if config.ChunkSize < 1 || config.MaxAllocation < 1 {
		return nil, cerrors.Newf("arena chunk size (%d) and max allocation (%d) must be positive", config.ChunkSize, config.MaxAllocation)
	}
	if config.MaxAllocation > config.ChunkSize {
		return nil, cerrors.Newf("arena max allocation (%d) cannot exceed the chunk size (%d)", config.MaxAllocation, config.ChunkSize)
	}

	return &ArenaAllocator{
		memoryType: memoryType,
		properties: properties,
		config:     config,
	}, nil
}

// MaxAllocation returns the largest request this arena accepts.
func (a *ArenaAllocator) MaxAllocation() int {
	return a.config.MaxAllocation
}

// ChunkSize returns the byte size of each backing chunk.
func (a *ArenaAllocator) ChunkSize() int {
	return a.config.ChunkSize
}

// FitsExistingChunk reports whether a request would be served from the newest
// live chunk without reserving more heap bytes.
func (a *ArenaAllocator) FitsExistingChunk(size, align int) bool {
	if len(a.chunks) == 0 {
		return false
	}

	chunk := a.chunks[len(a.chunks)-1]
	return memutils.AlignUp(chunk.used, uint(align))+size <= a.config.ChunkSize
}

// Alloc bumps the newest chunk, or allocates and maps a fresh chunk when the
// request does not fit. The returned reserved count is the number of bytes
// newly taken from the heap: a whole chunk when one was created, zero
// otherwise.
func (a *ArenaAllocator) Alloc(device driver.Device, size, align int) (*ArenaBlock, int, error) {
	memutils.DebugCheckPow2(uint(align), "align")

	if size > a.config.MaxAllocation {
		return nil, 0, cerrors.Wrapf(ErrOverMaxAllocation, "%d bytes requested, arena accepts at most %d", size, a.config.MaxAllocation)
	}

	reserved := 0
	var chunk *arenaChunk
	var offset int

	if len(a.chunks) > 0 {
		chunk = a.chunks[len(a.chunks)-1]
		offset = memutils.AlignUp(chunk.used, uint(align))
		if offset+size > a.config.ChunkSize {
			chunk = nil
		}
	}

	if chunk == nil {
		newChunk, err := a.allocateChunk(device)
		if err != nil {
			return nil, 0, err
		}

		a.chunks = append(a.chunks, newChunk)
		chunk = newChunk
		offset = 0
		reserved = a.config.ChunkSize
	}

	chunk.used = offset + size
	chunk.liveAllocs++

	block := &ArenaBlock{
		memory:     chunk.memory,
		chunkPtr:   chunk.ptr,
		chunkIndex: a.firstChunkIndex + uint64(len(a.chunks)-1),
		properties: a.properties,
		rng:        Range{Offset: offset, Size: size},
	}
	return block, reserved, nil
}

// Free retires one block and slides the ring: chunks are destroyed from the
// oldest end while fully retired. Returns the byte count released back to the
// heap, which is zero until a whole chunk goes away.
func (a *ArenaAllocator) Free(device driver.Device, block *ArenaBlock) int {
	if block.chunkIndex < a.firstChunkIndex {
		panic(fmt.Sprintf("arena block freed from chunk %d, but the ring has already passed it (first live chunk is %d)", block.chunkIndex, a.firstChunkIndex))
	}

	chunk := a.chunks[block.chunkIndex-a.firstChunkIndex]
	if chunk.liveAllocs < 1 {
		panic(fmt.Sprintf("arena chunk %d freed more blocks than it allocated", block.chunkIndex))
	}
	chunk.liveAllocs--
	block.mapped = false

	released := 0
	for len(a.chunks) > 0 && a.chunks[0].liveAllocs == 0 {
		a.destroyChunk(device, a.chunks[0])
		a.chunks = a.chunks[1:]
		a.firstChunkIndex++
		released += a.config.ChunkSize
	}

	return released
}

// AllocationCount returns the number of outstanding blocks across all chunks.
func (a *ArenaAllocator) AllocationCount() int {
	total := 0
	for _, chunk := range a.chunks {
		total += chunk.liveAllocs
	}
	return total
}

// AddDetailedStatistics sums chunk usage into stats. Bump allocation does not
// retain per-block sizes, so only aggregate byte counts are reported.
func (a *ArenaAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, chunk := range a.chunks {
		stats.BlockCount++
		stats.BlockBytes += a.config.ChunkSize
		stats.AllocationCount += chunk.liveAllocs
		stats.AllocationBytes += chunk.used

		if chunk.used < a.config.ChunkSize {
			stats.AddUnusedRange(a.config.ChunkSize - chunk.used)
		}
	}
}

// Validate checks chunk bookkeeping invariants.
func (a *ArenaAllocator) Validate() error {
	for i, chunk := range a.chunks {
		if chunk.used > a.config.ChunkSize {
			return cerrors.Newf("arena chunk %d reports %d used bytes, above the chunk size %d", a.firstChunkIndex+uint64(i), chunk.used, a.config.ChunkSize)
		}
		if chunk.liveAllocs < 0 {
			return cerrors.Newf("arena chunk %d reports %d live allocations", a.firstChunkIndex+uint64(i), chunk.liveAllocs)
		}
	}
	return nil
}

// Dispose destroys the remaining chunks and returns the byte count released
// back to the heap. It panics if any block is still outstanding.
func (a *ArenaAllocator) Dispose(device driver.Device) int {
	released := 0
	for _, chunk := range a.chunks {
		if chunk.liveAllocs != 0 {
			panic(fmt.Sprintf("arena allocator for memory type %d disposed with %d outstanding blocks", a.memoryType, a.AllocationCount()))
		}

		a.destroyChunk(device, chunk)
		released += a.config.ChunkSize
	}

	a.chunks = nil
	return released
}

func (a *ArenaAllocator) allocateChunk(device driver.Device) (*arenaChunk, error) {
	memory, err := device.AllocateMemory(a.memoryType, a.config.ChunkSize)
	if err != nil {
		return nil, cerrors.Wrapf(err, "arena chunk allocation of %d bytes from memory type %d", a.config.ChunkSize, a.memoryType)
	}

	// The whole chunk stays mapped until the chunk is destroyed, so blocks
	// can hand out sub-pointers without further device calls
	ptr, err := device.MapMemory(memory, 0, a.config.ChunkSize)
	if err != nil {
		device.FreeMemory(memory)
		return nil, cerrors.Wrapf(err, "mapping a new arena chunk of memory type %d", a.memoryType)
	}

	return &arenaChunk{memory: memory, ptr: ptr}, nil
}

func (a *ArenaAllocator) destroyChunk(device driver.Device, chunk *arenaChunk) {
	device.UnmapMemory(chunk.memory)
	device.FreeMemory(chunk.memory)
	chunk.memory = nil
	chunk.ptr = nil
}

// ArenaBlock is a block bump-allocated inside an arena chunk.
type ArenaBlock struct {
	memory     driver.DeviceMemory
	chunkPtr   unsafe.Pointer
	chunkIndex uint64
	properties memutils.Properties
	rng        Range
	mapped     bool
}

// Properties returns the property flags of the memory type this block was
// allocated from.
func (b *ArenaBlock) Properties() memutils.Properties {
	return b.properties
}

// Memory returns the chunk memory object this block lives in.
func (b *ArenaBlock) Memory() driver.DeviceMemory {
	return b.memory
}

// Range returns the block's byte range within its chunk.
func (b *ArenaBlock) Range() Range {
	return b.rng
}

// Map returns a pointer into the chunk's persistent mapping. Offsets are
// relative to the block. Only one mapping may be active at a time.
func (b *ArenaBlock) Map(device driver.Device, offset, size int) (MappedRange, error) {
	if b.mapped {
		return MappedRange{}, cerrors.WithStack(ErrAlreadyMapped)
	}
	err := checkSubRange(b.rng.Size, offset, size)
	if err != nil {
		return MappedRange{}, err
	}

	b.mapped = true
	ptr := unsafe.Add(b.chunkPtr, b.rng.Offset+offset)
	return MappedRange{ptr: ptr, rng: Range{Offset: offset, Size: size}}, nil
}

// Unmap releases the block's active mapping. The chunk itself stays mapped.
func (b *ArenaBlock) Unmap(device driver.Device) error {
	if !b.mapped {
		return cerrors.WithStack(ErrNotMapped)
	}

	b.mapped = false
	return nil
}
