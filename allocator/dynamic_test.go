package allocator_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/strata/allocator"
	"github.com/vkngwrapper/strata/memutils"
	"github.com/vkngwrapper/strata/mocks"
)

func makeDynamic(t *testing.T, chunkSize, maxAllocation int) *allocator.DynamicAllocator {
	dynamic, err := allocator.NewDynamicAllocator(0, memutils.PropertyHostVisible|memutils.PropertyHostCoherent, allocator.DynamicConfig{
		ChunkSize:     chunkSize,
		MaxAllocation: maxAllocation,
	})
	require.NoError(t, err)
	return dynamic
}

func TestDynamicConfigValidation(t *testing.T) {
	_, err := allocator.NewDynamicAllocator(0, memutils.PropertyHostVisible, allocator.DynamicConfig{
		ChunkSize:     128,
		MaxAllocation: 256,
	})
	require.Error(t, err)

	_, err = allocator.NewDynamicAllocator(0, memutils.PropertyHostVisible, allocator.DynamicConfig{})
	require.Error(t, err)
}

func TestDynamicAllocFreeAnyOrder(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	a, reserved, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	require.Equal(t, 256, reserved)
	require.Equal(t, 0, a.Range().Offset)

	b, reserved, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	require.Equal(t, 0, reserved)
	require.Equal(t, 64, b.Range().Offset)

	c, reserved, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	require.Equal(t, 0, reserved)

	require.NoError(t, dynamic.Validate())
	require.Equal(t, 3, dynamic.AllocationCount())

	// Free out of order; the chunk survives while anything lives in it
	require.Equal(t, 0, dynamic.Free(device, b))
	require.Equal(t, 0, dynamic.Free(device, a))
	require.Equal(t, 1, device.OutstandingAllocations())
	require.NoError(t, dynamic.Validate())

	require.Equal(t, 256, dynamic.Free(device, c))
	require.Equal(t, 0, device.OutstandingAllocations())
	require.Equal(t, 0, dynamic.Dispose(device))
}

func TestDynamicCoalescingAndReuse(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	a, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	b, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	c, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	d, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	require.Equal(t, 0, dynamic.FreeRegionsCount())

	// Freeing two neighbors leaves one merged 128-byte region
	require.Equal(t, 0, dynamic.Free(device, b))
	require.Equal(t, 0, dynamic.Free(device, c))
	require.Equal(t, 1, dynamic.FreeRegionsCount())
	require.NoError(t, dynamic.Validate())

	// A 128-byte request fits the merged hole without a new chunk
	e, reserved, err := dynamic.Alloc(device, 128, 1)
	require.NoError(t, err)
	require.Equal(t, 0, reserved)
	require.Equal(t, 64, e.Range().Offset)
	require.Equal(t, 1, device.OutstandingAllocations())

	dynamic.Free(device, a)
	dynamic.Free(device, d)
	dynamic.Free(device, e)
	require.Equal(t, 0, device.OutstandingAllocations())
}

func TestDynamicAlignmentPaddingStaysFree(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	a, _, err := dynamic.Alloc(device, 10, 1)
	require.NoError(t, err)

	aligned, _, err := dynamic.Alloc(device, 16, 64)
	require.NoError(t, err)
	require.Equal(t, 64, aligned.Range().Offset)
	require.NoError(t, dynamic.Validate())

	// The 54 padding bytes between the two blocks remain allocatable
	pad, reserved, err := dynamic.Alloc(device, 32, 1)
	require.NoError(t, err)
	require.Equal(t, 0, reserved)
	require.Equal(t, 10, pad.Range().Offset)

	dynamic.Free(device, a)
	dynamic.Free(device, aligned)
	dynamic.Free(device, pad)
	require.Equal(t, 0, device.OutstandingAllocations())
}

func TestDynamicSecondChunk(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 128, 128)

	a, _, err := dynamic.Alloc(device, 128, 1)
	require.NoError(t, err)

	b, reserved, err := dynamic.Alloc(device, 128, 1)
	require.NoError(t, err)
	require.Equal(t, 128, reserved)
	require.Equal(t, 2, device.OutstandingAllocations())

	require.Equal(t, 128, dynamic.Free(device, a))
	require.Equal(t, 128, dynamic.Free(device, b))
	require.Equal(t, 0, device.OutstandingAllocations())
}

func TestDynamicOverMaxAllocation(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	_, _, err := dynamic.Alloc(device, 129, 1)
	require.ErrorIs(t, err, allocator.ErrOverMaxAllocation)
	require.Equal(t, 0, device.OutstandingAllocations())
}

func TestDynamicSharedChunkMapping(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	a, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	b, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)

	// Both blocks share one device-level mapping of the chunk
	mappedA, err := a.Map(device, 0, 64)
	require.NoError(t, err)
	mappedB, err := b.Map(device, 0, 64)
	require.NoError(t, err)

	copy(mappedA.Bytes(), []byte("first"))
	copy(mappedB.Bytes(), []byte("second"))

	backing := a.Memory().(*mocks.Memory)
	require.Equal(t, []byte("first"), backing.Bytes()[:5])
	require.Equal(t, []byte("second"), backing.Bytes()[64:70])

	require.NoError(t, a.Unmap(device))

	// The chunk mapping stays live for the other block
	copy(mappedB.Bytes()[6:], []byte("!"))
	require.Equal(t, []byte("second!"), backing.Bytes()[64:71])

	require.NoError(t, b.Unmap(device))
	dynamic.Free(device, a)
	dynamic.Free(device, b)
	require.Equal(t, 0, device.OutstandingAllocations())
}

func TestDynamicFreesMappedBlock(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	block, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)
	_, err = block.Map(device, 0, 64)
	require.NoError(t, err)

	// Free tears the mapping down so the chunk can be returned
	require.Equal(t, 256, dynamic.Free(device, block))
	require.Equal(t, 0, device.OutstandingAllocations())
}

func TestDynamicDispose(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	block, _, err := dynamic.Alloc(device, 64, 1)
	require.NoError(t, err)

	require.Panics(t, func() {
		dynamic.Dispose(device)
	})

	dynamic.Free(device, block)
	require.Equal(t, 0, dynamic.Dispose(device))
	require.Equal(t, 0, device.OutstandingAllocations())
}

func TestDynamicStatistics(t *testing.T) {
	device := mocks.NewDevice()
	dynamic := makeDynamic(t, 256, 128)

	a, _, err := dynamic.Alloc(device, 100, 1)
	require.NoError(t, err)
	_, _, err = dynamic.Alloc(device, 50, 1)
	require.NoError(t, err)
	require.Equal(t, 0, dynamic.Free(device, a))

	var stats memutils.DetailedStatistics
	stats.Clear()
	dynamic.AddDetailedStatistics(&stats)

	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 256, stats.BlockBytes)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 50, stats.AllocationBytes)
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, 100, stats.UnusedRangeSizeMin)
	require.Equal(t, 106, stats.UnusedRangeSizeMax)
}
