package allocator_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/strata/allocator"
	"github.com/vkngwrapper/strata/memutils"
	"github.com/vkngwrapper/strata/mocks"
)

func TestDedicatedAllocFree(t *testing.T) {
	device := mocks.NewDevice()
	dedicated := allocator.NewDedicatedAllocator(0, memutils.PropertyHostVisible)

	block, reserved, err := dedicated.Alloc(device, 1000, 16)
	require.NoError(t, err)
	require.Equal(t, 1000, reserved)
	require.Equal(t, allocator.Range{Offset: 0, Size: 1000}, block.Range())
	require.Equal(t, 1000, block.Memory().Size())
	require.Equal(t, 1, dedicated.AllocationCount())
	require.NoError(t, dedicated.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	dedicated.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 1000,
		},
		AllocationSizeMin:  1000,
		AllocationSizeMax:  1000,
		UnusedRangeSizeMin: math.MaxInt,
	}, stats)

	released := dedicated.Free(device, block)
	require.Equal(t, 1000, released)
	require.Equal(t, 0, dedicated.AllocationCount())
	require.Equal(t, 0, device.OutstandingAllocations())
	require.Equal(t, 0, dedicated.Dispose(device))
}

func TestDedicatedMapRoundTrip(t *testing.T) {
	device := mocks.NewDevice()
	dedicated := allocator.NewDedicatedAllocator(0, memutils.PropertyHostVisible)

	block, _, err := dedicated.Alloc(device, 256, 1)
	require.NoError(t, err)

	mapped, err := block.Map(device, 16, 64)
	require.NoError(t, err)
	copy(mapped.Bytes(), []byte("staging payload"))

	backing := block.Memory().(*mocks.Memory)
	require.Equal(t, []byte("staging payload"), backing.Bytes()[16:31])

	// One active mapping at a time
	_, err = block.Map(device, 0, 8)
	require.ErrorIs(t, err, allocator.ErrAlreadyMapped)

	require.NoError(t, block.Unmap(device))
	require.ErrorIs(t, block.Unmap(device), allocator.ErrNotMapped)

	dedicated.Free(device, block)
}

func TestDedicatedMapErrors(t *testing.T) {
	device := mocks.NewDevice()

	hidden := allocator.NewDedicatedAllocator(0, memutils.PropertyDeviceLocal)
	block, _, err := hidden.Alloc(device, 128, 1)
	require.NoError(t, err)
	_, err = block.Map(device, 0, 16)
	require.ErrorIs(t, err, allocator.ErrNotHostVisible)
	hidden.Free(device, block)

	visible := allocator.NewDedicatedAllocator(1, memutils.PropertyHostVisible)
	block, _, err = visible.Alloc(device, 128, 1)
	require.NoError(t, err)
	_, err = block.Map(device, 100, 64)
	require.ErrorIs(t, err, allocator.ErrMappingOutOfRange)
	_, err = block.Map(device, -1, 16)
	require.ErrorIs(t, err, allocator.ErrMappingOutOfRange)
	visible.Free(device, block)
}

func TestDedicatedDisposeWithOutstandingBlocks(t *testing.T) {
	device := mocks.NewDevice()
	dedicated := allocator.NewDedicatedAllocator(0, memutils.PropertyHostVisible)

	_, _, err := dedicated.Alloc(device, 64, 1)
	require.NoError(t, err)

	require.Panics(t, func() {
		dedicated.Dispose(device)
	})
}
