package reclaim_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/strata/driver"
	"github.com/vkngwrapper/strata/mocks"
	"github.com/vkngwrapper/strata/reclaim"
)

func readyFence(t *testing.T, device *mocks.Device, armed reclaim.ArmedFence) reclaim.ReadyFence {
	armed.Fence().(*mocks.Fence).Signal()
	ready, status, err := reclaim.FenceStatus(device, armed)
	require.NoError(t, err)
	require.Equal(t, driver.Success, status)
	return ready
}

func TestMarkCompleteAdvancesEpoch(t *testing.T) {
	device := mocks.NewDevice()
	queue := reclaim.NewQueue(0)

	first := queue.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))
	second := queue.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))
	third := queue.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))
	require.Equal(t, uint64(0), queue.CompleteEpoch())

	// Submissions complete in order, so the second fence proves the first too
	queue.MarkComplete(readyFence(t, device, second))
	require.Equal(t, uint64(2), queue.CompleteEpoch())

	// A stale fence never moves the epoch backwards
	queue.MarkComplete(readyFence(t, device, first))
	require.Equal(t, uint64(2), queue.CompleteEpoch())

	queue.MarkComplete(readyFence(t, device, third))
	require.Equal(t, uint64(3), queue.CompleteEpoch())
}

func TestMarkCompleteRejectsForeignFence(t *testing.T) {
	device := mocks.NewDevice()
	queueA := reclaim.NewQueue(0)
	queueB := reclaim.NewQueue(1)

	armed := queueA.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))
	ready := readyFence(t, device, armed)

	require.Panics(t, func() {
		queueB.MarkComplete(ready)
	})
}

func TestDestroyReadyWaitsForEpoch(t *testing.T) {
	device := mocks.NewDevice()
	queue := reclaim.NewQueue(0)
	graveyard := reclaim.NewGraveyard(nil)

	first := queue.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))
	second := queue.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))

	destroyed := 0
	graveyard.Defer(reclaim.ResourceFunc(func() {
		destroyed++
	}))

	tracker, err := graveyard.TakeTracker()
	require.NoError(t, err)
	staged, err := graveyard.Sweep(tracker, []*reclaim.Queue{queue})
	require.NoError(t, err)
	require.Equal(t, 1, staged)
	require.NoError(t, graveyard.ReturnTracker(tracker))
	require.Equal(t, 1, queue.HeldBatches())

	// The batch is stamped with epoch 2; epoch 1 is not enough
	queue.MarkComplete(readyFence(t, device, first))
	require.Equal(t, 0, queue.DestroyReady())
	require.Equal(t, 0, destroyed)
	require.Equal(t, 1, queue.HeldBatches())

	queue.MarkComplete(readyFence(t, device, second))
	require.Equal(t, 1, queue.DestroyReady())
	require.Equal(t, 1, destroyed)
	require.Equal(t, 0, queue.HeldBatches())
}
