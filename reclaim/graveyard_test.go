package reclaim_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/strata/mocks"
	"github.com/vkngwrapper/strata/reclaim"
)

func TestTrackerLease(t *testing.T) {
	graveyard := reclaim.NewGraveyard(nil)

	tracker, err := graveyard.TakeTracker()
	require.NoError(t, err)

	_, err = graveyard.TakeTracker()
	require.ErrorIs(t, err, reclaim.ErrTrackerOnLoan)

	require.NoError(t, graveyard.ReturnTracker(tracker))
	require.ErrorIs(t, graveyard.ReturnTracker(tracker), reclaim.ErrForeignTracker)

	// The lease is reusable once returned
	tracker, err = graveyard.TakeTracker()
	require.NoError(t, err)
	require.NoError(t, graveyard.ReturnTracker(tracker))
}

func TestReturnTrackerToWrongGraveyard(t *testing.T) {
	graveyardA := reclaim.NewGraveyard(nil)
	graveyardB := reclaim.NewGraveyard(nil)

	tracker, err := graveyardA.TakeTracker()
	require.NoError(t, err)

	require.ErrorIs(t, graveyardB.ReturnTracker(tracker), reclaim.ErrForeignTracker)
	require.NoError(t, graveyardA.ReturnTracker(tracker))
}

func TestSweepRequiresTracker(t *testing.T) {
	graveyard := reclaim.NewGraveyard(nil)
	graveyard.Defer(reclaim.ResourceFunc(func() {}))

	_, err := graveyard.Sweep(nil, nil)
	require.ErrorIs(t, err, reclaim.ErrForeignTracker)

	other := reclaim.NewGraveyard(nil)
	foreign, err := other.TakeTracker()
	require.NoError(t, err)
	_, err = graveyard.Sweep(foreign, nil)
	require.ErrorIs(t, err, reclaim.ErrForeignTracker)
	require.Equal(t, 1, graveyard.PendingCount())
}

func TestSweepWithoutQueuesDestroysImmediately(t *testing.T) {
	graveyard := reclaim.NewGraveyard(nil)

	destroyed := 0
	graveyard.Defer(reclaim.ResourceFunc(func() { destroyed++ }))
	graveyard.Defer(reclaim.ResourceFunc(func() { destroyed++ }))
	require.Equal(t, 2, graveyard.PendingCount())

	tracker, err := graveyard.TakeTracker()
	require.NoError(t, err)
	swept, err := graveyard.Sweep(tracker, nil)
	require.NoError(t, err)
	require.Equal(t, 2, swept)
	require.Equal(t, 2, destroyed)
	require.Equal(t, 0, graveyard.PendingCount())

	// An empty sweep is a no-op
	swept, err = graveyard.Sweep(tracker, nil)
	require.NoError(t, err)
	require.Equal(t, 0, swept)
	require.NoError(t, graveyard.ReturnTracker(tracker))
}

func TestBatchDestroyedOnceAfterEveryQueue(t *testing.T) {
	device := mocks.NewDevice()
	graphics := reclaim.NewQueue(0)
	transfer := reclaim.NewQueue(1)
	graveyard := reclaim.NewGraveyard(nil)

	graphicsWork := graphics.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))
	transferWork := transfer.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))

	destroyed := 0
	graveyard.Defer(reclaim.ResourceFunc(func() { destroyed++ }))

	tracker, err := graveyard.TakeTracker()
	require.NoError(t, err)
	_, err = graveyard.Sweep(tracker, []*reclaim.Queue{graphics, transfer})
	require.NoError(t, err)
	require.NoError(t, graveyard.ReturnTracker(tracker))

	// The graphics queue finishing alone must not destroy anything
	graphics.MarkComplete(readyFence(t, device, graphicsWork))
	require.Equal(t, 0, graphics.DestroyReady())
	require.Equal(t, 0, destroyed)
	require.Equal(t, 0, graphics.HeldBatches())

	// The last queue to release destroys the batch, exactly once
	transfer.MarkComplete(readyFence(t, device, transferWork))
	require.Equal(t, 1, transfer.DestroyReady())
	require.Equal(t, 1, destroyed)

	require.Equal(t, 0, transfer.DestroyReady())
	require.Equal(t, 1, destroyed)
}

func TestSweepStampsCurrentEpochs(t *testing.T) {
	device := mocks.NewDevice()
	queue := reclaim.NewQueue(0)
	graveyard := reclaim.NewGraveyard(nil)

	// Nothing submitted yet: the stamp is epoch zero, already complete
	destroyed := 0
	graveyard.Defer(reclaim.ResourceFunc(func() { destroyed++ }))

	tracker, err := graveyard.TakeTracker()
	require.NoError(t, err)
	_, err = graveyard.Sweep(tracker, []*reclaim.Queue{queue})
	require.NoError(t, err)

	require.Equal(t, 1, queue.DestroyReady())
	require.Equal(t, 1, destroyed)

	// Work submitted after the sweep does not hold later batches back
	graveyard.Defer(reclaim.ResourceFunc(func() { destroyed++ }))
	_, err = graveyard.Sweep(tracker, []*reclaim.Queue{queue})
	require.NoError(t, err)

	armed := queue.Submit(reclaim.NewUnarmedFence(mocks.NewFence()))
	require.Equal(t, 1, queue.DestroyReady())
	require.Equal(t, 2, destroyed)

	queue.MarkComplete(readyFence(t, device, armed))
	require.NoError(t, graveyard.ReturnTracker(tracker))
}
