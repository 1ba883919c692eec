// Package reclaim defers resource destruction until the device has provably
// finished with it. Fences move through a one-way lifecycle (unarmed, armed
// against a queue submission, ready), queues convert completed fences into a
// monotonically advancing proven-complete epoch, and the graveyard batches
// retired resources until every queue's epoch has passed the batch's stamp.
package reclaim

import (
	"time"

	"github.com/vkngwrapper/strata/driver"
)

// QueueID identifies one submission queue within a device.
type QueueID uint32

// UnarmedFence wraps a device fence that has never been submitted. It carries
// no queue or epoch; Queue.Submit converts it into an ArmedFence.
type UnarmedFence struct {
	fence driver.Fence
}

// NewUnarmedFence wraps a freshly created device fence.
func NewUnarmedFence(fence driver.Fence) UnarmedFence {
	return UnarmedFence{fence: fence}
}

// Fence returns the underlying device fence handle.
func (f UnarmedFence) Fence() driver.Fence {
	return f.fence
}

// ArmedFence is a fence attached to an in-flight submission. It remembers
// which queue it was submitted on and the epoch that submission was assigned,
// so completion can be translated back into queue progress.
type ArmedFence struct {
	fence driver.Fence
	queue QueueID
	epoch uint64
}

// Fence returns the underlying device fence handle.
func (f ArmedFence) Fence() driver.Fence {
	return f.fence
}

// Queue returns the queue the fence was submitted on.
func (f ArmedFence) Queue() QueueID {
	return f.queue
}

// Epoch returns the submission epoch the fence will prove complete.
func (f ArmedFence) Epoch() uint64 {
	return f.epoch
}

// ReadyFence is a fence whose submission the device has signalled complete.
// Feed it to Queue.MarkComplete to advance the queue's proven-complete epoch,
// after which the underlying device fence can be reset and reused.
type ReadyFence struct {
	fence driver.Fence
	queue QueueID
	epoch uint64
}

// Fence returns the underlying device fence handle.
func (f ReadyFence) Fence() driver.Fence {
	return f.fence
}

// Queue returns the queue the fence was submitted on.
func (f ReadyFence) Queue() QueueID {
	return f.queue
}

// Epoch returns the submission epoch the fence proves complete.
func (f ReadyFence) Epoch() uint64 {
	return f.epoch
}

// WaitFor selects the completion condition of WaitForFences.
type WaitFor int

const (
	// WaitForAll succeeds only when every fence has signalled
	WaitForAll WaitFor = iota
	// WaitForAny succeeds as soon as one fence has signalled
	WaitForAny
)

// WaitForFences blocks until the wait condition is met or the timeout
// expires, then splits the input into fences that are now ready and fences
// still armed. On timeout both WaitFor modes return the input set untouched
// in stillArmed. A zero timeout polls; a negative timeout waits without
// bound. Device loss surfaces as driver.ErrDeviceLost and is terminal; the
// fences' states are meaningless afterwards.
func WaitForFences(device driver.Device, fences []ArmedFence, waitFor WaitFor, timeout time.Duration) (ready []ReadyFence, stillArmed []ArmedFence, err error) {
	if len(fences) == 0 {
		return nil, nil, nil
	}

	raw := make([]driver.Fence, len(fences))
	for i, fence := range fences {
		raw[i] = fence.fence
	}

	result, err := device.WaitForFences(raw, waitFor == WaitForAll, timeout)
	if err != nil {
		return nil, fences, err
	}
	if result == driver.Timeout {
		return nil, fences, nil
	}

	if waitFor == WaitForAll {
		ready = make([]ReadyFence, len(fences))
		for i, fence := range fences {
			ready[i] = ReadyFence(fence)
		}
		return ready, nil, nil
	}

	// At least one fence signalled; poll each to find out which
	for _, fence := range fences {
		status, err := device.GetFenceStatus(fence.fence)
		if err != nil {
			return nil, fences, err
		}

		if status == driver.Success {
			ready = append(ready, ReadyFence(fence))
		} else {
			stillArmed = append(stillArmed, fence)
		}
	}

	return ready, stillArmed, nil
}

// FenceStatus polls a single armed fence without blocking. On driver.Success
// the returned ReadyFence is valid; otherwise it is the zero value.
func FenceStatus(device driver.Device, fence ArmedFence) (ReadyFence, driver.Result, error) {
	status, err := device.GetFenceStatus(fence.fence)
	if err != nil {
		return ReadyFence{}, status, err
	}

	if status != driver.Success {
		return ReadyFence{}, status, nil
	}

	return ReadyFence(fence), driver.Success, nil
}
