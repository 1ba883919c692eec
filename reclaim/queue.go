package reclaim

import "fmt"

// batch is one sweep's worth of retired resources, stamped with every
// queue's epoch at sweep time. Each queue holds one reference; the last
// queue to release its hold destroys the resources, so destruction happens
// exactly once no matter how queues interleave.
type batch struct {
	resources []Resource
	epochs    map[QueueID]uint64
	remaining int
}

func (b *batch) release() int {
	if b.remaining < 1 {
		panic("reclamation batch released more times than it was held")
	}

	b.remaining--
	if b.remaining > 0 {
		return 0
	}

	destroyed := len(b.resources)
	for _, resource := range b.resources {
		resource.Destroy()
	}
	b.resources = nil
	return destroyed
}

// Queue mirrors one device submission queue for reclamation purposes. It
// assigns an epoch to every submission, converts completed fences into a
// proven-complete epoch, and holds batch references until its stamped epoch
// has provably passed. It is not internally synchronized; a single logical
// owner must serialize calls.
type Queue struct {
	id QueueID

	// lastEpoch is the epoch of the newest submission; completeEpoch trails it
	// and never passes it. Submissions complete in order, so one ready fence
	// proves every earlier epoch complete too.
	lastEpoch     uint64
	completeEpoch uint64

	holds []*batch
}

// NewQueue creates the reclamation mirror for one device queue.
func NewQueue(id QueueID) *Queue {
	return &Queue{id: id}
}

// ID returns the queue's identifier.
func (q *Queue) ID() QueueID {
	return q.id
}

// Submit assigns the next epoch to a submission and arms its fence against
// this queue in one indivisible step, so no submission can exist without an
// armed fence covering it. The caller performs the actual device submission
// with the returned fence.
func (q *Queue) Submit(fence UnarmedFence) ArmedFence {
	q.lastEpoch++
	return ArmedFence{
		fence: fence.fence,
		queue: q.id,
		epoch: q.lastEpoch,
	}
}

// CurrentEpoch returns the epoch of the newest submission, or zero before
// the first one. A batch stamped with this value is safe to destroy once the
// epoch is proven complete.
func (q *Queue) CurrentEpoch() uint64 {
	return q.lastEpoch
}

// CompleteEpoch returns the highest epoch proven complete so far.
func (q *Queue) CompleteEpoch() uint64 {
	return q.completeEpoch
}

// MarkComplete advances the proven-complete epoch with a ready fence. Fences
// from other queues prove nothing about this one, so feeding one in is a
// programming error and panics.
func (q *Queue) MarkComplete(fence ReadyFence) {
	if fence.queue != q.id {
		panic(fmt.Sprintf("fence from queue %d fed to queue %d", fence.queue, q.id))
	}
	if fence.epoch > q.lastEpoch {
		panic(fmt.Sprintf("queue %d marked epoch %d complete, but only %d submissions exist", q.id, fence.epoch, q.lastEpoch))
	}

	if fence.epoch > q.completeEpoch {
		q.completeEpoch = fence.epoch
	}
}

// DestroyReady releases this queue's hold on every batch whose stamped epoch
// is proven complete, and returns the number of resources destroyed as a
// result. Resources held by batches other queues still reference are not
// counted; they are destroyed by whichever queue releases last.
func (q *Queue) DestroyReady() int {
	destroyed := 0
	kept := q.holds[:0]

	for _, b := range q.holds {
		if b.epochs[q.id] <= q.completeEpoch {
			destroyed += b.release()
		} else {
			kept = append(kept, b)
		}
	}

	for i := len(kept); i < len(q.holds); i++ {
		q.holds[i] = nil
	}
	q.holds = kept
	return destroyed
}

// HeldBatches returns the number of batches this queue still holds a
// reference to.
func (q *Queue) HeldBatches() int {
	return len(q.holds)
}

func (q *Queue) attach(b *batch) {
	q.holds = append(q.holds, b)
}
