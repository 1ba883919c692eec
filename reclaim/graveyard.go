package reclaim

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrTrackerOnLoan is returned from TakeTracker while a previous lease is
	// still outstanding
	ErrTrackerOnLoan = errors.New("the reclamation tracker is already on loan")
	// ErrTrackerNotOnLoan is returned from ReturnTracker when no lease is
	// outstanding
	ErrTrackerNotOnLoan = errors.New("the reclamation tracker is not on loan")
	// ErrForeignTracker is returned when a tracker is returned to or used with
	// a graveyard other than the one that issued it
	ErrForeignTracker = errors.New("the tracker was issued by a different graveyard")
)

// Resource is anything whose destruction can be deferred through the
// graveyard. Destroy is called exactly once, after every queue has proven the
// device no longer touches the resource.
type Resource interface {
	Destroy()
}

// ResourceFunc adapts a closure into a Resource, so callers can route things
// like a memory block free through the graveyard without a wrapper type.
type ResourceFunc func()

func (f ResourceFunc) Destroy() {
	f()
}

// Tracker is the exclusive lease on a graveyard's sweep. Only its holder may
// run Sweep, which keeps epoch stamping and batch handoff serialized without
// the graveyard taking a lock around the whole sweep.
type Tracker struct {
	graveyard *Graveyard
}

// Graveyard accumulates retired resources until a sweep stamps them with the
// current epoch of every queue and hands them off for deferred destruction.
// Defer may be called at any time; Sweep requires the tracker lease.
type Graveyard struct {
	logger *slog.Logger

	pending    []Resource
	trackerOut bool
}

// NewGraveyard creates an empty graveyard. A nil logger falls back to
// slog.Default.
func NewGraveyard(logger *slog.Logger) *Graveyard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graveyard{logger: logger}
}

// Defer schedules a resource for destruction after the next sweep's batch
// clears every queue. The resource must no longer be used by the caller; the
// device may still be using it, which is the whole point.
func (g *Graveyard) Defer(resource Resource) {
	g.pending = append(g.pending, resource)
}

// PendingCount returns the number of resources awaiting the next sweep.
func (g *Graveyard) PendingCount() int {
	return len(g.pending)
}

// TakeTracker hands out the sweep lease. It fails with ErrTrackerOnLoan
// until the previous lease has been returned.
func (g *Graveyard) TakeTracker() (*Tracker, error) {
	if g.trackerOut {
		return nil, cerrors.WithStack(ErrTrackerOnLoan)
	}

	g.trackerOut = true
	return &Tracker{graveyard: g}, nil
}

// ReturnTracker ends the sweep lease.
func (g *Graveyard) ReturnTracker(tracker *Tracker) error {
	if tracker == nil || tracker.graveyard != g {
		return cerrors.WithStack(ErrForeignTracker)
	}
	if !g.trackerOut {
		return cerrors.WithStack(ErrTrackerNotOnLoan)
	}

	g.trackerOut = false
	tracker.graveyard = nil
	return nil
}

// Sweep moves every pending resource into one batch, stamps the batch with
// each queue's current epoch, and hands one shared batch reference to each
// queue. The batch's resources are destroyed exactly once, by whichever
// queue releases the last reference from DestroyReady. With no queues the
// resources cannot be in flight anywhere and are destroyed immediately.
//
// Returns the number of resources staged (or destroyed, in the no-queue
// case).
func (g *Graveyard) Sweep(tracker *Tracker, queues []*Queue) (int, error) {
	if tracker == nil || tracker.graveyard != g {
		return 0, cerrors.WithStack(ErrForeignTracker)
	}

	count := len(g.pending)
	if count == 0 {
		return 0, nil
	}

	if len(queues) == 0 {
		for _, resource := range g.pending {
			resource.Destroy()
		}
		g.pending = nil
		g.logger.Debug("swept resources with no queues in flight", slog.Int("destroyed", count))
		return count, nil
	}

	b := &batch{
		resources: g.pending,
		epochs:    make(map[QueueID]uint64, len(queues)),
		remaining: len(queues),
	}
	g.pending = nil

	for _, queue := range queues {
		b.epochs[queue.ID()] = queue.CurrentEpoch()
		queue.attach(b)
	}

	g.logger.Debug("swept resources into a reclamation batch",
		slog.Int("resources", count),
		slog.Int("queues", len(queues)),
	)
	return count, nil
}
