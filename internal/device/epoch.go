package device

import (
	"github.com/kakao/replblk/pkg/types"
)

// epoch is a group of writes delimited by barriers. The peer acknowledges
// a barrier once every write of the epoch closed by it is stable.
type epoch struct {
	number types.EpochNumber
	// writes is the number of writes queued under the epoch. It is the set
	// size the peer reports in the barrier ack.
	writes int
	// closed is set once the barrier of the epoch is queued. No write
	// joins a closed epoch.
	closed bool
}

func newEpoch() *epoch {
	return &epoch{}
}

// epochTracker maintains the epochs whose barriers are not acknowledged
// yet, oldest first. The last one is the current epoch unless a barrier
// is queued and no write has arrived since.
type epochTracker struct {
	epochs  []*epoch
	current *epoch
	// barrierQueued is set from queueing the barrier of the current epoch
	// until the next epoch is linked.
	barrierQueued bool
	// spare is linked as the next epoch. Submitters allocate it before
	// taking the request lock.
	spare     *epoch
	maxWrites int
}

func newEpochTracker(maxWrites int, first types.EpochNumber) *epochTracker {
	et := &epochTracker{maxWrites: maxWrites}
	et.current = &epoch{number: first}
	et.epochs = append(et.epochs, et.current)
	return et
}

// needSpare reports whether the next write must link a new epoch and no
// spare is available.
func (et *epochTracker) needSpare() bool {
	return et.barrierQueued && et.spare == nil
}

// offerSpare keeps ep as the spare epoch. It returns false if a spare is
// already available, and the caller drops ep.
func (et *epochTracker) offerSpare(ep *epoch) bool {
	if et.spare != nil || ep == nil {
		return false
	}
	et.spare = ep
	return true
}

// assign attributes req to the current epoch, linking the spare epoch
// first if the barrier of the current one is queued. It returns true if the
// epoch is full.
func (et *epochTracker) assign(req *Request) (full bool) {
	if et.barrierQueued {
		ep := et.spare
		et.spare = nil
		if ep == nil {
			ep = newEpoch()
		}
		*ep = epoch{number: et.current.number + 1}
		et.epochs = append(et.epochs, ep)
		et.current = ep
		et.barrierQueued = false
	}
	req.epoch = et.current
	et.current.writes++
	return et.maxWrites > 0 && et.current.writes >= et.maxWrites
}

// closeCurrent closes the current epoch and returns the barrier work item
// to queue. It returns false if the barrier is already queued or the epoch
// has no writes.
func (et *epochTracker) closeCurrent() (Work, bool) {
	if et.barrierQueued || et.current.writes == 0 {
		return Work{}, false
	}
	et.current.closed = true
	et.barrierQueued = true
	return Work{
		Kind:    WorkSendBarrier,
		Barrier: et.current.number,
		SetSize: et.current.writes,
	}, true
}

func (et *epochTracker) oldest() *epoch {
	if len(et.epochs) == 0 {
		return nil
	}
	return et.epochs[0]
}

// releaseOldest drops the oldest epoch after its barrier is acknowledged.
// If it is the current epoch, the barrier is still marked as queued so that
// the next write links a new epoch.
func (et *epochTracker) releaseOldest() {
	if len(et.epochs) == 0 {
		return
	}
	et.epochs[0] = nil
	et.epochs = et.epochs[1:]
}

// reset forgets every epoch. The numbering continues from the current
// epoch.
func (et *epochTracker) reset() {
	next := et.current.number + 1
	for i := range et.epochs {
		et.epochs[i] = nil
	}
	et.current = &epoch{number: next}
	et.epochs = append(et.epochs[:0], et.current)
	et.barrierQueued = false
	et.spare = nil
}

func (et *epochTracker) len() int {
	return len(et.epochs)
}
