package device

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/verrors"
)

var errLocalIO = errors.New("device: local i/o failed")

type completion struct {
	bio   *Bio
	err   error
	dir   types.Direction
	start time.Time
}

// localIO is a local I/O to submit after the request lock is released.
type localIO struct {
	id     types.RequestID
	sector types.Sector
	size   uint32
	dir    types.Direction
	data   []byte
}

func newLocalIO(req *Request) localIO {
	return localIO{
		id:     req.id,
		sector: req.sector,
		size:   req.size,
		dir:    req.dir,
		data:   req.data,
	}
}

// effects are side effects of events that must not run with the request
// lock held.
type effects struct {
	completions []completion
	transitions []Transition
	localIO     []localIO
	unplug      bool
}

// runEffects must be called without the request lock.
func (d *Device) runEffects(eff *effects) {
	for _, c := range eff.completions {
		d.cfg.metrics.RecordCompletion(context.Background(), c.dir, c.err, time.Since(c.start))
		c.bio.EndIO(c.err)
	}
	for _, lio := range eff.localIO {
		d.submitLocal(lio)
	}
	if eff.unplug {
		d.cfg.link.Unplug()
	}
	for _, t := range eff.transitions {
		d.logger.Info("request transition", zap.Stringer("transition", t))
		d.cfg.cluster.RequestTransition(t)
	}
}

// markDoneAndMaybeRetire completes the caller once neither leg has
// anything in flight, and destroys the request once the peer owes nothing
// for it. Calling it for a destroyed request does nothing.
//
// The two stages are separate: a write acknowledged to the caller stays in
// the transfer log until the barrier of its epoch is acknowledged.
func (d *Device) markDoneAndMaybeRetire(req *Request, eff *effects) {
	if req.destroyed {
		return
	}

	if !req.completed {
		if req.local == LocalPending || req.net.Queued || (req.net.Pending && !req.net.Postponed) {
			return
		}
		req.completed = true
		d.removeFromConflictIndex(req)
		if req.bio != nil {
			var err error
			if !req.succeeded() {
				err = verrors.ErrIO
			}
			eff.completions = append(eff.completions, completion{
				bio:   req.bio,
				err:   err,
				dir:   req.dir,
				start: req.start,
			})
			req.bio = nil
		}
	}

	if req.net.Any() && !req.net.Done {
		return
	}
	d.retire(req)
}

// removeFromConflictIndex removes req from the conflict indexes and wakes up
// submitters waiting for it.
func (d *Device) removeFromConflictIndex(req *Request) {
	if req.inReadIndex {
		d.reads.Remove(req)
		req.inReadIndex = false
	}
	if !req.inWriteIndex {
		return
	}
	d.writes.Remove(req)
	req.inWriteIndex = false
	if req.waiting {
		req.waiting = false
		close(d.conflictC)
		d.conflictC = make(chan struct{})
	}
}

// retire removes req from the transfer log, releases its activity log
// extent and returns it to the pool.
func (d *Device) retire(req *Request) {
	d.tl.remove(req)
	d.removeFromConflictIndex(req)
	delete(d.requests, req.id)

	if req.dir.IsWrite() && req.net.Any() && !req.net.Ok {
		d.cfg.syncTracker.MarkOutOfSync(req.sector, req.size)
	}

	d.putLocalHandle(req)
	if req.ownsALExtent {
		req.ownsALExtent = false
		if handle, ok := d.cfg.localStore.GetHandle(); ok {
			d.cfg.syncTracker.ReleaseALExtent(req.sector)
			handle.Put()
		} else {
			d.logger.Warn("cannot release activity log extent: local disk detached", zap.Stringer("request", req))
		}
	}

	if ce := d.logger.Check(zap.DebugLevel, "retire"); ce != nil {
		ce.Write(zap.Stringer("request", req))
	}
	d.inflight.Add(-1)
	req.release()
}
