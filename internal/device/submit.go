package device

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/verrors"
)

// Submit starts a block I/O.
//
// If Submit returns nil, bio.EndIO is called exactly once when both the
// local disk and the peer have resolved the I/O. The I/O succeeds if either
// of them succeeded. If Submit returns an error, bio.EndIO is never called:
//   - ErrNoMemory if too many requests are in flight,
//   - ErrWouldBlock for a read-ahead the local disk cannot serve,
//   - ErrIO if neither the local disk nor the peer can serve the I/O,
//   - ErrSuspended if the device is suspended; the caller retries later,
//   - the error of ctx if it is done while Submit waits for an activity log
//     extent or a conflicting write.
func (d *Device) Submit(ctx context.Context, bio *Bio) error {
	if err := validateBio(bio); err != nil {
		return err
	}
	if d.closed.Load() {
		return verrors.ErrClosed
	}

	if d.inflight.Add(1) > int64(d.cfg.maxInflightRequests) {
		d.inflight.Add(-1)
		return verrors.ErrNoMemory
	}
	req := newRequest(types.RequestID(d.nextID.Add(1)), bio)
	fail := func(err error) error {
		if req.ownsALExtent {
			d.cfg.syncTracker.ReleaseALExtent(req.sector)
		}
		if req.localHandle != nil {
			req.localHandle.Put()
		}
		d.inflight.Add(-1)
		req.release()
		return err
	}

	policy := d.cfg.cluster.CurrentPolicy()
	r, err := d.route(req, policy)
	if err != nil {
		return fail(err)
	}

	if r.local && req.dir.IsWrite() {
		if err := d.cfg.syncTracker.AcquireALExtent(ctx, req.sector); err != nil {
			return fail(fmt.Errorf("device: activity log: %w", err))
		}
		req.ownsALExtent = true
	}

	var spare *epoch
	if r.remote && req.dir.IsWrite() {
		spare = newEpoch()
	}

	d.mu.Lock()
	for {
		if other := d.writes.FindOverlap(req.sector, req.size); other != nil {
			other.(*Request).waiting = true
			otherID := other.ID()
			conflictC := d.conflictC
			d.mu.Unlock()
			if ce := d.logger.Check(zap.DebugLevel, "wait for conflicting write"); ce != nil {
				ce.Write(zap.Stringer("request", req), zap.Uint64("conflict", uint64(otherID)))
			}
			select {
			case <-conflictC:
			case <-ctx.Done():
				return fail(ctx.Err())
			}
			d.mu.Lock()
			continue
		}

		// The connection may have changed while waiting for a conflicting
		// write or an activity log extent.
		policy = d.cfg.cluster.CurrentPolicy()
		if policy.Suspended {
			d.mu.Unlock()
			return fail(verrors.ErrSuspended)
		}
		if r, err = peerLegs(req, r.local, policy); err != nil {
			d.mu.Unlock()
			return fail(err)
		}

		if r.remote && req.dir.IsWrite() && d.epochs.needSpare() {
			if spare == nil {
				d.mu.Unlock()
				spare = newEpoch()
				d.mu.Lock()
				continue
			}
			d.epochs.offerSpare(spare)
			spare = nil
		}
		break
	}

	var eff effects
	d.register(req, r, policy, &eff)
	// req must not be touched once the lock is released.
	lio := newLocalIO(req)
	d.mu.Unlock()

	d.runEffects(&eff)
	if r.local {
		d.submitLocal(lio)
	}
	return nil
}

func validateBio(bio *Bio) error {
	switch {
	case bio == nil:
		return fmt.Errorf("device: nil bio: %w", verrors.ErrInvalid)
	case bio.EndIO == nil:
		return fmt.Errorf("device: bio without completion: %w", verrors.ErrInvalid)
	case bio.Size == 0 || bio.Size%types.SectorSize != 0:
		return fmt.Errorf("device: bio size %d: %w", bio.Size, verrors.ErrInvalid)
	case uint64(len(bio.Data)) < uint64(bio.Size):
		return fmt.Errorf("device: bio buffer %d smaller than size %d: %w", len(bio.Data), bio.Size, verrors.ErrInvalid)
	case bio.Direction != types.DirectionRead && bio.Direction != types.DirectionReadAhead && bio.Direction != types.DirectionWrite:
		return fmt.Errorf("device: bio direction %d: %w", bio.Direction, verrors.ErrInvalid)
	}
	return nil
}

type route struct {
	local  bool
	remote bool
	// outOfSync means a write is not mirrored but announced to the peer.
	outOfSync bool
}

// route decides which legs serve req. It takes a handle of the local disk
// for req if the local leg is used.
func (d *Device) route(req *Request, policy Policy) (route, error) {
	handle, local := d.cfg.localStore.GetHandle()
	if local && req.dir.IsRead() && !d.cfg.syncTracker.MayReadLocally(req.sector, req.size) {
		handle.Put()
		local = false
	}
	r, err := peerLegs(req, local, policy)
	if err != nil {
		return r, err
	}
	if r.local {
		req.localHandle = handle
	}
	return r, nil
}

// peerLegs decides the remote legs of req for policy. It fails only if the
// local leg does not serve req.
func peerLegs(req *Request, local bool, policy Policy) (route, error) {
	r := route{local: local}
	if req.dir.IsRead() {
		if !local {
			if req.dir == types.DirectionReadAhead {
				return r, verrors.ErrWouldBlock
			}
			if !policy.PeerUpToDate {
				return r, verrors.ErrIO
			}
			r.remote = true
		}
		return r, nil
	}
	r.remote = policy.SendRemote
	r.outOfSync = !r.remote && policy.SendOutOfSync
	if !local && !r.remote {
		return r, verrors.ErrIO
	}
	return r, nil
}

// register makes req visible to events and queues its work items. It must
// be called with the request lock held.
func (d *Device) register(req *Request, r route, policy Policy, eff *effects) {
	d.requests[req.id] = req

	switch {
	case req.dir.IsWrite() && !r.remote:
		// Remote writes join the write index when queued.
		d.writes.Insert(req)
		req.inWriteIndex = true
	case req.dir.IsRead() && r.local:
		d.reads.Insert(req)
		req.inReadIndex = true
	}

	if r.remote || r.outOfSync {
		d.tl.append(req)
		d.monitor.kick()
	} else if req.dir.IsWrite() {
		d.cfg.syncTracker.MarkOutOfSync(req.sector, req.size)
	}

	if r.remote {
		d.applyEvent(req, EventToBeSentRemotely, eff)
	}
	if r.local {
		d.applyEvent(req, EventToBeSubmittedLocally, eff)
	}

	switch {
	case r.remote && req.dir.IsWrite():
		d.applyEvent(req, EventQueueForRemoteWrite, eff)
	case r.remote:
		d.applyEvent(req, EventQueueForRemoteRead, eff)
	case r.outOfSync:
		d.applyEvent(req, EventQueueForOutOfSyncSend, eff)
	}

	if r.remote && req.dir.IsWrite() && policy.Congested {
		d.queueBarrier()
		eff.transitions = append(eff.transitions, TransitionAhead)
	}
}
