package device

import (
	"context"

	"go.uber.org/zap"
)

// applyEvent updates the state of req for ev. It must be called with the
// request lock held. Side effects that may block are collected in eff and
// run by the caller after the lock is released.
//
// An event whose precondition does not hold is a protocol anomaly. It is
// logged and dropped, and req is left untouched.
func (d *Device) applyEvent(req *Request, ev Event, eff *effects) {
	if req.destroyed {
		d.anomaly(req, ev, "event for destroyed request")
		return
	}

	switch ev {
	case EventToBeSentRemotely:
		if req.net.Any() {
			d.anomaly(req, ev, "remote obligation already registered")
			return
		}
		req.net.Pending = true
		d.pendingPeerAcks++

	case EventToBeSubmittedLocally:
		if req.local != LocalNotStarted {
			d.anomaly(req, ev, "local i/o already started")
			return
		}
		req.local = LocalPending

	case EventLocalCompletedOK:
		if req.local != LocalPending {
			d.anomaly(req, ev, "local i/o not pending")
			return
		}
		req.local = LocalCompletedOK
		d.cfg.metrics.AddLocalBytes(context.Background(), req.dir, int64(req.size))
		d.putLocalHandle(req)
		d.markDoneAndMaybeRetire(req, eff)

	case EventLocalCompletedWithError:
		if req.local != LocalPending {
			d.anomaly(req, ev, "local i/o not pending")
			return
		}
		req.local = LocalCompletedError
		d.cfg.syncTracker.HandleIOError(req.sector, req.size, req.dir, req.localError())
		d.putLocalHandle(req)
		d.markDoneAndMaybeRetire(req, eff)

	case EventLocalReadAheadFailed:
		if req.local != LocalPending {
			d.anomaly(req, ev, "local i/o not pending")
			return
		}
		req.local = LocalCompletedError
		d.putLocalHandle(req)
		d.markDoneAndMaybeRetire(req, eff)

	case EventRemoteReadFailed:
		if req.local != LocalPending || req.net.Any() {
			d.anomaly(req, ev, "unexpected state for failed read")
			return
		}
		d.remoteReadFailed(req, eff)

	case EventAbortLocalIO:
		if req.local != LocalPending {
			d.anomaly(req, ev, "local i/o not pending")
			return
		}
		req.local = LocalCompleted
		d.putLocalHandle(req)
		d.markDoneAndMaybeRetire(req, eff)

	case EventQueueForRemoteRead:
		if !req.net.Pending {
			d.anomaly(req, ev, "read not expected by peer")
			return
		}
		if !req.inReadIndex {
			d.reads.Insert(req)
			req.inReadIndex = true
		}
		req.net.Queued = true
		d.cfg.link.Enqueue(Work{Kind: WorkSendRead, Request: req})
		eff.unplug = true

	case EventQueueForRemoteWrite:
		if !req.dir.IsWrite() || req.net.Queued || req.epoch != nil {
			d.anomaly(req, ev, "unexpected state for remote write")
			return
		}
		if !req.inWriteIndex {
			d.writes.Insert(req)
			req.inWriteIndex = true
		}
		full := d.epochs.assign(req)
		req.net.Queued = true
		d.cfg.link.Enqueue(Work{Kind: WorkSendData, Request: req})
		if full {
			d.queueBarrier()
		}

	case EventQueueForOutOfSyncSend:
		if req.net.Queued {
			d.anomaly(req, ev, "already queued")
			return
		}
		req.net.Queued = true
		req.net.OutOfSync = true
		d.cfg.link.Enqueue(Work{Kind: WorkSendOutOfSync, Request: req})

	case EventHandedToNetwork:
		if !req.net.Queued {
			d.anomaly(req, ev, "not queued")
			return
		}
		req.net.Queued = false
		req.net.SentToNetwork = true
		switch {
		case req.net.OutOfSync, req.negAcked:
			req.net.Done = true
		case req.net.Pending && req.dir.IsWrite() && d.cfg.cluster.CurrentPolicy().Durability == DurabilityAsync:
			req.net.Ok = true
			d.clearPending(req)
		}
		d.markDoneAndMaybeRetire(req, eff)

	case EventSendFailedOrCanceled:
		if !req.net.Queued {
			d.anomaly(req, ev, "not queued")
			return
		}
		req.net.Queued = false
		if req.negAcked {
			req.net.Done = true
		}
		d.markDoneAndMaybeRetire(req, eff)

	case EventAckedByPeer, EventAckedByPeerInSync:
		if !req.net.Pending {
			d.anomaly(req, ev, "ack for request not expected by peer")
			return
		}
		req.net.Ok = true
		if ev == EventAckedByPeerInSync {
			d.cfg.syncTracker.MarkInSync(req.sector, req.size)
		}
		d.clearPending(req)
		d.markDoneAndMaybeRetire(req, eff)

	case EventNegativeAckByPeer:
		if !req.net.Pending && !req.net.SentToNetwork {
			d.anomaly(req, ev, "negative ack for request not sent")
			return
		}
		req.net.Ok = false
		if req.net.Pending {
			d.clearPending(req)
		}
		if req.net.Queued {
			// Done once the work item leaves the queue.
			req.negAcked = true
			return
		}
		req.net.Done = true
		d.markDoneAndMaybeRetire(req, eff)

	case EventPostponeWrite:
		if !req.net.Pending {
			d.anomaly(req, ev, "postpone for request not expected by peer")
			return
		}
		req.net.Postponed = true
		d.markDoneAndMaybeRetire(req, eff)

	case EventConnectionLostWhilePending:
		if req.net.Pending {
			d.clearPending(req)
		}
		req.net.Ok = false
		req.net.Done = true
		if req.net.Queued {
			// Retired once the queued work item is canceled.
			return
		}
		d.markDoneAndMaybeRetire(req, eff)

	case EventBarrierAcked:
		if !req.dir.IsWrite() {
			d.anomaly(req, ev, "barrier ack for read")
			return
		}
		if req.net.Pending {
			d.anomaly(req, ev, "barrier acked while waiting for peer")
			req.outOfSeq = true
			d.tl.moveAside(req)
			return
		}
		if req.net.Any() {
			req.net.Done = true
		}
		d.markDoneAndMaybeRetire(req, eff)

	case EventRestartFrozenIO:
		if !req.local.terminal() || req.local == LocalCompletedOK || req.completed {
			d.anomaly(req, ev, "local i/o not frozen")
			return
		}
		handle, ok := d.cfg.localStore.GetHandle()
		if !ok {
			d.logger.Debug("cannot restart local i/o: local disk detached", zap.Stringer("request", req))
			return
		}
		req.localHandle = handle
		req.local = LocalPending
		req.restartCount++
		eff.localIO = append(eff.localIO, newLocalIO(req))

	case EventDataReceivedForRemoteRead:
		if !req.net.Pending || !req.dir.IsRead() {
			d.anomaly(req, ev, "read reply not expected")
			return
		}
		req.net.Ok = true
		req.net.Done = true
		d.clearPending(req)
		d.markDoneAndMaybeRetire(req, eff)

	default:
		d.anomaly(req, ev, "unknown event")
	}
}

// remoteReadFailed handles a failed local read. The range is marked out of
// sync, and the read is retried on the peer if the peer disk is up to date.
// Otherwise, the read fails.
func (d *Device) remoteReadFailed(req *Request, eff *effects) {
	d.cfg.syncTracker.MarkOutOfSync(req.sector, req.size)
	d.cfg.syncTracker.HandleIOError(req.sector, req.size, req.dir, req.localError())
	req.local = LocalCompletedError
	d.putLocalHandle(req)

	if !d.cfg.cluster.CurrentPolicy().PeerUpToDate {
		d.markDoneAndMaybeRetire(req, eff)
		return
	}
	d.applyEvent(req, EventToBeSentRemotely, eff)
	if d.tl.append(req) {
		d.monitor.kick()
	}
	d.applyEvent(req, EventQueueForRemoteRead, eff)
}

// clearPending clears net.Pending and the outstanding peer ack it holds.
// If the barrier of the epoch of req has already been acknowledged, nothing
// else is expected from the peer.
func (d *Device) clearPending(req *Request) {
	req.net.Pending = false
	d.pendingPeerAcks--
	if req.outOfSeq {
		req.net.Done = true
	}
}

// queueBarrier closes the current epoch and queues its barrier.
func (d *Device) queueBarrier() {
	w, ok := d.epochs.closeCurrent()
	if !ok {
		return
	}
	d.pendingPeerAcks++
	d.pendingBarriers++
	d.cfg.link.Enqueue(w)
}

func (d *Device) putLocalHandle(req *Request) {
	if req.localHandle == nil {
		return
	}
	req.localHandle.Put()
	req.localHandle = nil
}

func (d *Device) anomaly(req *Request, ev Event, msg string) {
	d.anomalies++
	d.logger.Error("protocol anomaly: "+msg, zap.Stringer("event", ev), zap.Stringer("request", req))
	d.cfg.metrics.AddAnomaly(context.Background(), ev.String())
}
