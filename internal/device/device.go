// Package device tracks block I/O requests of a replicated block device
// from submission until both the local disk and the peer have resolved
// them.
//
// Every request state change is an Event applied under the single request
// lock of a Device. Side effects that may block, such as completing the
// caller or submitting local I/O, run after the lock is released.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/interval"
	"github.com/kakao/replblk/internal/telemetry"
	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/verrors"
)

type Device struct {
	cfg    config
	logger *zap.Logger

	nextID   atomic.Uint64
	inflight atomic.Int64
	closed   atomic.Bool

	// mu is the request lock. It guards the fields below and the state of
	// every request.
	mu       sync.Mutex
	requests map[types.RequestID]*Request
	writes   *interval.Index
	reads    *interval.Index
	tl       *transferLog
	epochs   *epochTracker
	// conflictC is closed when a request another submitter waits for
	// leaves the write index.
	conflictC chan struct{}

	pendingPeerAcks int
	pendingBarriers int
	anomalies       int64
	timeouts        int64

	monitor *timeoutMonitor
}

// New creates a Device. The replication link may start delivering events
// as soon as New returns.
func New(opts ...Option) (*Device, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:       cfg,
		logger:    cfg.logger,
		requests:  make(map[types.RequestID]*Request),
		writes:    interval.New("write"),
		reads:     interval.New("read"),
		tl:        newTransferLog(),
		epochs:    newEpochTracker(cfg.maxWritesPerEpoch, cfg.firstEpoch),
		conflictC: make(chan struct{}),
	}
	d.monitor, err = newTimeoutMonitor(d)
	if err != nil {
		return nil, err
	}
	if cfg.metrics != nil {
		err := cfg.metrics.ObserveGauges(func() telemetry.Gauges {
			st := d.Stats()
			return telemetry.Gauges{
				PendingPeerAcks:  int64(st.PendingPeerAcks),
				TransferLogLen:   int64(st.TransferLogLen),
				OpenEpochs:       int64(st.OpenEpochs),
				InflightRequests: st.Inflight,
			}
		})
		if err != nil {
			d.monitor.stop()
			return nil, err
		}
	}
	return d, nil
}

// ApplyEvent applies ev to req. The replication link reports the outcome
// of a send with it.
func (d *Device) ApplyEvent(req *Request, ev Event) {
	if req == nil {
		return
	}
	var eff effects
	d.mu.Lock()
	d.applyEvent(req, ev, &eff)
	d.mu.Unlock()
	d.runEffects(&eff)
}

// applyEventByID applies ev to the live request identified by id. Answers
// of the peer address requests by their identifiers because the request
// may already have been destroyed, for instance, by a connection loss
// sweep.
func (d *Device) applyEventByID(id types.RequestID, ev Event, prepare func(req *Request)) error {
	var eff effects
	d.mu.Lock()
	req, ok := d.requests[id]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("event for unknown request", zap.Uint64("id", uint64(id)), zap.Stringer("event", ev))
		return fmt.Errorf("device: %s: id %d: %w", ev, id, verrors.ErrUnknownRequest)
	}
	if prepare != nil {
		prepare(req)
	}
	d.applyEvent(req, ev, &eff)
	d.mu.Unlock()
	d.runEffects(&eff)
	return nil
}

// PeerWriteAck reports that the peer has the write identified by id. If
// inSync is true, the range is in sync on both sides.
func (d *Device) PeerWriteAck(id types.RequestID, inSync bool) error {
	ev := EventAckedByPeer
	if inSync {
		ev = EventAckedByPeerInSync
	}
	return d.applyEventByID(id, ev, nil)
}

// PeerNegAck reports that the peer failed the request identified by id.
func (d *Device) PeerNegAck(id types.RequestID) error {
	return d.applyEventByID(id, EventNegativeAckByPeer, nil)
}

// PeerPostpone reports that the peer asked to retry the write identified
// by id later.
func (d *Device) PeerPostpone(id types.RequestID) error {
	return d.applyEventByID(id, EventPostponeWrite, nil)
}

// PeerReadReply delivers the data the peer read for the read identified
// by id.
func (d *Device) PeerReadReply(id types.RequestID, data []byte) error {
	return d.applyEventByID(id, EventDataReceivedForRemoteRead, func(req *Request) {
		if req.dir.IsRead() && req.net.Pending {
			copy(req.data[:req.size], data)
		}
	})
}

// BarrierAck applies the ack of a barrier to every write of the oldest
// epoch. The barrier must close the oldest epoch, and setSize must match
// the number of writes in it. Otherwise the peer violated the protocol, and
// the connection is broken.
func (d *Device) BarrierAck(number types.EpochNumber, setSize int) error {
	var eff effects
	d.mu.Lock()
	ep := d.epochs.oldest()
	if ep == nil || !ep.closed || ep.number != number || ep.writes != setSize {
		d.anomalies++
		if ep != nil {
			d.logger.Error("protocol anomaly: unexpected barrier ack",
				zap.Stringer("event", EventBarrierAcked),
				zap.Uint64("barrier", uint64(number)),
				zap.Int("set_size", setSize),
				zap.Uint64("oldest_epoch", uint64(ep.number)),
				zap.Int("oldest_writes", ep.writes),
				zap.Bool("oldest_closed", ep.closed),
			)
		} else {
			d.logger.Error("protocol anomaly: barrier ack without epoch",
				zap.Stringer("event", EventBarrierAcked),
				zap.Uint64("barrier", uint64(number)),
			)
		}
		d.cfg.metrics.AddAnomaly(context.Background(), EventBarrierAcked.String())
		eff.transitions = append(eff.transitions, TransitionProtocolError)
		d.mu.Unlock()
		d.runEffects(&eff)
		return fmt.Errorf("device: barrier %d, set size %d: %w", number, setSize, verrors.ErrProtocol)
	}

	forEach(d.tl.live, func(req *Request) bool {
		if req.epoch == nil || req.epoch.number < ep.number {
			return true
		}
		if req.epoch != ep {
			return false
		}
		d.applyEvent(req, EventBarrierAcked, &eff)
		return true
	})
	d.epochs.releaseOldest()
	d.pendingPeerAcks--
	d.pendingBarriers--
	d.mu.Unlock()

	d.runEffects(&eff)
	return nil
}

// CloseEpoch queues the barrier of the current epoch if it has writes. The
// replication link calls it when it has nothing left to send, so that
// writes of a partially filled epoch are not kept waiting for their
// barrier.
func (d *Device) CloseEpoch() {
	d.mu.Lock()
	d.queueBarrier()
	d.mu.Unlock()
}

// OnConnectionLost applies EventConnectionLostWhilePending to every request
// of the transfer log, oldest first, and forgets every epoch. Requests that
// still wait for their queued work item or local I/O are set aside until
// then.
func (d *Device) OnConnectionLost() {
	var eff effects
	d.mu.Lock()
	sweep := func(req *Request) bool {
		id := req.id
		d.applyEvent(req, EventConnectionLostWhilePending, &eff)
		// req may be back in the pool.
		if _, ok := d.requests[id]; ok {
			d.tl.moveAside(req)
		}
		return true
	}
	forEach(d.tl.aside, sweep)
	forEach(d.tl.live, sweep)
	d.pendingPeerAcks -= d.pendingBarriers
	d.pendingBarriers = 0
	d.epochs.reset()
	d.mu.Unlock()

	d.logger.Info("connection lost", zap.Int("completed", len(eff.completions)))
	d.runEffects(&eff)
}

// RestartFrozenIO resubmits the local I/O of requests whose local leg
// failed while their callers still wait. It does nothing for a request if
// the local disk is detached. Callers that attach the local disk again use
// it to give those requests a second chance.
func (d *Device) RestartFrozenIO() {
	var eff effects
	d.mu.Lock()
	restart := func(req *Request) bool {
		if !req.completed && (req.local == LocalCompletedError || req.local == LocalCompleted) {
			d.applyEvent(req, EventRestartFrozenIO, &eff)
		}
		return true
	}
	forEach(d.tl.live, restart)
	forEach(d.tl.aside, restart)
	d.mu.Unlock()
	d.runEffects(&eff)
}

// AbortLocalIO gives up waiting for every pending local I/O. The local
// legs count as failed, and completions arriving later are dropped. It is
// meant for a local disk whose I/O will never complete. A LocalStore that
// still runs queued I/O after detaching does not need it.
func (d *Device) AbortLocalIO() {
	var eff effects
	d.mu.Lock()
	for _, req := range d.requests {
		if req.local == LocalPending {
			d.applyEvent(req, EventAbortLocalIO, &eff)
		}
	}
	d.mu.Unlock()
	d.runEffects(&eff)
}

func (d *Device) submitLocal(lio localIO) {
	err := d.cfg.localStore.Submit(lio.sector, lio.size, lio.dir, lio.data, func(err error) {
		d.localDone(lio.id, err)
	})
	if err != nil {
		d.localDone(lio.id, err)
	}
}

// localDone is the completion of a local I/O. A completion for a request
// that is gone, for instance because its local I/O was aborted, is
// dropped.
func (d *Device) localDone(id types.RequestID, err error) {
	var eff effects
	d.mu.Lock()
	req, ok := d.requests[id]
	if !ok || req.local != LocalPending {
		d.mu.Unlock()
		d.logger.Debug("stale local completion", zap.Uint64("id", uint64(id)), zap.Error(err))
		return
	}
	ev := EventLocalCompletedOK
	if err != nil {
		req.localErr = err
		switch req.dir {
		case types.DirectionRead:
			ev = EventRemoteReadFailed
		case types.DirectionReadAhead:
			ev = EventLocalReadAheadFailed
		default:
			ev = EventLocalCompletedWithError
		}
	}
	d.applyEvent(req, ev, &eff)
	d.mu.Unlock()
	d.runEffects(&eff)
}

// Stats is a snapshot of the bookkeeping of a Device.
type Stats struct {
	Inflight int64
	// PendingPeerAcks is the number of requests and barriers the peer is
	// expected to answer.
	PendingPeerAcks int
	PendingBarriers int
	TransferLogLen  int
	SetAside        int
	OpenEpochs      int
	CurrentEpoch    types.EpochNumber
	BarrierQueued   bool
	WriteIndexLen   int
	ReadIndexLen    int
	Anomalies       int64
	Timeouts        int64
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Inflight:        d.inflight.Load(),
		PendingPeerAcks: d.pendingPeerAcks,
		PendingBarriers: d.pendingBarriers,
		TransferLogLen:  d.tl.live.Len(),
		SetAside:        d.tl.aside.Len(),
		OpenEpochs:      d.epochs.len(),
		CurrentEpoch:    d.epochs.current.number,
		BarrierQueued:   d.epochs.barrierQueued,
		WriteIndexLen:   d.writes.Len(),
		ReadIndexLen:    d.reads.Len(),
		Anomalies:       d.anomalies,
		Timeouts:        d.timeouts,
	}
}

// Close stops the timeout monitor. Submit fails with ErrClosed afterward.
// Requests in flight are still resolved by their events.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.monitor.stop()
	return d.cfg.metrics.Unregister()
}
