// Package replication sends the work items of a replicated device to its
// peer and delivers the answers of the peer back to the device.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/pkg/util/runner"
	"github.com/kakao/replblk/pkg/verrors"
)

// Device is the part of a device the link reports to.
type Device interface {
	ApplyEvent(req *device.Request, ev device.Event)
	CloseEpoch()
}

var _ Device = (*device.Device)(nil)

// Link implements device.ReplicationLink. Work items are sent in the order
// they are queued by a single sender goroutine.
type Link struct {
	config

	mu        sync.Mutex
	queue     []device.Work
	congested bool
	dev       Device

	notifyC chan struct{}
	runner  *runner.Runner

	sent     [device.WorkSendBarrier + 1]atomic.Int64
	failed   atomic.Int64
	canceled atomic.Int64
}

var _ device.ReplicationLink = (*Link)(nil)

func NewLink(opts ...Option) (*Link, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Link{
		config:  cfg,
		notifyC: make(chan struct{}, 1),
		runner:  runner.New("link", cfg.logger),
	}, nil
}

// Bind sets the device the link reports to. It must be called once,
// before Start.
func (l *Link) Bind(dev Device) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev != nil {
		return errors.New("link: already bound")
	}
	l.dev = dev
	return nil
}

// Start starts sending to the peer. Work items queued before Start are
// kept.
func (l *Link) Start() error {
	l.mu.Lock()
	bound := l.dev != nil
	l.mu.Unlock()
	if !bound {
		return errors.New("link: not bound")
	}
	if _, err := l.runner.Run(l.sendLoop); err != nil {
		return fmt.Errorf("link: %w", verrors.ErrClosed)
	}
	return nil
}

// Enqueue appends w to the queue. It never blocks.
func (l *Link) Enqueue(w device.Work) {
	l.mu.Lock()
	l.queue = append(l.queue, w)
	if l.congestionThreshold > 0 && !l.congested && len(l.queue) > l.congestionThreshold {
		l.congested = true
		l.logger.Info("congested", zap.Int("queued", len(l.queue)))
		if l.onCongestion != nil {
			l.onCongestion(true)
		}
	}
	l.mu.Unlock()
	l.notify()
}

func (l *Link) Unplug() {
	l.notify()
}

func (l *Link) notify() {
	select {
	case l.notifyC <- struct{}{}:
	default:
	}
}

func (l *Link) pop() (device.Work, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return device.Work{}, false
	}
	w := l.queue[0]
	l.queue[0] = device.Work{}
	l.queue = l.queue[1:]
	if len(l.queue) == 0 {
		l.queue = nil
		l.uncongestLocked()
	}
	return w, true
}

func (l *Link) uncongestLocked() {
	if !l.congested {
		return
	}
	l.congested = false
	l.logger.Info("congestion cleared")
	if l.onCongestion != nil {
		l.onCongestion(false)
	}
}

func (l *Link) sendLoop(ctx context.Context) {
	l.mu.Lock()
	dev := l.dev
	l.mu.Unlock()

	// sentData is set once data is sent under an epoch not closed yet.
	sentData := false
	for {
		w, ok := l.pop()
		if !ok {
			if sentData {
				sentData = false
				dev.CloseEpoch()
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-l.notifyC:
			}
			continue
		}

		switch w.Kind {
		case device.WorkSendData:
			sentData = true
		case device.WorkSendBarrier:
			sentData = false
		}
		l.send(ctx, dev, w)
	}
}

func (l *Link) send(ctx context.Context, dev Device, w device.Work) {
	msg, err := newMessage(w, l.cluster.CurrentPolicy().Durability)
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, l.sendTimeout)
		err = l.transport.Send(sctx, msg)
		cancel()
	}

	if err != nil {
		l.failed.Add(1)
		l.logger.Warn("could not send", zap.Stringer("kind", w.Kind), zap.Error(err))
		if w.Request != nil {
			dev.ApplyEvent(w.Request, device.EventSendFailedOrCanceled)
		}
		if l.onSendError != nil {
			l.onSendError(err)
		}
		return
	}

	l.sent[w.Kind].Add(1)
	if w.Request != nil {
		dev.ApplyEvent(w.Request, device.EventHandedToNetwork)
	}
}

// CancelQueued cancels every queued work item. It is called when the
// connection is lost.
func (l *Link) CancelQueued() int {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.uncongestLocked()
	dev := l.dev
	l.mu.Unlock()

	for _, w := range queue {
		l.canceled.Add(1)
		if w.Request != nil && dev != nil {
			dev.ApplyEvent(w.Request, device.EventSendFailedOrCanceled)
		}
	}
	if len(queue) > 0 {
		l.logger.Info("canceled queued work", zap.Int("count", len(queue)))
	}
	return len(queue)
}

// LinkStats is a snapshot of the link counters.
type LinkStats struct {
	Queued       int
	Congested    bool
	SentData     int64
	SentRead     int64
	SentOOS      int64
	SentBarriers int64
	Failed       int64
	Canceled     int64
}

func (l *Link) Stats() LinkStats {
	l.mu.Lock()
	queued, congested := len(l.queue), l.congested
	l.mu.Unlock()
	return LinkStats{
		Queued:       queued,
		Congested:    congested,
		SentData:     l.sent[device.WorkSendData].Load(),
		SentRead:     l.sent[device.WorkSendRead].Load(),
		SentOOS:      l.sent[device.WorkSendOutOfSync].Load(),
		SentBarriers: l.sent[device.WorkSendBarrier].Load(),
		Failed:       l.failed.Load(),
		Canceled:     l.canceled.Load(),
	}
}

// Close stops the sender and cancels the work items left. The link cannot
// be started again.
func (l *Link) Close() error {
	l.runner.Stop()
	l.CancelQueued()
	return nil
}
