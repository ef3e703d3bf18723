package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kakao/replblk/pkg/util/runner"
)

// timeoutMonitor watches the oldest request of the transfer log. If the
// request waits for the peer longer than the deadline, it asks the cluster
// state to break the connection. It parks while the transfer log is empty
// and is kicked when a request is appended.
type timeoutMonitor struct {
	d        *Device
	deadline time.Duration
	kickC    chan struct{}
	runner   *runner.Runner
	logger   *zap.Logger
}

func newTimeoutMonitor(d *Device) (*timeoutMonitor, error) {
	tm := &timeoutMonitor{
		d:        d,
		deadline: d.cfg.deadline(),
		kickC:    make(chan struct{}, 1),
		logger:   d.logger.Named("timeout monitor"),
	}
	if tm.deadline <= 0 {
		return tm, nil
	}
	tm.runner = runner.New("timeout monitor", tm.logger)
	if _, err := tm.runner.Run(tm.run); err != nil {
		tm.runner.Stop()
		return nil, err
	}
	return tm, nil
}

// kick wakes up a parked monitor. It never blocks.
func (tm *timeoutMonitor) kick() {
	select {
	case tm.kickC <- struct{}{}:
	default:
	}
}

func (tm *timeoutMonitor) stop() {
	if tm.runner != nil {
		tm.runner.Stop()
	}
}

func (tm *timeoutMonitor) run(ctx context.Context) {
	timer := time.NewTimer(tm.deadline)
	defer timer.Stop()
	parked := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.kickC:
			if !parked {
				continue
			}
		case <-timer.C:
		}

		wait, expired := tm.check(time.Now())
		if expired {
			tm.d.cfg.metrics.AddTimeout(ctx)
			tm.d.cfg.cluster.RequestTransition(TransitionTimeout)
		}
		parked = wait == 0
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !parked {
			timer.Reset(wait)
		}
	}
}

// check inspects the oldest request of the transfer log. It returns how
// long to wait before the next check, or zero if the transfer log is empty,
// and whether the oldest request timed out waiting for the peer.
func (tm *timeoutMonitor) check(now time.Time) (wait time.Duration, expired bool) {
	d := tm.d
	d.mu.Lock()
	defer d.mu.Unlock()

	oldest := d.tl.oldest()
	if oldest == nil {
		return 0, false
	}
	age := now.Sub(oldest.start)
	if age < tm.deadline {
		return tm.deadline - age, false
	}
	if !oldest.net.Pending {
		// The local disk is slow, which is not a matter of the connection.
		if ce := tm.logger.Check(zap.DebugLevel, "oldest request stalled locally"); ce != nil {
			ce.Write(zap.Stringer("request", oldest), zap.Duration("age", age))
		}
		return tm.deadline, false
	}
	d.timeouts++
	tm.logger.Warn("remote request timed out",
		zap.Stringer("request", oldest),
		zap.Duration("age", age),
		zap.Duration("deadline", tm.deadline),
	)
	return tm.deadline, true
}
