// Package telemetry defines the metrics measured by a replicated block
// device.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kakao/replblk/pkg/types"
)

const (
	directionKey = attribute.Key("replblk.direction")
	outcomeKey   = attribute.Key("replblk.outcome")
	eventKey     = attribute.Key("replblk.event")

	outcomeOK    = "ok"
	outcomeError = "error"
)

// Gauges is a snapshot of the device state reported by asynchronous
// instruments.
type Gauges struct {
	PendingPeerAcks  int64
	TransferLogLen   int64
	OpenEpochs       int64
	InflightRequests int64
}

// Metrics is a set of instruments measured in a device. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// requests counts requests completed to their callers.
	//
	// Attributes:
	//   - replblk.direction
	//   - replblk.outcome
	requests metric.Int64Counter

	// requestDuration measures the time from submission to completion of
	// a request in microseconds.
	requestDuration metric.Int64Histogram

	// localBytes counts bytes read from or written to the local disk.
	localBytes metric.Int64Counter

	// anomalies counts events dropped because they were illegal in the
	// state of the request.
	anomalies metric.Int64Counter

	// timeouts counts requests that timed out waiting for the peer.
	timeouts metric.Int64Counter

	// attribute sets indexed by direction and outcome
	requestAttrs   [3][2]metric.MeasurementOption
	directionAttrs [3]metric.MeasurementOption

	meter metric.Meter
	reg   metric.Registration
}

func RegisterMetrics(meter metric.Meter) (m *Metrics, err error) {
	m = &Metrics{meter: meter}

	m.requests, err = meter.Int64Counter(
		"replblk.requests",
		metric.WithDescription("Number of requests completed to the callers."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	var boundaries []float64
	// 50us, 100us, ..., 1000us
	for dur := 50 * time.Microsecond; dur <= time.Millisecond; dur += 50 * time.Microsecond {
		boundaries = append(boundaries, float64(dur.Microseconds()))
	}
	// 2ms, 4ms, ..., 100ms
	for dur := 2 * time.Millisecond; dur <= 100*time.Millisecond; dur += 2 * time.Millisecond {
		boundaries = append(boundaries, float64(dur.Microseconds()))
	}
	// 200ms, 300ms, ..., 3000ms
	for dur := 200 * time.Millisecond; dur <= 3*time.Second; dur += 100 * time.Millisecond {
		boundaries = append(boundaries, float64(dur.Microseconds()))
	}
	m.requestDuration, err = meter.Int64Histogram(
		"replblk.request.duration",
		metric.WithDescription("Time spent from submission to completion of a request in microseconds."),
		metric.WithUnit("us"),
		metric.WithExplicitBucketBoundaries(boundaries...),
	)
	if err != nil {
		return nil, err
	}

	m.localBytes, err = meter.Int64Counter(
		"replblk.local.bytes",
		metric.WithDescription("Bytes transferred to or from the local disk."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.anomalies, err = meter.Int64Counter(
		"replblk.protocol_anomalies",
		metric.WithDescription("Number of events dropped because they were illegal in the state of the request."),
	)
	if err != nil {
		return nil, err
	}

	m.timeouts, err = meter.Int64Counter(
		"replblk.request.timeouts",
		metric.WithDescription("Number of times the oldest request waited for the peer longer than the deadline."),
	)
	if err != nil {
		return nil, err
	}

	for _, dir := range []types.Direction{types.DirectionRead, types.DirectionReadAhead, types.DirectionWrite} {
		m.directionAttrs[dir] = metric.WithAttributeSet(attribute.NewSet(directionKey.String(dir.String())))
		for i, outcome := range []string{outcomeOK, outcomeError} {
			m.requestAttrs[dir][i] = metric.WithAttributeSet(attribute.NewSet(
				directionKey.String(dir.String()),
				outcomeKey.String(outcome),
			))
		}
	}
	return m, nil
}

// ObserveGauges registers asynchronous instruments reading the device state
// through f. It can be called only once.
func (m *Metrics) ObserveGauges(f func() Gauges) error {
	if m == nil {
		return nil
	}
	if m.reg != nil {
		return errors.New("telemetry: gauges already observed")
	}
	pendingAcks, err := m.meter.Int64ObservableGauge(
		"replblk.peer.pending_acks",
		metric.WithDescription("Number of requests and barriers waiting for an acknowledgement of the peer."),
	)
	if err != nil {
		return err
	}
	tlLen, err := m.meter.Int64ObservableGauge(
		"replblk.transfer_log.length",
		metric.WithDescription("Number of requests in the transfer log."),
	)
	if err != nil {
		return err
	}
	epochs, err := m.meter.Int64ObservableGauge(
		"replblk.transfer_log.epochs",
		metric.WithDescription("Number of epochs not yet acknowledged by a barrier."),
	)
	if err != nil {
		return err
	}
	inflight, err := m.meter.Int64ObservableGauge(
		"replblk.requests.inflight",
		metric.WithDescription("Number of requests not yet retired."),
	)
	if err != nil {
		return err
	}
	m.reg, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		g := f()
		o.ObserveInt64(pendingAcks, g.PendingPeerAcks)
		o.ObserveInt64(tlLen, g.TransferLogLen)
		o.ObserveInt64(epochs, g.OpenEpochs)
		o.ObserveInt64(inflight, g.InflightRequests)
		return nil
	}, pendingAcks, tlLen, epochs, inflight)
	return err
}

// RecordCompletion records a request completed to its caller.
func (m *Metrics) RecordCompletion(ctx context.Context, dir types.Direction, err error, duration time.Duration) {
	if m == nil || int(dir) >= len(m.requestAttrs) {
		return
	}
	outcome := 0
	if err != nil {
		outcome = 1
	}
	m.requests.Add(ctx, 1, m.requestAttrs[dir][outcome])
	m.requestDuration.Record(ctx, duration.Microseconds(), m.directionAttrs[dir])
}

// AddLocalBytes counts bytes transferred to or from the local disk.
func (m *Metrics) AddLocalBytes(ctx context.Context, dir types.Direction, n int64) {
	if m == nil || int(dir) >= len(m.directionAttrs) {
		return
	}
	m.localBytes.Add(ctx, n, m.directionAttrs[dir])
}

// AddAnomaly counts an event dropped as a protocol anomaly.
func (m *Metrics) AddAnomaly(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.anomalies.Add(ctx, 1, metric.WithAttributes(eventKey.String(event)))
}

// AddTimeout counts a request timeout.
func (m *Metrics) AddTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.timeouts.Add(ctx, 1)
}

// Unregister removes the asynchronous instruments.
func (m *Metrics) Unregister() error {
	if m == nil || m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}
