package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/host"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
)

// StopMeterProvider flushes the last measurements, and then stops the meter
// provider and its exporter.
type StopMeterProvider func(context.Context) error

// NewMeterProvider returns a meter provider exporting periodically through
// the configured exporter. Without an exporter, it returns a no-op provider
// whose stop function does nothing.
func NewMeterProvider(opts ...MeterProviderOption) (metric.MeterProvider, StopMeterProvider, error) {
	cfg := newMeterProviderConfig(opts)
	if cfg.exporter == nil {
		return noopmetric.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	reader := metricsdk.NewPeriodicReader(cfg.exporter, cfg.readerOptions()...)
	mp := metricsdk.NewMeterProvider(
		metricsdk.WithResource(cfg.resource),
		metricsdk.WithReader(reader),
	)
	stop := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), cfg.exporter.Shutdown(ctx))
	}

	if err := startInstrumentation(mp, cfg); err != nil {
		return nil, nil, errors.Join(err, stop(context.Background()))
	}
	return mp, stop, nil
}

// startInstrumentation registers the host and Go runtime instruments of
// the process on mp.
func startInstrumentation(mp metric.MeterProvider, cfg meterProviderConfig) error {
	if cfg.hostInstrumentation {
		if err := host.Start(host.WithMeterProvider(mp)); err != nil {
			return fmt.Errorf("telemetry: host instrumentation: %w", err)
		}
	}
	if cfg.runtimeInstrumentation {
		opts := append([]runtime.Option{runtime.WithMeterProvider(mp)}, cfg.runtimeInstrumentationOpts...)
		if err := runtime.Start(opts...); err != nil {
			return fmt.Errorf("telemetry: runtime instrumentation: %w", err)
		}
	}
	return nil
}

// SetGlobalMeterProvider makes mp the provider returned by otel.Meter.
func SetGlobalMeterProvider(mp metric.MeterProvider) {
	otel.SetMeterProvider(mp)
}
