package telemetry

import (
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type meterProviderConfig struct {
	resource *resource.Resource
	exporter metricsdk.Exporter
	interval time.Duration

	hostInstrumentation bool

	runtimeInstrumentation     bool
	runtimeInstrumentationOpts []runtime.Option
}

func newMeterProviderConfig(opts []MeterProviderOption) meterProviderConfig {
	cfg := meterProviderConfig{
		resource: resource.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (cfg meterProviderConfig) readerOptions() []metricsdk.PeriodicReaderOption {
	if cfg.interval <= 0 {
		return nil
	}
	return []metricsdk.PeriodicReaderOption{metricsdk.WithInterval(cfg.interval)}
}

// MeterProviderOption applies a value to the configuration of a meter
// provider.
type MeterProviderOption func(*meterProviderConfig)

// WithResource sets the Resource of a MeterProvider.
func WithResource(resource *resource.Resource) MeterProviderOption {
	return func(cfg *meterProviderConfig) {
		cfg.resource = resource
	}
}

// WithExporter sets the exporter. A nil exporter results in a noop meter
// provider.
func WithExporter(exporter metricsdk.Exporter) MeterProviderOption {
	return func(cfg *meterProviderConfig) {
		cfg.exporter = exporter
	}
}

// WithExportInterval sets the interval between two periodic exports. Zero
// uses the default of the SDK.
func WithExportInterval(interval time.Duration) MeterProviderOption {
	return func(cfg *meterProviderConfig) {
		cfg.interval = interval
	}
}

// WithHostInstrumentation enables host instrumentation.
func WithHostInstrumentation() MeterProviderOption {
	return func(cfg *meterProviderConfig) {
		cfg.hostInstrumentation = true
	}
}

// WithRuntimeInstrumentation enables runtime instrumentation.
func WithRuntimeInstrumentation(opts ...runtime.Option) MeterProviderOption {
	return func(cfg *meterProviderConfig) {
		cfg.runtimeInstrumentation = true
		cfg.runtimeInstrumentationOpts = opts
	}
}
