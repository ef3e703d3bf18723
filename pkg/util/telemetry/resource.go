package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const serviceNamespace = "replblk"

// NewResource describes the process exporting metrics. Attributes given by
// OTEL_RESOURCE_ATTRIBUTES are merged in.
func NewResource(ctx context.Context, serviceName, serviceInstanceID string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceNamespace(serviceNamespace),
			semconv.ServiceInstanceID(serviceInstanceID),
		),
	)
}
