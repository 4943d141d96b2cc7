package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// GetMeterProvider returns the globally registered meter provider. It is the
// provider installed by InitTelemetry once telemetry has been initialized.
func GetMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}
