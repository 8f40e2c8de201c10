// Package telemetry wraps OpenTelemetry SDK initialization, providing the
// centrally configured TracerProvider and MeterProvider for StepFlow. When
// telemetry is disabled, noop implementations are used and no external
// service is contacted.
package telemetry
