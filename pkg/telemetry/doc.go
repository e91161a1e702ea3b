// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the synchronization engine.
package telemetry
