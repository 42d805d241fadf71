// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the strata framework.
package telemetry
