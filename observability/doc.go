// Package observability provides an OpenTelemetry metrics extension for
// orchestra. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for runs, steps and abandoned tasks, and a
// histogram of step durations.
//
// For per-task tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
