// Package observability provides an OpenTelemetry-based metrics
// extension for notify. The MetricsExtension implements lifecycle hooks
// to record counters for job creation, completion, failure, retry,
// digest merges, DLQ entries, digest window activity, and per-channel
// delivery outcomes.
//
// For per-execution tracing and timing, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
