// Package telemetry carries the relay's observability plumbing: a
// Prometheus registry per process for session, matching, anchoring, pool
// and resolver counters, and the OTLP tracer bootstrap used around
// broker matches and getaway acquisition.
package telemetry
