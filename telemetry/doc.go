// Package telemetry carries the engine's audit trail.
//
// Every state transition and termination decision is emitted as an Event
// to a Sink. The ZapSink writes events as structured log lines, Metrics
// maps them onto Prometheus series, and Multi fans out to both.
package telemetry
