// Package telemetry emits one discrete event per finished execution.
//
// Sinks receive the language, terminal reason, wall time and slot wait of
// every execution. LogSink writes them through zap, PrometheusSink records
// them as counters and histograms, and Multi fans an event out to several
// sinks.
package telemetry
