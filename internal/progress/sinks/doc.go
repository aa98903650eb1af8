// Package sinks implements progress consumers: structured logging and
// Prometheus metrics. Each sink satisfies progress.Sink.
package sinks
