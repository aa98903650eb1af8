// Package progress carries the events emitted while URLs are probed and
// reports are delivered. A Hub buffers events without blocking the emitter and
// hands them in batches to sinks such as structured logs or Prometheus.
package progress
