package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/linkguard/internal/progress"
)

// PrometheusSink exports report-cycle, probe and delivery metrics.
type PrometheusSink struct {
	cyclesStarted   prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	cyclesRunning   prometheus.Gauge
	cycleRuntime    prometheus.Histogram
	cycleURLs       prometheus.Histogram

	probes        *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	deliveries *prometheus.CounterVec

	tracker *cycleTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkguard_cycles_started_total",
			Help: "Report cycles that started.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_cycles_completed_total",
			Help: "Report cycles that ended, partitioned by result.",
		}, []string{"result"}),
		cyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkguard_cycles_running",
			Help: "Report cycles currently running.",
		}),
		cycleRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkguard_cycle_runtime_seconds",
			Help:    "Wall time per completed report cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		cycleURLs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkguard_cycle_urls",
			Help:    "Distinct URLs checked per report cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_probes_total",
			Help: "Classifications produced, partitioned by outcome and source.",
		}, []string{"outcome", "source"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkguard_probe_duration_seconds",
			Help:    "Probe plus classification time for uncached URLs.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 15},
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkguard_deliveries_total",
			Help: "Messages handed to the notification sink, partitioned by result.",
		}, []string{"result"}),
		tracker: newCycleTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesCompleted,
		s.cyclesRunning,
		s.cycleRuntime,
		s.cycleURLs,
		s.probes,
		s.probeDuration,
		s.deliveries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart:
		s.cyclesStarted.Inc()
		if s.tracker.start(evt.CycleID) {
			s.cyclesRunning.Inc()
		}
	case progress.StageCycleDone:
		s.cyclesCompleted.WithLabelValues("done").Inc()
		s.cycleURLs.Observe(float64(evt.Count))
		if evt.Dur > 0 {
			s.cycleRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.CycleID) {
			s.cyclesRunning.Dec()
		}
	case progress.StageCycleSkipped:
		s.cyclesCompleted.WithLabelValues("skipped").Inc()
	case progress.StageProbeDone:
		s.handleProbe(evt)
	case progress.StageDeliveryDone:
		s.deliveries.WithLabelValues("ok").Inc()
	case progress.StageDeliveryError:
		s.deliveries.WithLabelValues("error").Inc()
	}
}

func (s *PrometheusSink) handleProbe(evt progress.Event) {
	source := "fresh"
	if evt.Cached {
		source = "cache"
	}
	s.probes.WithLabelValues(evt.Outcome, source).Inc()
	if !evt.Cached && evt.Dur > 0 {
		s.probeDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type cycleTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{running: make(map[[16]byte]struct{})}
}

func (t *cycleTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *cycleTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
