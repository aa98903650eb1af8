// Package reporter runs the periodic link-check cycle and delivers the
// findings to every subscribed destination.
//
// A cycle snapshots the monitor set, classifies it through the dispatcher,
// splits the results into flagged and ok buckets, then sends a summary
// followed by paced batches. Only one cycle runs at a time; a cycle requested
// while another is running is skipped.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkguard/internal/clock/system"
	"github.com/JakeFAU/linkguard/internal/linkcheck"
	"github.com/JakeFAU/linkguard/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/linkguard/internal/reporter")

// ErrCycleInProgress is returned by RunCycle when another cycle is running.
var ErrCycleInProgress = errors.New("report cycle already in progress")

// Defaults applied by New when Config leaves a field unset.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultBatchSize   = 30
	DefaultOKListLimit = 20
)

// Dispatcher classifies a batch of URLs.
type Dispatcher interface {
	ClassifyAll(ctx context.Context, urls []string, limit int) []linkcheck.Classification
}

// Config controls scheduling and delivery.
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	// Concurrency is the per-cycle fan-out handed to the dispatcher.
	Concurrency int
	BatchSize   int
	// OKListLimit is the largest ok list that is still delivered.
	OKListLimit int
}

// Deps bundles the collaborators a Reporter needs.
type Deps struct {
	Monitors     linkcheck.MonitorSet
	Destinations linkcheck.DestinationSource
	Dispatcher   Dispatcher
	Sink         linkcheck.Sink
	Pacer        linkcheck.Pacer
	IDs          linkcheck.IDGenerator
	Clock        linkcheck.Clock
	Emitter      progress.Emitter
	Logger       *zap.Logger
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID         string                    `json:"id"`
	StartedAt  time.Time                 `json:"started_at"`
	Duration   time.Duration             `json:"duration"`
	Checked    int                       `json:"checked"`
	Counts     map[linkcheck.Outcome]int `json:"counts"`
	Flagged    int                       `json:"flagged"`
	OK         int                       `json:"ok"`
	OKListSent bool                      `json:"ok_list_sent"`
	Messages   int                       `json:"messages"`
	Failures   int                       `json:"failures"`
	// Empty marks cycles that found nothing to check and sent nothing.
	Empty bool `json:"empty"`
}

// Reporter owns the cycle state machine.
type Reporter struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	running atomic.Bool

	mu   sync.RWMutex
	last *CycleReport
}

type noPacing struct{}

func (noPacing) Wait(ctx context.Context) error { return ctx.Err() }

// New validates deps and builds a Reporter.
func New(cfg Config, deps Deps) (*Reporter, error) {
	switch {
	case deps.Monitors == nil:
		return nil, errors.New("monitor set is required")
	case deps.Destinations == nil:
		return nil, errors.New("destination source is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Sink == nil:
		return nil, errors.New("notification sink is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.OKListLimit <= 0 {
		cfg.OKListLimit = DefaultOKListLimit
	}
	if deps.Pacer == nil {
		deps.Pacer = noPacing{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Reporter{cfg: cfg, deps: deps, logger: deps.Logger.Named("reporter")}, nil
}

// Running reports whether a cycle is in progress.
func (r *Reporter) Running() bool {
	return r.running.Load()
}

// LastReport returns the most recent completed non-empty cycle.
func (r *Reporter) LastReport() (CycleReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return CycleReport{}, false
	}
	return *r.last, true
}

func (r *Reporter) remember(report CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &report
}

// Run waits for the initial delay, then runs a cycle every interval until ctx
// is done.
func (r *Reporter) Run(ctx context.Context) error {
	if r.cfg.InitialDelay > 0 {
		timer := time.NewTimer(r.cfg.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.scheduled(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.scheduled(ctx)
		}
	}
}

func (r *Reporter) scheduled(ctx context.Context) {
	report, err := r.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		r.logger.Info("cycle skipped, previous cycle still running")
	case err != nil:
		r.logger.Warn("cycle ended early", zap.String("cycle_id", report.ID), zap.Error(err))
	}
}

// RunCycle executes one cycle. It returns ErrCycleInProgress without doing
// any work when another cycle holds the running flag.
func (r *Reporter) RunCycle(ctx context.Context) (CycleReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.deps.Emitter.Emit(progress.Event{TS: r.now(), Stage: progress.StageCycleSkipped})
		return CycleReport{}, ErrCycleInProgress
	}
	defer r.running.Store(false)

	id, err := r.deps.IDs.NewID()
	if err != nil {
		return CycleReport{}, fmt.Errorf("generate cycle id: %w", err)
	}
	cycleID := progress.ParseCycleID(id)
	ctx = progress.WithCycleID(ctx, cycleID)
	ctx, span := tracer.Start(ctx, "linkguard.cycle", trace.WithAttributes(attribute.String("linkguard.cycle_id", id)))
	defer span.End()

	report := CycleReport{
		ID:        id,
		StartedAt: r.deps.Clock.Now().UTC(),
		Counts:    make(map[linkcheck.Outcome]int),
	}
	logger := r.logger.With(zap.String("cycle_id", id))

	urls, err := r.deps.Monitors.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("snapshot monitor set: %w", err)
	}
	urls = linkcheck.Dedupe(urls)
	if len(urls) == 0 {
		report.Empty = true
		logger.Debug("monitor set empty, nothing to report")
		return report, nil
	}

	r.deps.Emitter.Emit(progress.Event{CycleID: cycleID, TS: r.now(), Stage: progress.StageCycleStart, Count: len(urls)})
	logger.Info("cycle started", zap.Int("urls", len(urls)))

	results := r.deps.Dispatcher.ClassifyAll(ctx, urls, r.cfg.Concurrency)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Unresolved URLs come back as canceled errors, not findings.
		report.Duration = r.deps.Clock.Now().UTC().Sub(report.StartedAt)
		r.deps.Emitter.Emit(progress.Event{
			CycleID: cycleID,
			TS:      r.now(),
			Stage:   progress.StageCycleDone,
			Dur:     report.Duration,
			Note:    "canceled before delivery",
		})
		logger.Warn("cycle canceled before delivery", zap.Int("urls", len(urls)), zap.Error(ctxErr))
		span.RecordError(ctxErr)
		return report, fmt.Errorf("classify monitor set: %w", ctxErr)
	}
	flagged, ok := partition(results, report.Counts)
	report.Checked = len(results)
	report.Flagged = len(flagged)
	report.OK = len(ok)

	span.SetAttributes(
		attribute.Int("linkguard.checked", report.Checked),
		attribute.Int("linkguard.flagged", report.Flagged),
	)

	err = r.deliver(ctx, cycleID, &report, flagged, ok)
	if err != nil {
		span.RecordError(err)
	}

	report.Duration = r.deps.Clock.Now().UTC().Sub(report.StartedAt)
	r.deps.Emitter.Emit(progress.Event{
		CycleID: cycleID,
		TS:      r.now(),
		Stage:   progress.StageCycleDone,
		Count:   report.Checked,
		Dur:     report.Duration,
	})
	logger.Info("cycle finished",
		zap.Int("checked", report.Checked),
		zap.Int("flagged", report.Flagged),
		zap.Int("ok", report.OK),
		zap.Int("messages", report.Messages),
		zap.Int("failures", report.Failures),
		zap.Duration("dur", report.Duration),
	)
	r.remember(report)
	return report, err
}

func (r *Reporter) deliver(
	ctx context.Context,
	cycleID [16]byte,
	report *CycleReport,
	flagged, ok []linkcheck.Classification,
) error {
	dests, err := r.deps.Destinations.Destinations(ctx)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	if len(dests) == 0 {
		return nil
	}

	summary := Summary(*report)
	for _, dest := range dests {
		r.send(ctx, cycleID, report, dest, summary, true, 0)
	}

	if err := r.sendBatches(ctx, cycleID, report, dests, flagged); err != nil {
		return err
	}
	if len(ok) == 0 || len(ok) > r.cfg.OKListLimit {
		return nil
	}
	report.OKListSent = true
	return r.sendBatches(ctx, cycleID, report, dests, ok)
}

func (r *Reporter) sendBatches(
	ctx context.Context,
	cycleID [16]byte,
	report *CycleReport,
	dests []string,
	items []linkcheck.Classification,
) error {
	for _, batch := range Batches(items, r.cfg.BatchSize) {
		if err := r.deps.Pacer.Wait(ctx); err != nil {
			return err
		}
		text := FormatBatch(batch)
		for _, dest := range dests {
			r.send(ctx, cycleID, report, dest, text, false, len(batch))
		}
	}
	return nil
}

// send delivers one message; failures are recorded and never propagated.
func (r *Reporter) send(
	ctx context.Context,
	cycleID [16]byte,
	report *CycleReport,
	dest, text string,
	header bool,
	lines int,
) {
	start := r.deps.Clock.Now()
	err := r.deps.Sink.Deliver(ctx, dest, text, header)
	evt := progress.Event{
		CycleID:     cycleID,
		TS:          r.now(),
		Stage:       progress.StageDeliveryDone,
		Destination: dest,
		Count:       lines,
		Dur:         max(r.deps.Clock.Now().Sub(start), 0),
	}
	if err != nil {
		report.Failures++
		evt.Stage = progress.StageDeliveryError
		evt.Note = err.Error()
		r.logger.Warn("delivery failed",
			zap.String("destination", dest),
			zap.Bool("header", header),
			zap.Error(err),
		)
	} else {
		report.Messages++
	}
	r.deps.Emitter.Emit(evt)
}

func (r *Reporter) now() time.Time {
	return r.deps.Clock.Now().UTC()
}

func partition(results []linkcheck.Classification, counts map[linkcheck.Outcome]int) (flagged, ok []linkcheck.Classification) {
	for _, res := range results {
		counts[res.Outcome]++
		switch {
		case res.Outcome.Flagged():
			flagged = append(flagged, res)
		case res.Outcome == linkcheck.OutcomeOK:
			ok = append(ok, res)
		}
	}
	return flagged, ok
}

// Batches splits items into consecutive chunks of at most size elements.
func Batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// FormatBatch renders one line per classification.
func FormatBatch(batch []linkcheck.Classification) string {
	lines := make([]string, len(batch))
	for i, c := range batch {
		lines[i] = c.String()
	}
	return strings.Join(lines, "\n")
}

// Summary renders the counts-only header message for a cycle.
func Summary(report CycleReport) string {
	c := report.Counts
	return fmt.Sprintf(
		"Link check: %d checked, %d flagged (guard %d, challenge %d, error %d), %d ok, %d redirect, %d unknown",
		report.Checked,
		report.Flagged,
		c[linkcheck.OutcomeGuard],
		c[linkcheck.OutcomeCloudflareChallenge],
		c[linkcheck.OutcomeError],
		report.OK,
		c[linkcheck.OutcomeRedirect],
		c[linkcheck.OutcomeUnknown],
	)
}
