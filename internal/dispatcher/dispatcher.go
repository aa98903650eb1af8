// Package dispatcher classifies batches of URLs with bounded concurrency.
//
// Every URL is resolved through the result cache, then the prober, then the
// classifier. Two bounds apply: a per-call limit on how many URLs of one batch
// are in progress, and a process-wide cap on outbound probes shared by every
// caller. Cache hits never take a probe slot.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/linkguard/internal/cache"
	"github.com/JakeFAU/linkguard/internal/linkcheck"
	"github.com/JakeFAU/linkguard/internal/metrics"
	"github.com/JakeFAU/linkguard/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/linkguard/internal/dispatcher")

// DefaultMaxInFlight is used when Config leaves MaxInFlight unset.
const DefaultMaxInFlight = 10

// Memo is the result cache as seen by the dispatcher.
type Memo interface {
	GetOrCompute(ctx context.Context, url string, compute cache.ComputeFunc) (linkcheck.Classification, bool)
}

// Config bounds outbound work.
type Config struct {
	// MaxInFlight caps concurrent probes across all callers.
	MaxInFlight int
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithEmitter publishes a PROBE_DONE event per resolved URL.
func WithEmitter(emitter progress.Emitter) Option {
	return func(d *Dispatcher) {
		if emitter != nil {
			d.emitter = emitter
		}
	}
}

// Dispatcher fans classification work out under shared limits.
type Dispatcher struct {
	prober     linkcheck.Prober
	classifier linkcheck.Classifier
	memo       Memo
	slots      *semaphore.Weighted
	maxSlots   int
	emitter    progress.Emitter
	logger     *zap.Logger
}

// New creates a Dispatcher.
func New(
	prober linkcheck.Prober,
	classifier linkcheck.Classifier,
	memo Memo,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		prober:     prober,
		classifier: classifier,
		memo:       memo,
		slots:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		maxSlots:   cfg.MaxInFlight,
		emitter:    progress.Discard,
		logger:     logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClassifyAll resolves every distinct non-blank URL and returns one
// classification per URL in first-seen order. A failure on one URL never
// affects the others. limit <= 0 selects the global cap.
func (d *Dispatcher) ClassifyAll(ctx context.Context, urls []string, limit int) []linkcheck.Classification {
	urls = linkcheck.Dedupe(urls)
	out := make([]linkcheck.Classification, len(urls))

	g := new(errgroup.Group)
	g.SetLimit(d.limit(limit))
	for i, url := range urls {
		g.Go(func() error {
			out[i] = d.resolve(ctx, url)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ClassifyStream behaves like ClassifyAll but yields results as they complete.
// The channel is closed once every URL has been resolved.
func (d *Dispatcher) ClassifyStream(ctx context.Context, urls []string, limit int) <-chan linkcheck.Classification {
	urls = linkcheck.Dedupe(urls)
	results := make(chan linkcheck.Classification, len(urls))

	go func() {
		defer close(results)
		g := new(errgroup.Group)
		g.SetLimit(d.limit(limit))
		for _, url := range urls {
			g.Go(func() error {
				results <- d.resolve(ctx, url)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}

// Check classifies a single URL.
func (d *Dispatcher) Check(ctx context.Context, url string) linkcheck.Classification {
	results := d.ClassifyAll(ctx, []string{url}, 1)
	if len(results) == 0 {
		return linkcheck.ErrorClassification(url, "empty url")
	}
	return results[0]
}

func (d *Dispatcher) limit(requested int) int {
	if requested <= 0 || requested > d.maxSlots {
		return d.maxSlots
	}
	return requested
}

func (d *Dispatcher) resolve(ctx context.Context, url string) linkcheck.Classification {
	start := time.Now()
	result, cached := d.memo.GetOrCompute(ctx, url, func(ctx context.Context) (linkcheck.Classification, bool) {
		return d.probe(ctx, url)
	})
	dur := time.Since(start)

	d.logger.Debug("url classified",
		zap.String("url", url),
		zap.String("outcome", string(result.Outcome)),
		zap.String("note", result.Note),
		zap.Bool("cached", cached),
		zap.Duration("dur", dur),
	)
	d.emitter.Emit(progress.Event{
		CycleID: progress.CycleIDFromContext(ctx),
		TS:      time.Now().UTC(),
		Stage:   progress.StageProbeDone,
		URL:     url,
		Outcome: string(result.Outcome),
		Cached:  cached,
		Dur:     dur,
		Note:    result.Note,
	})
	return result
}

// probe runs the prober and classifier under a global slot. The second return
// value is false when the result reflects cancellation and must not be cached.
func (d *Dispatcher) probe(ctx context.Context, url string) (linkcheck.Classification, bool) {
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return linkcheck.ErrorClassification(url, "canceled"), false
	}
	metrics.IncProbesInFlight()
	defer func() {
		metrics.DecProbesInFlight()
		d.slots.Release(1)
	}()

	ctx, span := tracer.Start(ctx, "linkguard.probe", trace.WithAttributes(attribute.String("url.full", url)))
	defer span.End()

	result := d.safeProbe(ctx, url)
	span.SetAttributes(attribute.Int("http.response.status_code", result.StatusCode))
	store := true
	if result.Err != nil {
		metrics.ObserveTransportError(string(result.Err.Kind))
		span.SetStatus(codes.Error, result.Err.Message)
		store = ctx.Err() == nil
	}
	classification := d.classifier.Classify(result)
	span.SetAttributes(attribute.String("linkguard.outcome", string(classification.Outcome)))
	return classification, store
}

func (d *Dispatcher) safeProbe(ctx context.Context, url string) (result linkcheck.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("prober panicked", zap.String("url", url), zap.Any("panic", r))
			result = linkcheck.ProbeResult{
				URL: url,
				Err: &linkcheck.TransportError{Kind: linkcheck.ErrorKindOther, Message: fmt.Sprintf("panic: %v", r)},
			}
		}
	}()
	return d.prober.Probe(ctx, url)
}
