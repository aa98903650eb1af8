// Package ratelimit paces outbound deliveries with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/linkguard/internal/metrics"
)

// Pacer spaces successive Wait calls at least one interval apart. The first
// call after an idle interval returns immediately.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a Pacer. A non-positive interval disables pacing.
func New(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Interval reports the configured spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the next delivery may go out, respecting the context.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(waited)
	}
	return nil
}
