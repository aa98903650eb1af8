package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkguard/internal/linkcheck"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func countingCompute(calls *atomic.Int32, url string) ComputeFunc {
	return func(context.Context) (linkcheck.Classification, bool) {
		calls.Add(1)
		return linkcheck.Classification{URL: url, Outcome: linkcheck.OutcomeOK, Note: "200 OK"}, true
	}
}

func TestGetOrComputeHitWithinTTL(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(300*time.Second, WithClock(clk))
	var calls atomic.Int32

	first, hit := c.GetOrCompute(context.Background(), "u", countingCompute(&calls, "u"))
	require.False(t, hit)
	clk.Advance(299 * time.Second)
	second, hit := c.GetOrCompute(context.Background(), "u", countingCompute(&calls, "u"))
	require.True(t, hit)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), calls.Load())
}

func TestGetOrComputeExpiresAtTTL(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(300*time.Second, WithClock(clk))
	var calls atomic.Int32

	c.GetOrCompute(context.Background(), "u", countingCompute(&calls, "u"))
	clk.Advance(301 * time.Second)
	_, ok := c.Get("u")
	require.False(t, ok)
	_, hit := c.GetOrCompute(context.Background(), "u", countingCompute(&calls, "u"))
	require.False(t, hit)
	require.Equal(t, int32(2), calls.Load())

	_, hit = c.GetOrCompute(context.Background(), "u", countingCompute(&calls, "u"))
	require.True(t, hit)
	require.Equal(t, int32(2), calls.Load())
}

func TestGetOrComputeSharesInFlightMiss(t *testing.T) {
	t.Parallel()

	c := New(time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (linkcheck.Classification, bool) {
		calls.Add(1)
		<-release
		return linkcheck.Classification{URL: "u", Outcome: linkcheck.OutcomeOK}, true
	}

	var wg sync.WaitGroup
	results := make([]linkcheck.Classification, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.GetOrCompute(context.Background(), "u", compute)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Equal(t, linkcheck.OutcomeOK, r.Outcome)
	}
}

func TestGetOrComputeSkipsStoreWhenAsked(t *testing.T) {
	t.Parallel()

	c := New(time.Minute)
	res, _ := c.GetOrCompute(context.Background(), "u", func(context.Context) (linkcheck.Classification, bool) {
		return linkcheck.ErrorClassification("u", "canceled"), false
	})
	require.Equal(t, linkcheck.OutcomeError, res.Outcome)
	_, ok := c.Get("u")
	require.False(t, ok)
}

func TestGetOrComputeCanceledCaller(t *testing.T) {
	t.Parallel()

	c := New(time.Minute)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	go c.GetOrCompute(context.Background(), "u", func(context.Context) (linkcheck.Classification, bool) {
		close(started)
		<-release
		return linkcheck.Classification{URL: "u", Outcome: linkcheck.OutcomeOK}, true
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, hit := c.GetOrCompute(ctx, "u", func(context.Context) (linkcheck.Classification, bool) {
		t.Error("compute should be shared with the in-flight call")
		return linkcheck.Classification{}, false
	})
	require.False(t, hit)
	require.Equal(t, linkcheck.OutcomeError, res.Outcome)
	require.Equal(t, "canceled", res.Note)
}

func TestGetOrComputeLiveCallerOutlivesCanceledStarter(t *testing.T) {
	t.Parallel()

	c := New(time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})
	compute := func(ctx context.Context) (linkcheck.Classification, bool) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return linkcheck.ErrorClassification("u", "error: "+ctx.Err().Error()), false
		}
		return linkcheck.Classification{URL: "u", Outcome: linkcheck.OutcomeOK, Note: "200 OK"}, true
	}

	starterCtx, cancelStarter := context.WithCancel(context.Background())
	starter := make(chan linkcheck.Classification, 1)
	go func() {
		res, _ := c.GetOrCompute(starterCtx, "u", compute)
		starter <- res
	}()
	<-started

	waiter := make(chan linkcheck.Classification, 1)
	go func() {
		res, _ := c.GetOrCompute(context.Background(), "u", func(context.Context) (linkcheck.Classification, bool) {
			t.Error("compute should be shared with the in-flight call")
			return linkcheck.Classification{}, false
		})
		waiter <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancelStarter()
	require.Equal(t, "canceled", (<-starter).Note)
	close(release)

	got := <-waiter
	require.Equal(t, linkcheck.OutcomeOK, got.Outcome)
	cached, ok := c.Get("u")
	require.True(t, ok)
	require.Equal(t, got, cached)
}

func TestGetOrComputeKeepsContextValues(t *testing.T) {
	t.Parallel()

	type key struct{}
	c := New(time.Minute)
	ctx := context.WithValue(context.Background(), key{}, "cycle-1")
	res, _ := c.GetOrCompute(ctx, "u", func(ctx context.Context) (linkcheck.Classification, bool) {
		v, _ := ctx.Value(key{}).(string)
		return linkcheck.Classification{URL: "u", Outcome: linkcheck.OutcomeOK, Note: v}, true
	})
	require.Equal(t, "cycle-1", res.Note)
}

func TestStoreLastWriterWins(t *testing.T) {
	t.Parallel()

	c := New(time.Minute)
	c.Store("u", linkcheck.Classification{URL: "u", Outcome: linkcheck.OutcomeOK})
	c.Store("u", linkcheck.Classification{URL: "u", Outcome: linkcheck.OutcomeGuard})
	got, ok := c.Get("u")
	require.True(t, ok)
	require.Equal(t, linkcheck.OutcomeGuard, got.Outcome)
}

func TestSweepRemovesOldEntries(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	var evicted []int
	c := New(10*time.Second, WithClock(clk), WithSweepFactor(2), WithEvictionObserver(func(n int) {
		evicted = append(evicted, n)
	}))
	c.Store("old", linkcheck.Classification{URL: "old"})
	clk.Advance(15 * time.Second)
	c.Store("young", linkcheck.Classification{URL: "young"})

	require.Zero(t, c.Sweep())
	clk.Advance(5 * time.Second)
	require.Equal(t, 1, c.Sweep())

	stats := c.Stats()
	require.Equal(t, 1, stats.Size)
	require.Equal(t, uint64(1), stats.Evictions)
	require.Equal(t, []int{1}, evicted)
}

func TestStatsAndObserver(t *testing.T) {
	t.Parallel()

	var hits, misses atomic.Int32
	c := New(time.Minute, WithLookupObserver(func(hit bool) {
		if hit {
			hits.Add(1)
			return
		}
		misses.Add(1)
	}))
	c.Get("u")
	c.Store("u", linkcheck.Classification{URL: "u"})
	c.Get("u")
	c.Get("u")

	stats := c.Stats()
	require.Equal(t, uint64(2), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(1), misses.Load())
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	c := New(time.Millisecond, WithSweepFactor(1))
	c.Store("u", linkcheck.Classification{URL: "u"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Stats().Size == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
