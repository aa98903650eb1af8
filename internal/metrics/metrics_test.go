package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := cacheLookupsTotal
	Init()
	require.Same(t, first, cacheLookupsTotal)
}

func TestObserveCacheLookup(t *testing.T) {
	Init()
	hits := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss"))

	ObserveCacheLookup(true)
	ObserveCacheLookup(true)
	ObserveCacheLookup(false)

	require.Equal(t, hits+2, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")))
	require.Equal(t, misses+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss")))
}

func TestProbesInFlightGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(probesInFlight)
	IncProbesInFlight()
	IncProbesInFlight()
	DecProbesInFlight()
	require.Equal(t, before+1, testutil.ToFloat64(probesInFlight))
	DecProbesInFlight()
}

func TestObserveTransportErrorAndEvictions(t *testing.T) {
	Init()
	before := testutil.ToFloat64(probeTransportErrorsTotal.WithLabelValues("timeout"))
	ObserveTransportError("timeout")
	require.Equal(t, before+1, testutil.ToFloat64(probeTransportErrorsTotal.WithLabelValues("timeout")))

	evicted := testutil.ToFloat64(cacheEvictionsTotal)
	ObserveCacheEvictions(0)
	ObserveCacheEvictions(3)
	require.Equal(t, evicted+3, testutil.ToFloat64(cacheEvictionsTotal))
}

func TestObservePacingDelay(t *testing.T) {
	Init()
	ObservePacingDelay(250 * time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(pacingDelaySeconds))
}
