package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "expected %v between %v and %v", got, before, after)
}

func TestClockNowNonDecreasing(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	require.False(t, clk.Now().Before(first))
}
