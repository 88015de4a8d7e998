package marketdata

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStats(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 4.0, SMA(vals, 3))
	assert.Equal(t, 0.0, SMA(vals, 6))
	assert.InDelta(t, math.Sqrt(2), StdDev(vals, 5), 1e-12)

	assert.Equal(t, 100.0, RSI(vals, 4), "only gains")
	assert.Equal(t, 50.0, RSI([]float64{3, 3, 3}, 2), "flat")
	assert.Equal(t, 0.0, RSI([]float64{5, 4, 3, 2}, 3))
}

func TestVolatilityAndReturns(t *testing.T) {
	flat := FromCloses(day0, []float64{100, 100, 100, 100}, 1000)
	assert.Zero(t, RealizedVolatility(flat, 0))

	bars := FromCloses(day0, []float64{100, 110, 99, 108.9}, 1000)
	assert.Greater(t, RealizedVolatility(bars, 0), 0.05)
	assert.InDelta(t, RealizedVolatility(bars, 0)*math.Sqrt(252), AnnualizedVolatility(bars, 0), 1e-12)
	assert.InDelta(t, 0.089, PeriodReturn(bars, 0), 1e-9)
	assert.InDelta(t, 0.1, PeriodReturn(bars, 1), 1e-9)

	hi, lo := HighLow(bars, 0)
	assert.InDelta(t, 110*1.005, hi, 1e-9)
	assert.InDelta(t, 99*0.995, lo, 1e-9)
	assert.Equal(t, 1000.0, AverageVolume(bars, 2))
}

func TestMemorySourceWindow(t *testing.T) {
	src := NewMemorySource()
	src.Put("spy", FromCloses(day0, []float64{1, 2, 3, 4, 5}, 10))

	bars, err := src.Bars(context.Background(), "SPY", day0.AddDate(0, 0, 1), day0.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 2.0, bars[0].Close)
	assert.Equal(t, 4.0, bars[2].Close)

	_, err = src.Bars(context.Background(), "QQQ", day0, day0)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFixtureRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bars := RandomWalk(day0, 30, 7, 100, 0, 0.01, 1e6)
	require.NoError(t, WriteFixture(dir, "aapl", bars))

	src := NewFixtureSource(dir)
	got, err := src.Bars(context.Background(), "AAPL", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 30)
	assert.InDelta(t, bars[29].Close, got[29].Close, 1e-9)

	_, err = src.Bars(context.Background(), "MSFT", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrNoData)
}

type countingSource struct {
	Source
	calls int
}

func (c *countingSource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	c.calls++
	return c.Source.Bars(ctx, symbol, start, end)
}

func TestCachedSource(t *testing.T) {
	mem := NewMemorySource()
	mem.Put("SPY", FromCloses(day0, []float64{1, 2, 3}, 10))
	inner := &countingSource{Source: mem}

	now := day0
	c := NewCachedSource(inner, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := c.Bars(context.Background(), "SPY", day0, day0.AddDate(0, 0, 5))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.calls)

	now = now.Add(2 * time.Minute)
	_, err := c.Bars(context.Background(), "SPY", day0, day0.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, CacheStats{Hits: 2, Misses: 2}, c.Stats())
}

func TestRandomWalkDeterministic(t *testing.T) {
	a := RandomWalk(day0, 50, 42, 100, 0.001, 0.02, 1e6)
	b := RandomWalk(day0, 50, 42, 100, 0.001, 0.02, 1e6)
	assert.Equal(t, a, b)
	for _, bar := range a {
		assert.GreaterOrEqual(t, bar.High, bar.Close)
		assert.LessOrEqual(t, bar.Low, bar.Close)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{" aapl ", "AAPL", true},
		{"NASDAQ:nvda", "NVDA", true},
		{"brk.b", "BRK.B", true},
		{"^GSPC", "^GSPC", true},
		{"", "", false},
		{"AA PL", "", false},
		{"ABCDEFGHIJKLM", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeSymbol(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "BRK-B", YahooSymbol("brk.b"))
}
