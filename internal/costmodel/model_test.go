package costmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

func TestClassifyLiquidity(t *testing.T) {
	m := New(DefaultConfig())
	tests := []struct {
		name      string
		symbol    string
		avgVolume float64
		want      Tier
	}{
		{"whitelisted", "spy", 10, TierHigh},
		{"high volume", "XYZ", 12_000_000, TierHigh},
		{"medium volume", "XYZ", 2_000_000, TierMedium},
		{"boundary is not medium", "XYZ", 1_000_000, TierLow},
		{"thin", "XYZ", 50_000, TierLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ClassifyLiquidity(tt.symbol, tt.avgVolume))
		})
	}
	assert.Equal(t, 1.0, m.SpreadBps(TierHigh))
	assert.Equal(t, 5.0, m.SpreadBps(TierMedium))
	assert.Equal(t, 20.0, m.SpreadBps(TierLow))
}

func TestSPYScenario(t *testing.T) {
	m := New(DefaultConfig())
	e, err := m.Estimate(1000, 100, "SPY", 20_000_000, 0.02, nil)
	require.NoError(t, err)

	assert.Equal(t, TierHigh, e.Tier)
	assert.InDelta(t, 0.01, e.SpreadCost/1000, 1e-12, "one basis point of $100 per share")

	slip, err := m.CalculateSlippage(1000, 100, 20_000_000, 0.02)
	require.NoError(t, err)
	assert.Greater(t, slip, 0.0)
	assert.Less(t, slip, 1.0, "well under 1% of price")
	assert.Zero(t, e.ImpactCost, "participation below the impact threshold")
}

func TestSlippageMonotonicInTradeSize(t *testing.T) {
	m := New(DefaultConfig())
	prev := -1.0
	for _, size := range []float64{0, 1, 10, 100, 1_000, 10_000, 100_000, 1_000_000} {
		s, err := m.CalculateSlippage(size, 50, 3_000_000, 0.03)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s, prev, "size %v", size)
		prev = s
	}
}

func TestSlippageZeroVolumeGuard(t *testing.T) {
	m := New(DefaultConfig())
	s, err := m.CalculateSlippage(1000, 100, 0, 0.02)
	require.NoError(t, err)
	assert.Zero(t, s)

	total, err := m.TotalCost(1000, 100, "XYZ", 0, 0.02, nil)
	require.NoError(t, err)
	assert.Greater(t, total, 0.0, "spread and commission still apply")
}

func TestTotalCostIsPure(t *testing.T) {
	m := New(DefaultConfig())
	a, err := m.TotalCost(2500, 42.17, "XYZ", 4_000_000, 0.035, nil)
	require.NoError(t, err)
	b, err := m.TotalCost(2500, 42.17, "XYZ", 4_000_000, 0.035, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTierOverride(t *testing.T) {
	m := New(DefaultConfig())
	low := TierLow
	auto, err := m.TotalCost(100, 100, "SPY", 20_000_000, 0.02, nil)
	require.NoError(t, err)
	forced, err := m.TotalCost(100, 100, "SPY", 20_000_000, 0.02, &low)
	require.NoError(t, err)
	assert.Greater(t, forced, auto)
}

func TestApplyCostsToPrice(t *testing.T) {
	m := New(DefaultConfig())
	apply := func(side signal.Direction, entry bool) float64 {
		p, err := m.ApplyCostsToPrice(100, side, 1000, "SPY", 20_000_000, 0.02, entry)
		require.NoError(t, err)
		return p
	}
	assert.Greater(t, apply(signal.Long, true), 100.0)
	assert.Less(t, apply(signal.Long, false), 100.0)
	assert.Less(t, apply(signal.Short, true), 100.0)
	assert.Greater(t, apply(signal.Short, false), 100.0)
	assert.Equal(t, 100.0, apply(signal.Neutral, true))
}

func TestInvalidInputs(t *testing.T) {
	m := New(DefaultConfig())
	cases := map[string]func() error{
		"negative price": func() error { _, err := m.TotalCost(10, -1, "X", 1000, 0.02, nil); return err },
		"zero price":     func() error { _, err := m.TotalCost(10, 0, "X", 1000, 0.02, nil); return err },
		"negative size":  func() error { _, err := m.TotalCost(-10, 10, "X", 1000, 0.02, nil); return err },
		"negative vol":   func() error { _, err := m.CalculateSlippage(10, 10, -5, 0.02); return err },
		"negative sigma": func() error { _, err := m.CalculateSlippage(10, 10, 1000, -0.1); return err },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCostModel)
			var ie *InputError
			assert.ErrorAs(t, err, &ie)
		})
	}
}
