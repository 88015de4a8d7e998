package costmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

func TestAnalyzerCommissionClamp(t *testing.T) {
	a := NewAnalyzer(New(DefaultConfig()))
	tests := []struct {
		name  string
		qty   float64
		price float64
		want  float64
	}{
		{"per share", 1000, 100, 5.00},
		{"minimum ticket", 10, 100, 1.00},
		{"capped at pct of notional", 1, 5, 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := a.Analyze(Order{Symbol: "SPY", Side: signal.Long, Quantity: tt.qty, Price: tt.price, Type: Limit, AvgVolume: 20_000_000})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, b.Commission, 1e-9)
		})
	}
}

func TestAnalyzerLimitOrdersHaveNoSlippage(t *testing.T) {
	a := NewAnalyzer(New(DefaultConfig()))
	o := Order{Symbol: "XYZ", Side: signal.Long, Quantity: 5000, Price: 20, AvgVolume: 2_000_000, Volatility: 0.04}

	o.Type = Limit
	lim, err := a.Analyze(o)
	require.NoError(t, err)
	assert.Zero(t, lim.Slippage)

	o.Type = Market
	mkt, err := a.Analyze(o)
	require.NoError(t, err)
	assert.Greater(t, mkt.Slippage, 0.0)
	assert.Greater(t, mkt.Total, lim.Total)
}

func TestAnalyzerImpactThreshold(t *testing.T) {
	a := NewAnalyzer(New(DefaultConfig()))

	small, err := a.Analyze(Order{Symbol: "XYZ", Side: signal.Long, Quantity: 50_000, Price: 100, Type: Market, AvgVolume: 10_000_000, Volatility: 0.02})
	require.NoError(t, err)
	assert.Zero(t, small.MarketImpact, "0.5% of volume")

	big, err := a.Analyze(Order{Symbol: "XYZ", Side: signal.Long, Quantity: 300_000, Price: 100, Type: Market, AvgVolume: 10_000_000, Volatility: 0.02})
	require.NoError(t, err)
	want := 100 * 0.1 * 0.02 * math.Sqrt(0.03) * 300_000
	assert.InDelta(t, want, big.MarketImpact, 1e-6)
}

func TestAnalyzerSpreadSignBySide(t *testing.T) {
	a := NewAnalyzer(New(DefaultConfig()))
	base := Order{Symbol: "XYZ", Quantity: 100, Price: 50, Type: Limit, AvgVolume: 500_000, SpreadBps: 10}

	base.Side = signal.Long
	buy, err := a.Analyze(base)
	require.NoError(t, err)
	base.Side = signal.Short
	sell, err := a.Analyze(base)
	require.NoError(t, err)

	assert.InDelta(t, 50.025, buy.FillPrice, 1e-9)
	assert.InDelta(t, 49.975, sell.FillPrice, 1e-9)
	assert.InDelta(t, buy.Spread, sell.Spread, 1e-12)
	assert.InDelta(t, 2.5, buy.Spread, 1e-9)
}

func TestAnalyzerTotalsAndValidation(t *testing.T) {
	a := NewAnalyzer(New(DefaultConfig()))
	b, err := a.Analyze(Order{Symbol: "QQQ", Side: signal.Long, Quantity: 200, Price: 400, Type: Market, AvgVolume: 40_000_000, Volatility: 0.015})
	require.NoError(t, err)
	assert.InDelta(t, b.Commission+b.Spread+b.Slippage+b.MarketImpact, b.Total, 1e-9)
	assert.InDelta(t, b.Total/(200*400)*10000, b.TotalBps, 1e-9)

	zero, err := a.Analyze(Order{Symbol: "QQQ", Quantity: 0, Price: 400})
	require.NoError(t, err)
	assert.Equal(t, 400.0, zero.FillPrice)

	_, err = a.Analyze(Order{Symbol: "QQQ", Quantity: 10, Price: -1})
	assert.ErrorIs(t, err, ErrCostModel)
}

func TestAnalyzerApplyCostsPaysTheBreakdown(t *testing.T) {
	a := NewAnalyzer(New(DefaultConfig()))
	o := Order{Symbol: "XYZ", Quantity: 400, Price: 50, Type: Market, AvgVolume: 800_000, Volatility: 0.03}

	tests := []struct {
		name    string
		side    signal.Direction
		isEntry bool
		higher  bool
	}{
		{"long entry buys above", signal.Long, true, true},
		{"long exit sells below", signal.Long, false, false},
		{"short entry sells below", signal.Short, true, false},
		{"short exit buys above", signal.Short, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o.Side = tt.side
			fill, b, err := a.ApplyCosts(o, tt.isEntry)
			require.NoError(t, err)
			assert.Equal(t, tt.higher, fill > o.Price)
			assert.InDelta(t, b.Total, math.Abs(fill-o.Price)*o.Quantity, 1e-9)
			assert.InDelta(t, b.Total, b.Commission+b.Spread+b.Slippage+b.MarketImpact, 1e-9)
		})
	}
}
