package decision

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/regime"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type fixedWeights map[string]float64

func (f fixedWeights) Weights() map[string]float64 { return f }

type failingDetector struct{}

func (failingDetector) Detect(context.Context, string) (regime.Regime, error) {
	return "", errors.New("no bars")
}

func reading(src string, d signal.Direction, conf float64) signal.Reading {
	return signal.Reading{Source: src, Direction: d, Confidence: conf}
}

func testConfig() Config {
	return Config{
		Threshold:           60,
		MinSourceConfidence: 20,
		MaxReadingAge:       5 * time.Minute,
		EarlyExit:           true,
		EarlyExitMargin:     15,
		PrimarySources:      2,
		StopLossPct:         0.02,
		TakeProfitPct:       0.04,
		Strategy:            "consensus",
	}
}

func testPolicy() regime.Policy {
	return regime.NewPolicy(regime.Deltas{Calm: -5, Trending: -5, Volatile: 10, Crisis: 15})
}

func TestCombine(t *testing.T) {
	w := fixedWeights{"a": 0.5, "b": 0.3, "c": 0.2}
	opts := CombineOptions{Threshold: 60}

	tests := []struct {
		name     string
		readings []signal.Reading
		weights  fixedWeights
		emit     bool
		dir      signal.Direction
		conf     float64
		gate     string
	}{
		{
			name:     "three agreeing sources",
			readings: []signal.Reading{reading("a", signal.Long, 90), reading("b", signal.Long, 70), reading("c", signal.Long, 40)},
			weights:  w, emit: true, dir: signal.Long, conf: 74,
		},
		{
			name:     "weights renormalize over responders",
			readings: []signal.Reading{reading("a", signal.Long, 90), reading("b", signal.Long, 70)},
			weights:  w, emit: true, dir: signal.Long, conf: 82.5,
		},
		{
			name:     "tie",
			readings: []signal.Reading{reading("a", signal.Long, 90), reading("b", signal.Short, 90)},
			weights:  fixedWeights{"a": 0.5, "b": 0.5}, dir: signal.Long, conf: 45, gate: GateTie,
		},
		{
			name:     "neutral majority",
			readings: []signal.Reading{reading("a", signal.Neutral, 80), reading("b", signal.Long, 90), reading("c", signal.Short, 90)},
			weights:  w, dir: signal.Neutral, conf: 40, gate: GateNeutralMajority,
		},
		{
			name:     "dissent lowers confidence",
			readings: []signal.Reading{reading("a", signal.Short, 90), reading("b", signal.Long, 80)},
			weights:  fixedWeights{"a": 0.6, "b": 0.4}, dir: signal.Short, conf: 54, gate: GateBelowThreshold,
		},
		{
			name:     "unknown source carries no weight",
			readings: []signal.Reading{reading("zzz", signal.Long, 99)},
			weights:  w, dir: signal.Neutral, gate: GateNoSources,
		},
		{
			name:     "nothing to combine",
			readings: nil,
			weights:  w, dir: signal.Neutral, gate: GateNoSources,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Combine("SPY", tt.readings, tt.weights, opts)
			assert.Equal(t, tt.emit, out.Emit)
			assert.Equal(t, tt.dir, out.Direction)
			assert.InDelta(t, tt.conf, out.Confidence, 1e-9)
			assert.Equal(t, tt.gate, out.Blocked())
			if tt.emit {
				var total float64
				for _, v := range out.Votes {
					total += v.Weight
				}
				assert.InDelta(t, 1.0, total, 1e-9)
			}
		})
	}
}

func TestCombineFilters(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	stale := reading("a", signal.Long, 90)
	stale.Timestamp = now.Add(-10 * time.Minute)
	weak := reading("b", signal.Long, 10)
	weak.Timestamp = now

	out := Combine("SPY", []signal.Reading{stale, weak}, fixedWeights{"a": 0.5, "b": 0.5}, CombineOptions{
		Threshold: 60, MinSourceConfidence: 20, MaxAge: 5 * time.Minute, Now: now,
	})
	assert.False(t, out.Emit)
	assert.Equal(t, GateNoSources, out.Blocked())
	assert.Equal(t, map[string]string{"a": "stale", "b": "min_source_confidence"}, out.Reason.Filtered)
}

func newEngine(t *testing.T, cfg Config, w fixedWeights, det regime.Detector, srcs ...*adapters.StaticAdapter) *Engine {
	t.Helper()
	health := adapters.NewHealthRegistry()
	pollers := make([]Poller, len(srcs))
	for i, s := range srcs {
		pollers[i] = adapters.NewGuard(s, adapters.GuardOptions{Health: health, Timeout: time.Second})
	}
	return NewEngine(cfg, pollers, w, det, testPolicy())
}

func TestEngineEarlyExitSkipsLowWeightSources(t *testing.T) {
	a := adapters.NewStaticAdapter("a").Set("SPY", signal.Long, 95)
	b := adapters.NewStaticAdapter("b").Set("SPY", signal.Long, 90)
	c := adapters.NewStaticAdapter("c").Set("SPY", signal.Short, 90)
	e := newEngine(t, testConfig(), fixedWeights{"a": 0.5, "b": 0.3, "c": 0.2}, nil, c, b, a)

	sig, err := e.GenerateSignal(context.Background(), "spy")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "SPY", sig.Symbol)
	assert.Equal(t, signal.Long, sig.Direction)
	assert.InDelta(t, 93.125, sig.Confidence, 1e-9)
	assert.Equal(t, 0, c.Calls(), "lowest weight source is never polled")
	assert.Equal(t, []string{"a", "b"}, sig.SourceNames())

	var reason Reason
	require.NoError(t, json.Unmarshal([]byte(sig.Reasoning), &reason))
	assert.True(t, reason.EarlyExit)
	assert.Equal(t, []string{"c"}, reason.Skipped)
}

func TestEngineFallsThroughWithoutMargin(t *testing.T) {
	a := adapters.NewStaticAdapter("a").Set("SPY", signal.Long, 70)
	b := adapters.NewStaticAdapter("b").Set("SPY", signal.Long, 70)
	c := adapters.NewStaticAdapter("c").Set("SPY", signal.Long, 40)
	e := newEngine(t, testConfig(), fixedWeights{"a": 0.5, "b": 0.3, "c": 0.2}, nil, a, b, c)

	sig, err := e.GenerateSignal(context.Background(), "SPY")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, 1, c.Calls())
	assert.InDelta(t, 64, sig.Confidence, 1e-9)

	cfg := testConfig()
	cfg.EarlyExit = false
	e.SetConfig(cfg)
	a.Set("SPY", signal.Long, 99)
	b.Set("SPY", signal.Long, 99)
	_, err = e.GenerateSignal(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Calls(), "early exit disabled polls everything")
}

func TestEngineFailedSourceIsNotAZeroVote(t *testing.T) {
	a := adapters.NewStaticAdapter("a").Set("SPY", signal.Long, 80)
	b := adapters.NewStaticAdapter("b")
	b.FailWith(errors.New("timeout"))
	cfg := testConfig()
	cfg.EarlyExit = false
	e := newEngine(t, cfg, fixedWeights{"a": 0.4, "b": 0.6}, nil, a, b)

	out, err := e.Evaluate(context.Background(), "SPY")
	require.NoError(t, err)
	assert.True(t, out.Emit)
	assert.InDelta(t, 80, out.Confidence, 1e-9)
	assert.Contains(t, out.Reason.Failed, "b")
}

func TestEngineRegimeAdjustsThreshold(t *testing.T) {
	tests := []struct {
		name     string
		detector regime.Detector
		emit     bool
		regime   string
	}{
		{"crisis raises the bar", regime.Static(regime.Crisis), false, "CRISIS"},
		{"calm lowers the bar", regime.Static(regime.Calm), true, "CALM"},
		{"detector failure keeps base", failingDetector{}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := adapters.NewStaticAdapter("a").Set("SPY", signal.Long, 70)
			e := newEngine(t, testConfig(), fixedWeights{"a": 1}, tt.detector, a)
			out, err := e.Evaluate(context.Background(), "SPY")
			require.NoError(t, err)
			assert.Equal(t, tt.emit, out.Emit)
			assert.Equal(t, tt.regime, out.Reason.Regime)
		})
	}
}

func TestEngineSetsTradeLevels(t *testing.T) {
	a := adapters.NewStaticAdapter("a").Set("SPY", signal.Long, 80).SetPrice("SPY", 100)
	e := newEngine(t, testConfig(), fixedWeights{"a": 1}, nil, a)

	sig, err := e.GenerateSignal(context.Background(), "SPY")
	require.NoError(t, err)
	require.NotNil(t, sig.EntryPrice)
	assert.Equal(t, 100.0, *sig.EntryPrice)
	assert.InDelta(t, 98, *sig.StopPrice, 1e-9)
	assert.InDelta(t, 104, *sig.TargetPrice, 1e-9)

	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, signal.ContentHash(*sig), sig.VerificationHash)
	again, err := e.GenerateSignal(context.Background(), "SPY")
	require.NoError(t, err)
	assert.NotEqual(t, sig.ID, again.ID)

	short := &signal.Signal{Direction: signal.Short}
	SetLevels(short, 50, 0.02, 0.04)
	assert.InDelta(t, 51, *short.StopPrice, 1e-9)
	assert.InDelta(t, 48, *short.TargetPrice, 1e-9)
}

func TestEngineNoSignalIsSilent(t *testing.T) {
	a := adapters.NewStaticAdapter("a")
	e := newEngine(t, testConfig(), fixedWeights{"a": 1}, nil, a)

	sig, err := e.GenerateSignal(context.Background(), "SPY")
	assert.NoError(t, err)
	assert.Nil(t, sig)

	_, err = e.GenerateSignal(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOrderedByWeightThenName(t *testing.T) {
	e := newEngine(t, testConfig(), nil, nil,
		adapters.NewStaticAdapter("delta"), adapters.NewStaticAdapter("alpha"),
		adapters.NewStaticAdapter("charlie"), adapters.NewStaticAdapter("bravo"))
	got := e.ordered(map[string]float64{"delta": 0.4, "alpha": 0.2, "charlie": 0.4, "bravo": 0})
	names := make([]string, len(got))
	for i, p := range got {
		names[i] = p.Name()
	}
	assert.Equal(t, []string{"charlie", "delta", "alpha"}, names)
}

func TestEngineEmitsFromDailyBarsUnderReadingAge(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + 0.5*float64(i)
	}
	start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -len(closes))
	src := marketdata.NewMemorySource()
	src.Put("AAPL", marketdata.FromCloses(start, closes, 1e6))

	tech := adapters.NewTechnicalAdapter("technical", adapters.TechnicalConfig{
		FastPeriod: 10, SlowPeriod: 30, RSIPeriod: 14, NeutralBand: 0.001,
	}, src)
	guard := adapters.NewGuard(tech, adapters.GuardOptions{Timeout: time.Second})
	cfg := testConfig()
	require.Equal(t, 5*time.Minute, cfg.MaxReadingAge)
	e := NewEngine(cfg, []Poller{guard}, fixedWeights{"technical": 1}, regime.Static(regime.Normal), testPolicy())

	out, err := e.Evaluate(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Empty(t, out.Reason.Filtered)
	assert.True(t, out.Emit, "blocked by %q", out.Blocked())
	assert.Equal(t, signal.Long, out.Direction)
	assert.InDelta(t, 80, out.Confidence, 1e-9)
}
