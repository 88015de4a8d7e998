package adapters

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

// barFetcher loads the trailing price history a bar adapter needs.
type barFetcher struct {
	source   marketdata.Source
	lookback int
	now      func() time.Time
}

func (f barFetcher) fetch(ctx context.Context, symbol string) (any, error) {
	end := f.now()
	// calendar days, generous enough to cover weekends and holidays
	start := end.AddDate(0, 0, -2*f.lookback-10)
	bars, err := f.source.Bars(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, nil
	}
	if len(bars) > f.lookback {
		bars = bars[len(bars)-f.lookback:]
	}
	return bars, nil
}

// stamp dates a live reading at poll time. FromBars keeps the bar's time so
// replays judge freshness against the replay clock.
func (f barFetcher) stamp(r *signal.Reading) *signal.Reading {
	if r != nil {
		r.Timestamp = f.now()
	}
	return r
}

func asBars(raw any) []marketdata.Bar {
	bars, _ := raw.([]marketdata.Bar)
	return bars
}

type TechnicalConfig struct {
	FastPeriod int `yaml:"fast_period" default:"10" validate:"gte=2"`
	SlowPeriod int `yaml:"slow_period" default:"30" validate:"gtfield=FastPeriod"`
	RSIPeriod  int `yaml:"rsi_period" default:"14" validate:"gte=2"`
	// spreads below this fraction of price carry no opinion
	NeutralBand float64 `yaml:"neutral_band" default:"0.001" validate:"gte=0"`
}

// TechnicalAdapter votes with the fast/slow moving-average spread and
// tempers the conviction with RSI.
type TechnicalAdapter struct {
	name string
	cfg  TechnicalConfig
	barFetcher
}

func NewTechnicalAdapter(name string, cfg TechnicalConfig, src marketdata.Source) *TechnicalAdapter {
	return &TechnicalAdapter{
		name:       name,
		cfg:        cfg,
		barFetcher: barFetcher{source: src, lookback: cfg.SlowPeriod + cfg.RSIPeriod + 1, now: time.Now},
	}
}

func (a *TechnicalAdapter) Name() string { return a.name }

func (a *TechnicalAdapter) Fetch(ctx context.Context, symbol string) (any, error) {
	return a.fetch(ctx, symbol)
}

func (a *TechnicalAdapter) GenerateSignal(symbol string, raw any) *signal.Reading {
	return a.stamp(a.FromBars(symbol, asBars(raw)))
}

func (a *TechnicalAdapter) FromBars(symbol string, bars []marketdata.Bar) *signal.Reading {
	closes := marketdata.Closes(bars)
	if len(closes) < a.cfg.SlowPeriod {
		return nil
	}
	fast := marketdata.SMA(closes, a.cfg.FastPeriod)
	slow := marketdata.SMA(closes, a.cfg.SlowPeriod)
	if slow <= 0 {
		return nil
	}
	spread := (fast - slow) / slow
	rsi := marketdata.RSI(closes, a.cfg.RSIPeriod)
	price := lastClose(bars)

	if math.Abs(spread) < a.cfg.NeutralBand {
		return &signal.Reading{Direction: signal.Neutral, Confidence: 50, Price: price, Timestamp: bars[len(bars)-1].Time}
	}

	dir := signal.Long
	if spread < 0 {
		dir = signal.Short
	}
	conf := 50 + math.Min(40, math.Abs(spread)*2000)
	switch {
	case dir == signal.Long && rsi > 70, dir == signal.Short && rsi < 30:
		// stretched in the direction of the trend
		conf -= 10
	case dir == signal.Long && rsi < 50, dir == signal.Short && rsi > 50:
		conf -= 5
	default:
		conf += 5
	}
	return &signal.Reading{Direction: dir, Confidence: signal.ClampConfidence(conf), Price: price, Timestamp: bars[len(bars)-1].Time}
}

type MeanReversionConfig struct {
	Period    int     `yaml:"period" default:"20" validate:"gte=2"`
	Threshold float64 `yaml:"z_threshold" default:"1.5" validate:"gt=0"`
}

// MeanReversionAdapter fades closes that sit more than Threshold standard
// deviations away from their moving average.
type MeanReversionAdapter struct {
	name string
	cfg  MeanReversionConfig
	barFetcher
}

func NewMeanReversionAdapter(name string, cfg MeanReversionConfig, src marketdata.Source) *MeanReversionAdapter {
	return &MeanReversionAdapter{
		name:       name,
		cfg:        cfg,
		barFetcher: barFetcher{source: src, lookback: cfg.Period, now: time.Now},
	}
}

func (a *MeanReversionAdapter) Name() string { return a.name }

func (a *MeanReversionAdapter) Fetch(ctx context.Context, symbol string) (any, error) {
	return a.fetch(ctx, symbol)
}

func (a *MeanReversionAdapter) GenerateSignal(symbol string, raw any) *signal.Reading {
	return a.stamp(a.FromBars(symbol, asBars(raw)))
}

func (a *MeanReversionAdapter) FromBars(symbol string, bars []marketdata.Bar) *signal.Reading {
	closes := marketdata.Closes(bars)
	if len(closes) < a.cfg.Period {
		return nil
	}
	mean := marketdata.SMA(closes, a.cfg.Period)
	sd := marketdata.StdDev(closes, a.cfg.Period)
	if sd == 0 {
		return nil
	}
	price := lastClose(bars)
	z := (price - mean) / sd
	if math.Abs(z) < a.cfg.Threshold {
		return nil
	}
	dir := signal.Short
	if z < 0 {
		dir = signal.Long
	}
	conf := 55 + math.Min(35, (math.Abs(z)-a.cfg.Threshold)*20)
	return &signal.Reading{Direction: dir, Confidence: conf, Price: price, Timestamp: bars[len(bars)-1].Time}
}

type BreakoutConfig struct {
	Period int `yaml:"period" default:"20" validate:"gte=2"`
	// breakout volume must exceed the channel average by this multiple
	VolumeMultiple float64 `yaml:"volume_multiple" default:"1.2" validate:"gte=0"`
}

// BreakoutAdapter votes when the last close leaves the prior Donchian channel.
type BreakoutAdapter struct {
	name string
	cfg  BreakoutConfig
	barFetcher
}

func NewBreakoutAdapter(name string, cfg BreakoutConfig, src marketdata.Source) *BreakoutAdapter {
	return &BreakoutAdapter{
		name:       name,
		cfg:        cfg,
		barFetcher: barFetcher{source: src, lookback: cfg.Period + 1, now: time.Now},
	}
}

func (a *BreakoutAdapter) Name() string { return a.name }

func (a *BreakoutAdapter) Fetch(ctx context.Context, symbol string) (any, error) {
	return a.fetch(ctx, symbol)
}

func (a *BreakoutAdapter) GenerateSignal(symbol string, raw any) *signal.Reading {
	return a.stamp(a.FromBars(symbol, asBars(raw)))
}

func (a *BreakoutAdapter) FromBars(symbol string, bars []marketdata.Bar) *signal.Reading {
	if len(bars) < a.cfg.Period+1 {
		return nil
	}
	hi, lo := marketdata.HighLow(bars, a.cfg.Period)
	last := bars[len(bars)-1]
	prior := bars[len(bars)-1-a.cfg.Period : len(bars)-1]
	avgVol := marketdata.AverageVolume(prior, 0)

	var dir signal.Direction
	var dist float64
	switch {
	case last.Close > hi:
		dir, dist = signal.Long, (last.Close-hi)/hi
	case last.Close < lo && lo > 0:
		dir, dist = signal.Short, (lo-last.Close)/lo
	default:
		return nil
	}

	conf := 60 + math.Min(20, dist*1000)
	if avgVol > 0 {
		if last.Volume >= avgVol*a.cfg.VolumeMultiple {
			conf += 10
		} else {
			conf -= 15
		}
	}
	return &signal.Reading{Direction: dir, Confidence: signal.ClampConfidence(conf), Price: last.Close, Timestamp: last.Time}
}
