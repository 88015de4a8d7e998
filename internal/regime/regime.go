package regime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
)

type Regime string

const (
	Calm     Regime = "CALM"
	Normal   Regime = "NORMAL"
	Trending Regime = "TRENDING"
	Volatile Regime = "VOLATILE"
	Crisis   Regime = "CRISIS"
)

type Config struct {
	Enabled  bool `yaml:"enabled" default:"true"`
	Lookback int  `yaml:"lookback" default:"20" validate:"gte=2"`
	// annualized realized volatility bands
	CalmVol     float64 `yaml:"calm_vol" default:"0.12" validate:"gte=0"`
	VolatileVol float64 `yaml:"volatile_vol" default:"0.30" validate:"gtfield=CalmVol"`
	CrisisVol   float64 `yaml:"crisis_vol" default:"0.50" validate:"gtfield=VolatileVol"`
	// absolute lookback return that counts as a trend
	TrendReturn float64 `yaml:"trend_return" default:"0.05" validate:"gt=0"`
	Deltas      Deltas  `yaml:"threshold_deltas"`
}

// Deltas are added to the base consensus threshold per regime.
type Deltas struct {
	Calm     float64 `yaml:"calm" default:"-5"`
	Normal   float64 `yaml:"normal" default:"0"`
	Trending float64 `yaml:"trending" default:"-5"`
	Volatile float64 `yaml:"volatile" default:"10"`
	Crisis   float64 `yaml:"crisis" default:"15"`
}

type Detector interface {
	Detect(ctx context.Context, symbol string) (Regime, error)
}

// Inputs are the market features a regime is judged from.
type Inputs struct {
	AnnualizedVol float64
	PeriodReturn  float64
}

// Classify applies the volatility bands first, then the trend test.
func Classify(in Inputs, cfg Config) Regime {
	switch {
	case in.AnnualizedVol >= cfg.CrisisVol:
		return Crisis
	case in.AnnualizedVol >= cfg.VolatileVol:
		return Volatile
	case math.Abs(in.PeriodReturn) >= cfg.TrendReturn:
		return Trending
	case in.AnnualizedVol < cfg.CalmVol:
		return Calm
	}
	return Normal
}

// VolatilityDetector classifies a symbol from its recent daily bars.
type VolatilityDetector struct {
	src marketdata.Source
	cfg Config
	now func() time.Time
}

func NewVolatilityDetector(src marketdata.Source, cfg Config) *VolatilityDetector {
	return &VolatilityDetector{src: src, cfg: cfg, now: time.Now}
}

func (d *VolatilityDetector) Detect(ctx context.Context, symbol string) (Regime, error) {
	end := d.now()
	bars, err := d.src.Bars(ctx, symbol, end.AddDate(0, 0, -2*d.cfg.Lookback-10), end)
	if err != nil {
		return Normal, fmt.Errorf("regime %s: %w", symbol, err)
	}
	return d.FromBars(symbol, bars)
}

// FromBars classifies using the last Lookback+1 bars.
func (d *VolatilityDetector) FromBars(symbol string, bars []marketdata.Bar) (Regime, error) {
	if len(bars) < d.cfg.Lookback+1 {
		return Normal, fmt.Errorf("regime %s: %d bars, need %d: %w", symbol, len(bars), d.cfg.Lookback+1, marketdata.ErrNoData)
	}
	bars = bars[len(bars)-d.cfg.Lookback-1:]
	return Classify(Inputs{
		AnnualizedVol: marketdata.AnnualizedVolatility(bars, 0),
		PeriodReturn:  marketdata.PeriodReturn(bars, d.cfg.Lookback),
	}, d.cfg), nil
}

// Static always reports the same regime.
type Static Regime

func (s Static) Detect(context.Context, string) (Regime, error) {
	return Regime(s), nil
}

type Policy struct {
	Deltas Deltas
}

func NewPolicy(d Deltas) Policy { return Policy{Deltas: d} }

func (p Policy) Delta(r Regime) float64 {
	switch r {
	case Calm:
		return p.Deltas.Calm
	case Trending:
		return p.Deltas.Trending
	case Volatile:
		return p.Deltas.Volatile
	case Crisis:
		return p.Deltas.Crisis
	}
	return p.Deltas.Normal
}

// Threshold is base plus the regime delta, kept within [0, 100].
func (p Policy) Threshold(base float64, r Regime) float64 {
	return math.Min(100, math.Max(0, base+p.Delta(r)))
}
