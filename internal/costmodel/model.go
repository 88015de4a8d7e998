package costmodel

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/creasty/defaults"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// ErrCostModel marks malformed market-data inputs.
var ErrCostModel = errors.New("cost model: invalid input")

type InputError struct {
	Field string
	Value float64
}

func (e *InputError) Error() string {
	return fmt.Sprintf("cost model: invalid %s %v", e.Field, e.Value)
}

func (e *InputError) Unwrap() error { return ErrCostModel }

type Config struct {
	HighLiquiditySymbols []string `yaml:"high_liquidity_symbols" default:"[\"SPY\",\"QQQ\",\"IWM\",\"DIA\",\"AAPL\",\"MSFT\",\"NVDA\",\"AMZN\",\"GOOGL\",\"META\",\"TSLA\"]"`
	HighVolume           float64  `yaml:"high_volume" default:"10000000" validate:"gt=0"`
	MediumVolume         float64  `yaml:"medium_volume" default:"1000000" validate:"gt=0,ltfield=HighVolume"`
	HighSpreadBps        float64  `yaml:"high_spread_bps" default:"1" validate:"gte=0"`
	MediumSpreadBps      float64  `yaml:"medium_spread_bps" default:"5" validate:"gte=0"`
	LowSpreadBps         float64  `yaml:"low_spread_bps" default:"20" validate:"gte=0"`
	SlippageScale        float64  `yaml:"slippage_scale" default:"10" validate:"gte=0"`
	CommissionPerShare   float64  `yaml:"commission_per_share" default:"0.005" validate:"gte=0"`
	MinCommission        float64  `yaml:"min_commission" default:"1" validate:"gte=0"`
	MaxCommissionPct     float64  `yaml:"max_commission_pct" default:"0.01" validate:"gte=0,lte=1"`
	ImpactCoefficient    float64  `yaml:"impact_coefficient" default:"0.1" validate:"gte=0"`
	ImpactThreshold      float64  `yaml:"impact_threshold" default:"0.01" validate:"gte=0,lte=1"`
}

func DefaultConfig() Config {
	var c Config
	_ = defaults.Set(&c)
	return c
}

// Estimate is the per-trade cost decomposition of the simple model.
type Estimate struct {
	Tier          Tier    `json:"tier"`
	SpreadBps     float64 `json:"spread_bps"`
	SlippageBps   float64 `json:"slippage_bps"`
	SpreadCost    float64 `json:"spread_cost"`
	SlippageCost  float64 `json:"slippage_cost"`
	ImpactCost    float64 `json:"impact_cost"`
	Commission    float64 `json:"commission"`
	Total         float64 `json:"total"`
	CostPerShare  float64 `json:"cost_per_share"`
	Participation float64 `json:"participation"`
}

// Model prices a candidate trade. It holds configuration only.
type Model struct {
	cfg  Config
	high map[string]struct{}
}

func New(cfg Config) *Model {
	m := &Model{cfg: cfg, high: make(map[string]struct{}, len(cfg.HighLiquiditySymbols))}
	for _, s := range cfg.HighLiquiditySymbols {
		m.high[strings.ToUpper(s)] = struct{}{}
	}
	return m
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) ClassifyLiquidity(symbol string, avgVolume float64) Tier {
	if _, ok := m.high[strings.ToUpper(symbol)]; ok {
		return TierHigh
	}
	switch {
	case avgVolume > m.cfg.HighVolume:
		return TierHigh
	case avgVolume > m.cfg.MediumVolume:
		return TierMedium
	}
	return TierLow
}

func (m *Model) SpreadBps(t Tier) float64 {
	switch t {
	case TierHigh:
		return m.cfg.HighSpreadBps
	case TierMedium:
		return m.cfg.MediumSpreadBps
	}
	return m.cfg.LowSpreadBps
}

// participation is the trade's share of average daily dollar volume.
func participation(tradeSize, price, avgVolume float64) float64 {
	if avgVolume <= 0 || price <= 0 {
		return 0
	}
	return tradeSize * price / (avgVolume * price)
}

// SlippageBps applies the square-root law: volatility * sqrt(participation) * scale.
func (m *Model) SlippageBps(tradeSize, price, avgVolume, volatility float64) float64 {
	p := participation(tradeSize, price, avgVolume)
	if p <= 0 {
		return 0
	}
	return volatility * math.Sqrt(p) * m.cfg.SlippageScale
}

// CalculateSlippage returns the modeled slippage in dollars per share.
func (m *Model) CalculateSlippage(tradeSize, price, avgVolume, volatility float64) (float64, error) {
	if err := validate(tradeSize, price, avgVolume, volatility); err != nil {
		return 0, err
	}
	return price * m.SlippageBps(tradeSize, price, avgVolume, volatility) / 10000, nil
}

// impactPerShare is zero below the participation threshold.
func (m *Model) impactPerShare(tradeSize, price, avgVolume, volatility float64) float64 {
	p := participation(tradeSize, price, avgVolume)
	if p < m.cfg.ImpactThreshold || p <= 0 {
		return 0
	}
	return price * m.cfg.ImpactCoefficient * volatility * math.Sqrt(p)
}

func (m *Model) Estimate(tradeSize, price float64, symbol string, avgVolume, volatility float64, tier *Tier) (Estimate, error) {
	if err := validate(tradeSize, price, avgVolume, volatility); err != nil {
		return Estimate{}, err
	}
	t := m.ClassifyLiquidity(symbol, avgVolume)
	if tier != nil {
		t = *tier
	}
	e := Estimate{
		Tier:          t,
		SpreadBps:     m.SpreadBps(t),
		SlippageBps:   m.SlippageBps(tradeSize, price, avgVolume, volatility),
		Participation: participation(tradeSize, price, avgVolume),
	}
	e.SpreadCost = tradeSize * price * e.SpreadBps / 10000
	e.SlippageCost = tradeSize * price * e.SlippageBps / 10000
	e.ImpactCost = tradeSize * m.impactPerShare(tradeSize, price, avgVolume, volatility)
	e.Commission = tradeSize * m.cfg.CommissionPerShare
	e.Total = e.SpreadCost + e.SlippageCost + e.ImpactCost + e.Commission
	if tradeSize > 0 {
		e.CostPerShare = e.Total / tradeSize
	}
	return e, nil
}

// TotalCost is the expected dollar cost of the trade.
func (m *Model) TotalCost(tradeSize, price float64, symbol string, avgVolume, volatility float64, tier *Tier) (float64, error) {
	e, err := m.Estimate(tradeSize, price, symbol, avgVolume, volatility, tier)
	if err != nil {
		return 0, err
	}
	return e.Total, nil
}

// ApplyCostsToPrice moves a fill price against the trader: up for LONG entries
// and SHORT exits, down for LONG exits and SHORT entries.
func (m *Model) ApplyCostsToPrice(price float64, side signal.Direction, tradeSize float64, symbol string, avgVolume, volatility float64, isEntry bool) (float64, error) {
	e, err := m.Estimate(tradeSize, price, symbol, avgVolume, volatility, nil)
	if err != nil {
		return 0, err
	}
	return adjustPrice(price, e.CostPerShare, side, isEntry), nil
}

func adjustPrice(price, perShare float64, side signal.Direction, isEntry bool) float64 {
	switch {
	case side == signal.Long && isEntry, side == signal.Short && !isEntry:
		return price + perShare
	case side == signal.Long && !isEntry, side == signal.Short && isEntry:
		return price - perShare
	}
	return price
}

func validate(tradeSize, price, avgVolume, volatility float64) error {
	switch {
	case math.IsNaN(price) || math.IsInf(price, 0) || price <= 0:
		return &InputError{Field: "price", Value: price}
	case math.IsNaN(tradeSize) || tradeSize < 0:
		return &InputError{Field: "trade_size", Value: tradeSize}
	case math.IsNaN(avgVolume) || avgVolume < 0:
		return &InputError{Field: "avg_volume", Value: avgVolume}
	case math.IsNaN(volatility) || volatility < 0:
		return &InputError{Field: "volatility", Value: volatility}
	}
	return nil
}
