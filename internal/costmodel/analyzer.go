package costmodel

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type Order struct {
	Symbol     string
	Side       signal.Direction
	Quantity   float64
	Price      float64
	Type       OrderType
	AvgVolume  float64
	Volatility float64
	// SpreadBps overrides the tier spread when positive.
	SpreadBps float64
}

// Breakdown is the four-component cost report used in backtest output.
type Breakdown struct {
	Commission   float64 `json:"commission"`
	Spread       float64 `json:"spread"`
	Slippage     float64 `json:"slippage"`
	MarketImpact float64 `json:"market_impact"`
	Total        float64 `json:"total"`
	TotalBps     float64 `json:"total_bps"`
	CostPerShare float64 `json:"cost_per_share"`
	FillPrice    float64 `json:"fill_price"`
}

// Analyzer decomposes order cost into commission, spread, slippage and impact.
type Analyzer struct {
	model *Model
}

func NewAnalyzer(m *Model) *Analyzer {
	return &Analyzer{model: m}
}

func (a *Analyzer) Analyze(o Order) (Breakdown, error) {
	if err := validate(o.Quantity, o.Price, o.AvgVolume, o.Volatility); err != nil {
		return Breakdown{}, err
	}
	if o.Quantity == 0 {
		return Breakdown{FillPrice: o.Price}, nil
	}
	cfg := a.model.cfg
	notional := o.Quantity * o.Price

	b := Breakdown{Commission: a.commission(o.Quantity, notional)}

	spreadBps := o.SpreadBps
	if spreadBps <= 0 {
		spreadBps = a.model.SpreadBps(a.model.ClassifyLiquidity(o.Symbol, o.AvgVolume))
	}
	halfSpread := o.Price * spreadBps / 2 / 10000
	b.Spread = halfSpread * o.Quantity

	var slipPerShare float64
	if o.Type != Limit {
		slipPerShare = o.Price * a.model.SlippageBps(o.Quantity, o.Price, o.AvgVolume, o.Volatility) / 10000
	}
	b.Slippage = slipPerShare * o.Quantity

	p := participation(o.Quantity, o.Price, o.AvgVolume)
	var impactPerShare float64
	if p >= cfg.ImpactThreshold && p > 0 {
		impactPerShare = o.Price * cfg.ImpactCoefficient * o.Volatility * math.Sqrt(p)
	}
	b.MarketImpact = impactPerShare * o.Quantity

	b.Total = b.Commission + b.Spread + b.Slippage + b.MarketImpact
	b.TotalBps = b.Total / notional * 10000
	b.CostPerShare = b.Total / o.Quantity

	sign := 1.0
	if o.Side == signal.Short {
		sign = -1
	}
	b.FillPrice = o.Price + sign*(halfSpread+slipPerShare+impactPerShare)
	return b, nil
}

// ApplyCosts prices the entry or exit of a position held on o.Side at the
// breakdown's all-in cost per share, so the returned fill pays exactly
// Breakdown.Total.
func (a *Analyzer) ApplyCosts(o Order, isEntry bool) (float64, Breakdown, error) {
	trade := o
	if !isEntry {
		trade.Side = o.Side.Opposite()
	}
	b, err := a.Analyze(trade)
	if err != nil {
		return 0, Breakdown{}, err
	}
	return adjustPrice(o.Price, b.CostPerShare, o.Side, isEntry), b, nil
}

// commission is per-share, floored at the minimum ticket and capped at a
// fraction of notional, rounded to cents.
func (a *Analyzer) commission(qty, notional float64) float64 {
	cfg := a.model.cfg
	c := qty * cfg.CommissionPerShare
	if c < cfg.MinCommission {
		c = cfg.MinCommission
	}
	if maxC := cfg.MaxCommissionPct * notional; cfg.MaxCommissionPct > 0 && c > maxC {
		c = maxC
	}
	return decimal.NewFromFloat(c).Round(2).InexactFloat64()
}
