package backtest

import (
	"math"
	"time"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

// MaxProfitFactor stands in for an infinite profit factor when there are
// profits and no losses.
const MaxProfitFactor = 999.0

type Trade struct {
	Symbol     string           `json:"symbol"`
	Side       signal.Direction `json:"side"`
	EntryTime  time.Time        `json:"entry_time"`
	ExitTime   time.Time        `json:"exit_time"`
	EntryPrice float64          `json:"entry_price"`
	ExitPrice  float64          `json:"exit_price"`
	Quantity   float64          `json:"quantity"`
	PnL        float64          `json:"pnl"`
	PnLPct     float64          `json:"pnl_pct"`
	Confidence float64          `json:"confidence"`
	Costs      float64          `json:"costs"`
	ExitReason string           `json:"exit_reason"`
	HoldBars   int              `json:"hold_bars"`
	Sources    []string         `json:"sources,omitempty"`
}

type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRatePct     float64 `json:"win_rate_pct"`
	TotalReturnPct float64 `json:"total_return_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	TotalCosts     float64 `json:"total_costs"`
	SkippedTrades  int     `json:"skipped_trades"`
	FinalEquity    float64 `json:"final_equity"`
}

// ComputeMetrics aggregates trades and an equity curve. It does not mutate
// its inputs.
func ComputeMetrics(trades []Trade, equity []EquityPoint, initial float64) Metrics {
	m := Metrics{TotalTrades: len(trades), FinalEquity: initial}
	var grossProfit, grossLoss float64
	for _, t := range trades {
		m.TotalCosts += t.Costs
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			grossProfit += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			grossLoss -= t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRatePct = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 {
		m.AvgWin = grossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = -grossLoss / float64(m.LosingTrades)
	}
	m.ProfitFactor = ProfitFactor(grossProfit, grossLoss)

	if len(equity) > 0 {
		m.FinalEquity = equity[len(equity)-1].Equity
	}
	if initial > 0 {
		m.TotalReturnPct = (m.FinalEquity/initial - 1) * 100
	}
	m.SharpeRatio = Sharpe(DailyReturns(equity))
	m.MaxDrawdownPct = MaxDrawdownPct(equity)
	return m
}

func ProfitFactor(grossProfit, grossLoss float64) float64 {
	switch {
	case grossLoss > 0:
		return math.Min(grossProfit/grossLoss, MaxProfitFactor)
	case grossProfit > 0:
		return MaxProfitFactor
	}
	return 0
}

func DailyReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			continue
		}
		out = append(out, equity[i].Equity/prev-1)
	}
	return out
}

// Sharpe is mean/std × sqrt(252) with the sample standard deviation. Zero
// when fewer than two returns or no variance.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd < 1e-12 {
		return 0
	}
	return mean / sd * math.Sqrt(252)
}

// MaxDrawdownPct is the minimum of (equity - running peak) / running peak,
// in percent. Never positive.
func MaxDrawdownPct(equity []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (p.Equity - peak) / peak * 100; dd < worst {
			worst = dd
		}
	}
	return worst
}
