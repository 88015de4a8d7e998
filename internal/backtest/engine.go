package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/costmodel"
	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type Config struct {
	InitialCapital   float64          `yaml:"initial_capital" default:"100000" validate:"gt=0"`
	PositionSizePct  float64          `yaml:"position_size_pct" default:"0.1" validate:"gt=0,lte=1"`
	Lookback         int              `yaml:"lookback" default:"60" validate:"gte=1"`
	MinHoldingBars   int              `yaml:"min_holding_bars" default:"3" validate:"gte=0"`
	MaxHoldingBars   int              `yaml:"max_holding_bars" default:"20" validate:"gte=0"`
	StopLossPct      float64          `yaml:"stop_loss_pct" default:"0.02" validate:"gte=0,lt=1"`
	TakeProfitPct    float64          `yaml:"take_profit_pct" default:"0.04" validate:"gte=0"`
	VolatilityWindow int              `yaml:"volatility_window" default:"20" validate:"gte=2"`
	Compliance       ComplianceConfig `yaml:"compliance"`
}

// OutcomeRecorder receives per-source outcomes when trades close.
type OutcomeRecorder interface {
	UpdatePerformance(source string, wasCorrect bool, confidence float64)
}

type Request struct {
	Symbol        string
	Start, End    time.Time
	MinConfidence float64
	// Strategy overrides the engine's strategy for this run.
	Strategy Strategy
	// Config overrides the engine's configuration for this run.
	Config *Config
}

type SkippedTrade struct {
	Time   time.Time        `json:"time"`
	Side   signal.Direction `json:"side"`
	Reason string           `json:"reason"`
}

type Report struct {
	Symbol     string              `json:"symbol"`
	Strategy   string              `json:"strategy"`
	Start      time.Time           `json:"start"`
	End        time.Time           `json:"end"`
	Metrics    Metrics             `json:"metrics"`
	Trades     []Trade             `json:"trades"`
	Skipped    []SkippedTrade      `json:"skipped,omitempty"`
	Equity     []EquityPoint       `json:"equity"`
	Costs      costmodel.Breakdown `json:"costs"`
	Compliance ComplianceReport    `json:"compliance"`
}

// Engine replays history through a strategy with cost-adjusted fills.
type Engine struct {
	cfg      Config
	data     marketdata.Source
	analyzer *costmodel.Analyzer
	strategy Strategy
	feedback OutcomeRecorder
}

func NewEngine(cfg Config, data marketdata.Source, costs *costmodel.Model, strategy Strategy) *Engine {
	return &Engine{
		cfg:      cfg,
		data:     data,
		analyzer: costmodel.NewAnalyzer(costs),
		strategy: strategy,
	}
}

// SetFeedback routes closed-trade outcomes to rec, typically the weight
// manager.
func (e *Engine) SetFeedback(rec OutcomeRecorder) { e.feedback = rec }

func (e *Engine) Config() Config { return e.cfg }

// RunBacktest returns nil metrics, without error, when history is too short
// so batch callers can move on.
func (e *Engine) RunBacktest(ctx context.Context, symbol string, start, end time.Time, minConfidence float64) (*Metrics, error) {
	rep, err := e.Run(ctx, Request{Symbol: symbol, Start: start, End: end, MinConfidence: minConfidence})
	var ide *InsufficientDataError
	if errors.As(err, &ide) {
		log.Warn().Err(err).Str("symbol", symbol).Msg("backtest skipped")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rep.Metrics, nil
}

type position struct {
	side       signal.Direction
	qty        float64
	entryFill  float64
	entryTime  time.Time
	entryIdx   int
	stop       float64
	target     float64
	confidence float64
	costs      float64
	sources    map[string]signal.Vote
}

type run struct {
	e       *Engine
	cfg     Config
	symbol  string
	cash    float64
	pos     *position
	trades  []Trade
	skipped []SkippedTrade
	equity  []EquityPoint
	costs   costmodel.Breakdown
	hist    []marketdata.Bar
}

// RunBatch runs req for each symbol. Symbols without enough history are
// logged and returned in skipped; any other error stops the batch.
func (e *Engine) RunBatch(ctx context.Context, req Request, symbols []string) ([]*Report, []string, error) {
	var (
		reports []*Report
		skipped []string
	)
	for _, sym := range symbols {
		req.Symbol = sym
		rep, err := e.Run(ctx, req)
		var ide *InsufficientDataError
		switch {
		case errors.As(err, &ide):
			log.Warn().Err(err).Str("symbol", sym).Msg("backtest skipped")
			skipped = append(skipped, sym)
			continue
		case err != nil:
			return reports, skipped, fmt.Errorf("%s: %w", sym, err)
		}
		reports = append(reports, rep)
	}
	return reports, skipped, nil
}

func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	cfg := e.cfg
	if req.Config != nil {
		cfg = *req.Config
	}
	strat := e.strategy
	if req.Strategy != nil {
		strat = req.Strategy
	}
	if strat == nil {
		return nil, errors.New("backtest: no strategy")
	}
	symbol := strings.ToUpper(req.Symbol)

	bars, err := e.data.Bars(ctx, symbol, req.Start, req.End)
	if err != nil {
		if errors.Is(err, marketdata.ErrNoData) {
			observ.IncBacktestRun("insufficient_data")
			return nil, &InsufficientDataError{Symbol: symbol, Need: cfg.Lookback + 2, Err: err}
		}
		observ.IncBacktestRun("error")
		return nil, fmt.Errorf("backtest %s: %w", symbol, err)
	}
	if need := cfg.Lookback + 2; len(bars) < need {
		observ.IncBacktestRun("insufficient_data")
		return nil, &InsufficientDataError{Symbol: symbol, Have: len(bars), Need: need}
	}

	r := &run{e: e, cfg: cfg, symbol: symbol, cash: cfg.InitialCapital}
	compliance := NewCompliance(cfg.Compliance)

	for i := cfg.Lookback; i < len(bars); i++ {
		if err := ctx.Err(); err != nil {
			observ.IncBacktestRun("cancelled")
			return nil, err
		}
		bar := bars[i]
		r.hist = bars[:i+1]

		if r.pos != nil {
			r.checkExits(bar, i)
		}

		if !compliance.Halted() {
			sig, err := strat.Signal(ctx, symbol, r.hist)
			if err != nil {
				observ.IncBacktestRun("error")
				return nil, fmt.Errorf("backtest %s: strategy %s at %s: %w", symbol, strat.Name(), bar.Time.Format("2006-01-02"), err)
			}
			if sig != nil && sig.Direction != signal.Neutral && sig.Confidence >= req.MinConfidence {
				if err := r.onSignal(sig, bar, i); err != nil {
					return nil, err
				}
			}
		}

		eq := r.markToMarket(bar.Close)
		r.equity = append(r.equity, EquityPoint{Time: bar.Time, Equity: eq})
		if compliance.Update(eq, bar.Time) {
			rep := compliance.Report()
			observ.Log("compliance_halt", map[string]any{
				"symbol":       symbol,
				"reason":       rep.HaltReason,
				"at":           bar.Time,
				"equity":       eq,
				"drawdown_pct": rep.WorstDrawdownPct,
				"flattened":    r.pos != nil,
			})
			if r.pos != nil {
				if err := r.close(bar.Close, bar.Time, i, "compliance_halt"); err != nil {
					return nil, err
				}
				r.equity[len(r.equity)-1].Equity = r.cash
			}
		}
	}

	last := bars[len(bars)-1]
	if r.pos != nil {
		if err := r.close(last.Close, last.Time, len(bars)-1, "end_of_data"); err != nil {
			return nil, err
		}
		r.equity[len(r.equity)-1].Equity = r.cash
	}

	m := ComputeMetrics(r.trades, r.equity, cfg.InitialCapital)
	m.SkippedTrades = len(r.skipped)
	observ.IncBacktestRun("ok")
	log.Info().Str("symbol", symbol).Str("strategy", strat.Name()).Int("trades", m.TotalTrades).
		Float64("return_pct", m.TotalReturnPct).Float64("sharpe", m.SharpeRatio).
		Float64("max_dd_pct", m.MaxDrawdownPct).Msg("backtest complete")

	return &Report{
		Symbol:     symbol,
		Strategy:   strat.Name(),
		Start:      bars[cfg.Lookback].Time,
		End:        last.Time,
		Metrics:    m,
		Trades:     r.trades,
		Skipped:    r.skipped,
		Equity:     r.equity,
		Costs:      r.costs,
		Compliance: compliance.Report(),
	}, nil
}

func (r *run) markToMarket(price float64) float64 {
	if r.pos == nil {
		return r.cash
	}
	if r.pos.side == signal.Short {
		return r.cash - r.pos.qty*price
	}
	return r.cash + r.pos.qty*price
}

// checkExits applies stop-loss, take-profit and max holding, in that order.
func (r *run) checkExits(bar marketdata.Bar, i int) {
	p := r.pos
	long := p.side == signal.Long
	var price float64
	var why string
	switch {
	case p.stop > 0 && long && bar.Low <= p.stop:
		price, why = math.Min(p.stop, bar.Open), "stop_loss"
	case p.stop > 0 && !long && bar.High >= p.stop:
		price, why = math.Max(p.stop, bar.Open), "stop_loss"
	case p.target > 0 && long && bar.High >= p.target:
		price, why = math.Max(p.target, bar.Open), "take_profit"
	case p.target > 0 && !long && bar.Low <= p.target:
		price, why = math.Min(p.target, bar.Open), "take_profit"
	case r.cfg.MaxHoldingBars > 0 && i-p.entryIdx >= r.cfg.MaxHoldingBars:
		price, why = bar.Close, "max_holding"
	default:
		return
	}
	if err := r.close(price, bar.Time, i, why); err != nil {
		log.Warn().Err(err).Str("symbol", r.symbol).Msg("exit pricing failed, closing at raw price")
		r.closeAt(price, price, bar.Time, i, why)
	}
}

func (r *run) onSignal(sig *signal.Signal, bar marketdata.Bar, i int) error {
	if r.pos != nil {
		if r.pos.side == sig.Direction || i-r.pos.entryIdx < r.cfg.MinHoldingBars {
			return nil
		}
		if err := r.close(bar.Close, bar.Time, i, "reversal"); err != nil {
			return err
		}
	}
	err := r.open(sig, bar, i)
	switch {
	case errors.Is(err, ErrInvalidPositionSize), errors.Is(err, ErrInsufficientCapital):
		r.skipped = append(r.skipped, SkippedTrade{Time: bar.Time, Side: sig.Direction, Reason: err.Error()})
		log.Warn().Err(err).Str("symbol", r.symbol).Time("at", bar.Time).Msg("trade skipped")
		return nil
	case err != nil:
		return fmt.Errorf("backtest %s: %w", r.symbol, err)
	}
	return nil
}

func (r *run) marketInputs() (avgVol, vol float64) {
	return marketdata.AverageVolume(r.hist, r.cfg.VolatilityWindow), marketdata.RealizedVolatility(r.hist, r.cfg.VolatilityWindow)
}

func (r *run) open(sig *signal.Signal, bar marketdata.Bar, i int) error {
	price := bar.Close
	equity := r.markToMarket(price)
	avgVol, vol := r.marketInputs()

	guess := equity * r.cfg.PositionSizePct / price
	if !(guess > 0) || math.IsInf(guess, 0) {
		return fmt.Errorf("%w: %.4f shares at %.2f", ErrInvalidPositionSize, guess, price)
	}
	fill, b, err := r.fill(sig.Direction, guess, price, avgVol, vol, true)
	if err != nil {
		return err
	}
	qty, err := sizePosition(equity, r.cash, r.cfg.PositionSizePct, fill)
	if err != nil {
		return err
	}
	// sized at fill, so the breakdown priced at guess scales to qty
	r.record(b, qty/guess)

	p := &position{
		side:       sig.Direction,
		qty:        qty,
		entryFill:  fill,
		entryTime:  bar.Time,
		entryIdx:   i,
		confidence: sig.Confidence,
		costs:      math.Abs(fill-price) * qty,
		sources:    sig.Sources,
	}
	if sig.Direction == signal.Long {
		r.cash -= qty * fill
		p.stop, p.target = price*(1-r.cfg.StopLossPct), price*(1+r.cfg.TakeProfitPct)
	} else {
		r.cash += qty * fill
		p.stop, p.target = price*(1+r.cfg.StopLossPct), price*(1-r.cfg.TakeProfitPct)
	}
	if r.cfg.StopLossPct <= 0 {
		p.stop = 0
	}
	if r.cfg.TakeProfitPct <= 0 {
		p.target = 0
	}
	r.pos = p
	return nil
}

// sizePosition converts the capital fraction into shares at fill. The
// notional must be positive and covered by available cash.
func sizePosition(equity, cash, pct, fill float64) (float64, error) {
	if fill <= 0 || equity <= 0 || pct <= 0 {
		return 0, fmt.Errorf("%w: equity %.2f, pct %.4f, fill %.4f", ErrInvalidPositionSize, equity, pct, fill)
	}
	qty := equity * pct / fill
	if !(qty > 0) || math.IsInf(qty, 0) {
		return 0, fmt.Errorf("%w: %.4f shares", ErrInvalidPositionSize, qty)
	}
	if qty*fill > cash+1e-9 {
		return 0, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCapital, qty*fill, cash)
	}
	return qty, nil
}

func (r *run) close(price float64, at time.Time, i int, why string) error {
	avgVol, vol := r.marketInputs()
	fill, b, err := r.fill(r.pos.side, r.pos.qty, price, avgVol, vol, false)
	if err != nil {
		return err
	}
	r.record(b, 1)
	r.closeAt(price, fill, at, i, why)
	return nil
}

func (r *run) closeAt(price, fill float64, at time.Time, i int, why string) {
	p := r.pos
	var pnl float64
	if p.side == signal.Long {
		r.cash += p.qty * fill
		pnl = (fill - p.entryFill) * p.qty
	} else {
		r.cash -= p.qty * fill
		pnl = (p.entryFill - fill) * p.qty
	}
	t := Trade{
		Symbol:     r.symbol,
		Side:       p.side,
		EntryTime:  p.entryTime,
		ExitTime:   at,
		EntryPrice: p.entryFill,
		ExitPrice:  fill,
		Quantity:   p.qty,
		PnL:        pnl,
		PnLPct:     pnl / (p.entryFill * p.qty) * 100,
		Confidence: p.confidence,
		Costs:      p.costs + math.Abs(fill-price)*p.qty,
		ExitReason: why,
		HoldBars:   i - p.entryIdx,
	}
	for src := range p.sources {
		t.Sources = append(t.Sources, src)
	}
	sort.Strings(t.Sources)
	r.trades = append(r.trades, t)
	r.pos = nil
	r.feedback(p, pnl > 0)
}

// feedback credits each contributing source: a source was right when its
// vote matches the direction the market actually rewarded.
func (r *run) feedback(p *position, profitable bool) {
	if r.e.feedback == nil {
		return
	}
	realized := p.side
	if !profitable {
		realized = p.side.Opposite()
	}
	for src, v := range p.sources {
		r.e.feedback.UpdatePerformance(src, v.Direction == realized, v.Confidence)
	}
}

// fill prices a position's entry or exit through the analyzer. Fills and the
// report's cost breakdown come from the same computation.
func (r *run) fill(side signal.Direction, qty, price, avgVol, vol float64, isEntry bool) (float64, costmodel.Breakdown, error) {
	return r.e.analyzer.ApplyCosts(costmodel.Order{
		Symbol: r.symbol, Side: side, Quantity: qty, Price: price,
		Type: costmodel.Market, AvgVolume: avgVol, Volatility: vol,
	}, isEntry)
}

// record adds a fill's breakdown, scaled to the shares actually traded, to
// the run totals.
func (r *run) record(b costmodel.Breakdown, scale float64) {
	r.costs.Commission += b.Commission * scale
	r.costs.Spread += b.Spread * scale
	r.costs.Slippage += b.Slippage * scale
	r.costs.MarketImpact += b.MarketImpact * scale
	r.costs.Total += b.Total * scale
}
