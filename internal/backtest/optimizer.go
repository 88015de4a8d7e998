package backtest

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Grid lists candidate values per parameter. Empty dimensions keep the
// engine's configured value.
type Grid struct {
	MinConfidence   []float64 `json:"min_confidence" yaml:"min_confidence"`
	PositionSizePct []float64 `json:"position_size_pct" yaml:"position_size_pct"`
	StopLossPct     []float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct   []float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	MinHoldingBars  []int     `json:"min_holding_bars" yaml:"min_holding_bars"`
}

type Params struct {
	MinConfidence   float64 `json:"min_confidence"`
	PositionSizePct float64 `json:"position_size_pct"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	MinHoldingBars  int     `json:"min_holding_bars"`
}

// Combinations expands the grid against base.
func (g Grid) Combinations(base Config, minConfidence float64) []Params {
	minConf := orFloat(g.MinConfidence, minConfidence)
	size := orFloat(g.PositionSizePct, base.PositionSizePct)
	stop := orFloat(g.StopLossPct, base.StopLossPct)
	target := orFloat(g.TakeProfitPct, base.TakeProfitPct)
	hold := g.MinHoldingBars
	if len(hold) == 0 {
		hold = []int{base.MinHoldingBars}
	}
	var out []Params
	for _, c := range minConf {
		for _, s := range size {
			for _, sl := range stop {
				for _, tp := range target {
					for _, h := range hold {
						out = append(out, Params{c, s, sl, tp, h})
					}
				}
			}
		}
	}
	return out
}

func orFloat(vals []float64, def float64) []float64 {
	if len(vals) == 0 {
		return []float64{def}
	}
	return vals
}

type Result struct {
	Symbol string  `json:"symbol"`
	Params Params  `json:"params"`
	Report *Report `json:"report"`
}

type Optimizer struct {
	engine  *Engine
	workers int
}

func NewOptimizer(e *Engine, workers int) *Optimizer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Optimizer{engine: e, workers: workers}
}

// GridSearch runs every symbol × parameter combination on a bounded worker
// pool. Runs without enough data are skipped. Results are ranked by Sharpe,
// best first.
func (o *Optimizer) GridSearch(ctx context.Context, symbols []string, start, end time.Time, minConfidence float64, grid Grid) ([]Result, error) {
	combos := grid.Combinations(o.engine.cfg, minConfidence)

	var (
		mu       sync.Mutex
		results  []Result
		firstErr error
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, o.workers)

	for _, sym := range symbols {
		for _, p := range combos {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return nil, ctx.Err()
			}
			wg.Add(1)
			go func(sym string, p Params) {
				defer wg.Done()
				defer func() { <-sem }()

				cfg := o.engine.cfg
				cfg.PositionSizePct = p.PositionSizePct
				cfg.StopLossPct = p.StopLossPct
				cfg.TakeProfitPct = p.TakeProfitPct
				cfg.MinHoldingBars = p.MinHoldingBars

				rep, err := o.engine.Run(ctx, Request{Symbol: sym, Start: start, End: end, MinConfidence: p.MinConfidence, Config: &cfg})
				var ide *InsufficientDataError
				switch {
				case errors.As(err, &ide):
					log.Debug().Err(err).Str("symbol", sym).Msg("grid run skipped")
					return
				case err != nil:
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				mu.Lock()
				results = append(results, Result{Symbol: sym, Params: p, Report: rep})
				mu.Unlock()
			}(sym, p)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	sort.SliceStable(results, func(i, j int) bool {
		si, sj := results[i].Report.Metrics.SharpeRatio, results[j].Report.Metrics.SharpeRatio
		if si != sj {
			return si > sj
		}
		if results[i].Symbol != results[j].Symbol {
			return results[i].Symbol < results[j].Symbol
		}
		return results[i].Params.MinConfidence < results[j].Params.MinConfidence
	})
	log.Info().Int("runs", len(symbols)*len(combos)).Int("results", len(results)).Msg("grid search complete")
	return results, nil
}
