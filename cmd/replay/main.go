package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/consensus-engine/internal/app"
	"github.com/Rajchodisetti/consensus-engine/internal/backtest"
	"github.com/Rajchodisetti/consensus-engine/internal/config"
	"github.com/Rajchodisetti/consensus-engine/internal/costmodel"
	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
	"github.com/Rajchodisetti/consensus-engine/internal/weights"
)

const dateLayout = "2006-01-02"

var (
	cfgPath       string
	provider      string
	startDate     string
	endDate       string
	minConfidence float64
	format        string

	strategyFile string
	feedback     bool

	gridFile string
	workers  int
	top      int

	shares float64
)

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical bars through the consensus strategy",
	Long: `replay runs the bar-driven sources over daily history with
cost-adjusted fills and prop-firm drawdown limits, and searches parameter
grids for the best risk-adjusted settings.`,
	SilenceUsage: true,
}

var backtestCmd = &cobra.Command{
	Use:   "backtest SYMBOL [SYMBOL...]",
	Short: "Backtest one or more symbols",
	Long: `backtest replays each SYMBOL between --start and --end and prints the
performance metrics, cost breakdown and compliance report.

Examples:
  replay backtest AAPL --start 2024-01-01 --end 2024-12-31
  replay backtest SPY QQQ --provider synthetic --format json
  replay backtest NVDA --strategy-file fixtures/nvda_signals.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBacktest,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize SYMBOL [SYMBOL...]",
	Short: "Grid-search backtest parameters",
	Long: `optimize runs every combination in --grid for each SYMBOL on a bounded
worker pool and prints the results ranked by Sharpe ratio.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOptimize,
}

var costCmd = &cobra.Command{
	Use:   "cost SYMBOL",
	Short: "Estimate the round-trip cost of a trade",
	Long: `cost prices a market order of --shares at the last close in the replay
window, using the window's average volume and realized volatility, and prints
the cost components with the cost-adjusted entry and exit fills.

Examples:
  replay cost AAPL --shares 500
  replay cost SPY --shares 20000 --end 2024-06-28 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runCost,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "config/consensus.yaml", "Path to the engine configuration")
	pf.StringVar(&provider, "provider", "", "Bar provider override: yahoo, fixture or synthetic")
	pf.StringVar(&startDate, "start", "", "First day of the replay (YYYY-MM-DD, default one year back)")
	pf.StringVar(&endDate, "end", "", "Last day of the replay (YYYY-MM-DD, default today)")
	pf.Float64Var(&minConfidence, "min-confidence", 0, "Ignore signals below this confidence")
	pf.StringVar(&format, "format", "table", "Output format: table or json")

	backtestCmd.Flags().StringVar(&strategyFile, "strategy-file", "", "Replay a fixed signal list instead of the consensus strategy")
	backtestCmd.Flags().BoolVar(&feedback, "feedback", false, "Feed closed-trade outcomes into the adaptive weights during the run")

	optimizeCmd.Flags().StringVar(&gridFile, "grid", "", "YAML file with the parameter grid")
	optimizeCmd.Flags().IntVar(&workers, "workers", 0, "Concurrent runs (default: number of CPUs)")
	optimizeCmd.Flags().IntVar(&top, "top", 10, "Print only the best N results")

	costCmd.Flags().Float64Var(&shares, "shares", 100, "Order size in shares")

	rootCmd.AddCommand(backtestCmd, optimizeCmd, costCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type replay struct {
	engine  *backtest.Engine
	weights *weights.Manager
	start   time.Time
	end     time.Time
}

// setup builds only the replay side of the engine: bars, bar-driven sources,
// weights, costs and the backtest engine. No sinks are opened.
func setup(symbols []string) (*replay, error) {
	cfg, err := config.LoadWithEnv(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := observ.Setup(cfg.Log); err != nil {
		return nil, err
	}
	if provider != "" {
		cfg.MarketData.Provider = provider
	}
	for i, s := range symbols {
		symbols[i] = strings.ToUpper(s)
	}
	cfg.Scheduler.Symbols = symbols

	start, end, err := window()
	if err != nil {
		return nil, err
	}

	bars, err := app.ProvideMarketData(cfg)
	if err != nil {
		return nil, err
	}
	sources, err := app.ProvideSources(cfg, bars, app.ProvideLimiters(cfg), app.ProvideBreakers(cfg), app.ProvideHealth())
	if err != nil {
		return nil, err
	}
	w := app.ProvideWeights(cfg, nil)
	strategy := app.ProvideStrategy(cfg, sources, w, bars)
	if len(strategy.Signalers) == 0 && strategyFile == "" {
		return nil, fmt.Errorf("no bar-driven sources enabled in %s; use --strategy-file", cfgPath)
	}
	engine := app.ProvideBacktest(cfg, bars, app.ProvideCostModel(cfg), strategy)
	if feedback {
		engine.SetFeedback(w)
	}
	return &replay{engine: engine, weights: w, start: start, end: end}, nil
}

func window() (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if endDate != "" {
		t, err := time.Parse(dateLayout, endDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
		}
		end = t
	}
	start := end.AddDate(-1, 0, 0)
	if startDate != "" {
		t, err := time.Parse(dateLayout, startDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is not before end %s", start.Format(dateLayout), end.Format(dateLayout))
	}
	return start, end, nil
}

func runBacktest(cmd *cobra.Command, args []string) error {
	r, err := setup(args)
	if err != nil {
		return err
	}
	req := backtest.Request{Start: r.start, End: r.end, MinConfidence: minConfidence}
	if strategyFile != "" {
		fixed, err := backtest.LoadFixedStrategy(strategyFile)
		if err != nil {
			return err
		}
		req.Strategy = fixed
	}

	reports, skipped, err := r.engine.RunBatch(cmd.Context(), req, args)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return fmt.Errorf("no symbol had enough history between %s and %s", r.start.Format(dateLayout), r.end.Format(dateLayout))
	}

	if format == "json" {
		return writeJSON(map[string]any{"reports": reports, "skipped": skipped})
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSTRATEGY\tTRADES\tWIN%\tRETURN%\tSHARPE\tMAXDD%\tPF\tCOSTS\tHALTED")
	for _, rep := range reports {
		m := rep.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%t\n",
			rep.Symbol, rep.Strategy, m.TotalTrades, m.WinRatePct, m.TotalReturnPct,
			m.SharpeRatio, m.MaxDrawdownPct, m.ProfitFactor, m.TotalCosts, rep.Compliance.TradingHalted)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(skipped) > 0 {
		fmt.Printf("\nskipped (insufficient data): %s\n", strings.Join(skipped, ", "))
	}
	if feedback {
		fmt.Println()
		for _, p := range r.weights.Performance() {
			fmt.Printf("%-16s weight %.3f (base %.3f, %d samples)\n", p.Source, p.Weight, p.Base, p.Samples)
		}
	}
	return nil
}

func runOptimize(cmd *cobra.Command, args []string) error {
	var grid backtest.Grid
	if gridFile != "" {
		b, err := os.ReadFile(gridFile)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(b, &grid); err != nil {
			return fmt.Errorf("parse %s: %w", gridFile, err)
		}
	}
	r, err := setup(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	results, err := backtest.NewOptimizer(r.engine, workers).GridSearch(ctx, args, r.start, r.end, minConfidence, grid)
	if err != nil {
		return err
	}
	if top > 0 && len(results) > top {
		results = results[:top]
	}

	if format == "json" {
		return writeJSON(results)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tMINCONF\tSIZE\tSTOP\tTARGET\tHOLD\tTRADES\tRETURN%\tSHARPE\tMAXDD%")
	for _, res := range results {
		p, m := res.Params, res.Report.Metrics
		fmt.Fprintf(tw, "%s\t%.0f\t%.2f\t%.3f\t%.3f\t%d\t%d\t%.2f\t%.2f\t%.2f\n",
			res.Symbol, p.MinConfidence, p.PositionSizePct, p.StopLossPct, p.TakeProfitPct, p.MinHoldingBars,
			m.TotalTrades, m.TotalReturnPct, m.SharpeRatio, m.MaxDrawdownPct)
	}
	return tw.Flush()
}

type costQuote struct {
	Symbol     string             `json:"symbol"`
	Shares     float64            `json:"shares"`
	Price      float64            `json:"price"`
	AvgVolume  float64            `json:"avg_volume"`
	Volatility float64            `json:"volatility"`
	Estimate   costmodel.Estimate `json:"estimate"`
	LongEntry  float64            `json:"long_entry"`
	LongExit   float64            `json:"long_exit"`
	ShortEntry float64            `json:"short_entry"`
	ShortExit  float64            `json:"short_exit"`
}

func runCost(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnv(cfgPath)
	if err != nil {
		return err
	}
	if err := observ.Setup(cfg.Log); err != nil {
		return err
	}
	if provider != "" {
		cfg.MarketData.Provider = provider
	}
	symbol, err := marketdata.NormalizeSymbol(args[0])
	if err != nil {
		return err
	}
	cfg.Scheduler.Symbols = []string{symbol}
	start, end, err := window()
	if err != nil {
		return err
	}
	src, err := app.ProvideMarketData(cfg)
	if err != nil {
		return err
	}
	bars, err := src.Bars(cmd.Context(), symbol, start, end)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return fmt.Errorf("%s: %w", symbol, marketdata.ErrNoData)
	}

	n := cfg.Backtest.VolatilityWindow
	q := costQuote{
		Symbol:     symbol,
		Shares:     shares,
		Price:      bars[len(bars)-1].Close,
		AvgVolume:  marketdata.AverageVolume(bars, n),
		Volatility: marketdata.RealizedVolatility(bars, n),
	}
	model := app.ProvideCostModel(cfg)
	if q.Estimate, err = model.Estimate(shares, q.Price, symbol, q.AvgVolume, q.Volatility, nil); err != nil {
		return err
	}
	fills := []struct {
		dst   *float64
		side  signal.Direction
		entry bool
	}{
		{&q.LongEntry, signal.Long, true},
		{&q.LongExit, signal.Long, false},
		{&q.ShortEntry, signal.Short, true},
		{&q.ShortExit, signal.Short, false},
	}
	for _, f := range fills {
		if *f.dst, err = model.ApplyCostsToPrice(q.Price, f.side, shares, symbol, q.AvgVolume, q.Volatility, f.entry); err != nil {
			return err
		}
	}

	if format == "json" {
		return writeJSON(q)
	}
	e := q.Estimate
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%.0f shares at %.2f (%s liquidity, %.2f%% of volume)\n", symbol, shares, q.Price, e.Tier, e.Participation*100)
	fmt.Fprintf(tw, "spread\t%.2f\t(%.1f bps)\n", e.SpreadCost, e.SpreadBps)
	fmt.Fprintf(tw, "slippage\t%.2f\t(%.1f bps)\n", e.SlippageCost, e.SlippageBps)
	fmt.Fprintf(tw, "impact\t%.2f\n", e.ImpactCost)
	fmt.Fprintf(tw, "commission\t%.2f\n", e.Commission)
	fmt.Fprintf(tw, "total\t%.2f\t(%.4f per share)\n", e.Total, e.CostPerShare)
	fmt.Fprintf(tw, "long\tin %.4f\tout %.4f\n", q.LongEntry, q.LongExit)
	fmt.Fprintf(tw, "short\tin %.4f\tout %.4f\n", q.ShortEntry, q.ShortExit)
	return tw.Flush()
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
