package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/regime"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type Config struct {
	Threshold           float64       `yaml:"threshold" default:"60" validate:"gte=0,lte=100"`
	MinSourceConfidence float64       `yaml:"min_source_confidence" default:"20" validate:"gte=0,lte=100"`
	MaxReadingAge       time.Duration `yaml:"max_reading_age" default:"5m"`
	EarlyExit           bool          `yaml:"early_exit" default:"true"`
	EarlyExitMargin     float64       `yaml:"early_exit_margin" default:"15" validate:"gte=0"`
	PrimarySources      int           `yaml:"primary_sources" default:"2" validate:"gte=1"`
	StopLossPct         float64       `yaml:"stop_loss_pct" default:"0.02" validate:"gte=0,lt=1"`
	TakeProfitPct       float64       `yaml:"take_profit_pct" default:"0.04" validate:"gte=0"`
	Strategy            string        `yaml:"strategy" default:"consensus"`
}

// Poller is one guarded source. adapters.Guard implements it.
type Poller interface {
	Name() string
	Poll(ctx context.Context, symbol string) (*signal.Reading, error)
}

// WeightSource supplies the current normalized source weights.
type WeightSource interface {
	Weights() map[string]float64
}

// Engine produces consensus signals. It holds no per-cycle state; the only
// thing that changes between cycles is what the weight source reports.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	policy   regime.Policy
	detector regime.Detector

	sources []Poller
	weights WeightSource
	now     func() time.Time
	newID   func() string
}

func NewEngine(cfg Config, sources []Poller, weights WeightSource, detector regime.Detector, policy regime.Policy) *Engine {
	return &Engine{
		cfg:      cfg,
		policy:   policy,
		detector: detector,
		sources:  sources,
		weights:  weights,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps thresholds at runtime.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

func (e *Engine) SetPolicy(p regime.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

func (e *Engine) Sources() []string {
	out := make([]string, len(e.sources))
	for i, s := range e.sources {
		out[i] = s.Name()
	}
	return out
}

// GenerateSignal returns the consensus signal for symbol, or nil when the
// cycle produces none.
func (e *Engine) GenerateSignal(ctx context.Context, symbol string) (*signal.Signal, error) {
	out, err := e.Evaluate(ctx, symbol)
	if err != nil || !out.Emit {
		return nil, err
	}
	return e.build(symbol, out)
}

// Evaluate runs one consensus cycle and returns the full outcome, including
// why a signal was suppressed.
func (e *Engine) Evaluate(ctx context.Context, symbol string) (*Outcome, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("decision: empty symbol")
	}
	cfg, policy := e.snapshot()

	threshold, reg := e.threshold(ctx, symbol, cfg.Threshold, policy)
	weights := e.weights.Weights()
	ordered := e.ordered(weights)
	opts := CombineOptions{
		Threshold:           threshold,
		MinSourceConfidence: cfg.MinSourceConfidence,
		MaxAge:              cfg.MaxReadingAge,
		Now:                 e.now(),
	}

	primary, rest := ordered, []Poller(nil)
	if cfg.EarlyExit && cfg.PrimarySources < len(ordered) {
		primary, rest = ordered[:cfg.PrimarySources], ordered[cfg.PrimarySources:]
	}

	failed := map[string]string{}
	readings := e.pollWave(ctx, symbol, primary, failed)
	var skipped []string
	early := false
	if len(rest) > 0 {
		partial := Combine(symbol, readings, weights, opts)
		if partial.Emit && partial.Confidence >= threshold+cfg.EarlyExitMargin {
			early = true
			for _, p := range rest {
				skipped = append(skipped, p.Name())
			}
			observ.IncEarlyExit()
			log.Debug().Str("symbol", symbol).Float64("confidence", partial.Confidence).
				Strs("skipped", skipped).Msg("early exit")
		} else {
			readings = append(readings, e.pollWave(ctx, symbol, rest, failed)...)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := Combine(symbol, readings, weights, opts)
	out.Reason.BaseThreshold = cfg.Threshold
	out.Reason.Regime = string(reg)
	out.Reason.EarlyExit = early
	out.Reason.Skipped = skipped
	if len(failed) > 0 {
		out.Reason.Failed = failed
	}
	if !out.Emit {
		observ.IncSuppressed(out.Blocked())
		log.Debug().Str("symbol", symbol).Str("gate", out.Blocked()).
			Float64("confidence", out.Confidence).Float64("threshold", threshold).Msg("no signal")
	}
	return &out, nil
}

func (e *Engine) snapshot() (Config, regime.Policy) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.policy
}

// threshold applies the regime delta. A failing detector leaves the base
// threshold in force.
func (e *Engine) threshold(ctx context.Context, symbol string, base float64, policy regime.Policy) (float64, regime.Regime) {
	if e.detector == nil {
		return base, ""
	}
	r, err := e.detector.Detect(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("regime detection failed, using base threshold")
		return base, ""
	}
	return policy.Threshold(base, r), r
}

// ordered sorts sources by weight descending, then name, and drops those
// with no weight.
func (e *Engine) ordered(weights map[string]float64) []Poller {
	out := make([]Poller, 0, len(e.sources))
	for _, s := range e.sources {
		if weights[s.Name()] > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := weights[out[i].Name()], weights[out[j].Name()]
		if wi != wj {
			return wi > wj
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// pollWave polls sources concurrently and returns readings in wave order.
func (e *Engine) pollWave(ctx context.Context, symbol string, wave []Poller, failed map[string]string) []signal.Reading {
	results := make([]*signal.Reading, len(wave))
	errs := make([]error, len(wave))
	var wg sync.WaitGroup
	for i, p := range wave {
		wg.Add(1)
		go func(i int, p Poller) {
			defer wg.Done()
			results[i], errs[i] = p.Poll(ctx, symbol)
		}(i, p)
	}
	wg.Wait()

	out := make([]signal.Reading, 0, len(wave))
	for i, p := range wave {
		if errs[i] != nil {
			failed[p.Name()] = errs[i].Error()
			log.Debug().Err(errs[i]).Str("source", p.Name()).Str("symbol", symbol).Msg("source skipped")
			continue
		}
		if results[i] != nil {
			out = append(out, *results[i])
		}
	}
	return out
}

func (e *Engine) build(symbol string, out *Outcome) (*signal.Signal, error) {
	cfg, _ := e.snapshot()
	sig := &signal.Signal{
		Symbol:     symbol,
		Direction:  out.Direction,
		Confidence: out.Confidence,
		Sources:    out.Votes,
		Timestamp:  e.now(),
		Strategy:   cfg.Strategy,
		Regime:     out.Reason.Regime,
	}
	if entry := latestPrice(out.Participants); entry > 0 {
		SetLevels(sig, entry, cfg.StopLossPct, cfg.TakeProfitPct)
	}
	rj, _ := json.Marshal(out.Reason)
	sig.Reasoning = string(rj)
	// every sink receives a copy; the id and hash tie them back together
	sig.ID = e.newID()
	sig.VerificationHash = signal.ContentHash(*sig)
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("decision: %w", err)
	}
	observ.IncSignal(symbol, string(sig.Direction), sig.Confidence)
	log.Info().Str("signal_id", sig.ID).Str("symbol", symbol).Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).Strs("sources", sig.SourceNames()).Msg("signal emitted")
	return sig, nil
}

// SetLevels fills entry, stop and target from an entry price.
func SetLevels(sig *signal.Signal, entry, stopPct, targetPct float64) {
	stop, target := entry*(1-stopPct), entry*(1+targetPct)
	if sig.Direction == signal.Short {
		stop, target = entry*(1+stopPct), entry*(1-targetPct)
	}
	sig.EntryPrice = &entry
	if stopPct > 0 {
		sig.StopPrice = &stop
	}
	if targetPct > 0 {
		sig.TargetPrice = &target
	}
}

func latestPrice(rs []signal.Reading) float64 {
	var price float64
	var at time.Time
	for _, r := range rs {
		if r.Price > 0 && (price == 0 || r.Timestamp.After(at)) {
			price, at = r.Price, r.Timestamp
		}
	}
	return price
}
