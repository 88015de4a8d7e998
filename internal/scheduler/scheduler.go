package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

type Config struct {
	Symbols       []string      `yaml:"symbols" validate:"required,min=1,dive,required"`
	PollInterval  time.Duration `yaml:"poll_interval" default:"5s" validate:"gt=0"`
	ReweightEvery int           `yaml:"reweight_every" default:"12" validate:"gte=0"`
	SinkTimeout   time.Duration `yaml:"sink_timeout" default:"5s" validate:"gt=0"`
	MaxConcurrent int           `yaml:"max_concurrent" default:"8" validate:"gte=1"`
}

type Generator interface {
	GenerateSignal(ctx context.Context, symbol string) (*signal.Signal, error)
}

// Sink receives emitted signals. Sinks are called fire-and-forget; a failing
// sink never blocks the next cycle.
type Sink interface {
	Name() string
	Emit(ctx context.Context, sig *signal.Signal) error
}

type PerformanceRecorder interface {
	UpdatePerformance(source string, wasCorrect bool, confidence float64)
}

type Reweighter interface {
	PerformanceRecorder
	AdjustWeights() map[string]float64
}

type WeightStore interface {
	Save(ctx context.Context, weights map[string]float64) error
}

// Scheduler drives polling cycles and owns reweighting: it is the only
// caller of AdjustWeights.
type Scheduler struct {
	gen     Generator
	weights Reweighter
	sinks   []Sink

	mu     sync.Mutex
	cfg    Config
	store  WeightStore
	cycles int

	inflight sync.WaitGroup
}

func New(cfg Config, gen Generator, weights Reweighter, sinks ...Sink) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{cfg: cfg, gen: gen, weights: weights, sinks: sinks}
}

func (s *Scheduler) SetStore(store WeightStore) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// SetConfig takes effect on the next cycle.
func (s *Scheduler) SetConfig(cfg Config) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// Run cycles until ctx is done, then waits for in-flight sink calls.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg := s.Config()
	lg := observ.Component("scheduler")
	lg.Info().Strs("symbols", cfg.Symbols).Dur("interval", cfg.PollInterval).Msg("scheduler started")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			lg.Info().Int("cycles", s.Cycles()).Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			if next := s.Config().PollInterval; next != cfg.PollInterval {
				cfg.PollInterval = next
				ticker.Reset(next)
			}
			s.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates every symbol concurrently, dispatches what was emitted
// and reweights when the cycle count says so. It returns the emitted
// signals.
func (s *Scheduler) RunCycle(ctx context.Context) []*signal.Signal {
	cfg := s.Config()

	var (
		mu      sync.Mutex
		emitted []*signal.Signal
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, cfg.MaxConcurrent)
	for _, sym := range cfg.Symbols {
		sym := strings.ToUpper(sym)
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			sig, err := s.gen.GenerateSignal(ctx, sym)
			if err != nil {
				log.Error().Err(err).Str("symbol", sym).Msg("signal generation failed")
				return
			}
			if sig == nil {
				return
			}
			mu.Lock()
			emitted = append(emitted, sig)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, sig := range emitted {
		s.dispatch(ctx, sig)
	}

	s.mu.Lock()
	s.cycles++
	due := cfg.ReweightEvery > 0 && s.cycles%cfg.ReweightEvery == 0
	s.mu.Unlock()
	if due && ctx.Err() == nil {
		s.Reweight(ctx)
	}
	return emitted
}

func (s *Scheduler) dispatch(ctx context.Context, sig *signal.Signal) {
	timeout := s.Config().SinkTimeout
	for _, sink := range s.sinks {
		sink := sink
		cp := *sig
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			if err := sink.Emit(sctx, &cp); err != nil {
				observ.IncSinkEmit(sink.Name(), "error")
				log.Warn().Err(err).Str("sink", sink.Name()).Str("symbol", cp.Symbol).Msg("sink emit failed")
				return
			}
			observ.IncSinkEmit(sink.Name(), "ok")
		}()
	}
}

// Wait blocks until every dispatched sink call has returned.
func (s *Scheduler) Wait() { s.inflight.Wait() }

// Reweight recomputes weights and persists the snapshot when a store is set.
func (s *Scheduler) Reweight(ctx context.Context) map[string]float64 {
	w := s.weights.AdjustWeights()
	s.mu.Lock()
	store := s.store
	timeout := s.cfg.SinkTimeout
	s.mu.Unlock()
	if store == nil {
		return w
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := store.Save(sctx, w); err != nil {
		log.Warn().Err(err).Msg("weight snapshot not saved")
	}
	return w
}

// RecordOutcome feeds a closed trade back into the weights. The realized
// direction is the signal's own when the trade was profitable and the
// opposite otherwise; each contributing source is scored against it.
func (s *Scheduler) RecordOutcome(sig signal.Signal, profitable bool) int {
	return RecordOutcome(s.weights, sig, profitable)
}

func RecordOutcome(rec PerformanceRecorder, sig signal.Signal, profitable bool) int {
	realized := sig.Direction
	if !profitable {
		realized = sig.Direction.Opposite()
	}
	for _, name := range sig.SourceNames() {
		v := sig.Sources[name]
		rec.UpdatePerformance(name, v.Direction == realized, v.Confidence)
	}
	log.Debug().Str("symbol", sig.Symbol).Str("realized", string(realized)).Int("sources", len(sig.Sources)).Msg("outcome recorded")
	return len(sig.Sources)
}
