package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/decision"
	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/regime"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

// Strategy decides, from the history up to and including the current bar,
// whether a signal fires on that bar. A nil signal means none.
type Strategy interface {
	Name() string
	Signal(ctx context.Context, symbol string, history []marketdata.Bar) (*signal.Signal, error)
}

// ConsensusStrategy replays bar-driven adapters through the same Combine the
// live engine uses.
type ConsensusStrategy struct {
	Signalers []adapters.BarSignaler
	Weights   decision.WeightSource
	Options   decision.CombineOptions
	// optional regime threshold adjustment
	Regime *regime.VolatilityDetector
	Policy regime.Policy
}

func (s *ConsensusStrategy) Name() string { return "consensus" }

func (s *ConsensusStrategy) Signal(ctx context.Context, symbol string, history []marketdata.Bar) (*signal.Signal, error) {
	if len(history) == 0 {
		return nil, nil
	}
	last := history[len(history)-1]
	readings := make([]signal.Reading, 0, len(s.Signalers))
	for _, sg := range s.Signalers {
		r := sg.FromBars(symbol, history)
		if r == nil {
			continue
		}
		r.Source = sg.Name()
		r.Timestamp = last.Time
		readings = append(readings, *r)
	}

	opts := s.Options
	opts.Now = last.Time
	reg := ""
	if s.Regime != nil {
		if rg, err := s.Regime.FromBars(symbol, history); err == nil {
			opts.Threshold = s.Policy.Threshold(opts.Threshold, rg)
			reg = string(rg)
		}
	}
	out := decision.Combine(symbol, readings, s.Weights.Weights(), opts)
	if !out.Emit {
		return nil, nil
	}
	rj, _ := json.Marshal(out.Reason)
	entry := last.Close
	return &signal.Signal{
		Symbol:     symbol,
		Direction:  out.Direction,
		Confidence: out.Confidence,
		Sources:    out.Votes,
		Timestamp:  last.Time,
		EntryPrice: &entry,
		Reasoning:  string(rj),
		Strategy:   s.Name(),
		Regime:     reg,
	}, nil
}

type FixedSignal struct {
	Date       time.Time        `json:"date"`
	Direction  signal.Direction `json:"direction"`
	Confidence float64          `json:"confidence"`
}

// FixedStrategy plays back a predetermined signal sequence keyed by date.
type FixedStrategy struct {
	byDate map[string]FixedSignal
}

func NewFixedStrategy(sigs []FixedSignal) *FixedStrategy {
	f := &FixedStrategy{byDate: make(map[string]FixedSignal, len(sigs))}
	for _, s := range sigs {
		f.byDate[dayKey(s.Date)] = s
	}
	return f
}

// LoadFixedStrategy reads a JSON array of FixedSignal.
func LoadFixedStrategy(path string) (*FixedStrategy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sigs []FixedSignal
	if err := json.Unmarshal(b, &sigs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, s := range sigs {
		if !s.Direction.Valid() {
			return nil, fmt.Errorf("%s: %s: %w", path, s.Date.Format("2006-01-02"), signal.ErrInvalidDirection)
		}
	}
	return NewFixedStrategy(sigs), nil
}

func (f *FixedStrategy) Name() string { return "fixed" }

func (f *FixedStrategy) Signal(ctx context.Context, symbol string, history []marketdata.Bar) (*signal.Signal, error) {
	if len(history) == 0 {
		return nil, nil
	}
	last := history[len(history)-1]
	s, ok := f.byDate[dayKey(last.Time)]
	if !ok {
		return nil, nil
	}
	entry := last.Close
	return &signal.Signal{
		Symbol:     symbol,
		Direction:  s.Direction,
		Confidence: s.Confidence,
		Timestamp:  last.Time,
		EntryPrice: &entry,
		Strategy:   f.Name(),
	}, nil
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
