package decision

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

// Gates that suppress a signal. They double as the suppression metric label.
const (
	GateNoSources       = "no_sources"
	GateTie             = "tie"
	GateNeutralMajority = "neutral_majority"
	GateBelowThreshold  = "below_threshold"
)

type Reason struct {
	Confidence       float64            `json:"confidence"`
	Threshold        float64            `json:"threshold"`
	BaseThreshold    float64            `json:"base_threshold,omitempty"`
	Regime           string             `json:"regime,omitempty"`
	DirectionWeights map[string]float64 `json:"direction_weights"`
	PerSource        map[string]float64 `json:"per_source"`
	Filtered         map[string]string  `json:"filtered,omitempty"`
	Failed           map[string]string  `json:"failed,omitempty"`
	Skipped          []string           `json:"skipped,omitempty"`
	EarlyExit        bool               `json:"early_exit,omitempty"`
	GatesPassed      []string           `json:"gates_passed"`
	GatesBlocked     []string           `json:"gates_blocked"`
	Policy           string             `json:"policy"`
	WhatWouldChange  string             `json:"what_would_change_it,omitempty"`
}

// Outcome is the result of combining one cycle's readings.
type Outcome struct {
	Emit         bool
	Direction    signal.Direction
	Confidence   float64
	Votes        map[string]signal.Vote
	Participants []signal.Reading
	Reason       Reason
}

// Blocked is the first gate that suppressed the outcome, or "".
func (o Outcome) Blocked() string {
	if len(o.Reason.GatesBlocked) == 0 {
		return ""
	}
	return o.Reason.GatesBlocked[0]
}

type CombineOptions struct {
	Threshold           float64
	MinSourceConfidence float64
	// readings older than MaxAge at Now are dropped; zero disables the check
	MaxAge time.Duration
	Now    time.Time
}

// Combine folds readings into a single decision. Weights are restricted to the
// sources that passed the filters and renormalized over them, so a source that
// stayed silent never counts as a zero vote.
//
// Direction is the weight majority. Confidence is the renormalized weighted
// average in which readings that disagree with the majority contribute zero.
// A tie, a NEUTRAL majority or confidence below the threshold emits nothing.
func Combine(symbol string, readings []signal.Reading, weights map[string]float64, opts CombineOptions) Outcome {
	reason := Reason{
		Threshold:        opts.Threshold,
		DirectionWeights: map[string]float64{},
		PerSource:        map[string]float64{},
		GatesPassed:      []string{},
		GatesBlocked:     []string{},
		Policy:           fmt.Sprintf("weighted_majority; confidence>=%.1f", opts.Threshold),
	}
	out := Outcome{Direction: signal.Neutral, Votes: map[string]signal.Vote{}}

	var kept []signal.Reading
	var total float64
	for _, r := range readings {
		w := weights[r.Source]
		switch {
		case !r.Direction.Valid():
			reason.filter(r.Source, "invalid_direction")
		case w <= 0:
			reason.filter(r.Source, "zero_weight")
		case r.Confidence < opts.MinSourceConfidence:
			reason.filter(r.Source, "min_source_confidence")
		case opts.MaxAge > 0 && !opts.Now.IsZero() && !r.Timestamp.IsZero() && opts.Now.Sub(r.Timestamp) > opts.MaxAge:
			reason.filter(r.Source, "stale")
		default:
			r.Confidence = signal.ClampConfidence(r.Confidence)
			r.Weight = w
			kept = append(kept, r)
			total += w
		}
	}
	if len(kept) == 0 || total <= 0 {
		reason.GatesBlocked = append(reason.GatesBlocked, GateNoSources)
		reason.WhatWouldChange = "at least one fresh reading above the minimum source confidence"
		out.Reason = reason
		return out
	}
	reason.GatesPassed = append(reason.GatesPassed, "sources")

	byDir := map[signal.Direction]float64{}
	for i := range kept {
		kept[i].Weight /= total
		byDir[kept[i].Direction] += kept[i].Weight
		out.Votes[kept[i].Source] = signal.Vote{Direction: kept[i].Direction, Confidence: kept[i].Confidence, Weight: kept[i].Weight}
	}
	for d, w := range byDir {
		reason.DirectionWeights[string(d)] = w
	}
	out.Participants = kept

	dir, tie := majority(byDir)
	var conf float64
	for _, r := range kept {
		if r.Direction == dir {
			c := r.Weight * r.Confidence
			reason.PerSource[r.Source] = c
			conf += c
		} else {
			reason.PerSource[r.Source] = 0
		}
	}
	out.Direction = dir
	out.Confidence = conf
	reason.Confidence = conf

	switch {
	case tie:
		reason.GatesBlocked = append(reason.GatesBlocked, GateTie)
		reason.WhatWouldChange = "one direction carrying more weight than the others"
	case dir == signal.Neutral:
		reason.GatesBlocked = append(reason.GatesBlocked, GateNeutralMajority)
		reason.WhatWouldChange = "LONG or SHORT carrying the weight majority"
	case conf < opts.Threshold:
		reason.GatesBlocked = append(reason.GatesBlocked, GateBelowThreshold)
		reason.WhatWouldChange = fmt.Sprintf("%.1f more points of weighted confidence", opts.Threshold-conf)
	default:
		reason.GatesPassed = append(reason.GatesPassed, "majority", "threshold")
		out.Emit = true
	}
	out.Reason = reason
	return out
}

func (r *Reason) filter(source, why string) {
	if r.Filtered == nil {
		r.Filtered = map[string]string{}
	}
	r.Filtered[source] = why
}

// majority returns the heaviest direction and whether it is tied with another.
func majority(byDir map[signal.Direction]float64) (signal.Direction, bool) {
	dirs := make([]signal.Direction, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if byDir[dirs[i]] != byDir[dirs[j]] {
			return byDir[dirs[i]] > byDir[dirs[j]]
		}
		return dirs[i] < dirs[j]
	})
	if len(dirs) > 1 && math.Abs(byDir[dirs[0]]-byDir[dirs[1]]) < 1e-9 {
		return dirs[0], true
	}
	return dirs[0], false
}
