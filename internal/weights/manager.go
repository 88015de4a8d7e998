package weights

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/observ"
)

type Config struct {
	Base             map[string]float64 `yaml:"base" validate:"required,min=1,dive,gt=0"`
	MinWeight        float64            `yaml:"min_weight" default:"0.05" validate:"gte=0,ltefield=MaxWeight"`
	MaxWeight        float64            `yaml:"max_weight" default:"0.5" validate:"gt=0,lte=1"`
	AdjustmentFactor float64            `yaml:"adjustment_factor" default:"0.1" validate:"gte=0,lte=1"`
	HistorySize      int                `yaml:"history_size" default:"100" validate:"gte=1"`
	MinSamples       int                `yaml:"min_samples" default:"10" validate:"gte=0"`
}

// Manager keeps per-source performance history and the current normalized
// weights. UpdatePerformance is safe from any goroutine; AdjustWeights is
// meant to be driven by a single reweighting job.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	base    map[string]float64
	current map[string]float64
	history map[string][]float64
}

func NewManager(cfg Config) *Manager {
	m := &Manager{cfg: cfg, history: map[string][]float64{}}
	m.setBase(cfg.Base)
	return m
}

func (m *Manager) setBase(base map[string]float64) {
	var total float64
	for _, v := range base {
		total += v
	}
	m.base = make(map[string]float64, len(base))
	for k, v := range base {
		if total > 0 {
			v /= total
		}
		m.base[k] = v
	}
	m.current = bounded(m.base, m.cfg.MinWeight, m.cfg.MaxWeight)
	m.export()
}

// UpdatePerformance records (correct ? 1 : 0) * confidence/100 for source.
// Sources without a base weight are ignored.
func (m *Manager) UpdatePerformance(source string, wasCorrect bool, confidence float64) {
	score := 0.0
	if wasCorrect {
		score = clamp(confidence, 0, 100) / 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.base[source]; !ok {
		log.Debug().Str("source", source).Msg("outcome for unknown source ignored")
		return
	}
	h := append(m.history[source], score)
	if over := len(h) - m.cfg.HistorySize; over > 0 {
		h = append([]float64(nil), h[over:]...)
	}
	m.history[source] = h
}

// AdjustWeights rebalances toward better-performing sources. Weights are
// returned unchanged until some source has more than MinSamples outcomes.
func (m *Manager) AdjustWeights() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	enough := false
	for src := range m.base {
		if len(m.history[src]) > m.cfg.MinSamples {
			enough = true
			break
		}
	}
	if !enough {
		return copyMap(m.current)
	}

	scores := map[string]float64{}
	for src := range m.base {
		if h := m.history[src]; len(h) > 0 {
			scores[src] = emaScore(h)
		}
	}
	var mean float64
	for _, s := range scores {
		mean += s
	}
	if len(scores) > 0 {
		mean /= float64(len(scores))
	}

	raw := make(map[string]float64, len(m.base))
	for src, base := range m.base {
		ratio := 1.0
		if s, ok := scores[src]; ok && mean > 0 {
			ratio = s / mean
		}
		raw[src] = base * (1 + m.cfg.AdjustmentFactor*(ratio-1))
	}

	next := bounded(raw, m.cfg.MinWeight, m.cfg.MaxWeight)
	if next == nil {
		log.Warn().Msg("weights collapsed to zero, falling back to base weights")
		next = bounded(m.base, m.cfg.MinWeight, m.cfg.MaxWeight)
	}
	m.current = next
	m.export()
	log.Info().Interface("weights", next).Interface("scores", scores).Msg("weights adjusted")
	return copyMap(next)
}

// GetWeight returns 0 for unknown sources.
func (m *Manager) GetWeight(source string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[source]
}

func (m *Manager) Weights() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyMap(m.current)
}

func (m *Manager) Base() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyMap(m.base)
}

// Sources lists configured sources, sorted.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.base))
	for s := range m.base {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) History(source string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.history[source]...)
}

type Performance struct {
	Source  string  `json:"source"`
	Weight  float64 `json:"weight"`
	Base    float64 `json:"base"`
	Samples int     `json:"samples"`
	Score   float64 `json:"score"`
}

func (m *Manager) Performance() []Performance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Performance, 0, len(m.base))
	for src, base := range m.base {
		p := Performance{Source: src, Weight: m.current[src], Base: base, Samples: len(m.history[src])}
		if p.Samples > 0 {
			p.Score = emaScore(m.history[src])
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Reset puts current weights back to the normalized base. History is kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = bounded(m.base, m.cfg.MinWeight, m.cfg.MaxWeight)
	m.export()
}

// SetBase installs new base weights, e.g. after a config reload.
func (m *Manager) SetBase(base map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setBase(base)
}

// Restore applies persisted weights for known sources and renormalizes.
func (m *Manager) Restore(saved map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]float64, len(m.base))
	for src, base := range m.base {
		if w, ok := saved[src]; ok && w > 0 {
			next[src] = w
		} else {
			next[src] = base
		}
	}
	if b := bounded(next, m.cfg.MinWeight, m.cfg.MaxWeight); b != nil {
		m.current = b
		m.export()
	}
}

func (m *Manager) export() {
	for src, w := range m.current {
		observ.SetWeight(src, w)
	}
}

// emaScore averages h with weights exp(linspace(-1, 0, n)), normalized, so
// the newest outcome counts most.
func emaScore(h []float64) float64 {
	n := len(h)
	if n == 1 {
		return h[0]
	}
	var num, den float64
	for i, v := range h {
		w := math.Exp(-1 + float64(i)/float64(n-1))
		num += w * v
		den += w
	}
	return num / den
}

// bounded clamps every weight to [lo, hi] and renormalizes to sum to 1 by
// moving the residual across weights that are not pinned at a bound. When the
// bounds cannot hold (n*lo > 1 or n*hi < 1) the sum wins. Returns nil if the
// clamped total is zero.
func bounded(raw map[string]float64, lo, hi float64) map[string]float64 {
	if len(raw) == 0 {
		return map[string]float64{}
	}
	w := make(map[string]float64, len(raw))
	for k, v := range raw {
		w[k] = clamp(math.Max(v, 0), lo, hi)
	}
	if sum(w) <= 0 {
		return nil
	}

	for iter := 0; iter <= 2*len(w); iter++ {
		diff := 1 - sum(w)
		if math.Abs(diff) < 1e-12 {
			return w
		}
		var free []string
		var freeTotal float64
		for k, v := range w {
			if (diff > 0 && v < hi) || (diff < 0 && v > lo) {
				free = append(free, k)
				freeTotal += v
			}
		}
		if len(free) == 0 {
			break
		}
		for _, k := range free {
			share := 1 / float64(len(free))
			if freeTotal > 0 {
				share = w[k] / freeTotal
			}
			w[k] = clamp(w[k]+diff*share, lo, hi)
		}
	}

	if s := sum(w); math.Abs(s-1) > 1e-9 && s > 0 {
		for k := range w {
			w[k] /= s
		}
	}
	return w
}

func sum(m map[string]float64) float64 {
	var s float64
	for _, v := range m {
		s += v
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func copyMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
