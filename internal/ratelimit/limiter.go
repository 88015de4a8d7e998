package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPollInterval is how often WaitForTokens re-checks the bucket.
const DefaultPollInterval = 100 * time.Millisecond

type Config struct {
	RPS     float64       `yaml:"rps" validate:"gte=0"`
	Burst   int           `yaml:"burst" validate:"gte=0"`
	MaxWait time.Duration `yaml:"max_wait" default:"2s"`
}

// Limiter is a token bucket for one source. Capacity is the burst size and
// refill happens lazily on each acquire. A nil *Limiter is unlimited.
type Limiter struct {
	name string
	lim  *rate.Limiter
	poll time.Duration
}

func NewLimiter(name string, rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{name: name, lim: rate.NewLimiter(rate.Limit(rps), burst), poll: DefaultPollInterval}
}

func (l *Limiter) Name() string { return l.name }

// Acquire takes n tokens without blocking.
func (l *Limiter) Acquire(n int) bool {
	if l == nil {
		return true
	}
	return l.lim.AllowN(time.Now(), n)
}

// WaitForTokens polls the bucket until n tokens are taken, maxWait elapses or
// ctx is done. False means the caller should skip this source for the cycle.
func (l *Limiter) WaitForTokens(ctx context.Context, n int, maxWait time.Duration) bool {
	if l == nil {
		return true
	}
	if l.Acquire(n) {
		return true
	}
	if maxWait <= 0 {
		return false
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(l.poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return l.Acquire(n)
		case <-tick.C:
			if l.Acquire(n) {
				return true
			}
		}
	}
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	return l.lim.Tokens()
}

func (l *Limiter) SetRate(rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	now := time.Now()
	l.lim.SetLimitAt(now, rate.Limit(rps))
	l.lim.SetBurstAt(now, burst)
}

// Manager owns the per-source limiters configured at startup.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewManager(cfg map[string]Config) *Manager {
	m := &Manager{limiters: make(map[string]*Limiter, len(cfg))}
	for name, c := range cfg {
		if c.RPS > 0 {
			m.limiters[name] = NewLimiter(name, c.RPS, c.Burst)
		}
	}
	return m
}

// For returns the limiter for a source, or nil when the source is unlimited.
func (m *Manager) For(source string) *Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[source]
}

// SetRate reconfigures a source; rps <= 0 removes its limit.
func (m *Manager) SetRate(source string, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rps <= 0 {
		delete(m.limiters, source)
		return
	}
	if l, ok := m.limiters[source]; ok {
		l.SetRate(rps, burst)
		return
	}
	m.limiters[source] = NewLimiter(source, rps, burst)
}

type Stats struct {
	Source string  `json:"source"`
	RPS    float64 `json:"rps"`
	Burst  int     `json:"burst"`
	Tokens float64 `json:"tokens"`
}

func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.limiters))
	for name, l := range m.limiters {
		out = append(out, Stats{Source: name, RPS: float64(l.lim.Limit()), Burst: l.lim.Burst(), Tokens: l.lim.Tokens()})
	}
	return out
}
