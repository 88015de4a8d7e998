package circuit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/Rajchodisetti/consensus-engine/internal/observ"
)

// ErrCircuitOpen is returned without invoking the wrapped call while the
// breaker is rejecting traffic.
var ErrCircuitOpen = errors.New("circuit open")

type StateName string

const (
	Closed   StateName = "CLOSED"
	Open     StateName = "OPEN"
	HalfOpen StateName = "HALF_OPEN"
)

func nameOf(s gobreaker.State) StateName {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	}
	return Closed
}

func gaugeOf(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold" default:"5" validate:"gte=1"`
	SuccessThreshold uint32        `yaml:"success_threshold" default:"2" validate:"gte=1"`
	Timeout          time.Duration `yaml:"timeout" default:"60s"`
}

// State is a point-in-time view of one breaker.
type State struct {
	Source       string    `json:"source"`
	State        StateName `json:"state"`
	FailureCount uint32    `json:"failure_count"`
	SuccessCount uint32    `json:"success_count"`
	LastFailure  time.Time `json:"last_failure_time,omitempty"`
	LastSuccess  time.Time `json:"last_success_time,omitempty"`
}

type Option func(*Breaker)

// WithFailurePredicate limits which errors count as failures. Errors it
// rejects are passed through without touching the counts.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

type Breaker struct {
	name      string
	cfg       Config
	cb        *gobreaker.CircuitBreaker
	isFailure func(error) bool

	mu          sync.Mutex
	lastFailure time.Time
	lastSuccess time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{name: name, cfg: cfg, isFailure: func(err error) bool { return err != nil }}
	for _, o := range opts {
		o(b)
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !b.isFailure(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn().Str("source", name).Str("from", string(nameOf(from))).Str("to", string(nameOf(to))).Msg("circuit state change")
			observ.IncBreakerTransition(name, string(nameOf(from)), string(nameOf(to)))
			observ.SetBreakerState(name, gaugeOf(to))
		},
	})
	observ.SetBreakerState(name, 0)
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Config() Config { return b.cfg }

// Call runs fn through the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(b, func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn through the breaker and returns its value.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		b.record(err)
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func (b *Breaker) record(err error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.lastSuccess = now
	case b.isFailure(err):
		b.lastFailure = now
	}
}

// State reports the breaker, applying the lazy OPEN to HALF_OPEN transition.
func (b *Breaker) State() State {
	st := b.cb.State()
	c := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Source:       b.name,
		State:        nameOf(st),
		FailureCount: c.ConsecutiveFailures,
		SuccessCount: c.ConsecutiveSuccesses,
		LastFailure:  b.lastFailure,
		LastSuccess:  b.lastSuccess,
	}
}

// Registry keeps one breaker per source.
type Registry struct {
	mu       sync.RWMutex
	defaults Config
	configs  map[string]Config
	breakers map[string]*Breaker
}

func NewRegistry(defaults Config, perSource map[string]Config) *Registry {
	return &Registry{defaults: defaults, configs: perSource, breakers: map[string]*Breaker{}}
}

// Get returns the breaker for a source, creating it on first use.
func (r *Registry) Get(source string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[source]; ok {
		return b
	}
	cfg, ok := r.configs[source]
	if !ok {
		cfg = r.defaults
	}
	b = New(source, cfg)
	r.breakers[source] = b
	return b
}

// Reconfigure replaces breakers whose thresholds changed. Replaced breakers
// start CLOSED.
func (r *Registry) Reconfigure(perSource map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconfigure(perSource)
}

// ReconfigureAll is Reconfigure with new defaults for sources that have no
// override.
func (r *Registry) ReconfigureAll(defaults Config, perSource map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = defaults
	r.reconfigure(perSource)
}

func (r *Registry) reconfigure(perSource map[string]Config) {
	r.configs = perSource
	for name, b := range r.breakers {
		want, ok := perSource[name]
		if !ok {
			want = r.defaults
		}
		if want.withDefaults() != b.cfg {
			r.breakers[name] = New(name, want)
		}
	}
}

func (r *Registry) States() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
