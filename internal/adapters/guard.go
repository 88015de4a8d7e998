package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/circuit"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/ratelimit"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

const DefaultTimeout = 10 * time.Second

type GuardOptions struct {
	Breakers *circuit.Registry
	Limiters *ratelimit.Manager
	Health   *HealthRegistry
	Timeout  time.Duration
	MaxWait  time.Duration
}

// Guard puts one adapter behind its rate limiter, circuit breaker and call
// timeout. Every adapter is wrapped the same way.
type Guard struct {
	adapter  SourceAdapter
	breakers *circuit.Registry
	limiters *ratelimit.Manager
	health   *Health
	timeout  time.Duration
	maxWait  time.Duration
	now      func() time.Time
}

func NewGuard(a SourceAdapter, opts GuardOptions) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Breakers == nil {
		opts.Breakers = circuit.NewRegistry(circuit.Config{}, nil)
	}
	if opts.Health == nil {
		opts.Health = NewHealthRegistry()
	}
	return &Guard{
		adapter:  a,
		breakers: opts.Breakers,
		limiters: opts.Limiters,
		health:   opts.Health.For(a.Name()),
		timeout:  opts.Timeout,
		maxWait:  opts.MaxWait,
		now:      time.Now,
	}
}

func (g *Guard) Name() string { return g.adapter.Name() }

func (g *Guard) Adapter() SourceAdapter { return g.adapter }

// Poll returns the source's reading for symbol. A nil reading with a nil
// error is "no opinion". Errors are ErrRateLimited, circuit.ErrCircuitOpen or
// ErrSourceUnavailable and never need more than logging by the caller.
func (g *Guard) Poll(ctx context.Context, symbol string) (*signal.Reading, error) {
	name := g.adapter.Name()

	var lim *ratelimit.Limiter
	if g.limiters != nil {
		lim = g.limiters.For(name)
	}
	if !lim.WaitForTokens(ctx, 1, g.maxWait) {
		observ.ObservePoll(name, "rate_limited", 0)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, name)
	}

	start := time.Now()
	raw, err := circuit.Execute(g.breakers.Get(name), func() (any, error) {
		return g.fetch(ctx, symbol)
	})
	elapsed := time.Since(start)
	switch {
	case errors.Is(err, circuit.ErrCircuitOpen):
		observ.ObservePoll(name, "circuit_open", 0)
		return nil, err
	case err != nil:
		g.health.RecordError(err)
		observ.ObservePoll(name, "unavailable", elapsed)
		log.Debug().Err(err).Str("source", name).Str("symbol", symbol).Msg("source fetch failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, name, err)
	}
	g.health.RecordSuccess(elapsed)

	if raw == nil {
		observ.ObservePoll(name, "no_data", elapsed)
		return nil, nil
	}
	r := generate(g.adapter, symbol, raw)
	if r == nil || !r.Direction.Valid() {
		observ.ObservePoll(name, "no_opinion", elapsed)
		return nil, nil
	}
	out := *r
	out.Source = name
	out.Confidence = signal.ClampConfidence(out.Confidence)
	if out.Timestamp.IsZero() {
		out.Timestamp = g.now()
	}
	observ.ObservePoll(name, "ok", elapsed)
	return &out, nil
}

// fetch enforces the per-source timeout even when the adapter ignores ctx.
func (g *Guard) fetch(ctx context.Context, symbol string) (any, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		raw any
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := g.adapter.Fetch(cctx, symbol)
		done <- result{raw, err}
	}()
	select {
	case r := <-done:
		return r.raw, r.err
	case <-cctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", symbol, cctx.Err())
	}
}
