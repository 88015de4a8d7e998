// Package app assembles the long-lived components of the engine once at
// startup and re-applies configuration to them on reload.
package app

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/backtest"
	"github.com/Rajchodisetti/consensus-engine/internal/circuit"
	"github.com/Rajchodisetti/consensus-engine/internal/config"
	"github.com/Rajchodisetti/consensus-engine/internal/costmodel"
	"github.com/Rajchodisetti/consensus-engine/internal/decision"
	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/ratelimit"
	"github.com/Rajchodisetti/consensus-engine/internal/regime"
	"github.com/Rajchodisetti/consensus-engine/internal/scheduler"
	"github.com/Rajchodisetti/consensus-engine/internal/tracker"
	"github.com/Rajchodisetti/consensus-engine/internal/weights"
)

// Context holds every component the commands and the HTTP server share.
// Fields are set once by the injector; the cost model and backtest engine
// are swapped on reload and must be read through their accessors.
type Context struct {
	Reloader  *config.Reloader
	Bars      marketdata.Source
	Limiters  *ratelimit.Manager
	Breakers  *circuit.Registry
	Health    *adapters.HealthRegistry
	Sources   []*adapters.Guard
	Weights   *weights.Manager
	Regime    regime.Detector
	Engine    *decision.Engine
	Sinks     []scheduler.Sink
	Scheduler *scheduler.Scheduler
	// nil when redis is disabled
	Tracker *tracker.RedisTracker

	mu       sync.RWMutex
	cfg      *config.Config
	costs    *costmodel.Model
	backtest *backtest.Engine
}

// ProvideContext collects the components and subscribes the context to
// config reloads.
func ProvideContext(
	cfg *config.Config,
	reloader *config.Reloader,
	bars marketdata.Source,
	limiters *ratelimit.Manager,
	breakers *circuit.Registry,
	health *adapters.HealthRegistry,
	sources []*adapters.Guard,
	w *weights.Manager,
	det regime.Detector,
	engine *decision.Engine,
	costs *costmodel.Model,
	bt *backtest.Engine,
	sinks []scheduler.Sink,
	sched *scheduler.Scheduler,
	tr *tracker.RedisTracker,
) *Context {
	c := &Context{
		Reloader:  reloader,
		Bars:      bars,
		Limiters:  limiters,
		Breakers:  breakers,
		Health:    health,
		Sources:   sources,
		Weights:   w,
		Regime:    det,
		Engine:    engine,
		Sinks:     sinks,
		Scheduler: sched,
		Tracker:   tr,
		cfg:       cfg,
		costs:     costs,
		backtest:  bt,
	}
	reloader.OnReload(c.apply)
	return c
}

func (c *Context) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Context) Costs() *costmodel.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.costs
}

func (c *Context) Backtest() *backtest.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backtest
}

// ReloadConfig re-reads path (the startup path when empty) and applies the new
// thresholds, rates, breaker settings, base weights and cost parameters. The
// source list and guard timeouts are fixed for the life of the process.
func (c *Context) ReloadConfig(path string) error {
	_, err := c.Reloader.Reload(path)
	return err
}

func (c *Context) apply(next *config.Config) error {
	prev := c.Config()
	if changed := sourceSetChanged(prev, next); changed != "" {
		log.Warn().Str("source", changed).Msg("source list changed; restart to add or remove sources")
	}

	if err := observ.Setup(next.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	c.Engine.SetConfig(next.Decision)
	c.Engine.SetPolicy(regime.NewPolicy(next.Regime.Deltas))

	c.Breakers.ReconfigureAll(next.Breaker, next.BreakerOverrides())
	for _, s := range next.Sources {
		c.Limiters.SetRate(s.Name, s.RateLimit.RPS, s.RateLimit.Burst)
	}

	c.Weights.SetBase(next.Weights.Base)
	c.Scheduler.SetConfig(next.Scheduler)

	costs := costmodel.New(next.Costs)
	bt := backtest.NewEngine(next.Backtest, c.Bars, costs, consensusStrategy(next, c.Sources, c.Weights, c.Bars))

	c.mu.Lock()
	c.cfg = next
	c.costs = costs
	c.backtest = bt
	c.mu.Unlock()

	observ.Log("config_reloaded", map[string]any{
		"threshold":    next.Decision.Threshold,
		"base_weights": next.Weights.Base,
		"symbols":      next.Scheduler.Symbols,
	})
	return nil
}

// sourceSetChanged names the first source that was added or removed.
func sourceSetChanged(prev, next *config.Config) string {
	had := map[string]bool{}
	for _, s := range prev.Sources {
		if !s.Disabled {
			had[s.Name] = true
		}
	}
	for _, s := range next.Sources {
		if s.Disabled {
			continue
		}
		if !had[s.Name] {
			return s.Name
		}
		delete(had, s.Name)
	}
	for name := range had {
		return name
	}
	return ""
}
