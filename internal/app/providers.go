package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/backtest"
	"github.com/Rajchodisetti/consensus-engine/internal/circuit"
	"github.com/Rajchodisetti/consensus-engine/internal/config"
	"github.com/Rajchodisetti/consensus-engine/internal/costmodel"
	"github.com/Rajchodisetti/consensus-engine/internal/decision"
	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/outbox"
	"github.com/Rajchodisetti/consensus-engine/internal/ratelimit"
	"github.com/Rajchodisetti/consensus-engine/internal/regime"
	"github.com/Rajchodisetti/consensus-engine/internal/scheduler"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
	"github.com/Rajchodisetti/consensus-engine/internal/tracker"
	"github.com/Rajchodisetti/consensus-engine/internal/weights"
)

// ConfigPath is the file the running configuration was loaded from.
type ConfigPath string

const syntheticStartPrice = 100.0

// ProvideMarketData picks the bar source named by market_data.provider.
func ProvideMarketData(cfg *config.Config) (marketdata.Source, error) {
	md := cfg.MarketData
	switch md.Provider {
	case "yahoo":
		return marketdata.NewCachedSource(marketdata.NewYahooSource(), md.CacheTTL), nil
	case "fixture":
		return marketdata.NewCachedSource(marketdata.NewFixtureSource(md.FixtureDir), md.CacheTTL), nil
	case "synthetic":
		mem := marketdata.NewMemorySource()
		start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -md.SyntheticBars)
		for i, sym := range cfg.Scheduler.Symbols {
			mem.Put(sym, marketdata.RandomWalk(start, md.SyntheticBars, int64(i+1), syntheticStartPrice, 0.0003, 0.015, 2_000_000))
		}
		return mem, nil
	}
	return nil, fmt.Errorf("unknown market data provider %q", md.Provider)
}

func ProvideLimiters(cfg *config.Config) *ratelimit.Manager {
	return ratelimit.NewManager(cfg.RateLimits())
}

func ProvideBreakers(cfg *config.Config) *circuit.Registry {
	return circuit.NewRegistry(cfg.Breaker, cfg.BreakerOverrides())
}

func ProvideHealth() *adapters.HealthRegistry {
	return adapters.NewHealthRegistry()
}

// ProvideSources builds every enabled source and puts it behind its guard.
func ProvideSources(cfg *config.Config, bars marketdata.Source, limiters *ratelimit.Manager, breakers *circuit.Registry, health *adapters.HealthRegistry) ([]*adapters.Guard, error) {
	out := make([]*adapters.Guard, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if s.Disabled {
			continue
		}
		a, err := buildAdapter(s, bars)
		if err != nil {
			return nil, err
		}
		out = append(out, adapters.NewGuard(a, adapters.GuardOptions{
			Breakers: breakers,
			Limiters: limiters,
			Health:   health,
			Timeout:  s.Timeout,
			MaxWait:  s.RateLimit.MaxWait,
		}))
		log.Debug().Str("source", s.Name).Str("kind", s.Kind).Float64("weight", s.Weight).Msg("source registered")
	}
	return out, nil
}

func buildAdapter(s config.Source, bars marketdata.Source) (adapters.SourceAdapter, error) {
	switch s.Kind {
	case config.KindTechnical:
		return adapters.NewTechnicalAdapter(s.Name, *s.Technical, bars), nil
	case config.KindMeanReversion:
		return adapters.NewMeanReversionAdapter(s.Name, *s.MeanReversion, bars), nil
	case config.KindBreakout:
		return adapters.NewBreakoutAdapter(s.Name, *s.Breakout, bars), nil
	case config.KindSentiment:
		return adapters.NewSentimentAdapter(s.Name, *s.Sentiment), nil
	case config.KindRemote:
		return adapters.NewRemoteAdapter(s.Name, *s.Remote), nil
	case config.KindStatic:
		a := adapters.NewStaticAdapter(s.Name)
		for _, r := range s.Static {
			dir, err := signal.ParseDirection(r.Direction)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", s.Name, err)
			}
			sym := strings.ToUpper(r.Symbol)
			a.Set(sym, dir, r.Confidence)
			if r.Price > 0 {
				a.SetPrice(sym, r.Price)
			}
		}
		return a, nil
	}
	return nil, fmt.Errorf("source %q: unknown kind %q", s.Name, s.Kind)
}

// ProvideRedis dials redis when it is enabled. A nil client means persistence
// is off.
func ProvideRedis(cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := tracker.Dial(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

func ProvideTracker(cfg *config.Config, client *redis.Client) *tracker.RedisTracker {
	if client == nil {
		return nil
	}
	return tracker.NewRedisTracker(client, cfg.Redis.Prefix, cfg.Redis.TTL)
}

func ProvideWeightStore(cfg *config.Config, client *redis.Client) *tracker.RedisWeightStore {
	if client == nil {
		return nil
	}
	return tracker.NewRedisWeightStore(client, cfg.Redis.Prefix)
}

// ProvideWeights starts from the configured base weights and, when a store is
// available, resumes from the last persisted weights.
func ProvideWeights(cfg *config.Config, store *tracker.RedisWeightStore) *weights.Manager {
	m := weights.NewManager(cfg.Weights)
	if store == nil {
		return m
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saved, err := store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("persisted weights unavailable, using base weights")
		return m
	}
	if len(saved) > 0 {
		m.Restore(saved)
		log.Info().Interface("weights", m.Weights()).Msg("weights restored")
	}
	return m
}

// ProvideDetector returns the volatility detector, or a fixed NORMAL regime
// when regime adjustment is off.
func ProvideDetector(cfg *config.Config, bars marketdata.Source) regime.Detector {
	if !cfg.Regime.Enabled {
		return regime.Static(regime.Normal)
	}
	return regime.NewVolatilityDetector(bars, cfg.Regime)
}

func ProvidePolicy(cfg *config.Config) regime.Policy {
	return regime.NewPolicy(cfg.Regime.Deltas)
}

func ProvideEngine(cfg *config.Config, sources []*adapters.Guard, w *weights.Manager, det regime.Detector, policy regime.Policy) *decision.Engine {
	pollers := make([]decision.Poller, len(sources))
	for i, s := range sources {
		pollers[i] = s
	}
	return decision.NewEngine(cfg.Decision, pollers, w, det, policy)
}

func ProvideCostModel(cfg *config.Config) *costmodel.Model {
	return costmodel.New(cfg.Costs)
}

// ProvideStrategy replays the bar-driven sources through the live weights.
// Sources that need a network call have no bar replay and are left out.
func ProvideStrategy(cfg *config.Config, sources []*adapters.Guard, w *weights.Manager, bars marketdata.Source) *backtest.ConsensusStrategy {
	return consensusStrategy(cfg, sources, w, bars)
}

func consensusStrategy(cfg *config.Config, sources []*adapters.Guard, w *weights.Manager, bars marketdata.Source) *backtest.ConsensusStrategy {
	var signalers []adapters.BarSignaler
	for _, g := range sources {
		if bs, ok := g.Adapter().(adapters.BarSignaler); ok {
			signalers = append(signalers, bs)
		}
	}
	s := &backtest.ConsensusStrategy{
		Signalers: signalers,
		Weights:   w,
		Options: decision.CombineOptions{
			Threshold:           cfg.Decision.Threshold,
			MinSourceConfidence: cfg.Decision.MinSourceConfidence,
		},
		Policy: regime.NewPolicy(cfg.Regime.Deltas),
	}
	if cfg.Regime.Enabled {
		s.Regime = regime.NewVolatilityDetector(bars, cfg.Regime)
	}
	return s
}

func ProvideBacktest(cfg *config.Config, bars marketdata.Source, costs *costmodel.Model, strategy *backtest.ConsensusStrategy) *backtest.Engine {
	return backtest.NewEngine(cfg.Backtest, bars, costs, strategy)
}

// ProvideSinks opens every enabled signal destination in a fixed order:
// outbox, kafka, tracker.
func ProvideSinks(cfg *config.Config, tr *tracker.RedisTracker) ([]scheduler.Sink, func(), error) {
	var sinks []scheduler.Sink
	cleanup := func() {}
	if cfg.Outbox.Enabled {
		ob, err := outbox.New(cfg.Outbox)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ob)
	}
	if cfg.Kafka.Enabled {
		pub, err := outbox.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, pub)
		cleanup = func() {
			if err := pub.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka writer close")
			}
		}
	}
	if tr != nil {
		sinks = append(sinks, tr)
	}
	return sinks, cleanup, nil
}

func ProvideScheduler(cfg *config.Config, engine *decision.Engine, w *weights.Manager, sinks []scheduler.Sink, store *tracker.RedisWeightStore) *scheduler.Scheduler {
	s := scheduler.New(cfg.Scheduler, engine, w, sinks...)
	if store != nil {
		s.SetStore(store)
	}
	return s
}

func ProvideReloader(path ConfigPath, cfg *config.Config) *config.Reloader {
	return config.NewReloader(string(path), cfg)
}
