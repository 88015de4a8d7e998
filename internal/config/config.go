package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/backtest"
	"github.com/Rajchodisetti/consensus-engine/internal/circuit"
	"github.com/Rajchodisetti/consensus-engine/internal/costmodel"
	"github.com/Rajchodisetti/consensus-engine/internal/decision"
	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/outbox"
	"github.com/Rajchodisetti/consensus-engine/internal/ratelimit"
	"github.com/Rajchodisetti/consensus-engine/internal/regime"
	"github.com/Rajchodisetti/consensus-engine/internal/scheduler"
	"github.com/Rajchodisetti/consensus-engine/internal/tracker"
	"github.com/Rajchodisetti/consensus-engine/internal/weights"
)

const (
	KindTechnical     = "technical"
	KindMeanReversion = "mean_reversion"
	KindBreakout      = "breakout"
	KindSentiment     = "sentiment"
	KindRemote        = "remote"
	KindStatic        = "static"
)

type StaticReading struct {
	Symbol     string  `yaml:"symbol" validate:"required"`
	Direction  string  `yaml:"direction" validate:"required"`
	Confidence float64 `yaml:"confidence" validate:"gte=0,lte=100"`
	Price      float64 `yaml:"price" validate:"gte=0"`
}

// Source declares one signal source. Only the block matching Kind is used.
type Source struct {
	Name      string           `yaml:"name" validate:"required"`
	Kind      string           `yaml:"kind" validate:"oneof=technical mean_reversion breakout sentiment remote static"`
	Weight    float64          `yaml:"weight" validate:"gte=0"`
	Disabled  bool             `yaml:"disabled"`
	Timeout   time.Duration    `yaml:"timeout" default:"10s" validate:"gt=0"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Breaker   *circuit.Config  `yaml:"breaker"`

	Technical     *adapters.TechnicalConfig     `yaml:"technical"`
	MeanReversion *adapters.MeanReversionConfig `yaml:"mean_reversion"`
	Breakout      *adapters.BreakoutConfig      `yaml:"breakout"`
	Sentiment     *adapters.SentimentConfig     `yaml:"sentiment"`
	Remote        *adapters.RemoteConfig        `yaml:"remote"`
	Static        []StaticReading               `yaml:"static" validate:"dive"`
}

type MarketData struct {
	Provider   string        `yaml:"provider" default:"yahoo" validate:"oneof=yahoo fixture synthetic"`
	FixtureDir string        `yaml:"fixture_dir" default:"testdata/bars"`
	CacheTTL   time.Duration `yaml:"cache_ttl" default:"15m"`
	// synthetic provider only
	SyntheticBars int `yaml:"synthetic_bars" default:"500" validate:"gte=0"`
}

type Server struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	Addr            string        `yaml:"addr" default:"127.0.0.1:8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

type Config struct {
	Log        observ.LogConfig   `yaml:"log"`
	Server     Server             `yaml:"server"`
	Scheduler  scheduler.Config   `yaml:"scheduler"`
	Decision   decision.Config    `yaml:"decision"`
	Regime     regime.Config      `yaml:"regime"`
	Weights    weights.Config     `yaml:"weights"`
	Breaker    circuit.Config     `yaml:"breaker"`
	Sources    []Source           `yaml:"sources" validate:"required,min=1,unique=Name,dive"`
	MarketData MarketData         `yaml:"market_data"`
	Costs      costmodel.Config   `yaml:"costs"`
	Backtest   backtest.Config    `yaml:"backtest"`
	Outbox     outbox.Config      `yaml:"outbox"`
	Kafka      outbox.KafkaConfig `yaml:"kafka"`
	Redis      tracker.Config     `yaml:"redis"`
}

var validate = validator.New()

// Load reads path, applies defaults and validates. Environment overrides are
// not applied; see LoadWithEnv.
func Load(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes YAML bytes the same way Load decodes a file.
func Parse(b []byte) (*Config, error) {
	c, err := decode(b)
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

func parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(b)
}

func decode(b []byte) (*Config, error) {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

func (c *Config) finish() error {
	if err := c.normalize(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// normalize fills per-source defaults and derives base weights from the
// source list when weights.base is not given.
func (c *Config) normalize() error {
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := defaults.Set(s); err != nil {
			return fmt.Errorf("source %q defaults: %w", s.Name, err)
		}
		var block any
		switch s.Kind {
		case KindTechnical:
			if s.Technical == nil {
				s.Technical = &adapters.TechnicalConfig{}
			}
			block = s.Technical
		case KindMeanReversion:
			if s.MeanReversion == nil {
				s.MeanReversion = &adapters.MeanReversionConfig{}
			}
			block = s.MeanReversion
		case KindBreakout:
			if s.Breakout == nil {
				s.Breakout = &adapters.BreakoutConfig{}
			}
			block = s.Breakout
		case KindSentiment:
			if s.Sentiment == nil {
				s.Sentiment = &adapters.SentimentConfig{}
			}
			block = s.Sentiment
		case KindRemote:
			if s.Remote == nil {
				s.Remote = &adapters.RemoteConfig{}
			}
			block = s.Remote
		}
		if block != nil {
			if err := defaults.Set(block); err != nil {
				return fmt.Errorf("source %q defaults: %w", s.Name, err)
			}
		}
		if s.Breaker != nil {
			if err := defaults.Set(s.Breaker); err != nil {
				return fmt.Errorf("source %q breaker defaults: %w", s.Name, err)
			}
		}
	}
	for i, sym := range c.Scheduler.Symbols {
		norm, err := marketdata.NormalizeSymbol(sym)
		if err != nil {
			return fmt.Errorf("scheduler.symbols[%d]: %w", i, err)
		}
		c.Scheduler.Symbols[i] = norm
	}
	if len(c.Weights.Base) == 0 {
		c.Weights.Base = c.BaseWeights()
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, s := range c.Sources {
		if s.Kind == KindSentiment && !s.Disabled && s.Sentiment.APIKey == "" {
			return fmt.Errorf("source %q: sentiment api_key is required", s.Name)
		}
	}
	var active int
	for _, s := range c.Sources {
		if !s.Disabled && s.Weight > 0 {
			active++
		}
	}
	if active == 0 {
		return errors.New("at least one enabled source needs a positive weight")
	}
	return nil
}

// BaseWeights maps enabled sources to their configured weight.
func (c *Config) BaseWeights() map[string]float64 {
	out := map[string]float64{}
	for _, s := range c.Sources {
		if !s.Disabled && s.Weight > 0 {
			out[s.Name] = s.Weight
		}
	}
	return out
}

func (c *Config) RateLimits() map[string]ratelimit.Config {
	out := map[string]ratelimit.Config{}
	for _, s := range c.Sources {
		if s.RateLimit.RPS > 0 {
			out[s.Name] = s.RateLimit
		}
	}
	return out
}

func (c *Config) BreakerOverrides() map[string]circuit.Config {
	out := map[string]circuit.Config{}
	for _, s := range c.Sources {
		if s.Breaker != nil {
			out[s.Name] = *s.Breaker
		}
	}
	return out
}
