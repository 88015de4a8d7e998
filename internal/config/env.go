package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
)

const envPrefix = "CONSENSUS_"

// LoadWithEnv loads .env (when present), then path, then applies CONSENSUS_*
// overrides before validating.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	get := func(k string) string { return strings.TrimSpace(getenv(envPrefix + k)) }

	if v := get("SYMBOLS"); v != "" {
		c.Scheduler.Symbols = splitList(v)
	}
	if v := get("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sPOLL_INTERVAL: %w", envPrefix, err)
		}
		c.Scheduler.PollInterval = d
	}
	if v := get("THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sTHRESHOLD: %w", envPrefix, err)
		}
		c.Decision.Threshold = f
	}
	if v := get("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := get("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := get("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := get("MARKET_DATA"); v != "" {
		c.MarketData.Provider = v
	}
	if v := get("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
		c.Kafka.Enabled = true
	}
	if v := get("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := get("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := get("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := get("ALPHAVANTAGE_API_KEY"); v != "" {
		for i := range c.Sources {
			s := &c.Sources[i]
			if s.Kind != KindSentiment {
				continue
			}
			if s.Sentiment == nil {
				s.Sentiment = &adapters.SentimentConfig{}
			}
			if s.Sentiment.APIKey == "" {
				s.Sentiment.APIKey = v
			}
		}
	}
	if v := get("REMOTE_API_KEY"); v != "" {
		for i := range c.Sources {
			s := &c.Sources[i]
			if s.Kind == KindRemote && s.Remote != nil && s.Remote.APIKey == "" {
				s.Remote.APIKey = v
			}
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
