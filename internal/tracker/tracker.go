package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

var ErrNotFound = errors.New("signal not found")

type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" default:"localhost:6379"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	Prefix   string        `yaml:"prefix" default:"consensus"`
	TTL      time.Duration `yaml:"ttl" default:"720h"`
}

// Dial connects and pings.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisTracker records every emitted signal with an id and a content hash
// so it can be audited later. Signals expire after ttl; the per-symbol index
// is a sorted set scored by signal time.
type RedisTracker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	newID  func() string
}

func NewRedisTracker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl, newID: uuid.NewString}
}

func (t *RedisTracker) Name() string { return "tracker" }

func (t *RedisTracker) signalKey(id string) string {
	return fmt.Sprintf("%s:signal:%s", t.prefix, id)
}

func (t *RedisTracker) indexKey(symbol string) string {
	return fmt.Sprintf("%s:signals:%s", t.prefix, symbol)
}

// Track stores a copy of sig and returns it with ID and VerificationHash set.
func (t *RedisTracker) Track(ctx context.Context, sig signal.Signal) (signal.Signal, error) {
	if sig.ID == "" {
		sig.ID = t.newID()
	}
	sig.VerificationHash = signal.ContentHash(sig)
	data, err := json.Marshal(sig)
	if err != nil {
		return sig, err
	}
	if err := t.client.Set(ctx, t.signalKey(sig.ID), data, t.ttl).Err(); err != nil {
		return sig, fmt.Errorf("track %s: %w", sig.Symbol, err)
	}
	z := redis.Z{Score: float64(sig.Timestamp.UnixMilli()), Member: sig.ID}
	if err := t.client.ZAdd(ctx, t.indexKey(sig.Symbol), z).Err(); err != nil {
		return sig, fmt.Errorf("index %s: %w", sig.Symbol, err)
	}
	return sig, nil
}

func (t *RedisTracker) Emit(ctx context.Context, sig *signal.Signal) error {
	if sig == nil {
		return nil
	}
	_, err := t.Track(ctx, *sig)
	return err
}

func (t *RedisTracker) Get(ctx context.Context, id string) (*signal.Signal, error) {
	data, err := t.client.Get(ctx, t.signalKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var sig signal.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &sig, nil
}

// Recent returns up to n of the symbol's newest signals. Index entries whose
// signal has expired are skipped.
func (t *RedisTracker) Recent(ctx context.Context, symbol string, n int) ([]signal.Signal, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := t.client.ZRevRange(ctx, t.indexKey(symbol), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]signal.Signal, 0, len(ids))
	for _, id := range ids {
		sig, err := t.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, nil
}

// Verify reports whether the stored hash still matches the signal content.
func Verify(sig signal.Signal) bool {
	return sig.VerificationHash != "" && sig.VerificationHash == signal.ContentHash(sig)
}
