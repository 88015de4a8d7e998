package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisWeightStore keeps the latest weight snapshot so a restart resumes
// from learned weights instead of the configured base.
type RedisWeightStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisWeightStore(client redis.Cmdable, prefix string) *RedisWeightStore {
	return &RedisWeightStore{client: client, key: prefix + ":weights"}
}

func (s *RedisWeightStore) Save(ctx context.Context, weights map[string]float64) error {
	data, err := json.Marshal(weights)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	return nil
}

// Load returns nil without error when nothing was saved.
func (s *RedisWeightStore) Load(ctx context.Context) (map[string]float64, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	var w map[string]float64
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	return w, nil
}
