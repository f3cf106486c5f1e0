package statesource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisKey = "chaturaji:state"

// RedisSource reads the state document stored as a JSON string under one key.
type RedisSource struct {
	rdb    *redis.Client
	key    string
	logger *zap.Logger
	last   string
}

func NewRedisSource(ctx context.Context, redisURL, key string, logger *zap.Logger) (*RedisSource, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisSource(rdb, key, logger), nil
}

func newRedisSource(rdb *redis.Client, key string, logger *zap.Logger) *RedisSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{rdb: rdb, key: key, logger: logger}
}

func (s *RedisSource) Latest(ctx context.Context) (Observation, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return Observation{}, false, nil
	}
	if err != nil {
		return Observation{}, false, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	if raw == s.last {
		return Observation{}, false, nil
	}
	obs, err := Decode([]byte(raw))
	if err != nil {
		return Observation{}, false, err
	}
	s.last = raw
	return obs, true, nil
}

// Publish stores obs under the source key.
func (s *RedisSource) Publish(ctx context.Context, obs Observation) error {
	data, err := Encode(obs)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSource) Reset(ctx context.Context) error {
	if err := s.Publish(ctx, Empty()); err != nil {
		return err
	}
	s.logger.Info("state key reset", zap.String("key", s.key))
	return nil
}

func (s *RedisSource) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
