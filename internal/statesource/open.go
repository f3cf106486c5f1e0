package statesource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// Location is a file path, or a redis://, rediss://, http(s):// or ws(s):// URL.
	Location    string
	RedisKey    string
	SettleDelay time.Duration
	// HTTPTimeout bounds each http poll, retries included.
	HTTPTimeout time.Duration
}

// Open picks the transport from the location scheme.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := strings.TrimSpace(cfg.Location)
	if loc == "" {
		return nil, fmt.Errorf("state source location required")
	}

	switch scheme(loc) {
	case "redis", "rediss":
		s, err := NewRedisSource(ctx, loc, cfg.RedisKey, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("state source: redis", zap.String("key", s.key))
		return s, nil
	case "http", "https":
		logger.Info("state source: http", zap.String("url", loc))
		var opts []HTTPOption
		if cfg.HTTPTimeout > 0 {
			opts = append(opts, WithHTTPTimeout(cfg.HTTPTimeout))
		}
		return NewHTTPSource(loc, logger, opts...), nil
	case "ws", "wss":
		s := NewWSSource(loc, logger)
		if err := s.Connect(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case "file":
		loc = strings.TrimPrefix(loc, "file://")
	}
	logger.Info("state source: file", zap.String("path", loc))
	return NewFileSource(loc, cfg.SettleDelay, logger), nil
}

func scheme(loc string) string {
	i := strings.Index(loc, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(loc[:i])
}
