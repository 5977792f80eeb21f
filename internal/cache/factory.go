package cache

import (
	"fmt"
	"time"

	"orderdesk/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Backend string
	Limits  Limits
	Prefix  string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New builds the configured backend wrapped in a LoggingStore. Removals
// are counted by reason and logged at debug level.
func New(cfg Config, redisClient *redis.Client, logger *zap.Logger) (*LoggingStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	onRemove := func(key string, size int64, reason Reason) {
		metrics.FileCacheRemovalsTotal.WithLabelValues(string(reason)).Inc()
		logger.Debug("file_cache_remove",
			zap.String("file_id", key),
			zap.Int64("size_bytes", size),
			zap.String("reason", string(reason)),
		)
	}

	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("cache: %s backend needs a redis client", BackendRedis)
		}
		return NewLoggingStore(NewRedisStore(redisClient, RedisOptions{
			Prefix:   cfg.Prefix,
			Limits:   cfg.Limits,
			Now:      cfg.Now,
			OnRemove: onRemove,
		}), BackendRedis), nil
	case BackendMemory, "":
		return NewLoggingStore(NewMemoryStore(MemoryOptions{
			Limits:   cfg.Limits,
			Now:      cfg.Now,
			OnRemove: onRemove,
		}), BackendMemory), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
