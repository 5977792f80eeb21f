package cache

import (
	"context"
	"time"

	"orderdesk/internal/metrics"
	"orderdesk/pkg/logging/logging"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner   Store
	backend string
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Store, backend string) *LoggingStore {
	return &LoggingStore{inner: inner, backend: backend}
}

func (c *LoggingStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	start := time.Now()
	e, ok, err := c.inner.Get(ctx, key)

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.FileCacheLookupsTotal.WithLabelValues(result).Inc()

	fields := c.fields(key, start,
		zap.String("cache_result", result), // hit | miss | error
	)
	if ok {
		fields = append(fields,
			zap.Int64("size_bytes", e.Size),
			zap.Duration("age", time.Since(e.CreatedAt)),
		)
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("file_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("file_cache_get", fields...)
	}

	return e, ok, err
}

func (c *LoggingStore) Put(ctx context.Context, key string, f File) error {
	start := time.Now()
	err := c.inner.Put(ctx, key, f)

	fields := c.fields(key, start,
		zap.String("mime_type", f.MIMEType),
		zap.String("size", humanize.IBytes(uint64(len(f.Data)))),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("file_cache_put", append(fields, zap.Error(err))...)
	} else {
		logger.Info("file_cache_put", fields...)
	}

	return err
}

func (c *LoggingStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := c.inner.Delete(ctx, key)

	fields := c.fields(key, start)
	logger := logging.L(ctx)
	if err != nil {
		logger.Error("file_cache_delete", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("file_cache_delete", fields...)
	}

	return err
}

func (c *LoggingStore) EvictOldest(ctx context.Context) (*Entry, bool, error) {
	e, ok, err := c.inner.EvictOldest(ctx)
	if err != nil {
		logging.L(ctx).Error("file_cache_evict_oldest", zap.String("cache_backend", c.backend), zap.Error(err))
	}
	return e, ok, err
}

// Sweep also refreshes the occupancy gauges, since it runs on a fixed
// schedule.
func (c *LoggingStore) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := c.inner.Sweep(ctx)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("file_cache_sweep", zap.String("cache_backend", c.backend), zap.Error(err))
		return n, err
	}

	st, serr := c.inner.Stats(ctx)
	if serr == nil {
		metrics.FileCacheEntries.Set(float64(st.Items))
		metrics.FileCacheBytes.Set(float64(st.TotalBytes))
	}

	logger.Debug("file_cache_sweep",
		zap.String("cache_backend", c.backend),
		zap.Int("removed", n),
		zap.Int("items", st.Items),
		zap.Int64("total_bytes", st.TotalBytes),
		zap.Float64("latency_ms", latencyMs(start)),
	)
	return n, nil
}

func (c *LoggingStore) Stats(ctx context.Context) (Stats, error) {
	st, err := c.inner.Stats(ctx)
	if err == nil {
		metrics.FileCacheEntries.Set(float64(st.Items))
		metrics.FileCacheBytes.Set(float64(st.TotalBytes))
	}
	return st, err
}

func (c *LoggingStore) fields(key string, start time.Time, extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("cache_backend", c.backend),
		zap.String("file_id", key),
		zap.Float64("latency_ms", latencyMs(start)),
	}, extra...)
}

func latencyMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
