// Package cache stores assembled timelines in Redis so repeated requests for
// the same capture skip the engine.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/telemetry/correlation"
)

const keyPrefix = "tracealign:timeline:"

// ResultCache caches correlation results keyed by input and settings.
type ResultCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewClient creates a redis client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.RedisPassword(),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// New creates a result cache. A nil client disables caching.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{redis: client, ttl: ttl, logger: logger}
}

// Enabled reports whether a redis client is configured.
func (c *ResultCache) Enabled() bool {
	return c != nil && c.redis != nil
}

// Key derives the cache key from the raw record and the engine settings
// that change the output.
func Key(record []byte, cfg config.CorrelationConfig) string {
	h := sha256.New()
	h.Write(record)
	for _, f := range []float64{cfg.Offset, cfg.Threshold, cfg.TimeInterval} {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(f, 'g', -1, 64)))
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(cfg.MaxBuckets)))
	for _, s := range []string{cfg.ClassTag, cfg.Tor2WebMarker, cfg.Title} {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key. found is false on a miss.
func (c *ResultCache) Get(ctx context.Context, key string) (result *correlation.Result, found bool, err error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	result = &correlation.Result{}
	if err := json.Unmarshal(data, result); err != nil {
		c.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.redis.Del(ctx, key).Err()
		return nil, false, nil
	}
	return result, true, nil
}

// Set stores result under key for the configured TTL.
func (c *ResultCache) Set(ctx context.Context, key string, result *correlation.Result) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Ping checks redis connectivity.
func (c *ResultCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}
