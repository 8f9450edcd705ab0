package resultcache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/internal/common/redis"
)

// redisKeyPrefix namespaces result entries so admin scans and Clear never
// touch keys owned by other subsystems sharing the same redis.
const redisKeyPrefix = "capture:result:"

// Redis stores completed captures in redis with a per-key TTL. MaxItems is
// not enforced here; capacity is governed by the server's eviction policy.
type Redis struct {
	cfg    *config.ResultCacheConfig
	client *redis.Client
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis builds the redis-backed backend.
func NewRedis(cfg *config.ResultCacheConfig, client *redis.Client, logger *zap.Logger) *Redis {
	if cfg.Enabled {
		logger.Info("result cache ready",
			zap.String("backend", config.ResultCacheBackendRedis),
			zap.Duration("ttl", cfg.TTL))
	}
	return &Redis{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

func (r *Redis) Get(ctx context.Context, url string, width, height int, format string) (string, bool) {
	if !r.cfg.Enabled {
		return "", false
	}
	data, found, err := r.client.GetBytes(ctx, redisKeyPrefix+Key(url, width, height, format))
	if err != nil {
		r.logger.Warn("result cache get failed", zap.String("url", url), zap.Error(err))
		r.misses.Add(1)
		return "", false
	}
	if !found {
		r.misses.Add(1)
		return "", false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		r.logger.Warn("result cache entry corrupt", zap.String("url", url), zap.Error(err))
		r.misses.Add(1)
		return "", false
	}
	r.hits.Add(1)
	return entry.ArtifactURL, true
}

func (r *Redis) Put(ctx context.Context, url string, width, height int, format string, artifactURL string) {
	if !r.cfg.Enabled {
		return
	}
	data, err := json.Marshal(Entry{
		URL:         url,
		ArtifactURL: artifactURL,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		r.logger.Warn("result cache encode failed", zap.String("url", url), zap.Error(err))
		return
	}
	key := redisKeyPrefix + Key(url, width, height, format)
	if err := r.client.Set(ctx, key, data, r.cfg.TTL); err != nil {
		r.logger.Warn("result cache put failed", zap.String("url", url), zap.Error(err))
	}
}

// InvalidateByURL scans the namespace and removes every entry produced
// from the given page URL. Linear in the number of entries.
func (r *Redis) InvalidateByURL(ctx context.Context, url string) int {
	keys, err := r.client.ScanKeys(ctx, redisKeyPrefix+"*")
	if err != nil {
		r.logger.Warn("result cache scan failed", zap.Error(err))
		return 0
	}
	removed := 0
	for _, key := range keys {
		data, found, err := r.client.GetBytes(ctx, key)
		if err != nil || !found {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.URL != url {
			continue
		}
		if err := r.client.Del(ctx, key); err != nil {
			r.logger.Warn("result cache delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("result cache invalidated by url",
			zap.String("url", url),
			zap.Int("removed", removed))
	}
	return removed
}

func (r *Redis) Clear(ctx context.Context) int {
	keys, err := r.client.ScanKeys(ctx, redisKeyPrefix+"*")
	if err != nil {
		r.logger.Warn("result cache scan failed", zap.Error(err))
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	if err := r.client.Del(ctx, keys...); err != nil {
		r.logger.Warn("result cache clear failed", zap.Error(err))
		return 0
	}
	r.logger.Info("result cache cleared", zap.Int("removed", len(keys)))
	return len(keys)
}

func (r *Redis) Stats(ctx context.Context) Stats {
	size := 0
	if keys, err := r.client.ScanKeys(ctx, redisKeyPrefix+"*"); err == nil {
		size = len(keys)
	}
	hits := r.hits.Load()
	misses := r.misses.Load()
	return Stats{
		Enabled:    r.cfg.Enabled,
		Backend:    config.ResultCacheBackendRedis,
		Size:       size,
		MaxSize:    r.cfg.MaxItems,
		TTLSeconds: int(r.cfg.TTL.Seconds()),
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
	}
}
