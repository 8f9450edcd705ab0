// Package resultcache remembers finished captures so identical requests
// return the published artifact without touching a browser.
package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/internal/common/redis"
)

// Key derives the fingerprint for a capture request. Identical
// (url, width, height, format) tuples collide by construction; any
// difference separates them.
func Key(url string, width, height int, format string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d:%s", url, width, height, format)))
	return hex.EncodeToString(sum[:])
}

// Entry is the cached value: where the artifact lives and which page URL
// produced it. The URL is stored so invalidation by URL can scan values.
type Entry struct {
	URL         string    `json:"url"`
	ArtifactURL string    `json:"artifact_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats is the snapshot served by GET /cache/stats.
type Stats struct {
	Enabled    bool    `json:"enabled"`
	Backend    string  `json:"backend"`
	Size       int     `json:"size"`
	MaxSize    int     `json:"max_size"`
	TTLSeconds int     `json:"ttl_seconds"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// Cache is implemented by the memory and redis backends. Get refreshes
// recency on hit. Callers that bypass the cache skip both Get and Put.
type Cache interface {
	Get(ctx context.Context, url string, width, height int, format string) (string, bool)
	Put(ctx context.Context, url string, width, height int, format string, artifactURL string)
	InvalidateByURL(ctx context.Context, url string) int
	Clear(ctx context.Context) int
	Stats(ctx context.Context) Stats
}

// New selects the backend named by RESULT_CACHE_BACKEND.
func New(cfg *config.ResultCacheConfig, redisClient *redis.Client, logger *zap.Logger) (Cache, error) {
	switch cfg.Backend {
	case config.ResultCacheBackendMemory:
		return NewMemory(cfg, logger), nil
	case config.ResultCacheBackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("result cache backend %q requires a redis client", cfg.Backend)
		}
		return NewRedis(cfg, redisClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown result cache backend %q", cfg.Backend)
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
