package resultcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
)

// Memory keeps completed captures in an in-process LRU with per-entry TTL.
// The LRU evicts the least recently used entry once MaxItems is reached.
type Memory struct {
	cfg    *config.ResultCacheConfig
	lru    *expirable.LRU[string, Entry]
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory builds the in-process backend.
func NewMemory(cfg *config.ResultCacheConfig, logger *zap.Logger) *Memory {
	m := &Memory{
		cfg:    cfg,
		logger: logger,
	}
	m.lru = expirable.NewLRU[string, Entry](cfg.MaxItems, nil, cfg.TTL)
	if cfg.Enabled {
		logger.Info("result cache ready",
			zap.String("backend", config.ResultCacheBackendMemory),
			zap.Int("max_items", cfg.MaxItems),
			zap.Duration("ttl", cfg.TTL))
	}
	return m
}

func (m *Memory) Get(_ context.Context, url string, width, height int, format string) (string, bool) {
	if !m.cfg.Enabled {
		return "", false
	}
	entry, ok := m.lru.Get(Key(url, width, height, format))
	if !ok {
		m.misses.Add(1)
		return "", false
	}
	m.hits.Add(1)
	return entry.ArtifactURL, true
}

func (m *Memory) Put(_ context.Context, url string, width, height int, format string, artifactURL string) {
	if !m.cfg.Enabled {
		return
	}
	m.lru.Add(Key(url, width, height, format), Entry{
		URL:         url,
		ArtifactURL: artifactURL,
		CreatedAt:   time.Now(),
	})
}

// InvalidateByURL removes every entry produced from the given page URL,
// whatever its dimensions or format. Linear in the number of entries.
func (m *Memory) InvalidateByURL(_ context.Context, url string) int {
	removed := 0
	for _, key := range m.lru.Keys() {
		entry, ok := m.lru.Peek(key)
		if !ok {
			continue
		}
		if entry.URL == url {
			m.lru.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("result cache invalidated by url",
			zap.String("url", url),
			zap.Int("removed", removed))
	}
	return removed
}

func (m *Memory) Clear(_ context.Context) int {
	removed := m.lru.Len()
	m.lru.Purge()
	m.logger.Info("result cache cleared", zap.Int("removed", removed))
	return removed
}

func (m *Memory) Stats(_ context.Context) Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	return Stats{
		Enabled:    m.cfg.Enabled,
		Backend:    config.ResultCacheBackendMemory,
		Size:       m.lru.Len(),
		MaxSize:    m.cfg.MaxItems,
		TTLSeconds: int(m.cfg.TTL.Seconds()),
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
	}
}
