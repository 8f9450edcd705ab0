// Package rescache is the file-backed cache for page sub-resources
// (scripts, styles, fonts, images). The request interceptor serves hits
// locally so repeat captures skip most origin fetches.
package rescache

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
)

// evictTargetRatio is how far below the size budget eviction drains, so a
// single oversized store does not trigger eviction on every subsequent one.
const evictTargetRatio = 0.8

// Meta carries the HTTP facts stored with a body.
type Meta struct {
	URL          string
	ContentType  string
	Status       int
	ResourceType string // browser classification, used on store only
	Size         int64  // uncompressed body size, set on lookup
}

// Stats is the snapshot served by the cache admin endpoints.
type Stats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Stores         int64   `json:"stores"`
	Errors         int64   `json:"errors"`
	TotalSize      int64   `json:"total_size"`
	CleanupRuns    int64   `json:"cleanup_runs"`
	HitRate        float64 `json:"hit_rate"`
	CacheSizeMB    float64 `json:"cache_size_mb"`
	MaxCacheSizeMB float64 `json:"max_cache_size_mb"`
	CachedItems    int     `json:"cached_items"`
	Enabled        bool    `json:"enabled"`
	CacheDir       string  `json:"cache_dir"`
}

type entry struct {
	url         string
	path        string // relative to cache dir, includes compression extension
	size        int64  // uncompressed bytes; budget accounting uses this
	diskSize    int64
	contentType string
	status      int
	createdAt   time.Time
	lastAccess  atomic.Int64 // unix nanos
	accessCount atomic.Int64
}

// sidecarMeta is the persisted form of an entry, one JSON file per body.
type sidecarMeta struct {
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	DiskSize    int64     `json:"disk_size"`
	ContentType string    `json:"content_type"`
	Status      int       `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
}

// Store maps URL fingerprints to file-backed bodies. Reads are concurrent;
// store, eviction, purge and clear are serialized on writeMu.
type Store struct {
	cfg    *config.ResourceCacheConfig
	logger *zap.Logger
	policy *policy

	mu        sync.RWMutex // guards index and totalSize
	index     map[string]*entry
	totalSize int64

	writeMu sync.Mutex

	hits        atomic.Int64
	misses      atomic.Int64
	stores      atomic.Int64
	errors      atomic.Int64
	cleanupRuns atomic.Int64
}

func New(cfg *config.ResourceCacheConfig, logger *zap.Logger) (*Store, error) {
	s := &Store{
		cfg:    cfg,
		logger: logger,
		policy: newPolicy(cfg.AllContent, cfg.PriorityCDNHosts),
		index:  make(map[string]*entry),
	}

	if !cfg.Enabled {
		return s, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}

	logger.Info("Resource cache initialized",
		zap.String("dir", cfg.Dir),
		zap.Int("entries", len(s.index)),
		zap.Int64("total_size", s.totalSize),
		zap.Bool("all_content", cfg.AllContent),
		zap.String("compression", cfg.Compression))

	return s, nil
}

func (s *Store) Enabled() bool {
	return s.cfg.Enabled
}

// Cacheable reports whether a resource may enter the cache, per the
// selective or all-content policy.
func (s *Store) Cacheable(rawURL, resourceType string) bool {
	if !s.cfg.Enabled {
		return false
	}
	return s.policy.cacheable(rawURL, resourceType)
}

// Lookup returns the stored body for rawURL and refreshes its access time.
// Expired, missing and corrupted entries are dropped and report as misses.
func (s *Store) Lookup(rawURL string) ([]byte, Meta, bool) {
	if !s.cfg.Enabled {
		return nil, Meta{}, false
	}

	fp := fingerprint(rawURL)

	s.mu.RLock()
	e, ok := s.index[fp]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, Meta{}, false
	}

	if time.Since(e.createdAt) > s.cfg.TTL {
		s.remove(fp)
		s.misses.Add(1)
		return nil, Meta{}, false
	}

	data, err := os.ReadFile(s.absPath(e.path))
	if err != nil {
		s.logger.Warn("Cache body unreadable, dropping entry",
			zap.String("url", e.url),
			zap.Error(err))
		s.remove(fp)
		s.misses.Add(1)
		s.errors.Add(1)
		return nil, Meta{}, false
	}

	body, err := decompress(data, e.path)
	if err != nil {
		s.logger.Warn("Cache body corrupted, dropping entry",
			zap.String("url", e.url),
			zap.Error(err))
		s.remove(fp)
		s.misses.Add(1)
		s.errors.Add(1)
		return nil, Meta{}, false
	}

	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Add(1)
	s.hits.Add(1)

	return body, Meta{
		URL:         e.url,
		ContentType: e.contentType,
		Status:      e.status,
		Size:        e.size,
	}, true
}

// Store writes a body and its sidecar, replacing any previous entry for the
// same URL. Returns false when the body is too large, the URL fails the
// cacheability policy, or the write fails.
func (s *Store) Store(rawURL string, body []byte, meta Meta) bool {
	if !s.cfg.Enabled {
		return false
	}
	if int64(len(body)) > s.cfg.MaxEntryBytes {
		return false
	}
	if !s.policy.cacheable(rawURL, meta.ResourceType) {
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, ext, err := compress(body, s.cfg.Compression)
	if err != nil {
		s.logger.Error("Cache compression failed",
			zap.String("url", rawURL),
			zap.Error(err))
		s.errors.Add(1)
		return false
	}

	fp := fingerprint(rawURL)
	rel := filepath.Join(fp[:2], fp+ext)
	now := time.Now().UTC()

	if err := writeFileAtomic(s.absPath(rel), data); err != nil {
		s.logger.Error("Cache body write failed",
			zap.String("url", rawURL),
			zap.Error(err))
		s.errors.Add(1)
		return false
	}

	e := &entry{
		url:         rawURL,
		path:        rel,
		size:        int64(len(body)),
		diskSize:    int64(len(data)),
		contentType: meta.ContentType,
		status:      meta.Status,
		createdAt:   now,
	}
	e.lastAccess.Store(now.UnixNano())

	if err := s.writeSidecar(fp, e); err != nil {
		s.logger.Error("Cache sidecar write failed",
			zap.String("url", rawURL),
			zap.Error(err))
		_ = os.Remove(s.absPath(rel))
		s.errors.Add(1)
		return false
	}

	var staleBody string

	s.mu.Lock()
	if old, ok := s.index[fp]; ok {
		s.totalSize -= old.size
		if old.path != rel {
			staleBody = old.path
		}
	}
	s.index[fp] = e
	s.totalSize += e.size
	over := s.totalSize > s.cfg.MaxTotalBytes
	s.mu.Unlock()

	if staleBody != "" {
		_ = os.Remove(s.absPath(staleBody))
	}

	s.stores.Add(1)

	s.logger.Debug("Resource cached",
		zap.String("url", rawURL),
		zap.Int("size", len(body)),
		zap.Int("disk_size", len(data)))

	if over {
		s.evictToFitLocked()
	}

	return true
}

// Cleanup removes expired entries, then evicts least-recently-accessed ones
// until the size budget holds. Returns counts for the admin endpoint.
func (s *Store) Cleanup() (removed, errs int) {
	if !s.cfg.Enabled {
		return 0, 0
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	r1, e1 := s.purgeExpiredLocked()
	r2, e2 := s.evictToFitLocked()
	s.cleanupRuns.Add(1)

	removed = r1 + r2
	errs = e1 + e2

	s.logger.Info("Resource cache cleanup completed",
		zap.Int("removed", removed),
		zap.Int("errors", errs))

	return removed, errs
}

// Clear drops every entry and resets counters.
func (s *Store) Clear() (removed, errs int) {
	if !s.cfg.Enabled {
		return 0, 0
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	fps := make([]string, 0, len(s.index))
	for fp := range s.index {
		fps = append(fps, fp)
	}
	s.mu.RUnlock()

	for _, fp := range fps {
		if s.removeLocked(fp) {
			removed++
		} else {
			errs++
		}
	}

	s.hits.Store(0)
	s.misses.Store(0)
	s.stores.Store(0)
	s.errors.Store(0)
	s.cleanupRuns.Store(0)

	s.logger.Info("Resource cache cleared", zap.Int("removed", removed))
	return removed, errs
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	items := len(s.index)
	total := s.totalSize
	s.mu.RUnlock()

	hits := s.hits.Load()
	misses := s.misses.Load()

	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return Stats{
		Hits:           hits,
		Misses:         misses,
		Stores:         s.stores.Load(),
		Errors:         s.errors.Load(),
		TotalSize:      total,
		CleanupRuns:    s.cleanupRuns.Load(),
		HitRate:        hitRate,
		CacheSizeMB:    float64(total) / (1024 * 1024),
		MaxCacheSizeMB: float64(s.cfg.MaxTotalBytes) / (1024 * 1024),
		CachedItems:    items,
		Enabled:        s.cfg.Enabled,
		CacheDir:       s.cfg.Dir,
	}
}

// Run is the janitor loop; it blocks until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// purgeExpiredLocked requires writeMu.
func (s *Store) purgeExpiredLocked() (removed, errs int) {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for fp, e := range s.index {
		if now.Sub(e.createdAt) > s.cfg.TTL {
			expired = append(expired, fp)
		}
	}
	s.mu.RUnlock()

	for _, fp := range expired {
		if s.removeLocked(fp) {
			removed++
		} else {
			errs++
		}
	}
	return removed, errs
}

// evictToFitLocked requires writeMu. Drains to evictTargetRatio of the
// budget, oldest access first.
func (s *Store) evictToFitLocked() (removed, errs int) {
	s.mu.RLock()
	over := s.totalSize > s.cfg.MaxTotalBytes
	s.mu.RUnlock()
	if !over {
		return 0, 0
	}

	target := int64(float64(s.cfg.MaxTotalBytes) * evictTargetRatio)

	type candidate struct {
		fp   string
		last int64
	}

	s.mu.RLock()
	candidates := make([]candidate, 0, len(s.index))
	for fp, e := range s.index {
		candidates = append(candidates, candidate{fp: fp, last: e.lastAccess.Load()})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last < candidates[j].last })

	for _, c := range candidates {
		s.mu.RLock()
		done := s.totalSize <= target
		s.mu.RUnlock()
		if done {
			break
		}

		if s.removeLocked(c.fp) {
			removed++
		} else {
			errs++
		}
	}

	if removed > 0 {
		s.logger.Debug("Resource cache evicted entries", zap.Int("removed", removed))
	}
	return removed, errs
}

// remove serializes against other writers before dropping fp.
func (s *Store) remove(fp string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.removeLocked(fp)
}

// removeLocked requires writeMu. Returns false when fp was already gone or
// a file deletion failed.
func (s *Store) removeLocked(fp string) bool {
	s.mu.Lock()
	e, ok := s.index[fp]
	if ok {
		delete(s.index, fp)
		s.totalSize -= e.size
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	ok = true
	if err := removeIfExists(s.absPath(e.path)); err != nil {
		s.logger.Warn("Failed to delete cache body",
			zap.String("path", e.path),
			zap.Error(err))
		ok = false
	}
	if err := removeIfExists(s.sidecarPath(fp)); err != nil {
		s.logger.Warn("Failed to delete cache sidecar",
			zap.String("fingerprint", fp),
			zap.Error(err))
		ok = false
	}
	return ok
}

func (s *Store) absPath(rel string) string {
	return filepath.Join(s.cfg.Dir, rel)
}

func (s *Store) sidecarPath(fp string) string {
	return filepath.Join(s.cfg.Dir, fp[:2], fp+".json")
}

func (s *Store) writeSidecar(fp string, e *entry) error {
	meta := sidecarMeta{
		URL:         e.url,
		Path:        e.path,
		Size:        e.size,
		DiskSize:    e.diskSize,
		ContentType: e.contentType,
		Status:      e.status,
		CreatedAt:   e.createdAt,
		LastAccess:  time.Unix(0, e.lastAccess.Load()).UTC(),
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.sidecarPath(fp), data)
}

// loadIndex rebuilds the in-memory index from sidecar files after restart.
// Sidecars without a body file are swept; body files without a sidecar are
// left for the janitor-free path (they are unreachable and harmless).
func (s *Store) loadIndex() error {
	return filepath.WalkDir(s.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		var meta sidecarMeta
		if err := json.Unmarshal(data, &meta); err != nil || meta.Path == "" {
			_ = os.Remove(path)
			return nil
		}

		if _, err := os.Stat(s.absPath(meta.Path)); err != nil {
			_ = os.Remove(path)
			return nil
		}

		fp := strings.TrimSuffix(filepath.Base(path), ".json")
		e := &entry{
			url:         meta.URL,
			path:        meta.Path,
			size:        meta.Size,
			diskSize:    meta.DiskSize,
			contentType: meta.ContentType,
			status:      meta.Status,
			createdAt:   meta.CreatedAt,
		}
		last := meta.LastAccess
		if last.IsZero() {
			last = meta.CreatedAt
		}
		e.lastAccess.Store(last.UnixNano())

		s.index[fp] = e
		s.totalSize += e.size
		return nil
	})
}

// writeFileAtomic writes via temp file + rename so readers never observe a
// partial body.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
