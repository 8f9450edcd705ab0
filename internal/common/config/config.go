package config

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/snapforge/engine/internal/common/logger"
	"github.com/snapforge/engine/pkg/types"
)

// Config is the full capture-service configuration, assembled from the
// environment at startup plus an optional YAML overlay (CONFIG_FILE) for the
// tabular parts (rewrite rules, extra block patterns).
type Config struct {
	Server        ServerConfig
	Log           logger.Config
	Pool          PoolConfig
	Tabs          TabConfig
	Capture       CaptureConfig
	Admission     AdmissionConfig
	ResultCache   ResultCacheConfig
	ResourceCache ResourceCacheConfig
	Interceptor   InterceptorConfig
	Health        HealthConfig
	Batch         BatchConfig
	Watchdog      WatchdogConfig
	Redis         RedisConfig
	Rewrite       RewriteConfig
}

// ServerConfig covers the HTTP boundary.
type ServerConfig struct {
	ID                string
	Listen            string
	MetricsListen     string
	MaxConns          int
	Workers           int
	TrustProxyHeaders bool
	TrustedProxyIPs   []string
}

// PoolConfig tunes the browser pool. Max == 0 means auto-size from RAM.
type PoolConfig struct {
	Min             int
	Max             int
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	CleanupInterval time.Duration
	ScaleThreshold  float64
	ScaleFactor     int
	MaxWaitAttempts int
}

// TabConfig tunes per-browser tab reuse.
type TabConfig struct {
	ReuseEnabled    bool
	MaxPerBrowser   int
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	CleanupInterval time.Duration
	AcquireTimeout  time.Duration
}

// CaptureConfig tunes navigation and screenshotting.
type CaptureConfig struct {
	NavigationTimeoutRegular time.Duration
	NavigationTimeoutComplex time.Duration
	ScreenshotTimeout        time.Duration
	PageCreationTimeout      time.Duration
	ContextCreationTimeout   time.Duration
	SettleTimeout            time.Duration
	RouteSetupTimeout        time.Duration
	RequestDeadline          time.Duration

	MaxFreshRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryJitter     float64

	UserAgent         string
	ArtifactDir       string
	ArtifactURLPrefix string
}

// AdmissionConfig tunes load shedding, queueing and the circuit breaker.
type AdmissionConfig struct {
	CircuitBreakerThreshold  int
	CircuitBreakerResetTime  time.Duration
	MaxConcurrentScreenshots int
	MaxConcurrentContexts    int
	EnableRequestQueue       bool
	MaxQueueSize             int
	QueueTimeout             time.Duration
	EnableLoadShedding       bool
	LoadSheddingThreshold    float64
}

// Result cache backend constants
const (
	ResultCacheBackendMemory = "memory"
	ResultCacheBackendRedis  = "redis"
)

// ResultCacheConfig tunes the completed-screenshot cache.
type ResultCacheConfig struct {
	Enabled  bool
	Backend  string // memory | redis
	TTL      time.Duration
	MaxItems int
}

// ResourceCacheConfig tunes the sub-resource (browser) cache.
type ResourceCacheConfig struct {
	Enabled          bool
	AllContent       bool
	Dir              string
	MaxTotalBytes    int64
	MaxEntryBytes    int64
	TTL              time.Duration
	CleanupInterval  time.Duration
	Compression      string // none | snappy | lz4
	PriorityCDNHosts []string
}

// InterceptorConfig selects request-interception block categories.
type InterceptorConfig struct {
	DisableFonts             bool
	DisableMedia             bool
	DisableAnalytics         bool
	DisableThirdPartyScripts bool
	DisableAds               bool
	DisableSocialWidgets     bool
	ExtraBlockPatterns       []string
}

// HealthConfig tunes the synthetic capture prober.
type HealthConfig struct {
	Enabled  bool
	Interval time.Duration
	URL      string
	Timeout  time.Duration
}

// BatchConfig tunes batch jobs and their persistence.
type BatchConfig struct {
	PersistenceEnabled bool
	PersistenceDir     string
	JobTTL             time.Duration
	DefaultParallel    int
}

// WatchdogConfig tunes the stuck-browser sweeper.
type WatchdogConfig struct {
	Interval                    time.Duration
	MemoryCleanupThreshold      float64
	ForceBrowserRestartInterval time.Duration
	ForceReleaseAfter           time.Duration
	HardStuckAfter              time.Duration
}

// RedisConfig connects the optional redis result-cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RewriteConfig carries the URL rewrite rule table (YAML overlay or empty).
type RewriteConfig struct {
	Rules []types.RewriteRule
}

// Load assembles the configuration from the environment, overlays the
// optional CONFIG_FILE, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ID:                envString("SERVER_ID", "capture-1"),
			Listen:            envString("LISTEN", ":8000"),
			MetricsListen:     envString("METRICS_LISTEN", ":9090"),
			MaxConns:          envInt("MAX_CONNS", 1024),
			Workers:           envInt("WORKERS", 4),
			TrustProxyHeaders: envBool("TRUST_PROXY_HEADERS", false),
			TrustedProxyIPs:   envStringList("TRUSTED_PROXY_IPS"),
		},
		Log: logger.Config{
			Level:  envString("LOG_LEVEL", logger.LevelInfo),
			Format: envString("LOG_FORMAT", logger.FormatConsole),
			File: logger.FileConfig{
				Path:       envString("LOG_FILE", ""),
				MaxSizeMB:  envInt("LOG_FILE_MAX_SIZE_MB", 100),
				MaxBackups: envInt("LOG_FILE_MAX_BACKUPS", 5),
				MaxAgeDays: envInt("LOG_FILE_MAX_AGE_DAYS", 14),
			},
		},
		Pool: PoolConfig{
			Min:             envInt("BROWSER_POOL_MIN", 2),
			Max:             envInt("BROWSER_POOL_MAX", 10),
			IdleTimeout:     envDuration("BROWSER_POOL_IDLE_TIMEOUT", 5*time.Minute),
			MaxAge:          envDuration("BROWSER_POOL_MAX_AGE", time.Hour),
			CleanupInterval: envDuration("BROWSER_POOL_CLEANUP_INTERVAL", time.Minute),
			ScaleThreshold:  envFloat("BROWSER_POOL_SCALE_THRESHOLD", 0.8),
			ScaleFactor:     envInt("BROWSER_POOL_SCALE_FACTOR", 2),
			MaxWaitAttempts: envInt("MAX_WAIT_ATTEMPTS", 5),
		},
		Tabs: TabConfig{
			ReuseEnabled:    envBool("ENABLE_TAB_REUSE", true),
			MaxPerBrowser:   envInt("MAX_TABS_PER_BROWSER", 20),
			IdleTimeout:     envDuration("TAB_IDLE_TIMEOUT", 5*time.Minute),
			MaxAge:          envDuration("TAB_MAX_AGE", 30*time.Minute),
			CleanupInterval: envDuration("TAB_CLEANUP_INTERVAL", time.Minute),
			AcquireTimeout:  envDuration("TAB_ACQUIRE_TIMEOUT", 5*time.Second),
		},
		Capture: CaptureConfig{
			NavigationTimeoutRegular: envDuration("NAVIGATION_TIMEOUT_REGULAR", 20*time.Second),
			NavigationTimeoutComplex: envDuration("NAVIGATION_TIMEOUT_COMPLEX", 45*time.Second),
			ScreenshotTimeout:        envDuration("SCREENSHOT_TIMEOUT", 20*time.Second),
			PageCreationTimeout:      envDuration("PAGE_CREATION_TIMEOUT", 10*time.Second),
			ContextCreationTimeout:   envDuration("CONTEXT_CREATION_TIMEOUT", 10*time.Second),
			SettleTimeout:            envDuration("SETTLE_TIMEOUT", 500*time.Millisecond),
			RouteSetupTimeout:        envDuration("ROUTE_SETUP_TIMEOUT", 2*time.Second),
			RequestDeadline:          envDuration("REQUEST_DEADLINE", 90*time.Second),
			MaxFreshRetries:          envInt("MAX_RETRIES_REGULAR", 3),
			RetryBaseDelay:           envDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:            envDuration("RETRY_MAX_DELAY", 10*time.Second),
			RetryJitter:              envFloat("RETRY_JITTER", 0.1),
			UserAgent:                envString("USER_AGENT", ""),
			ArtifactDir:              envString("ARTIFACT_DIR", "./data/screenshots"),
			ArtifactURLPrefix:        envString("ARTIFACT_URL_PREFIX", "/screenshots"),
		},
		Admission: AdmissionConfig{
			CircuitBreakerThreshold:  envInt("CIRCUIT_BREAKER_THRESHOLD", 5),
			CircuitBreakerResetTime:  envDuration("CIRCUIT_BREAKER_RESET_TIME", 5*time.Minute),
			MaxConcurrentScreenshots: envInt("MAX_CONCURRENT_SCREENSHOTS", 10),
			MaxConcurrentContexts:    envInt("MAX_CONCURRENT_CONTEXTS", 20),
			EnableRequestQueue:       envBool("ENABLE_REQUEST_QUEUE", false),
			MaxQueueSize:             envInt("MAX_QUEUE_SIZE", 100),
			QueueTimeout:             envDuration("QUEUE_TIMEOUT", 30*time.Second),
			EnableLoadShedding:       envBool("ENABLE_LOAD_SHEDDING", true),
			LoadSheddingThreshold:    envFloat("LOAD_SHEDDING_THRESHOLD", 0.85),
		},
		ResultCache: ResultCacheConfig{
			Enabled:  envBool("RESULT_CACHE_ENABLED", true),
			Backend:  envString("RESULT_CACHE_BACKEND", ResultCacheBackendMemory),
			TTL:      envDuration("RESULT_CACHE_TTL", time.Hour),
			MaxItems: envInt("RESULT_CACHE_MAX_ITEMS", 1000),
		},
		ResourceCache: ResourceCacheConfig{
			Enabled:          envBool("RESOURCE_CACHE_ENABLED", true),
			AllContent:       envBool("RESOURCE_CACHE_ALL_CONTENT", false),
			Dir:              envString("RESOURCE_CACHE_DIR", "./data/browser-cache"),
			MaxTotalBytes:    envBytes("RESOURCE_CACHE_MAX_TOTAL_BYTES", 500*1024*1024),
			MaxEntryBytes:    envBytes("RESOURCE_CACHE_MAX_ENTRY_BYTES", 10*1024*1024),
			TTL:              envDuration("RESOURCE_CACHE_TTL", 24*time.Hour),
			CleanupInterval:  envDuration("RESOURCE_CACHE_CLEANUP_INTERVAL", time.Hour),
			Compression:      envString("RESOURCE_CACHE_COMPRESSION", types.CompressionSnappy),
			PriorityCDNHosts: envStringList("PRIORITY_CDN_HOSTS"),
		},
		Interceptor: InterceptorConfig{
			DisableFonts:             envBool("DISABLE_FONTS", false),
			DisableMedia:             envBool("DISABLE_MEDIA", false),
			DisableAnalytics:         envBool("DISABLE_ANALYTICS", true),
			DisableThirdPartyScripts: envBool("DISABLE_THIRD_PARTY_SCRIPTS", false),
			DisableAds:               envBool("DISABLE_ADS", true),
			DisableSocialWidgets:     envBool("DISABLE_SOCIAL_WIDGETS", true),
		},
		Health: HealthConfig{
			Enabled:  envBool("HEALTH_CHECK_ENABLED", true),
			Interval: envDuration("HEALTH_CHECK_INTERVAL", 5*time.Minute),
			URL:      envString("HEALTH_CHECK_URL", "https://example.com/"),
			Timeout:  envDuration("HEALTH_CHECK_TIMEOUT", 30*time.Second),
		},
		Batch: BatchConfig{
			PersistenceEnabled: envBool("BATCH_JOB_PERSISTENCE_ENABLED", true),
			PersistenceDir:     envString("BATCH_JOB_PERSISTENCE_DIR", "./data"),
			JobTTL:             envDuration("BATCH_JOB_TTL", time.Hour),
			DefaultParallel:    envInt("BATCH_DEFAULT_PARALLEL", 3),
		},
		Watchdog: WatchdogConfig{
			Interval:                    envDuration("EMERGENCY_CLEANUP_INTERVAL", 30*time.Second),
			MemoryCleanupThreshold:      envFloat("MEMORY_CLEANUP_THRESHOLD", 0.90),
			ForceBrowserRestartInterval: envDuration("FORCE_BROWSER_RESTART_INTERVAL", time.Hour),
			ForceReleaseAfter:           envDuration("WATCHDOG_FORCE_RELEASE_AFTER", 2*time.Minute),
			HardStuckAfter:              envDuration("WATCHDOG_HARD_STUCK_AFTER", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "127.0.0.1:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
	}

	if path := envString("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (cfg *Config) Validate() error {
	if cfg.Server.ID == "" {
		return fmt.Errorf("SERVER_ID is required")
	}
	if err := ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid LISTEN: %w", err)
	}
	if err := ValidateListenAddress(cfg.Server.MetricsListen); err != nil {
		return fmt.Errorf("invalid METRICS_LISTEN: %w", err)
	}
	apiPort, err1 := GetPortFromListen(cfg.Server.Listen)
	metricsPort, err2 := GetPortFromListen(cfg.Server.MetricsListen)
	if err1 == nil && err2 == nil && apiPort == metricsPort {
		return fmt.Errorf("METRICS_LISTEN port (%d) must differ from LISTEN port (%d)", metricsPort, apiPort)
	}
	if cfg.Server.MaxConns <= 0 {
		return fmt.Errorf("MAX_CONNS must be positive")
	}
	if cfg.Server.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}

	if cfg.Pool.Min < 0 {
		return fmt.Errorf("BROWSER_POOL_MIN must be >= 0")
	}
	if cfg.Pool.Max < 0 {
		return fmt.Errorf("BROWSER_POOL_MAX must be >= 0 (0 = auto)")
	}
	if cfg.Pool.Max > 0 && cfg.Pool.Min > cfg.Pool.Max {
		return fmt.Errorf("BROWSER_POOL_MIN (%d) must not exceed BROWSER_POOL_MAX (%d)", cfg.Pool.Min, cfg.Pool.Max)
	}
	if cfg.Pool.ScaleThreshold <= 0 || cfg.Pool.ScaleThreshold > 1 {
		return fmt.Errorf("BROWSER_POOL_SCALE_THRESHOLD must be in (0, 1], got %v", cfg.Pool.ScaleThreshold)
	}
	if cfg.Pool.ScaleFactor < 1 {
		return fmt.Errorf("BROWSER_POOL_SCALE_FACTOR must be >= 1")
	}
	if cfg.Pool.MaxWaitAttempts < 1 {
		return fmt.Errorf("MAX_WAIT_ATTEMPTS must be >= 1")
	}

	if cfg.Tabs.MaxPerBrowser < 1 {
		return fmt.Errorf("MAX_TABS_PER_BROWSER must be >= 1")
	}

	if cfg.Capture.NavigationTimeoutRegular <= 0 || cfg.Capture.NavigationTimeoutComplex <= 0 {
		return fmt.Errorf("navigation timeouts must be positive")
	}
	if cfg.Capture.ScreenshotTimeout <= 0 {
		return fmt.Errorf("SCREENSHOT_TIMEOUT must be positive")
	}
	if cfg.Capture.MaxFreshRetries < 0 {
		return fmt.Errorf("MAX_RETRIES_REGULAR must be >= 0")
	}
	if cfg.Capture.RetryJitter < 0 || cfg.Capture.RetryJitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1], got %v", cfg.Capture.RetryJitter)
	}
	if cfg.Capture.ArtifactDir == "" {
		return fmt.Errorf("ARTIFACT_DIR is required")
	}

	if cfg.Admission.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be >= 1")
	}
	if cfg.Admission.MaxConcurrentScreenshots < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SCREENSHOTS must be >= 1")
	}
	if cfg.Admission.MaxConcurrentContexts < cfg.Admission.MaxConcurrentScreenshots {
		return fmt.Errorf("MAX_CONCURRENT_CONTEXTS (%d) must be >= MAX_CONCURRENT_SCREENSHOTS (%d)",
			cfg.Admission.MaxConcurrentContexts, cfg.Admission.MaxConcurrentScreenshots)
	}
	if cfg.Admission.EnableRequestQueue && cfg.Admission.MaxQueueSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be >= 1 when ENABLE_REQUEST_QUEUE is set")
	}
	if cfg.Admission.LoadSheddingThreshold <= 0 || cfg.Admission.LoadSheddingThreshold > 1 {
		return fmt.Errorf("LOAD_SHEDDING_THRESHOLD must be in (0, 1], got %v", cfg.Admission.LoadSheddingThreshold)
	}

	if cfg.ResultCache.Backend != ResultCacheBackendMemory && cfg.ResultCache.Backend != ResultCacheBackendRedis {
		return fmt.Errorf("RESULT_CACHE_BACKEND must be memory or redis, got %q", cfg.ResultCache.Backend)
	}
	if cfg.ResultCache.Enabled && cfg.ResultCache.MaxItems < 1 {
		return fmt.Errorf("RESULT_CACHE_MAX_ITEMS must be >= 1")
	}
	if cfg.ResultCache.Backend == ResultCacheBackendRedis && cfg.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis result cache backend")
	}

	switch cfg.ResourceCache.Compression {
	case types.CompressionNone, types.CompressionSnappy, types.CompressionLZ4:
	default:
		return fmt.Errorf("RESOURCE_CACHE_COMPRESSION must be none, snappy or lz4, got %q", cfg.ResourceCache.Compression)
	}
	if cfg.ResourceCache.Enabled {
		if cfg.ResourceCache.Dir == "" {
			return fmt.Errorf("RESOURCE_CACHE_DIR is required")
		}
		if cfg.ResourceCache.MaxEntryBytes <= 0 || cfg.ResourceCache.MaxTotalBytes <= 0 {
			return fmt.Errorf("resource cache size limits must be positive")
		}
		if cfg.ResourceCache.MaxEntryBytes > cfg.ResourceCache.MaxTotalBytes {
			return fmt.Errorf("RESOURCE_CACHE_MAX_ENTRY_BYTES must not exceed RESOURCE_CACHE_MAX_TOTAL_BYTES")
		}
	}

	if cfg.Health.Enabled {
		if cfg.Health.URL == "" {
			return fmt.Errorf("HEALTH_CHECK_URL is required when health checks are enabled")
		}
		if cfg.Health.Interval <= 0 {
			return fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive")
		}
	}

	if cfg.Batch.PersistenceEnabled && cfg.Batch.PersistenceDir == "" {
		return fmt.Errorf("BATCH_JOB_PERSISTENCE_DIR is required when persistence is enabled")
	}
	if cfg.Batch.DefaultParallel < 1 || cfg.Batch.DefaultParallel > types.MaxBatchParallel {
		return fmt.Errorf("BATCH_DEFAULT_PARALLEL must be in [1, %d]", types.MaxBatchParallel)
	}

	if cfg.Watchdog.MemoryCleanupThreshold <= 0 || cfg.Watchdog.MemoryCleanupThreshold > 1 {
		return fmt.Errorf("MEMORY_CLEANUP_THRESHOLD must be in (0, 1], got %v", cfg.Watchdog.MemoryCleanupThreshold)
	}
	if cfg.Watchdog.ForceReleaseAfter >= cfg.Watchdog.HardStuckAfter {
		return fmt.Errorf("WATCHDOG_FORCE_RELEASE_AFTER must be below WATCHDOG_HARD_STUCK_AFTER")
	}

	validLogLevels := map[string]bool{
		logger.LevelDebug: true,
		logger.LevelInfo:  true,
		logger.LevelWarn:  true,
		logger.LevelError: true,
	}
	if !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", cfg.Log.Level)
	}

	return nil
}

// EffectivePoolMax resolves BROWSER_POOL_MAX, auto-sizing from system RAM
// when set to 0: (total - 2GB reserve) / 500MB per browser, clamped to [2, 50].
func (cfg *Config) EffectivePoolMax() int {
	if cfg.Pool.Max > 0 {
		return cfg.Pool.Max
	}
	return autoPoolSize()
}

// autoPoolSize calculates pool size based on system RAM
func autoPoolSize() int {
	v, err := mem.VirtualMemory()
	var totalRAMBytes int64

	if err != nil {
		// Conservative estimate if system memory cannot be read
		totalRAMBytes = int64(8 * 1024 * 1024 * 1024)
	} else {
		totalRAMBytes = int64(v.Total)
	}

	// Reserve 2GB for the system, budget 500MB per browser
	reservedBytes := int64(2 * 1024 * 1024 * 1024)
	browserBytes := int64(500 * 1024 * 1024)

	poolSize := int((totalRAMBytes - reservedBytes) / browserBytes)

	if poolSize < 2 {
		poolSize = 2
	}
	if poolSize > 50 {
		poolSize = 50
	}

	return poolSize
}
